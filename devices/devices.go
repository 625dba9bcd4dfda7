package devices

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DIALSearchTarget is the SSDP search target cast devices answer.
const DIALSearchTarget = "urn:dial-multiscreen-org:service:dial:1"

const (
	defaultSSDPWait     = 2
	defaultSSDPInterval = 30 * time.Second
)

var ErrNoDeviceAvailable = errors.New("ssdp search: no cast devices answered")

var (
	ssdpSearch        = ssdp.Search
	loadFriendlyName  = GetFriendlyName
	friendlyNameRetry = 1
)

// SSDPDiscovery searches for DIAL devices and reports them to a Sink.
type SSDPDiscovery struct {
	sink     Sink
	client   *http.Client
	WaitSec  int
	Interval time.Duration
	// LocalAddr optionally pins the search to one interface address.
	LocalAddr string

	Logger zerolog.Logger
}

func NewSSDPDiscovery(sink Sink, logger zerolog.Logger) *SSDPDiscovery {
	return &SSDPDiscovery{
		sink:     sink,
		client:   newRetryableHTTPClient(friendlyNameRetry),
		WaitSec:  defaultSSDPWait,
		Interval: defaultSSDPInterval,
		Logger:   logger,
	}
}

// Search runs one SSDP search and returns how many devices it reported.
func (s *SSDPDiscovery) Search(ctx context.Context) (int, error) {
	list, err := ssdpSearch(DIALSearchTarget, s.WaitSec, s.LocalAddr)
	if err != nil {
		return 0, errors.Wrap(err, "ssdp search")
	}

	seen := make(map[string]struct{})
	for _, srv := range list {
		if srv.Type != DIALSearchTarget || srv.Location == "" {
			continue
		}

		loc, err := url.Parse(srv.Location)
		if err != nil || loc.Hostname() == "" {
			continue
		}

		host := loc.Hostname()
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}

		desc := Discovered{
			Host:     host,
			USN:      normalizeUSN(usnUUID(srv.USN)),
			Source:   SourceSSDP,
			Location: srv.Location,
		}

		name, err := loadFriendlyName(ctx, s.client, srv.Location)
		if err != nil || name == "" {
			s.Logger.Debug().Str("Method", "Search").Str("Location", srv.Location).Err(err).Msg("no friendly name")
			name = host
		}
		desc.FriendlyName = name

		s.sink.DeviceAvailable(desc)
	}

	if len(seen) == 0 {
		return 0, ErrNoDeviceAvailable
	}

	return len(seen), nil
}

// Run searches every Interval until ctx is done.
func (s *SSDPDiscovery) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultSSDPInterval
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := s.Search(ctx); err != nil && !errors.Is(err, ErrNoDeviceAvailable) {
			s.Logger.Warn().Str("Method", "Run").Err(err).Msg("ssdp discovery")
		}

		timer.Reset(interval)
	}
}

// usnUUID strips the "::urn:..." suffix of a USN so the same device
// advertising several services maps to one id.
func usnUUID(usn string) string {
	if idx := strings.Index(usn, "::"); idx >= 0 {
		usn = usn[:idx]
	}
	return strings.TrimPrefix(usn, "uuid:")
}

// normalizeUSN makes SSDP uuids and mDNS ids of the same device compare
// equal.
func normalizeUSN(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "-", ""))
}
