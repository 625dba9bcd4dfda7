package devices

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	googlecastService = "_googlecast._tcp"
	// mDNS query timeout per request
	chromecastQueryTimeout = 750 * time.Millisecond
	// Faster polling while nothing was found yet
	chromecastPollIntervalFast = 1 * time.Second
	// Slower polling once at least one device is known to reduce network load
	chromecastPollIntervalSlow = 4 * time.Second
	// Interface refresh cadence for add/remove changes
	chromecastIfaceRefreshInterval = 20 * time.Second
	eurekaLookupTimeout            = 3 * time.Second
)

// mdnsQuery is swapped in tests.
var mdnsQuery = mdns.Query

// MDNSDiscovery browses _googlecast._tcp on every active interface and
// reports each device to a Sink. Friendly names come from the device's
// eureka_info endpoint, then the fn= TXT record, then the bare IP.
type MDNSDiscovery struct {
	sink   Sink
	client *http.Client

	mu    sync.Mutex
	known map[string]Discovered

	Logger zerolog.Logger
}

func NewMDNSDiscovery(sink Sink, logger zerolog.Logger) *MDNSDiscovery {
	return &MDNSDiscovery{
		sink:   sink,
		client: newRetryableHTTPClient(1),
		known:  make(map[string]Discovered),
		Logger: logger,
	}
}

func (m *MDNSDiscovery) pollInterval() time.Duration {
	m.mu.Lock()
	hasDevices := len(m.known) > 0
	m.mu.Unlock()
	if hasDevices {
		return chromecastPollIntervalSlow
	}
	return chromecastPollIntervalFast
}

// handleEntry turns one mDNS answer into a Discovered and forwards it when
// the device is new or its name changed.
func (m *MDNSDiscovery) handleEntry(ctx context.Context, entry *mdns.ServiceEntry) {
	if entry == nil || entry.AddrV4 == nil {
		return
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return
	}

	host := entry.AddrV4.String()
	desc := Discovered{
		Host:   host,
		Port:   entry.Port,
		Source: SourceMDNS,
	}

	var txtName string
	for _, txt := range entry.InfoFields {
		if after, ok := strings.CutPrefix(txt, "id="); ok {
			desc.USN = normalizeUSN(after)
		}
		if after, ok := strings.CutPrefix(txt, "fn="); ok {
			txtName = after
		}
	}

	m.mu.Lock()
	prev, seen := m.known[host]
	m.mu.Unlock()

	if seen && prev.USN == desc.USN && prev.Port == desc.Port {
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, eurekaLookupTimeout)
	name, err := GetEurekaName(lookupCtx, m.client, host)
	cancel()
	switch {
	case err == nil:
		desc.FriendlyName = name
	case txtName != "":
		m.Logger.Debug().Str("Method", "handleEntry").Str("Host", host).Err(err).Msg("eureka_info lookup failed, using TXT name")
		desc.FriendlyName = txtName
	default:
		desc.FriendlyName = host
	}

	m.mu.Lock()
	m.known[host] = desc
	m.mu.Unlock()

	m.sink.DeviceAvailable(desc)
}

// Run discovers devices until ctx is done. Each active interface gets its
// own polling worker so multi-homed hosts (VPN, Docker, Hyper-V) still find
// devices on the right network.
func (m *MDNSDiscovery) Run(ctx context.Context) {
	entriesCh := make(chan *mdns.ServiceEntry, 256)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-entriesCh:
				m.handleEntry(ctx, entry)
			}
		}
	}()

	startPollingWorker := func(parent context.Context, iface *net.Interface) context.CancelFunc {
		workerCtx, cancel := context.WithCancel(parent)

		go func() {
			pollTimer := time.NewTimer(0)
			defer pollTimer.Stop()

			for {
				select {
				case <-workerCtx.Done():
					return
				case <-pollTimer.C:
				}

				params := mdns.DefaultParams(googlecastService)
				params.Entries = entriesCh
				params.Timeout = chromecastQueryTimeout
				params.DisableIPv6 = true
				params.WantUnicastResponse = true
				params.Logger = log.New(io.Discard, "", 0)
				if iface != nil {
					params.Interface = iface
				}
				if err := mdnsQuery(params); err != nil {
					m.Logger.Debug().Str("Method", "Run").Err(err).Msg("mdns query")
				}

				pollTimer.Reset(m.pollInterval())
			}
		}()

		return cancel
	}

	pollWorkers := make(map[int]context.CancelFunc)
	refresh := func() {
		interfaces := getActiveNetworkInterfaces()

		active := make(map[int]net.Interface, len(interfaces))
		for _, iface := range interfaces {
			active[iface.Index] = iface

			if _, ok := pollWorkers[iface.Index]; ok {
				continue
			}

			pollIface := iface
			pollWorkers[iface.Index] = startPollingWorker(ctx, &pollIface)
		}

		for idx, cancel := range pollWorkers {
			if idx == -1 {
				continue
			}
			if _, ok := active[idx]; !ok {
				cancel()
				delete(pollWorkers, idx)
			}
		}

		if len(interfaces) == 0 {
			if _, ok := pollWorkers[-1]; !ok {
				pollWorkers[-1] = startPollingWorker(ctx, nil)
			}
		} else if cancel, ok := pollWorkers[-1]; ok {
			cancel()
			delete(pollWorkers, -1)
		}
	}

	refresh()

	refreshTicker := time.NewTicker(chromecastIfaceRefreshInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, cancel := range pollWorkers {
				cancel()
			}
			return
		case <-refreshTicker.C:
			refresh()
		}
	}
}

// getActiveNetworkInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address.
func getActiveNetworkInterfaces() []net.Interface {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				active = append(active, iface)
				break
			}
		}
	}

	return active
}
