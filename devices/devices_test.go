package devices

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexballas/go-ssdp"
	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

type collectingSink struct {
	mu    sync.Mutex
	found []Discovered
	ch    chan struct{}
}

func newCollectingSink() *collectingSink {
	return &collectingSink{ch: make(chan struct{}, 16)}
}

func (c *collectingSink) DeviceAvailable(desc Discovered) {
	c.mu.Lock()
	c.found = append(c.found, desc)
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *collectingSink) all() []Discovered {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Discovered(nil), c.found...)
}

func stubEureka(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	orig := eurekaURL
	t.Cleanup(func() {
		eurekaURL = orig
		srv.Close()
	})
	eurekaURL = func(host string) string {
		return srv.URL + "/setup/eureka_info?options=detail"
	}
}

func TestSSDPSearchReportsDIALDevices(t *testing.T) {
	origSearch := ssdpSearch
	origLoad := loadFriendlyName
	t.Cleanup(func() {
		ssdpSearch = origSearch
		loadFriendlyName = origLoad
	})

	ssdpSearch = func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error) {
		if searchType != DIALSearchTarget {
			t.Fatalf("unexpected search type: %s", searchType)
		}
		return []ssdp.Service{
			{
				Type:     DIALSearchTarget,
				USN:      "uuid:6B0D1D6E-45E5-4b3f-9d1f-000000000001::urn:dial-multiscreen-org:service:dial:1",
				Location: "http://192.168.1.50:8008/ssdp/device-desc.xml",
			},
			{
				Type:     ssdp.RootDevice,
				Location: "http://192.168.1.60:1400/xml/device_description.xml",
			},
			{
				Type:     DIALSearchTarget,
				USN:      "uuid:6B0D1D6E-45E5-4b3f-9d1f-000000000001::upnp:rootdevice",
				Location: "http://192.168.1.50:8008/ssdp/device-desc.xml",
			},
		}, nil
	}

	loadFriendlyName = func(ctx context.Context, client *http.Client, location string) (string, error) {
		if location != "http://192.168.1.50:8008/ssdp/device-desc.xml" {
			t.Fatalf("unexpected location: %s", location)
		}
		return "Living Room", nil
	}

	sink := newCollectingSink()
	s := NewSSDPDiscovery(sink, zerolog.Nop())
	n, err := s.Search(context.Background())
	if err != nil {
		t.Fatalf("Search() err = %v, want nil", err)
	}
	if n != 1 {
		t.Fatalf("Search() = %d, want 1", n)
	}

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("sink got %d devices, want 1", len(got))
	}
	want := Discovered{
		Host:         "192.168.1.50",
		USN:          "6b0d1d6e45e54b3f9d1f000000000001",
		FriendlyName: "Living Room",
		Source:       SourceSSDP,
		Location:     "http://192.168.1.50:8008/ssdp/device-desc.xml",
	}
	if got[0] != want {
		t.Fatalf("Search() reported %+v, want %+v", got[0], want)
	}
}

func TestSSDPSearchFallsBackToHost(t *testing.T) {
	origSearch := ssdpSearch
	origLoad := loadFriendlyName
	t.Cleanup(func() {
		ssdpSearch = origSearch
		loadFriendlyName = origLoad
	})

	ssdpSearch = func(string, int, string) ([]ssdp.Service, error) {
		return []ssdp.Service{{Type: DIALSearchTarget, USN: "uuid:abc", Location: "http://192.168.1.70:8008/dd.xml"}}, nil
	}
	loadFriendlyName = func(context.Context, *http.Client, string) (string, error) {
		return "", errors.New("timeout")
	}

	sink := newCollectingSink()
	if _, err := NewSSDPDiscovery(sink, zerolog.Nop()).Search(context.Background()); err != nil {
		t.Fatalf("Search() err = %v", err)
	}
	if got := sink.all()[0].FriendlyName; got != "192.168.1.70" {
		t.Fatalf("FriendlyName = %q, want host", got)
	}
}

func TestSSDPSearchNoDevices(t *testing.T) {
	origSearch := ssdpSearch
	t.Cleanup(func() { ssdpSearch = origSearch })

	ssdpSearch = func(string, int, string) ([]ssdp.Service, error) {
		return nil, nil
	}

	_, err := NewSSDPDiscovery(newCollectingSink(), zerolog.Nop()).Search(context.Background())
	if !errors.Is(err, ErrNoDeviceAvailable) {
		t.Fatalf("Search() err = %v, want %v", err, ErrNoDeviceAvailable)
	}

	ssdpSearch = func(string, int, string) ([]ssdp.Service, error) {
		return nil, errors.New("no multicast")
	}
	if _, err := NewSSDPDiscovery(newCollectingSink(), zerolog.Nop()).Search(context.Background()); err == nil {
		t.Fatal("Search() err = nil, want search error")
	}
}

func googlecastEntry(ip string, txt ...string) *mdns.ServiceEntry {
	return &mdns.ServiceEntry{
		Name:       "Chromecast-abc._googlecast._tcp.local.",
		AddrV4:     net.ParseIP(ip),
		Port:       8009,
		InfoFields: txt,
	}
}

func TestMDNSEntryUsesEurekaName(t *testing.T) {
	stubEureka(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Kitchen"}`))
	})

	sink := newCollectingSink()
	m := NewMDNSDiscovery(sink, zerolog.Nop())
	m.handleEntry(context.Background(), googlecastEntry("192.168.1.50", "id=ABC-123", "fn=Kitchen TXT"))

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("got %d devices, want 1", len(got))
	}
	if got[0].FriendlyName != "Kitchen" || got[0].USN != "abc123" || got[0].Host != "192.168.1.50" || got[0].Source != SourceMDNS {
		t.Fatalf("unexpected device %+v", got[0])
	}
	if got[0].Address() != "192.168.1.50" {
		t.Fatalf("Address() = %q", got[0].Address())
	}

	// Repeated answers for a known device are not reported again.
	m.handleEntry(context.Background(), googlecastEntry("192.168.1.50", "id=ABC-123", "fn=Kitchen TXT"))
	if n := len(sink.all()); n != 1 {
		t.Fatalf("got %d reports, want 1", n)
	}
}

func TestMDNSEntryNameFallbacks(t *testing.T) {
	stubEureka(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	sink := newCollectingSink()
	m := NewMDNSDiscovery(sink, zerolog.Nop())
	m.handleEntry(context.Background(), googlecastEntry("192.168.1.50", "id=a", "fn=Kitchen TXT"))
	m.handleEntry(context.Background(), googlecastEntry("192.168.1.51", "id=b"))

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("got %d devices, want 2", len(got))
	}
	if got[0].FriendlyName != "Kitchen TXT" {
		t.Fatalf("FriendlyName = %q, want TXT name", got[0].FriendlyName)
	}
	if got[1].FriendlyName != "192.168.1.51" {
		t.Fatalf("FriendlyName = %q, want IP", got[1].FriendlyName)
	}
}

func TestMDNSEntryIgnoresOtherServices(t *testing.T) {
	sink := newCollectingSink()
	m := NewMDNSDiscovery(sink, zerolog.Nop())

	m.handleEntry(context.Background(), nil)
	m.handleEntry(context.Background(), &mdns.ServiceEntry{Name: "printer._ipp._tcp.local.", AddrV4: net.ParseIP("192.168.1.9")})
	m.handleEntry(context.Background(), &mdns.ServiceEntry{Name: "x._googlecast._tcp.local."})

	if n := len(sink.all()); n != 0 {
		t.Fatalf("got %d devices, want 0", n)
	}
}

func TestMDNSRunQueriesGooglecast(t *testing.T) {
	stubEureka(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"Office"}`))
	})

	origQuery := mdnsQuery
	t.Cleanup(func() { mdnsQuery = origQuery })

	var once sync.Once
	mdnsQuery = func(params *mdns.QueryParam) error {
		if params.Service != googlecastService {
			return errors.New("unexpected service " + params.Service)
		}
		once.Do(func() {
			params.Entries <- googlecastEntry("192.168.1.80", "id=office")
		})
		return nil
	}

	sink := newCollectingSink()
	m := NewMDNSDiscovery(sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-sink.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for discovery")
	}
	cancel()
	<-done

	if got := sink.all()[0]; got.FriendlyName != "Office" || got.USN != "office" {
		t.Fatalf("unexpected device %+v", got)
	}
}

func TestParseStaticDevices(t *testing.T) {
	got := ParseStaticDevices(" 192.168.1.20,Bedroom ; bogus,Nope;192.168.1.21;;192.168.1.22, ")
	want := []Discovered{
		{Host: "192.168.1.20", USN: "static:192.168.1.20", FriendlyName: "Bedroom", Source: SourceStatic},
		{Host: "192.168.1.21", USN: "static:192.168.1.21", FriendlyName: "192.168.1.21", Source: SourceStatic},
		{Host: "192.168.1.22", USN: "static:192.168.1.22", FriendlyName: "192.168.1.22", Source: SourceStatic},
	}

	if len(got) != len(want) {
		t.Fatalf("ParseStaticDevices() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParseStaticDevices()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}

	sink := newCollectingSink()
	if n := AddStatic(sink, "10.0.0.5,Desk"); n != 1 || len(sink.all()) != 1 {
		t.Fatalf("AddStatic() = %d", n)
	}
}
