package devices

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/capture"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/castprotocol"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/metrics"
)

// DefaultStatusInterval is how often running devices are asked for status.
const DefaultStatusInterval = 10 * time.Second

// Discovery sources.
const (
	SourceMDNS   = "mdns"
	SourceSSDP   = "ssdp"
	SourceStatic = "static"
)

// Discovered describes a cast device found on the network.
type Discovered struct {
	Host         string
	Port         int
	USN          string
	FriendlyName string
	Source       string
	Location     string
}

// Address returns host:port of the control channel, or the bare host when
// the default port applies.
func (d Discovered) Address() string {
	if d.Port == 0 || d.Port == castprotocol.DefaultPort {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Sink receives discovered devices.
type Sink interface {
	DeviceAvailable(desc Discovered)
}

// RegistryObserver is an optional extension of StateObserver notified when
// a new device is created.
type RegistryObserver interface {
	DeviceAdded(d *Device)
}

// Registry owns every Device. It is safe for concurrent use: discovery adds
// devices while the capture path and the status poller iterate snapshots.
type Registry struct {
	settings *Settings
	observer StateObserver
	opts     []DeviceOption

	mu        sync.RWMutex
	byHost    map[string]*Device
	usns      map[string]string
	order     []*Device
	autoStart bool
	disposed  bool

	Logger zerolog.Logger
}

func NewRegistry(settings *Settings, observer StateObserver, opts ...DeviceOption) *Registry {
	if settings == nil {
		settings = NewSettings()
	}
	return &Registry{
		settings: settings,
		observer: observer,
		opts:     opts,
		byHost:   make(map[string]*Device),
		usns:     make(map[string]string),
		Logger:   zerolog.Nop(),
	}
}

func (r *Registry) Settings() *Settings {
	return r.settings
}

// SetAutoStart makes newly discovered devices launch the stream right away.
func (r *Registry) SetAutoStart(enabled bool) {
	r.mu.Lock()
	r.autoStart = enabled
	r.mu.Unlock()
}

// SetStreamURL updates the URL devices LOAD on their next click.
func (r *Registry) SetStreamURL(u string) {
	r.settings.SetStreamURL(u)
}

// DeviceAvailable registers desc. A known host only gets its descriptor
// refreshed; an unknown host advertising an already known USN is the same
// device seen on another interface and is skipped.
func (r *Registry) DeviceAvailable(desc Discovered) {
	if desc.Host == "" {
		return
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}

	if dev, ok := r.byHost[desc.Host]; ok {
		if desc.USN != "" {
			if _, known := r.usns[desc.USN]; !known {
				r.usns[desc.USN] = desc.Host
			}
		}
		r.mu.Unlock()
		dev.refresh(desc)
		return
	}

	if desc.USN != "" {
		if host, known := r.usns[desc.USN]; known {
			r.mu.Unlock()
			r.Logger.Debug().Str("Method", "DeviceAvailable").Str("Host", desc.Host).Str("KnownHost", host).Str("USN", desc.USN).Msg("duplicate device")
			return
		}
	}

	if desc.FriendlyName == "" {
		desc.FriendlyName = desc.Host
	}

	opts := append([]DeviceOption{WithDeviceLogger(r.Logger)}, r.opts...)
	dev := NewDevice(desc, r.settings, r.observer, opts...)
	r.byHost[desc.Host] = dev
	if desc.USN != "" {
		r.usns[desc.USN] = desc.Host
	}
	r.order = append(r.order, dev)
	autoStart := r.autoStart
	metrics.Devices.Set(float64(len(r.order)))
	r.mu.Unlock()

	r.Logger.Info().Str("Method", "DeviceAvailable").Str("Host", desc.Host).Str("Name", desc.FriendlyName).Str("Source", desc.Source).Msg("new device")

	if o, ok := r.observer.(RegistryObserver); ok {
		o.DeviceAdded(dev)
	}

	if autoStart {
		r.guard("autoStart", dev.Click)
	}
}

// Devices returns the managed devices in discovery order.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, len(r.order))
	copy(out, r.order)
	return out
}

// Device returns the device managed for host.
func (r *Registry) Device(host string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byHost[host]
	return d, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// BroadcastAudio hands frame to every device; each decides whether it
// currently streams. The frame is copied once so the capture buffer can be
// reused as soon as this returns.
func (r *Registry) BroadcastAudio(frame capture.Frame) {
	devs := r.Devices()
	if len(devs) == 0 {
		return
	}

	shared := frame.Clone()
	for _, d := range devs {
		r.guard("BroadcastAudio", func() { d.OnAudio(shared) })
	}
}

// PollStatus asks every device with a session for its status.
func (r *Registry) PollStatus() {
	for _, d := range r.Devices() {
		r.guard("PollStatus", d.RequestStatus)
	}
}

// Run polls device status every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatusInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PollStatus()
		}
	}
}

// StopAll stops every device and reports whether any of them was playing.
func (r *Registry) StopAll() bool {
	return len(r.StopPlaying()) > 0
}

// StopPlaying stops every device and returns the ones that were playing.
func (r *Registry) StopPlaying() []*Device {
	var playing []*Device
	for _, d := range r.Devices() {
		r.guard("StopPlaying", func() {
			if d.Stop() {
				playing = append(playing, d)
			}
		})
	}
	return playing
}

// Resume clicks each of devs, used to restart playback after the stream moved.
// Devices disposed in the meantime are skipped.
func (r *Registry) Resume(devs []*Device) {
	for _, d := range devs {
		if d.State() == Disposed {
			continue
		}
		r.guard("Resume", d.Click)
	}
}

// AttachStream gives s to the device whose host is remoteIP. It returns false
// when no device matches.
func (r *Registry) AttachStream(remoteIP string, s StreamSink) bool {
	for _, d := range r.Devices() {
		if sameHost(d.Host(), remoteIP) {
			d.AttachStream(s)
			return true
		}
	}
	return false
}

func sameHost(a, b string) bool {
	if a == b {
		return true
	}
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	return ipA != nil && ipB != nil && ipA.Equal(ipB)
}

// Dispose disposes every device. The registry accepts nothing afterwards.
func (r *Registry) Dispose() {
	r.mu.Lock()
	r.disposed = true
	devs := r.order
	r.order = nil
	r.byHost = make(map[string]*Device)
	r.usns = make(map[string]string)
	metrics.Devices.Set(0)
	r.mu.Unlock()

	for _, d := range devs {
		r.guard("Dispose", d.Dispose)
	}
}

// guard keeps one device's failure from taking down the caller.
func (r *Registry) guard(method string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Logger.Error().Str("Method", method).Interface("Panic", rec).Msg("recovered")
		}
	}()
	fn()
}
