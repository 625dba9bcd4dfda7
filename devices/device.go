package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	pb "github.com/vishen/go-chromecast/cast/proto"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/capture"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/castprotocol"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/metrics"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/utils"
)

// Transport is the control channel a Device talks through.
type Transport interface {
	Send(msg *pb.CastMessage)
	State() castprotocol.ConnState
	Close()
}

// TransportFactory opens the control channel for host, delivering inbound
// traffic to h.
type TransportFactory func(host string, h castprotocol.Handler, logger zerolog.Logger) Transport

// StateObserver is notified after every playback state or detail change.
// Calls happen outside the device lock.
type StateObserver interface {
	DeviceStateChanged(d *Device, state PlaybackState)
}

// StreamSink is the audio stream a device pulls over HTTP.
type StreamSink interface {
	Send(frame capture.Frame)
	Connected() bool
	Close()
}

type timer interface {
	Stop() bool
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

func WithTransport(f TransportFactory) DeviceOption {
	return func(d *Device) { d.newTransport = f }
}

func WithDeviceLogger(l zerolog.Logger) DeviceOption {
	return func(d *Device) { d.Logger = l }
}

func dialTransport(host string, h castprotocol.Handler, logger zerolog.Logger) Transport {
	return castprotocol.NewConnection(host, h, castprotocol.WithLogger(logger))
}

// Device is the session state machine of one cast device. It reacts to user
// clicks and to messages from its Transport, and forwards captured audio to
// the stream the device has opened.
type Device struct {
	settings     *Settings
	observer     StateObserver
	activity     *ActivityLog
	newTransport TransportFactory
	conn         Transport

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu             sync.Mutex
	desc           Discovered
	state          PlaybackState
	detail         string
	sourceID       string
	transportID    string
	sessionID      string
	mediaSessionID int
	requestID      int
	// Virtual connections the device knows about on the current socket.
	platformConnected  bool
	transportConnected bool
	connState          castprotocol.ConnState
	level              float64
	muted              bool
	volume             *volumeGate
	volumeTimer        timer
	userStopped        bool
	restartTimer       timer
	stream             StreamSink
	events             []PlaybackState

	Logger zerolog.Logger
}

// NewDevice creates the session for a discovered device. Nothing is sent
// until the first Click.
func NewDevice(desc Discovered, settings *Settings, observer StateObserver, opts ...DeviceOption) *Device {
	if settings == nil {
		settings = NewSettings()
	}

	d := &Device{
		settings:     settings,
		observer:     observer,
		activity:     NewActivityLog(defaultActivityLogSize),
		newTransport: dialTransport,
		now:          time.Now,
		afterFunc: func(dur time.Duration, f func()) timer {
			return time.AfterFunc(dur, f)
		},
		desc:     desc,
		sourceID: utils.NewSourceID(),
		volume:   newVolumeGate(),
		Logger:   zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.Logger = d.Logger.With().Str("Host", desc.Host).Logger()
	d.conn = d.newTransport(desc.Address(), d, d.Logger)
	return d
}

func (d *Device) Host() string {
	return d.desc.Host
}

func (d *Device) USN() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desc.USN
}

func (d *Device) FriendlyName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.desc.FriendlyName
}

func (d *Device) SourceID() string {
	return d.sourceID
}

// Activity returns the device's protocol log.
func (d *Device) Activity() *ActivityLog {
	return d.activity
}

// Status is a snapshot of a device for display.
type Status struct {
	Host          string
	USN           string
	FriendlyName  string
	State         PlaybackState
	Detail        string
	Level         float64
	Muted         bool
	Connection    castprotocol.ConnState
	LastKeepAlive time.Time
	Streaming     bool
}

func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Status{
		Host:          d.desc.Host,
		USN:           d.desc.USN,
		FriendlyName:  d.desc.FriendlyName,
		State:         d.state,
		Detail:        d.detail,
		Level:         d.volume.target(d.level),
		Muted:         d.volume.targetMuted(d.muted),
		Connection:    d.connState,
		LastKeepAlive: d.activity.LastKeepAlive(),
		Streaming:     d.stream != nil && d.stream.Connected(),
	}
}

// State returns the current playback state.
func (d *Device) State() PlaybackState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// refresh updates the descriptor of an already known host.
func (d *Device) refresh(desc Discovered) {
	d.update(func() {
		if desc.FriendlyName != "" && desc.FriendlyName != d.desc.FriendlyName {
			d.desc.FriendlyName = desc.FriendlyName
			d.events = append(d.events, d.state)
		}
		if d.desc.USN == "" {
			d.desc.USN = desc.USN
		}
		if desc.Location != "" {
			d.desc.Location = desc.Location
		}
	})
}

// update runs fn under the device lock and then notifies the observer of the
// state changes fn queued.
func (d *Device) update(fn func()) {
	d.mu.Lock()
	fn()
	events := d.events
	d.events = nil
	d.mu.Unlock()

	if d.observer == nil {
		return
	}
	for _, s := range events {
		d.observer.DeviceStateChanged(d, s)
	}
}

func (d *Device) setStateLocked(s PlaybackState, detail string) {
	if d.state == s && d.detail == detail {
		return
	}

	if d.state != s {
		d.Logger.Debug().Str("Method", "setState").Str("From", d.state.String()).Str("To", s.String()).Msg("playback state")
	}

	d.state = s
	d.detail = detail
	d.events = append(d.events, s)
}

func (d *Device) nextRequestIDLocked() int {
	d.requestID++
	return d.requestID
}

func (d *Device) sendLocked(msgType string, msg *pb.CastMessage, detail string) {
	metrics.CastMessages.WithLabelValues("out", msgType).Inc()
	switch msgType {
	case castprotocol.TypePing, castprotocol.TypePong:
		d.activity.KeepAlive()
	default:
		d.activity.Record(Outbound, msgType, detail)
	}
	d.conn.Send(msg)
}

func (d *Device) ensurePlatformLocked() {
	if d.platformConnected {
		return
	}
	d.platformConnected = true
	d.sendLocked(castprotocol.TypeConnect, castprotocol.Connect(castprotocol.DefaultSourceID, castprotocol.DefaultDestinationID), castprotocol.DefaultDestinationID)
}

func (d *Device) ensureTransportLocked() {
	if d.transportConnected || d.transportID == "" {
		return
	}
	d.transportConnected = true
	d.sendLocked(castprotocol.TypeConnect, castprotocol.Connect(d.sourceID, d.transportID), d.transportID)
}

// Click performs the action the current state calls for: pause while
// playing, (re)load the stream once the receiver application runs, or the
// full launch sequence otherwise.
func (d *Device) Click() {
	d.update(func() {
		switch ClickActionFor(d.state) {
		case ActionPause:
			d.pauseLocked()
		case ActionLoad:
			d.loadLocked()
		case ActionLaunch:
			d.launchLocked()
		}
	})
}

func (d *Device) pauseLocked() {
	d.ensureTransportLocked()
	id := d.nextRequestIDLocked()
	d.sendLocked(castprotocol.TypePause, castprotocol.Pause(d.sourceID, d.transportID, id, d.mediaSessionID), fmt.Sprintf("mediaSessionId=%d", d.mediaSessionID))
}

func (d *Device) loadLocked() {
	streamURL := d.settings.StreamURL()
	if streamURL == "" {
		d.Logger.Warn().Str("Method", "load").Msg("no stream url yet, not loading")
		return
	}

	d.ensureTransportLocked()
	id := d.nextRequestIDLocked()
	d.sendLocked(castprotocol.TypeLoad, castprotocol.Load(d.sourceID, d.transportID, id, streamURL, d.settings.Title()), streamURL)
	d.setStateLocked(LoadingMedia, "")
}

func (d *Device) launchLocked() {
	d.userStopped = false
	d.stopRestartTimerLocked()
	d.transportID = ""
	d.sessionID = ""
	d.mediaSessionID = 0
	d.transportConnected = false
	d.platformConnected = false

	d.ensurePlatformLocked()
	id := d.nextRequestIDLocked()
	d.sendLocked(castprotocol.TypeLaunch, castprotocol.Launch(castprotocol.DefaultSourceID, castprotocol.DefaultDestinationID, id, castprotocol.DefaultMediaReceiverAppID), castprotocol.DefaultMediaReceiverAppID)
	d.setStateLocked(LaunchingApplication, "")
}

// Stop ends the receiver application and returns whether the device was
// playing. A stopped device is never restarted automatically.
func (d *Device) Stop() bool {
	var wasPlaying bool
	var stream StreamSink

	d.update(func() {
		if d.state == Disposed {
			return
		}

		wasPlaying = d.state.IsPlaying()
		if d.sessionID != "" {
			d.ensurePlatformLocked()
			id := d.nextRequestIDLocked()
			d.sendLocked(castprotocol.TypeStop, castprotocol.Stop(castprotocol.DefaultSourceID, castprotocol.DefaultDestinationID, id, d.sessionID), d.sessionID)
		}

		d.userStopped = true
		d.stopRestartTimerLocked()
		d.transportID = ""
		d.sessionID = ""
		d.mediaSessionID = 0
		d.transportConnected = false
		stream, d.stream = d.stream, nil
		d.setStateLocked(NotConnected, "")
	})

	if stream != nil {
		stream.Close()
	}
	return wasPlaying
}

// RequestStatus polls RECEIVER_STATUS, unless the device has no session to
// poll.
func (d *Device) RequestStatus() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.state.acceptsStatusPolls() {
		return
	}

	d.ensurePlatformLocked()
	id := d.nextRequestIDLocked()
	d.sendLocked(castprotocol.TypeGetStatus, castprotocol.GetStatus(castprotocol.DefaultSourceID, castprotocol.DefaultDestinationID, id), "")
}

// SetVolume asks the device for level, clamped to [0, 1]. Requests are
// coalesced: see volumeGate.
func (d *Device) SetVolume(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Disposed {
		return
	}

	now := d.now()
	if !d.volume.offer(now, castprotocol.ClampLevel(level)) {
		return
	}
	d.flushVolumeLocked(now)
}

// StepVolume moves the volume one step up or down from the latest requested
// level.
func (d *Device) StepVolume(up bool) {
	step := d.settings.VolumeStep()
	if !up {
		step = -step
	}

	d.mu.Lock()
	target := d.volume.target(d.level) + step
	d.mu.Unlock()

	d.SetVolume(target)
}

func (d *Device) SetMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Disposed {
		return
	}

	now := d.now()
	d.volume.offerMute(now, muted)
	d.flushVolumeLocked(now)
}

func (d *Device) flushVolumeLocked(now time.Time) {
	if req, ok := d.volume.take(now); ok {
		d.ensurePlatformLocked()
		id := d.nextRequestIDLocked()
		if req.mute {
			d.sendLocked(castprotocol.TypeSetVolume, castprotocol.SetVolumeMute(castprotocol.DefaultSourceID, castprotocol.DefaultDestinationID, id, req.muted), fmt.Sprintf("muted=%t", req.muted))
			d.muted = req.muted
		} else {
			d.sendLocked(castprotocol.TypeSetVolume, castprotocol.SetVolume(castprotocol.DefaultSourceID, castprotocol.DefaultDestinationID, id, req.level), fmt.Sprintf("level=%.2f", req.level))
			d.level = req.level
		}
		d.volume.sent(now, id)
	}

	if d.volumeTimer != nil {
		d.volumeTimer.Stop()
		d.volumeTimer = nil
	}
	if d.volume.pending() {
		d.volumeTimer = d.afterFunc(d.volume.wait(now), d.volumeTimerFired)
	}
}

func (d *Device) volumeTimerFired() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.volumeTimer = nil
	if d.state == Disposed {
		return
	}
	d.flushVolumeLocked(d.now())
}

// OnAudio forwards a captured frame to the device's stream. A stream found
// disconnected is dropped so a new one can be attached.
func (d *Device) OnAudio(frame capture.Frame) {
	d.mu.Lock()
	if d.state == Paused || d.state == Disposed || d.stream == nil {
		d.mu.Unlock()
		return
	}

	s := d.stream
	if !s.Connected() {
		d.stream = nil
		d.mu.Unlock()
		d.Logger.Debug().Str("Method", "OnAudio").Msg("stream disconnected")
		s.Close()
		return
	}
	d.mu.Unlock()

	s.Send(frame)
}

// AttachStream makes s the device's audio stream, closing any previous one.
func (d *Device) AttachStream(s StreamSink) {
	d.mu.Lock()
	if d.state == Disposed {
		d.mu.Unlock()
		s.Close()
		return
	}
	old := d.stream
	d.stream = s
	d.mu.Unlock()

	if old != nil && old != s {
		old.Close()
	}
}

// Dispose closes the control channel and the stream. The device ignores
// everything afterwards.
func (d *Device) Dispose() {
	var stream StreamSink
	var disposed bool

	d.update(func() {
		if d.state == Disposed {
			return
		}
		disposed = true
		d.stopRestartTimerLocked()
		if d.volumeTimer != nil {
			d.volumeTimer.Stop()
			d.volumeTimer = nil
		}
		stream, d.stream = d.stream, nil
		d.setStateLocked(Disposed, "")
	})

	if !disposed {
		return
	}
	d.conn.Close()
	if stream != nil {
		stream.Close()
	}
}

// HandleMessage dispatches a message received from the device. Malformed
// payloads and unknown types are logged and ignored.
func (d *Device) HandleMessage(msg *pb.CastMessage) {
	in, err := castprotocol.DecodePayload(msg)
	if err != nil {
		d.Logger.Warn().Str("Method", "HandleMessage").Str("Namespace", msg.GetNamespace()).Err(err).Msg("ignoring message")
		return
	}

	msgType := in.Header.Type
	metrics.CastMessages.WithLabelValues("in", msgType).Inc()

	switch msgType {
	case castprotocol.TypePing:
		d.mu.Lock()
		if d.state != Disposed {
			d.sendLocked(castprotocol.TypePong, castprotocol.Pong(in.DestinationID, in.SourceID), "")
		}
		d.mu.Unlock()
		return
	case castprotocol.TypePong:
		d.activity.KeepAlive()
		return
	}

	d.update(func() {
		if d.state == Disposed {
			return
		}

		switch msgType {
		case castprotocol.TypeReceiverStatus:
			d.activity.Record(Inbound, msgType, fmt.Sprintf("requestId=%d", in.Header.RequestId))
			d.receiverStatusLocked(in)
		case castprotocol.TypeMediaStatus:
			d.activity.Record(Inbound, msgType, "")
			d.mediaStatusLocked(in)
		case castprotocol.TypeClose:
			d.activity.Record(Inbound, msgType, in.SourceID)
			d.closedLocked()
		case castprotocol.TypeLoadFailed:
			d.activity.Record(Inbound, msgType, "")
			d.setStateLocked(LoadFailed, "")
		case castprotocol.TypeLoadCancelled:
			d.activity.Record(Inbound, msgType, "")
			d.setStateLocked(LoadCancelled, "")
		case castprotocol.TypeInvalidRequest:
			d.activity.Record(Inbound, msgType, "")
			d.setStateLocked(InvalidRequest, "")
		default:
			d.Logger.Debug().Str("Method", "HandleMessage").Str("Type", msgType).Msg("unhandled message type")
		}
	})
}

func (d *Device) receiverStatusLocked(in *castprotocol.Inbound) {
	rs := in.Receiver
	if v := rs.Status.Volume; v != nil {
		d.level = v.Level
		d.muted = v.Muted
	}

	if d.volume.ack(in.Header.RequestId) && d.volume.pending() {
		d.flushVolumeLocked(d.now())
	}

	app := rs.App(castprotocol.DefaultMediaReceiverAppID)
	if app == nil {
		return
	}

	if app.TransportId != d.transportID {
		d.transportConnected = false
	}
	d.transportID = app.TransportId
	d.sessionID = app.SessionId

	if d.state == LaunchingApplication {
		d.setStateLocked(LaunchedApplication, "")
		d.ensureTransportLocked()
		d.loadLocked()
	}
}

func (d *Device) mediaStatusLocked(in *castprotocol.Inbound) {
	cur := in.Media.Current()
	if cur == nil {
		return
	}

	if cur.MediaSessionId != 0 {
		d.mediaSessionID = cur.MediaSessionId
	}

	switch cur.PlayerState {
	case castprotocol.PlayerStateIdle:
		d.setStateLocked(Idle, cur.IdleReason)
	case castprotocol.PlayerStateBuffering:
		d.setStateLocked(Buffering, FormatPlaybackTime(cur.CurrentTime))
	case castprotocol.PlayerStatePaused:
		d.setStateLocked(Paused, "")
	case castprotocol.PlayerStatePlaying:
		d.setStateLocked(Playing, FormatPlaybackTime(cur.CurrentTime))
	default:
		d.Logger.Debug().Str("Method", "mediaStatus").Str("PlayerState", cur.PlayerState).Msg("unknown player state")
	}
}

func (d *Device) closedLocked() {
	d.transportID = ""
	d.sessionID = ""
	d.mediaSessionID = 0
	d.transportConnected = false
	d.setStateLocked(Closed, "")

	enabled, delay := d.settings.AutoRestart()
	if !enabled || d.userStopped {
		return
	}

	d.stopRestartTimerLocked()
	d.Logger.Info().Str("Method", "closed").Dur("Delay", delay).Msg("scheduling relaunch")
	d.restartTimer = d.afterFunc(delay, d.autoRestart)
}

func (d *Device) autoRestart() {
	d.update(func() {
		d.restartTimer = nil
		if d.state != Closed || d.userStopped {
			return
		}
		enabled, _ := d.settings.AutoRestart()
		if !enabled {
			return
		}
		d.launchLocked()
	})
}

func (d *Device) stopRestartTimerLocked() {
	if d.restartTimer != nil {
		d.restartTimer.Stop()
		d.restartTimer = nil
	}
}

// ConnectionStateChanged tracks the transport. A failure while connecting or
// launching ends in ConnectError and waits for the next click; later
// failures only invalidate the virtual connections so the next command
// re-establishes them.
func (d *Device) ConnectionStateChanged(s castprotocol.ConnState) {
	d.update(func() {
		prev := d.connState
		d.connState = s

		if d.state == Disposed {
			return
		}

		switch s {
		case castprotocol.ConnError, castprotocol.ConnNone:
			d.platformConnected = false
			d.transportConnected = false
		}

		if s != castprotocol.ConnError {
			return
		}

		if prev == castprotocol.ConnConnecting || d.state == LaunchingApplication || d.state == LaunchedApplication {
			d.setStateLocked(ConnectError, "")
		}
	})
}
