package devices

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	pb "github.com/vishen/go-chromecast/cast/proto"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/capture"
	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/castprotocol"
)

const testStreamURL = "http://192.168.1.10:40123/"

type fakeTransport struct {
	mu     sync.Mutex
	host   string
	sent   []*pb.CastMessage
	state  castprotocol.ConnState
	closed bool
}

func (f *fakeTransport) Send(msg *pb.CastMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
}

func (f *fakeTransport) State() castprotocol.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) messages() []*pb.CastMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*pb.CastMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) types(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range f.messages() {
		out = append(out, payloadType(t, m))
	}
	return out
}

func (f *fakeTransport) ofType(t *testing.T, msgType string) []*pb.CastMessage {
	t.Helper()
	var out []*pb.CastMessage
	for _, m := range f.messages() {
		if payloadType(t, m) == msgType {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func payloadType(t *testing.T, m *pb.CastMessage) string {
	t.Helper()
	in, err := castprotocol.DecodePayload(m)
	require.NoError(t, err)
	return in.Header.Type
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (ft *fakeTimer) Stop() bool {
	active := !ft.stopped && !ft.fired
	ft.stopped = true
	return active
}

// fakeClock drives device timers from the test goroutine.
type fakeClock struct {
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) afterFunc(d time.Duration, f func()) timer {
	ft := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, ft)
	return ft
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
	for i := 0; i < len(c.timers); i++ {
		ft := c.timers[i]
		if ft.stopped || ft.fired || ft.at.After(c.now) {
			continue
		}
		ft.fired = true
		ft.fn()
	}
}

func (c *fakeClock) active() int {
	n := 0
	for _, ft := range c.timers {
		if !ft.stopped && !ft.fired {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	mu     sync.Mutex
	states []PlaybackState
	added  []string
}

func (o *recordingObserver) DeviceStateChanged(d *Device, state PlaybackState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) DeviceAdded(d *Device) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.added = append(o.added, d.Host())
}

func (o *recordingObserver) seen() []PlaybackState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlaybackState(nil), o.states...)
}

type fakeStream struct {
	mu        sync.Mutex
	frames    int
	connected bool
	closed    bool
}

func (s *fakeStream) Send(frame capture.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
}

func (s *fakeStream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.connected = false
}

func newTestDevice(t *testing.T, settings *Settings) (*Device, *fakeTransport, *fakeClock, *recordingObserver) {
	t.Helper()

	if settings == nil {
		settings = NewSettings()
		settings.SetStreamURL(testStreamURL)
	}

	ft := &fakeTransport{}
	obs := &recordingObserver{}
	d := NewDevice(Discovered{Host: "192.168.1.50", USN: "abc", FriendlyName: "Kitchen"}, settings, obs,
		WithTransport(func(host string, h castprotocol.Handler, _ zerolog.Logger) Transport {
			ft.host = host
			return ft
		}))

	clk := newFakeClock()
	d.now = clk.Now
	d.afterFunc = clk.afterFunc
	return d, ft, clk, obs
}

func fromDevice(src, dst, namespace, payload string) *pb.CastMessage {
	protocolVersion := pb.CastMessage_CASTV2_1_0
	payloadType := pb.CastMessage_STRING
	return &pb.CastMessage{
		ProtocolVersion: &protocolVersion,
		SourceId:        &src,
		DestinationId:   &dst,
		Namespace:       &namespace,
		PayloadType:     &payloadType,
		PayloadUtf8:     &payload,
	}
}

func receiverStatus(requestID int, payload string) *pb.CastMessage {
	body := `{"type":"RECEIVER_STATUS","requestId":` + strconv.Itoa(requestID) + `,"status":` + payload + `}`
	return fromDevice("receiver-0", "sender-0", castprotocol.NamespaceReceiver, body)
}

func mediaStatus(payload string) *pb.CastMessage {
	return fromDevice("t1", "client-812345", castprotocol.NamespaceMedia, `{"type":"MEDIA_STATUS","requestId":0,"status":`+payload+`}`)
}

type sentPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId"`
	AppId     string `json:"appId"`
	SessionId string `json:"sessionId"`
	Autoplay  bool   `json:"autoplay"`
	Media     struct {
		ContentId   string `json:"contentId"`
		ContentType string `json:"contentType"`
		StreamType  string `json:"streamType"`
	} `json:"media"`
	MediaSessionId int `json:"mediaSessionId"`
	Volume         struct {
		Level *float64 `json:"level"`
		Muted *bool    `json:"muted"`
	} `json:"volume"`
}

func decodeSent(t *testing.T, m *pb.CastMessage) sentPayload {
	t.Helper()
	var p sentPayload
	require.NoError(t, json.Unmarshal([]byte(m.GetPayloadUtf8()), &p))
	return p
}

func TestNewDeviceUsesControlAddress(t *testing.T) {
	_, ft, _, _ := newTestDevice(t, nil)
	require.Equal(t, "192.168.1.50", ft.host)

	var host string
	NewDevice(Discovered{Host: "10.0.0.2", Port: 8010}, nil, nil,
		WithTransport(func(h string, _ castprotocol.Handler, _ zerolog.Logger) Transport {
			host = h
			return &fakeTransport{}
		}))
	require.Equal(t, "10.0.0.2:8010", host)
}

func TestClickDispatch(t *testing.T) {
	tests := []struct {
		state PlaybackState
		want  string
	}{
		{Buffering, castprotocol.TypePause},
		{Playing, castprotocol.TypePause},
		{LaunchingApplication, castprotocol.TypeLoad},
		{LaunchedApplication, castprotocol.TypeLoad},
		{LoadingMedia, castprotocol.TypeLoad},
		{Idle, castprotocol.TypeLoad},
		{Paused, castprotocol.TypeLoad},
		{NotConnected, castprotocol.TypeLaunch},
		{ConnectError, castprotocol.TypeLaunch},
		{Closed, castprotocol.TypeLaunch},
		{LoadCancelled, castprotocol.TypeLaunch},
		{LoadFailed, castprotocol.TypeLaunch},
		{InvalidRequest, castprotocol.TypeLaunch},
		{Disposed, ""},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			d, ft, _, _ := newTestDevice(t, nil)
			d.state = tt.state
			d.transportID = "t1"
			d.mediaSessionID = 7

			d.Click()

			types := ft.types(t)
			if tt.want == "" {
				require.Empty(t, types)
				return
			}
			require.NotEmpty(t, types)
			require.Equal(t, tt.want, types[len(types)-1])
		})
	}
}

func TestClickLaunchSequence(t *testing.T) {
	d, ft, _, obs := newTestDevice(t, nil)

	d.Click()

	msgs := ft.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, castprotocol.TypeConnect, payloadType(t, msgs[0]))
	require.Equal(t, castprotocol.NamespaceConnection, msgs[0].GetNamespace())
	require.Equal(t, "sender-0", msgs[0].GetSourceId())
	require.Equal(t, "receiver-0", msgs[0].GetDestinationId())

	launch := decodeSent(t, msgs[1])
	require.Equal(t, castprotocol.TypeLaunch, launch.Type)
	require.Equal(t, 1, launch.RequestId)
	require.Equal(t, castprotocol.DefaultMediaReceiverAppID, launch.AppId)

	require.Equal(t, LaunchingApplication, d.State())
	require.Equal(t, []PlaybackState{LaunchingApplication}, obs.seen())
}

func TestReceiverStatusCompletesLaunch(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, nil)
	d.Click()
	ft.reset()

	d.HandleMessage(receiverStatus(1, `{"applications":[{"appId":"CC1AD845","transportId":"t1","sessionId":"s1"}],"volume":{"level":0.4,"muted":false}}`))

	msgs := ft.messages()
	require.Len(t, msgs, 2)

	require.Equal(t, castprotocol.TypeConnect, payloadType(t, msgs[0]))
	require.Equal(t, d.SourceID(), msgs[0].GetSourceId())
	require.Equal(t, "t1", msgs[0].GetDestinationId())

	load := decodeSent(t, msgs[1])
	require.Equal(t, castprotocol.TypeLoad, load.Type)
	require.Equal(t, "t1", msgs[1].GetDestinationId())
	require.Equal(t, d.SourceID(), msgs[1].GetSourceId())
	require.Equal(t, testStreamURL, load.Media.ContentId)
	require.Equal(t, "audio/wav", load.Media.ContentType)
	require.Equal(t, "BUFFERED", load.Media.StreamType)
	require.True(t, load.Autoplay)

	st := d.Status()
	require.Equal(t, LoadingMedia, st.State)
	require.InDelta(t, 0.4, st.Level, 1e-9)
	require.Equal(t, "s1", d.sessionID)
}

func TestReceiverStatusWithoutApplicationKeepsState(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, nil)
	d.Click()
	ft.reset()

	d.HandleMessage(receiverStatus(1, `{"applications":[{"appId":"E8C28D3C","transportId":"web-1"}],"volume":{"level":1}}`))

	require.Empty(t, ft.messages())
	require.Equal(t, LaunchingApplication, d.State())
}

func TestMediaStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		state  PlaybackState
		detail string
	}{
		{"playing", `[{"mediaSessionId":3,"playerState":"PLAYING","currentTime":125}]`, Playing, "0:02:05"},
		{"buffering", `[{"mediaSessionId":3,"playerState":"BUFFERING","currentTime":3725.5}]`, Buffering, "1:02:05"},
		{"paused", `[{"mediaSessionId":3,"playerState":"PAUSED","currentTime":10}]`, Paused, ""},
		{"idle", `[{"mediaSessionId":3,"playerState":"IDLE","idleReason":"FINISHED"}]`, Idle, "FINISHED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _, _ := newTestDevice(t, nil)
			d.state = LoadingMedia

			d.HandleMessage(mediaStatus(tt.status))

			st := d.Status()
			require.Equal(t, tt.state, st.State)
			require.Equal(t, tt.detail, st.Detail)
			require.Equal(t, 3, d.mediaSessionID)
		})
	}
}

func TestMediaStatusEmptyIsIgnored(t *testing.T) {
	d, _, _, obs := newTestDevice(t, nil)
	d.state = Playing

	d.HandleMessage(mediaStatus(`[]`))

	require.Equal(t, Playing, d.State())
	require.Empty(t, obs.seen())
}

func TestApplicationErrorsMapToStates(t *testing.T) {
	for msgType, want := range map[string]PlaybackState{
		castprotocol.TypeLoadFailed:     LoadFailed,
		castprotocol.TypeLoadCancelled:  LoadCancelled,
		castprotocol.TypeInvalidRequest: InvalidRequest,
	} {
		t.Run(msgType, func(t *testing.T) {
			d, _, _, _ := newTestDevice(t, nil)
			d.state = LoadingMedia

			d.HandleMessage(fromDevice("t1", "client-812345", castprotocol.NamespaceMedia, `{"type":"`+msgType+`","requestId":4}`))
			require.Equal(t, want, d.State())
		})
	}
}

func TestUnknownAndMalformedMessagesAreIgnored(t *testing.T) {
	d, ft, _, obs := newTestDevice(t, nil)
	d.state = Playing

	d.HandleMessage(fromDevice("receiver-0", "sender-0", castprotocol.NamespaceReceiver, `{"type":"LAUNCH_STATUS","requestId":2}`))
	d.HandleMessage(fromDevice("receiver-0", "sender-0", castprotocol.NamespaceReceiver, `{"type":`))

	require.Equal(t, Playing, d.State())
	require.Empty(t, ft.messages())
	require.Empty(t, obs.seen())
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, nil)

	d.HandleMessage(fromDevice("receiver-0", "sender-0", castprotocol.NamespaceHeartbeat, `{"type":"PING"}`))

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	require.Equal(t, castprotocol.TypePong, payloadType(t, msgs[0]))
	require.Equal(t, castprotocol.NamespaceHeartbeat, msgs[0].GetNamespace())
	require.Equal(t, "sender-0", msgs[0].GetSourceId())
	require.Equal(t, "receiver-0", msgs[0].GetDestinationId())

	require.False(t, d.Activity().LastKeepAlive().IsZero())
	require.Empty(t, d.Activity().Lines())
}

func TestActivityLogRecordsTraffic(t *testing.T) {
	d, _, _, _ := newTestDevice(t, nil)
	d.Click()
	d.HandleMessage(receiverStatus(1, `{"applications":[{"appId":"CC1AD845","transportId":"t1","sessionId":"s1"}]}`))

	lines := d.Activity().Lines()
	require.Len(t, lines, 5)
	require.Contains(t, lines[0], "> CONNECT")
	require.Contains(t, lines[1], "> LAUNCH")
	require.Contains(t, lines[2], "< RECEIVER_STATUS requestId=1")
	require.Contains(t, lines[3], "> CONNECT t1")
	require.True(t, strings.HasSuffix(lines[4], "> LOAD "+testStreamURL))
}

func TestLoadWithoutStreamURLSendsNothing(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, NewSettings())
	d.state = Idle
	d.transportID = "t1"
	d.transportConnected = true

	d.Click()

	require.Empty(t, ft.messages())
	require.Equal(t, Idle, d.State())
}

func TestPauseTargetsMediaSession(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, nil)
	d.state = Playing
	d.transportID = "t1"
	d.transportConnected = true
	d.mediaSessionID = 9

	d.Click()

	msgs := ft.messages()
	require.Len(t, msgs, 1)
	p := decodeSent(t, msgs[0])
	require.Equal(t, castprotocol.TypePause, p.Type)
	require.Equal(t, 9, p.MediaSessionId)
	require.Equal(t, "t1", msgs[0].GetDestinationId())
	require.Equal(t, castprotocol.NamespaceMedia, msgs[0].GetNamespace())
}

func TestVolumeCoalescing(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)

	levels := []float64{0.2, 0.3, 0.4, 0.5, 0.6, 0.7}
	for i, l := range levels {
		if i > 0 {
			clk.advance(10 * time.Millisecond)
		}
		d.SetVolume(l)
	}
	require.Empty(t, ft.ofType(t, castprotocol.TypeSetVolume))
	require.InDelta(t, 0.7, d.Status().Level, 1e-9)

	clk.advance(5 * time.Second)
	sets := ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 1)
	p := decodeSent(t, sets[0])
	require.InDelta(t, 0.7, *p.Volume.Level, 1e-9)
	require.Zero(t, clk.active())

	d.HandleMessage(receiverStatus(p.RequestId, `{"volume":{"level":0.7,"muted":false}}`))
	clk.advance(5 * time.Second)
	require.Len(t, ft.ofType(t, castprotocol.TypeSetVolume), 1)
}

func TestVolumeWindowStartsAtFirstCall(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)

	d.SetVolume(0.2)
	clk.advance(990 * time.Millisecond)
	require.Empty(t, ft.ofType(t, castprotocol.TypeSetVolume))

	// Later calls in the burst do not push the send out.
	d.SetVolume(0.4)
	clk.advance(10 * time.Millisecond)
	sets := ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 1)
	require.InDelta(t, 0.4, *decodeSent(t, sets[0]).Volume.Level, 1e-9)
}

func TestVolumeWaitsForAck(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)

	d.SetVolume(0.2)
	clk.advance(time.Second)
	require.Len(t, ft.ofType(t, castprotocol.TypeSetVolume), 1)

	d.SetVolume(0.5)
	clk.advance(1500 * time.Millisecond)
	require.Len(t, ft.ofType(t, castprotocol.TypeSetVolume), 1)

	// No ack within the timeout: the pending level goes out anyway.
	clk.advance(1500 * time.Millisecond)
	sets := ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 2)
	require.InDelta(t, 0.5, *decodeSent(t, sets[1]).Volume.Level, 1e-9)
}

func TestVolumeAckReleasesNextBurst(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)

	d.SetVolume(0.2)
	clk.advance(time.Second)
	sets := ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 1)
	first := decodeSent(t, sets[0])

	d.SetVolume(0.6)
	d.HandleMessage(receiverStatus(first.RequestId, `{"volume":{"level":0.2,"muted":false}}`))
	require.Len(t, ft.ofType(t, castprotocol.TypeSetVolume), 1)

	clk.advance(time.Second)
	sets = ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 2)
	require.InDelta(t, 0.6, *decodeSent(t, sets[1]).Volume.Level, 1e-9)
}

func TestVolumeCallGuard(t *testing.T) {
	d, _, clk, _ := newTestDevice(t, nil)

	d.SetVolume(0.2)
	clk.advance(50 * time.Microsecond)
	d.SetVolume(0.9)

	require.InDelta(t, 0.2, d.Status().Level, 1e-9)
}

func TestStepVolumeClamps(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)
	d.level = 0.98

	d.StepVolume(true)
	require.InDelta(t, 1.0, d.Status().Level, 1e-9)
	clk.advance(time.Second)
	sets := ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 1)
	require.InDelta(t, 1.0, *decodeSent(t, sets[0]).Volume.Level, 1e-9)

	clk.advance(10 * time.Millisecond)
	d.StepVolume(false)
	clk.advance(10 * time.Millisecond)
	d.StepVolume(false)
	require.InDelta(t, 0.9, d.Status().Level, 1e-9)
}

func TestSetMutedIsGated(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)

	d.SetVolume(0.3)
	d.SetMuted(true)
	require.Empty(t, ft.ofType(t, castprotocol.TypeSetVolume))
	require.True(t, d.Status().Muted)

	// Mute goes first, the level waits for its ack.
	clk.advance(time.Second)
	sets := ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 1)
	p := decodeSent(t, sets[0])
	require.Nil(t, p.Volume.Level)
	require.NotNil(t, p.Volume.Muted)
	require.True(t, *p.Volume.Muted)

	clk.advance(3 * time.Second)
	sets = ft.ofType(t, castprotocol.TypeSetVolume)
	require.Len(t, sets, 2)
	require.InDelta(t, 0.3, *decodeSent(t, sets[1]).Volume.Level, 1e-9)
}

func TestCloseSchedulesRelaunch(t *testing.T) {
	settings := NewSettings()
	settings.SetStreamURL(testStreamURL)
	settings.SetAutoRestart(true, 5*time.Second)

	d, ft, clk, _ := newTestDevice(t, settings)
	d.state = Playing
	d.transportID = "t1"

	d.HandleMessage(fromDevice("t1", "client-812345", castprotocol.NamespaceConnection, `{"type":"CLOSE"}`))
	require.Equal(t, Closed, d.State())
	require.Empty(t, d.transportID)

	clk.advance(4 * time.Second)
	require.Empty(t, ft.ofType(t, castprotocol.TypeLaunch))

	clk.advance(time.Second)
	require.Len(t, ft.ofType(t, castprotocol.TypeLaunch), 1)
	require.Equal(t, LaunchingApplication, d.State())
}

func TestCloseWithoutAutoRestart(t *testing.T) {
	d, ft, clk, _ := newTestDevice(t, nil)
	d.state = Playing

	d.HandleMessage(fromDevice("t1", "client-812345", castprotocol.NamespaceConnection, `{"type":"CLOSE"}`))
	clk.advance(time.Minute)

	require.Equal(t, Closed, d.State())
	require.Empty(t, ft.messages())
}

func TestStopPreventsRelaunch(t *testing.T) {
	settings := NewSettings()
	settings.SetStreamURL(testStreamURL)
	settings.SetAutoRestart(true, time.Second)

	d, ft, clk, _ := newTestDevice(t, settings)
	d.state = Playing
	d.sessionID = "s1"
	d.transportID = "t1"

	require.True(t, d.Stop())
	stops := ft.ofType(t, castprotocol.TypeStop)
	require.Len(t, stops, 1)
	require.Equal(t, "s1", decodeSent(t, stops[0]).SessionId)
	require.Equal(t, NotConnected, d.State())

	d.HandleMessage(fromDevice("t1", "client-812345", castprotocol.NamespaceConnection, `{"type":"CLOSE"}`))
	clk.advance(time.Minute)
	require.Empty(t, ft.ofType(t, castprotocol.TypeLaunch))

	require.False(t, d.Stop())
}

func TestConnectErrorDuringLaunch(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, nil)
	d.Click()

	d.ConnectionStateChanged(castprotocol.ConnConnecting)
	d.ConnectionStateChanged(castprotocol.ConnError)
	require.Equal(t, ConnectError, d.State())

	ft.reset()
	d.Click()
	require.Equal(t, []string{castprotocol.TypeConnect, castprotocol.TypeLaunch}, ft.types(t))
}

func TestSocketErrorWhilePlayingReconnectsVirtualChannels(t *testing.T) {
	d, ft, _, _ := newTestDevice(t, nil)
	d.ConnectionStateChanged(castprotocol.ConnConnecting)
	d.ConnectionStateChanged(castprotocol.ConnConnected)
	d.state = Playing
	d.transportID = "t1"
	d.transportConnected = true
	d.platformConnected = true

	d.ConnectionStateChanged(castprotocol.ConnError)
	require.Equal(t, Playing, d.State())

	d.Click()
	require.Equal(t, []string{castprotocol.TypeConnect, castprotocol.TypePause}, ft.types(t))
}

func TestRequestStatusOnlyWithSession(t *testing.T) {
	for _, tt := range []struct {
		state PlaybackState
		polls bool
	}{
		{NotConnected, false},
		{ConnectError, false},
		{Closed, false},
		{Disposed, false},
		{LaunchingApplication, true},
		{Playing, true},
		{Paused, true},
		{LoadFailed, true},
	} {
		t.Run(tt.state.String(), func(t *testing.T) {
			d, ft, _, _ := newTestDevice(t, nil)
			d.state = tt.state

			d.RequestStatus()

			got := ft.ofType(t, castprotocol.TypeGetStatus)
			if tt.polls {
				require.Len(t, got, 1)
			} else {
				require.Empty(t, got)
			}
		})
	}
}

func TestOnAudio(t *testing.T) {
	d, _, _, _ := newTestDevice(t, nil)
	frame := capture.Frame{Data: []byte{1, 2, 3, 4}, Format: capture.DefaultFormat}

	d.OnAudio(frame)

	s := &fakeStream{connected: true}
	d.AttachStream(s)
	d.state = Playing
	d.OnAudio(frame)
	require.Equal(t, 1, s.frames)
	require.True(t, d.Status().Streaming)

	d.state = Paused
	d.OnAudio(frame)
	require.Equal(t, 1, s.frames)

	d.state = Playing
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	d.OnAudio(frame)
	require.True(t, s.closed)
	require.Nil(t, d.stream)
}

func TestAttachStreamReplacesPrevious(t *testing.T) {
	d, _, _, _ := newTestDevice(t, nil)
	first := &fakeStream{connected: true}
	second := &fakeStream{connected: true}

	d.AttachStream(first)
	d.AttachStream(second)

	require.True(t, first.closed)
	require.False(t, second.closed)
}

func TestDispose(t *testing.T) {
	d, ft, _, obs := newTestDevice(t, nil)
	s := &fakeStream{connected: true}
	d.AttachStream(s)

	d.Dispose()
	d.Dispose()

	require.True(t, ft.closed)
	require.True(t, s.closed)
	require.Equal(t, Disposed, d.State())
	require.Equal(t, []PlaybackState{Disposed}, obs.seen())

	d.ConnectionStateChanged(castprotocol.ConnNone)
	d.SetVolume(0.5)
	d.Click()
	require.Empty(t, ft.messages())
	require.Equal(t, Disposed, d.State())
}
