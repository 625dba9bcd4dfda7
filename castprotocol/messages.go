package castprotocol

import (
	"encoding/json"

	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"

	// DefaultSourceID and DefaultDestinationID address the platform receiver
	// before an application session exists.
	DefaultSourceID      = "sender-0"
	DefaultDestinationID = "receiver-0"

	// DefaultMediaReceiverAppID is the Default Media Receiver application.
	DefaultMediaReceiverAppID = "CC1AD845"
)

// Message types carried in the "type" field of every JSON payload.
const (
	TypeConnect        = "CONNECT"
	TypeClose          = "CLOSE"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeLaunch         = "LAUNCH"
	TypeLoad           = "LOAD"
	TypePause          = "PAUSE"
	TypeStop           = "STOP"
	TypeGetStatus      = "GET_STATUS"
	TypeSetVolume      = "SET_VOLUME"
	TypeReceiverStatus = "RECEIVER_STATUS"
	TypeMediaStatus    = "MEDIA_STATUS"
	TypeLoadFailed     = "LOAD_FAILED"
	TypeLoadCancelled  = "LOAD_CANCELLED"
	TypeInvalidRequest = "INVALID_REQUEST"
)

type launchPayload struct {
	cast.PayloadHeader
	AppId string `json:"appId"`
}

type loadPayload struct {
	cast.PayloadHeader
	Media       MediaItem `json:"media"`
	CurrentTime int       `json:"currentTime"`
	Autoplay    bool      `json:"autoplay"`
}

type mediaSessionPayload struct {
	cast.PayloadHeader
	MediaSessionId int `json:"mediaSessionId"`
}

type stopPayload struct {
	cast.PayloadHeader
	SessionId string `json:"sessionId,omitempty"`
}

type volumeLevelPayload struct {
	cast.PayloadHeader
	Volume struct {
		Level float64 `json:"level"`
	} `json:"volume"`
}

type volumeMutedPayload struct {
	cast.PayloadHeader
	Volume struct {
		Muted bool `json:"muted"`
	} `json:"volume"`
}

// Ensure the payloads implement the cast.Payload interface
var (
	_ cast.Payload = (*launchPayload)(nil)
	_ cast.Payload = (*loadPayload)(nil)
	_ cast.Payload = (*mediaSessionPayload)(nil)
	_ cast.Payload = (*stopPayload)(nil)
	_ cast.Payload = (*volumeLevelPayload)(nil)
	_ cast.Payload = (*volumeMutedPayload)(nil)
)

// Connect opens a virtual connection from src to dst.
func Connect(src, dst string) *pb.CastMessage {
	return newMessage(src, dst, NamespaceConnection, &cast.PayloadHeader{Type: TypeConnect})
}

// Close closes the virtual connection from src to dst.
func Close(src, dst string) *pb.CastMessage {
	return newMessage(src, dst, NamespaceConnection, &cast.PayloadHeader{Type: TypeClose})
}

func Ping(src, dst string) *pb.CastMessage {
	return newMessage(src, dst, NamespaceHeartbeat, &cast.PayloadHeader{Type: TypePing})
}

func Pong(src, dst string) *pb.CastMessage {
	return newMessage(src, dst, NamespaceHeartbeat, &cast.PayloadHeader{Type: TypePong})
}

// Launch asks the platform receiver to start appID.
func Launch(src, dst string, requestID int, appID string) *pb.CastMessage {
	p := &launchPayload{PayloadHeader: cast.PayloadHeader{Type: TypeLaunch}, AppId: appID}
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceReceiver, p)
}

func GetStatus(src, dst string, requestID int) *pb.CastMessage {
	p := &cast.PayloadHeader{Type: TypeGetStatus}
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceReceiver, p)
}

// SetVolume sets the device volume. level is clamped to [0, 1].
func SetVolume(src, dst string, requestID int, level float64) *pb.CastMessage {
	p := &volumeLevelPayload{PayloadHeader: cast.PayloadHeader{Type: TypeSetVolume}}
	p.Volume.Level = ClampLevel(level)
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceReceiver, p)
}

func SetVolumeMute(src, dst string, requestID int, muted bool) *pb.CastMessage {
	p := &volumeMutedPayload{PayloadHeader: cast.PayloadHeader{Type: TypeSetVolume}}
	p.Volume.Muted = muted
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceReceiver, p)
}

// Load starts streaming streamURL on the media receiver at dst.
// Autoplay is always on and the stream is always served as BUFFERED WAV.
func Load(src, dst string, requestID int, streamURL, title string) *pb.CastMessage {
	p := &loadPayload{
		PayloadHeader: cast.PayloadHeader{Type: TypeLoad},
		Media:         NewStreamItem(streamURL, title),
		CurrentTime:   0,
		Autoplay:      true,
	}
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceMedia, p)
}

func Pause(src, dst string, requestID, mediaSessionID int) *pb.CastMessage {
	p := &mediaSessionPayload{PayloadHeader: cast.PayloadHeader{Type: TypePause}, MediaSessionId: mediaSessionID}
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceMedia, p)
}

// Stop asks the platform receiver to stop the application session.
func Stop(src, dst string, requestID int, sessionID string) *pb.CastMessage {
	p := &stopPayload{PayloadHeader: cast.PayloadHeader{Type: TypeStop}, SessionId: sessionID}
	p.SetRequestId(requestID)
	return newMessage(src, dst, NamespaceReceiver, p)
}

// ClampLevel bounds a volume level to [0, 1].
func ClampLevel(level float64) float64 {
	switch {
	case level > 1:
		return 1
	case level < 0:
		return 0
	}
	return level
}

func newMessage(src, dst, namespace string, payload any) *pb.CastMessage {
	if src == "" {
		src = DefaultSourceID
	}
	if dst == "" {
		dst = DefaultDestinationID
	}

	b, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs; this cannot fail in practice.
		b = []byte("{}")
	}
	payloadString := string(b)

	protocolVersion := pb.CastMessage_CASTV2_1_0
	payloadType := pb.CastMessage_STRING

	return &pb.CastMessage{
		ProtocolVersion: &protocolVersion,
		SourceId:        &src,
		DestinationId:   &dst,
		Namespace:       &namespace,
		PayloadType:     &payloadType,
		PayloadUtf8:     &payloadString,
	}
}
