package castprotocol

import (
	"encoding/json"
	"fmt"

	"github.com/vishen/go-chromecast/cast"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

// Player states reported in MEDIA_STATUS.
const (
	PlayerStateIdle      = "IDLE"
	PlayerStateBuffering = "BUFFERING"
	PlayerStatePaused    = "PAUSED"
	PlayerStatePlaying   = "PLAYING"
)

// Volume is the device volume reported in RECEIVER_STATUS.
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// Application is one entry of RECEIVER_STATUS status.applications.
type Application struct {
	AppId        string `json:"appId"`
	DisplayName  string `json:"displayName"`
	IsIdleScreen bool   `json:"isIdleScreen"`
	SessionId    string `json:"sessionId"`
	StatusText   string `json:"statusText"`
	TransportId  string `json:"transportId"`
}

// ReceiverStatus represents a RECEIVER_STATUS payload.
type ReceiverStatus struct {
	cast.PayloadHeader
	Status struct {
		Applications []Application `json:"applications"`
		Volume       *Volume       `json:"volume"`
	} `json:"status"`
}

// App returns the running application with the given id, or nil.
func (r *ReceiverStatus) App(appID string) *Application {
	for i := range r.Status.Applications {
		if r.Status.Applications[i].AppId == appID {
			return &r.Status.Applications[i]
		}
	}
	return nil
}

// MediaSession is one entry of MEDIA_STATUS status.
type MediaSession struct {
	MediaSessionId int     `json:"mediaSessionId"`
	PlayerState    string  `json:"playerState"`
	CurrentTime    float64 `json:"currentTime"`
	IdleReason     string  `json:"idleReason,omitempty"`
}

// MediaStatus represents a MEDIA_STATUS payload.
type MediaStatus struct {
	cast.PayloadHeader
	Status []MediaSession `json:"status"`
}

// Current returns the first media session, or nil when none is reported.
func (m *MediaStatus) Current() *MediaSession {
	if len(m.Status) == 0 {
		return nil
	}
	return &m.Status[0]
}

// Inbound is a decoded message received from a device. Receiver and Media are
// only set for RECEIVER_STATUS and MEDIA_STATUS respectively.
type Inbound struct {
	Namespace     string
	SourceID      string
	DestinationID string
	Header        cast.PayloadHeader
	Receiver      *ReceiverStatus
	Media         *MediaStatus
}

// DecodePayload parses the JSON payload of msg. Unknown types are returned
// with only the header populated.
func DecodePayload(msg *pb.CastMessage) (*Inbound, error) {
	if msg.GetPayloadType() != pb.CastMessage_STRING {
		return nil, fmt.Errorf("decode payload: unsupported payload type %v", msg.GetPayloadType())
	}

	raw := []byte(msg.GetPayloadUtf8())
	in := &Inbound{
		Namespace:     msg.GetNamespace(),
		SourceID:      msg.GetSourceId(),
		DestinationID: msg.GetDestinationId(),
	}

	if err := json.Unmarshal(raw, &in.Header); err != nil {
		return nil, fmt.Errorf("decode payload header: %w", err)
	}

	switch in.Header.Type {
	case TypeReceiverStatus:
		in.Receiver = &ReceiverStatus{}
		if err := json.Unmarshal(raw, in.Receiver); err != nil {
			return nil, fmt.Errorf("decode %s: %w", in.Header.Type, err)
		}
	case TypeMediaStatus:
		in.Media = &MediaStatus{}
		if err := json.Unmarshal(raw, in.Media); err != nil {
			return nil, fmt.Errorf("decode %s: %w", in.Header.Type, err)
		}
	}

	return in, nil
}
