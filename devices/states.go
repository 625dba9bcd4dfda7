package devices

import (
	"fmt"
	"math"
)

// PlaybackState is the UI-facing state of a device session. It is derived
// from received protocol messages and local user actions, and is distinct
// from the transport state of the control channel.
type PlaybackState int

const (
	NotConnected PlaybackState = iota
	Idle
	LaunchingApplication
	LaunchedApplication
	LoadingMedia
	Buffering
	Playing
	Paused
	ConnectError
	LoadFailed
	LoadCancelled
	InvalidRequest
	Closed
	Disposed
)

var playbackStateNames = [...]string{
	NotConnected:         "NotConnected",
	Idle:                 "Idle",
	LaunchingApplication: "LaunchingApplication",
	LaunchedApplication:  "LaunchedApplication",
	LoadingMedia:         "LoadingMedia",
	Buffering:            "Buffering",
	Playing:              "Playing",
	Paused:               "Paused",
	ConnectError:         "ConnectError",
	LoadFailed:           "LoadFailed",
	LoadCancelled:        "LoadCancelled",
	InvalidRequest:       "InvalidRequest",
	Closed:               "Closed",
	Disposed:             "Disposed",
}

func (s PlaybackState) String() string {
	if s < 0 || int(s) >= len(playbackStateNames) {
		return fmt.Sprintf("PlaybackState(%d)", int(s))
	}
	return playbackStateNames[s]
}

// ClickAction is what a click on the device does in a given state.
type ClickAction int

const (
	ActionNone ClickAction = iota
	ActionPause
	ActionLoad
	ActionLaunch
)

func (a ClickAction) String() string {
	switch a {
	case ActionPause:
		return "Pause"
	case ActionLoad:
		return "Load"
	case ActionLaunch:
		return "Launch"
	default:
		return "None"
	}
}

// ClickActionFor is the click dispatch table.
func ClickActionFor(s PlaybackState) ClickAction {
	switch s {
	case Buffering, Playing:
		return ActionPause
	case LaunchingApplication, LaunchedApplication, LoadingMedia, Idle, Paused:
		return ActionLoad
	case NotConnected, ConnectError, Closed, LoadCancelled, LoadFailed, InvalidRequest:
		return ActionLaunch
	default:
		return ActionNone
	}
}

// acceptsStatusPolls reports whether GET_STATUS polling makes sense.
func (s PlaybackState) acceptsStatusPolls() bool {
	switch s {
	case NotConnected, ConnectError, Closed, Disposed:
		return false
	}
	return true
}

// IsPlaying reports whether audio is flowing to the device.
func (s PlaybackState) IsPlaying() bool {
	return s == Buffering || s == Playing
}

// FormatPlaybackTime renders seconds as h:mm:ss.
func FormatPlaybackTime(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}

	total := int64(seconds)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
