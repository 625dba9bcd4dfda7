package devices

import (
	"sync"
	"time"
)

const (
	DefaultStreamTitle      = "Desktop Audio"
	DefaultAutoRestartDelay = 5 * time.Second
)

// Settings are shared by every device of a registry and may change while
// devices run (stream server rebinds, config reloads).
type Settings struct {
	mu               sync.RWMutex
	streamURL        string
	title            string
	autoRestart      bool
	autoRestartDelay time.Duration
	volumeStep       float64
}

func NewSettings() *Settings {
	return &Settings{
		title:            DefaultStreamTitle,
		autoRestartDelay: DefaultAutoRestartDelay,
		volumeStep:       DefaultVolumeStep,
	}
}

// SetStreamURL sets the URL devices are told to LOAD.
func (s *Settings) SetStreamURL(u string) {
	s.mu.Lock()
	s.streamURL = u
	s.mu.Unlock()
}

func (s *Settings) StreamURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamURL
}

func (s *Settings) SetTitle(title string) {
	if title == "" {
		title = DefaultStreamTitle
	}
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
}

func (s *Settings) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// SetAutoRestart controls whether a device closed by the receiver is
// relaunched after delay. A non-positive delay keeps the default.
func (s *Settings) SetAutoRestart(enabled bool, delay time.Duration) {
	if delay <= 0 {
		delay = DefaultAutoRestartDelay
	}
	s.mu.Lock()
	s.autoRestart = enabled
	s.autoRestartDelay = delay
	s.mu.Unlock()
}

func (s *Settings) AutoRestart() (bool, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoRestart, s.autoRestartDelay
}

func (s *Settings) SetVolumeStep(step float64) {
	if step <= 0 || step > 1 {
		step = DefaultVolumeStep
	}
	s.mu.Lock()
	s.volumeStep = step
	s.mu.Unlock()
}

func (s *Settings) VolumeStep() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volumeStep
}
