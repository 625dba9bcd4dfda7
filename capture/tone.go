package capture

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"
)

const toneChunk = 10 * time.Millisecond

// ToneSource generates a sine test tone in real time, for checking the
// stream path without a recording device.
type ToneSource struct {
	format    Format
	frequency float64
	amplitude float64

	mu    sync.Mutex
	phase float64
	stop  chan struct{}
	done  chan struct{}
}

// NewToneSource returns a 16-bit stereo tone source at frequency Hz.
func NewToneSource(frequency float64) *ToneSource {
	if frequency <= 0 {
		frequency = 440
	}
	return &ToneSource{
		format:    DefaultFormat,
		frequency: frequency,
		amplitude: 0.3,
	}
}

func (t *ToneSource) Format() Format {
	return t.format
}

// Generate fills one chunk of n sample frames, continuing the phase of the
// previous chunk.
func (t *ToneSource) Generate(n int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	ba := t.format.BlockAlign()
	out := make([]byte, n*ba)
	step := 2 * math.Pi * t.frequency / float64(t.format.SampleRate)

	for i := 0; i < n; i++ {
		v := int16(math.Sin(t.phase) * t.amplitude * math.MaxInt16)
		for ch := 0; ch < t.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(out[i*ba+ch*2:], uint16(v))
		}
		t.phase += step
		if t.phase >= 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return out
}

func (t *ToneSource) Start(w io.Writer) error {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return ErrAlreadyRecording
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	frames := t.format.SampleRate * int(toneChunk) / int(time.Second)

	go func() {
		defer close(done)
		ticker := time.NewTicker(toneChunk)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = w.Write(t.Generate(frames))
			}
		}
	}()
	return nil
}

func (t *ToneSource) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
