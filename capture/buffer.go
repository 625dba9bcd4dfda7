package capture

import (
	"sync"
	"time"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/internal/metrics"
)

// DefaultBufferDuration is how much audio each half of a DoubleBuffer holds.
const DefaultBufferDuration = 500 * time.Millisecond

// DoubleBuffer decouples the capture callback from the dispatch goroutine.
// The callback appends into the filling buffer; the dispatcher swaps it for
// the drained one. The lock only covers the append and the swap, so one
// buffer is never written and read at the same time.
type DoubleBuffer struct {
	mu      sync.Mutex
	filling []byte
	ready   []byte
	dropped int64
}

// NewDoubleBuffer sizes both buffers to hold d of audio in format f.
func NewDoubleBuffer(f Format, d time.Duration) *DoubleBuffer {
	if d <= 0 {
		d = DefaultBufferDuration
	}
	size := f.Bytes(d)
	if size <= 0 {
		size = DefaultFormat.Bytes(d)
	}
	return &DoubleBuffer{
		filling: make([]byte, 0, size),
		ready:   make([]byte, 0, size),
	}
}

// Write appends p to the filling buffer. Bytes that do not fit are dropped;
// Write never fails so the capture callback never stalls.
func (b *DoubleBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	space := cap(b.filling) - len(b.filling)
	n := min(len(p), space)
	b.filling = append(b.filling, p[:n]...)
	if over := len(p) - n; over > 0 {
		b.dropped += int64(over)
		metrics.CaptureOverflowBytes.Add(float64(over))
	}
	b.mu.Unlock()

	metrics.CaptureBytes.Add(float64(n))
	return len(p), nil
}

// Swap hands out the filled buffer and starts filling the other one. The
// returned slice is valid until the next Swap.
func (b *DoubleBuffer) Swap() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.filling) == 0 {
		return nil, false
	}

	b.filling, b.ready = b.ready[:0], b.filling
	return b.ready, true
}

// Dropped returns the number of bytes lost to overflow.
func (b *DoubleBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *DoubleBuffer) Cap() int {
	return cap(b.filling)
}
