// Package capture records desktop audio and hands fixed PCM frames to a sink
// from a dedicated dispatch goroutine.
package capture

import (
	"fmt"
	"time"
)

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is what the stream server advertises unless the capture
// source negotiates something else.
var DefaultFormat = Format{SampleRate: 44100, Channels: 2, BitsPerSample: 16}

func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Bytes returns the size of d worth of audio, rounded down to whole frames.
func (f Format) Bytes(d time.Duration) int {
	n := int(int64(f.ByteRate()) * int64(d) / int64(time.Second))
	if ba := f.BlockAlign(); ba > 0 {
		n -= n % ba
	}
	return n
}

func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && (f.BitsPerSample == 8 || f.BitsPerSample == 16 || f.BitsPerSample == 24 || f.BitsPerSample == 32)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitsPerSample)
}

// Frame is one chunk of captured audio. Data must not be modified once the
// frame has been handed to a sink.
type Frame struct {
	Data   []byte
	Format Format
}

// Clone returns a frame with its own copy of Data.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, Format: f.Format}
}
