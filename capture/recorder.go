package capture

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrNoRecordingDevice = errors.New("capture: no recording device found")
	ErrAlreadyRecording  = errors.New("capture: already recording")
)

const dispatchTick = time.Millisecond

// Source delivers PCM in its Format to w from its own goroutine between
// Start and Stop.
type Source interface {
	Format() Format
	Start(w io.Writer) error
	Stop() error
}

// Recorder moves audio from a Source to a handler. A dedicated goroutine
// drains the double buffer every millisecond and calls the handler with a
// view of the drained bytes; the handler must copy what it keeps.
type Recorder struct {
	source Source
	handle func(Frame)

	mu      sync.Mutex
	enabled atomic.Bool
	done    chan struct{}
	buf     *DoubleBuffer
	format  Format

	Logger zerolog.Logger
}

func NewRecorder(source Source, handle func(Frame), logger zerolog.Logger) *Recorder {
	return &Recorder{
		source: source,
		handle: handle,
		Logger: logger,
	}
}

// Start begins recording.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled.Load() {
		return ErrAlreadyRecording
	}

	r.format = r.source.Format()
	r.buf = NewDoubleBuffer(r.format, DefaultBufferDuration)
	r.done = make(chan struct{})
	r.enabled.Store(true)
	go r.dispatch(r.buf, r.format, r.done)

	if err := r.source.Start(r.buf); err != nil {
		r.enabled.Store(false)
		<-r.done
		return err
	}

	r.Logger.Info().Str("Method", "Start").Str("Format", r.format.String()).Msg("recording")
	return nil
}

// Stop stops the source, then the dispatch goroutine, and waits for it.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled.Load() {
		return nil
	}

	err := r.source.Stop()
	r.enabled.Store(false)
	<-r.done

	if dropped := r.buf.Dropped(); dropped > 0 {
		r.Logger.Warn().Str("Method", "Stop").Int64("Dropped", dropped).Msg("capture overflow")
	}
	return err
}

func (r *Recorder) Recording() bool {
	return r.enabled.Load()
}

func (r *Recorder) Format() Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

func (r *Recorder) dispatch(buf *DoubleBuffer, format Format, done chan<- struct{}) {
	defer close(done)

	for r.enabled.Load() {
		if data, ok := buf.Swap(); ok {
			r.deliver(Frame{Data: data, Format: format})
		}
		time.Sleep(dispatchTick)
	}

	// Whatever arrived before the source stopped.
	if data, ok := buf.Swap(); ok {
		r.deliver(Frame{Data: data, Format: format})
	}
}

func (r *Recorder) deliver(f Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.Logger.Error().Str("Method", "dispatch").Interface("Panic", rec).Msg("recovered")
		}
	}()
	r.handle(f)
}
