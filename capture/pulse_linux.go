//go:build linux

package capture

import (
	"fmt"
	"io"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"
)

// PulseSource records the monitor of the default PulseAudio (or PipeWire
// pulse) sink, which is everything the desktop plays.
type PulseSource struct {
	client *pulse.Client
	sink   *pulse.Sink
	format Format

	mu     sync.Mutex
	stream *pulse.RecordStream

	Logger zerolog.Logger
}

// NewSystemSource connects to the sound server.
func NewSystemSource(logger zerolog.Logger) (Source, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("castaudio"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRecordingDevice, err)
	}

	sink, err := c.DefaultSink()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: default sink: %v", ErrNoRecordingDevice, err)
	}

	logger.Info().Str("Method", "NewSystemSource").Str("Sink", sink.Name()).Msg("recording sink monitor")

	return &PulseSource{
		client: c,
		sink:   sink,
		format: DefaultFormat,
		Logger: logger,
	}, nil
}

func (p *PulseSource) Format() Format {
	return p.format
}

func (p *PulseSource) Start(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return ErrAlreadyRecording
	}

	stream, err := p.client.NewRecord(pulse.NewWriter(w, proto.FormatInt16LE),
		pulse.RecordMonitor(p.sink),
		pulse.RecordStereo,
		pulse.RecordSampleRate(p.format.SampleRate),
		pulse.RecordMediaName("Desktop audio"),
	)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}

	stream.Start()
	p.stream = stream
	return nil
}

func (p *PulseSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}

	p.stream.Stop()
	err := p.stream.Error()
	p.stream.Close()
	p.stream = nil
	return err
}

// Close disconnects from the sound server.
func (p *PulseSource) Close() error {
	_ = p.Stop()
	p.client.Close()
	return nil
}
