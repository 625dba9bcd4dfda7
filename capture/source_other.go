//go:build !linux

package capture

import "github.com/rs/zerolog"

// NewSystemSource is only implemented on Linux; elsewhere use the tone
// source.
func NewSystemSource(logger zerolog.Logger) (Source, error) {
	logger.Warn().Str("Method", "NewSystemSource").Msg("desktop capture not supported on this platform")
	return nil, ErrNoRecordingDevice
}
