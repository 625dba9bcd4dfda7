package castprotocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
	pb "github.com/vishen/go-chromecast/cast/proto"
)

const (
	// frameHeaderSize is the size of the big-endian length prefix.
	frameHeaderSize = 4
	// MaxFrameSize is the largest body a Cast device will send or accept.
	MaxFrameSize = 64 * 1024
)

var (
	ErrEmptyFrame    = errors.New("castprotocol: zero-length frame")
	ErrFrameTooLarge = errors.New("castprotocol: frame exceeds maximum size")
)

// ParseError is returned when a frame body is not a valid CastMessage.
type ParseError struct {
	Size int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("castprotocol: malformed message body (%d bytes): %v", e.Size, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EncodeFrame prepends the 4-byte big-endian length header to body.
func EncodeFrame(body []byte) []byte {
	out := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[frameHeaderSize:], body)
	return out
}

// Encode serializes msg and wraps it in a length-prefixed frame.
func Encode(msg *pb.CastMessage) ([]byte, error) {
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode cast message: %w", err)
	}

	return EncodeFrame(body), nil
}

// ParseMessage decodes a single frame body.
func ParseMessage(body []byte) (*pb.CastMessage, error) {
	msg := &pb.CastMessage{}
	if err := proto.Unmarshal(body, msg); err != nil {
		return nil, &ParseError{Size: len(body), Err: err}
	}

	return msg, nil
}

// FrameDecoder extracts length-prefixed frames from a byte stream that may
// arrive in arbitrary chunks. Incomplete trailing bytes stay buffered until
// the next Feed. It is not safe for concurrent use.
type FrameDecoder struct {
	buf []byte
	err error
}

// Feed appends p to the pending bytes and returns every complete frame body,
// in stream order. A zero-length or oversized length header aborts parsing:
// the buffered bytes are discarded and Err reports why.
func (d *FrameDecoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	for len(d.buf) >= frameHeaderSize {
		size := binary.BigEndian.Uint32(d.buf)
		if size == 0 {
			d.abort(ErrEmptyFrame)
			break
		}

		if size > MaxFrameSize {
			d.abort(ErrFrameTooLarge)
			break
		}

		end := frameHeaderSize + int(size)
		if len(d.buf) < end {
			break
		}

		body := make([]byte, size)
		copy(body, d.buf[frameHeaderSize:end])
		frames = append(frames, body)

		d.buf = d.buf[end:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}

	return frames
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Err returns the reason the last abort happened, if any.
func (d *FrameDecoder) Err() error {
	return d.err
}

// Reset drops any buffered bytes and clears the error.
func (d *FrameDecoder) Reset() {
	d.buf = nil
	d.err = nil
}

func (d *FrameDecoder) abort(err error) {
	d.buf = nil
	d.err = err
}
