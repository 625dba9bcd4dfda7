package streamserver

import (
	"bytes"
	"encoding/binary"

	"github.com/KarimLUCCIN/ChromeCast-Desktop-Audio-Streamer-sub000/capture"
)

// WAVHeaderSize is the size of the canonical PCM RIFF header.
const WAVHeaderSize = 44

// unknownSize marks a stream of unbounded length; receivers decode until
// the connection ends.
const unknownSize = 0xFFFFFFFF

// WAVHeader is the canonical 44 byte RIFF/WAVE header for PCM.
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// NewWAVHeader describes an endless PCM stream in format f.
func NewWAVHeader(f capture.Format) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     unknownSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: unknownSize,
	}
}

func (h WAVHeader) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(WAVHeaderSize)
	_ = binary.Write(&buf, binary.LittleEndian, &h)
	return buf.Bytes()
}
