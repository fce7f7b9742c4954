package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const wavHeaderSize = 44

var ErrNotWAV = errors.New("buffer is not RIFF/WAVE")
var ErrNoDataChunk = errors.New("no data chunk in WAVE buffer")

// FixWAVHeader rewrites the RIFF and data chunk lengths of buf in place so
// they describe the bytes actually present. ffmpeg writing WAVE to a pipe
// cannot seek back, so it leaves placeholder lengths (0 or 0xFFFFFFFF).
func FixWAVHeader(buf []byte) error {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return ErrNotWAV
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)-8))

	offset := 12
	for offset+8 <= len(buf) {
		id := string(buf[offset : offset+4])
		size := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
		body := offset + 8

		if id == "data" {
			binary.LittleEndian.PutUint32(buf[offset+4:offset+8], uint32(len(buf)-body))
			return nil
		}

		// chunks are word aligned
		next := body + int(size) + int(size&1)
		if next <= offset || next > len(buf) {
			return ErrNoDataChunk
		}
		offset = next
	}

	return ErrNoDataChunk
}

// WAVDataLength returns the declared data chunk length and the offset where
// the sample data starts.
func WAVDataLength(buf []byte) (length uint32, offset int, err error) {
	if len(buf) < 12 || string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return 0, 0, ErrNotWAV
	}

	offset = 12
	for offset+8 <= len(buf) {
		id := string(buf[offset : offset+4])
		size := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
		if id == "data" {
			return size, offset + 8, nil
		}
		next := offset + 8 + int(size) + int(size&1)
		if next <= offset || next > len(buf) {
			break
		}
		offset = next
	}

	return 0, 0, ErrNoDataChunk
}

// WriteWAVHeader writes a canonical 44 byte PCM s16le header.
func WriteWAVHeader(w io.Writer, sampleRate, numChannels, dataLength uint32) error {
	header := make([]byte, 0, wavHeaderSize)
	buf := bytes.NewBuffer(header)

	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, dataLength+36)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(buf, binary.LittleEndian, uint16(numChannels))
	_ = binary.Write(buf, binary.LittleEndian, sampleRate)
	_ = binary.Write(buf, binary.LittleEndian, sampleRate*numChannels*2)
	_ = binary.Write(buf, binary.LittleEndian, uint16(numChannels*2))
	_ = binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLength)

	_, err := w.Write(buf.Bytes())
	return err
}

// wrapPCM frames raw s16le samples as a WAVE buffer.
func wrapPCM(pcm []byte, sampleRate, numChannels int) []byte {
	out := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	_ = WriteWAVHeader(out, uint32(sampleRate), uint32(numChannels), uint32(len(pcm)))
	out.Write(pcm)
	return out.Bytes()
}
