// Package audio provides the PCM and WAV primitives shared by the voice
// pipeline: canonical 44-byte WAV encoding and parsing, frame padding, energy
// measurement, format conversion and the self-describing chunk framer used for
// outbound audio.
//
// All PCM handled here is signed 16-bit little-endian.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the length of a canonical RIFF/WAVE header with a 16-byte
// fmt chunk immediately followed by the data chunk header.
const HeaderSize = 44

// BitsPerSample is the only sample width this package produces.
const BitsPerSample = 16

// ErrShortWAV is returned when a buffer is too short to hold a canonical header.
var ErrShortWAV = errors.New("audio: buffer shorter than the 44-byte WAV header")

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// WAVInfo holds the format metadata extracted from a RIFF/WAVE container.
type WAVInfo struct {
	Format

	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int

	// DataSize is the length of the PCM payload, clamped to the buffer.
	DataSize int

	// BitsPerSample as declared by the fmt chunk.
	BitsPerSample int
}

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF/WAV container.
func EncodeWAV(pcm []byte, f Format) []byte {
	buf := make([]byte, HeaderSize+len(pcm))
	putHeader(buf, f, len(pcm))
	copy(buf[HeaderSize:], pcm)
	return buf
}

func putHeader(buf []byte, f Format, dataSize int) {
	byteRate := f.SampleRate * f.Channels * BitsPerSample / 8
	blockAlign := f.Channels * BitsPerSample / 8

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
}

// ParseWAV walks the RIFF chunks of wav and returns the audio format and the
// location of the PCM payload. Unlike the fixed-offset framing used for
// outbound chunks, it tolerates extended fmt chunks and LIST metadata.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 {
		return WAVInfo{}, errors.New("audio: WAV too short to be a RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audio: missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audio: missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size < 16 || offset+8+16 > len(wav) {
				return WAVInfo{}, errors.New("audio: truncated fmt chunk")
			}
			fmtData := wav[offset+8:]
			if tag := binary.LittleEndian.Uint16(fmtData[0:2]); tag != 1 && tag != 0xFFFE {
				return WAVInfo{}, fmt.Errorf("audio: unsupported WAV format tag %d", tag)
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return WAVInfo{}, errors.New("audio: data chunk before fmt chunk")
			}
			info.DataOffset = offset + 8
			// Streaming encoders write 0 or 0xFFFFFFFF when the length is unknown.
			info.DataSize = min(size, len(wav)-info.DataOffset)
			if size == 0 {
				info.DataSize = len(wav) - info.DataOffset
			}
			return info, nil
		}

		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audio: missing data chunk")
}

// NormalizeWAV returns wav re-encoded as canonical 16-bit PCM in the target
// format. Multi-channel input is downmixed and the sample rate is converted
// with linear interpolation. Input already in the target format is re-framed
// with a canonical header so downstream framing can rely on HeaderSize.
func NormalizeWAV(wav []byte, target Format) ([]byte, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return nil, err
	}
	if info.BitsPerSample != BitsPerSample {
		return nil, fmt.Errorf("audio: unsupported bit depth %d", info.BitsPerSample)
	}
	pcm := wav[info.DataOffset : info.DataOffset+info.DataSize]
	pcm = pcm[:len(pcm)-len(pcm)%2]

	if info.Channels == 2 && target.Channels == 1 {
		pcm = StereoToMono(pcm)
	} else if info.Channels != target.Channels {
		return nil, fmt.Errorf("audio: cannot convert %d channels to %d", info.Channels, target.Channels)
	}
	if info.SampleRate != target.SampleRate {
		pcm = ResampleMono16(pcm, info.SampleRate, target.SampleRate)
	}
	return EncodeWAV(pcm, target), nil
}
