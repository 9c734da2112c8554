package audio

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// DefaultChunkSize is the payload size of an outbound chunk in bytes.
const DefaultChunkSize = 2048

// Chunks splits a complete WAV buffer into self-describing chunks of at most
// payloadSize PCM bytes each. Every chunk is the source header with its RIFF
// size (bytes 4..8) set to n+36 and its data size (bytes 40..44) set to n,
// followed by the n payload bytes, so each one decodes on its own.
//
// The header is taken verbatim from the first 44 bytes of wav; the buffer must
// use the canonical layout (see [NormalizeWAV]).
//
// The returned sequence is lazy: each chunk is built only when the consumer
// asks for it, and stopping the range loop stops the work. A header-only
// buffer yields nothing.
func Chunks(wav []byte, payloadSize int) (iter.Seq[[]byte], error) {
	if len(wav) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortWAV, len(wav))
	}
	if payloadSize <= 0 {
		return nil, fmt.Errorf("audio: chunk size must be positive, got %d", payloadSize)
	}
	header := wav[:HeaderSize]
	payload := wav[HeaderSize:]

	return func(yield func([]byte) bool) {
		for off := 0; off < len(payload); off += payloadSize {
			end := min(off+payloadSize, len(payload))
			if !yield(FrameChunk(header, payload[off:end])) {
				return
			}
		}
	}, nil
}

// FrameChunk returns a fresh buffer holding header with its size fields
// rewritten for payload, followed by payload.
func FrameChunk(header, payload []byte) []byte {
	n := len(payload)
	out := make([]byte, HeaderSize+n)
	copy(out, header[:HeaderSize])
	binary.LittleEndian.PutUint32(out[4:8], uint32(n+36))
	binary.LittleEndian.PutUint32(out[40:44], uint32(n))
	copy(out[HeaderSize:], payload)
	return out
}

// ChunkPayload returns the payload declared by a chunk's data size field.
// It is the inverse of [FrameChunk] and is used by consumers that reassemble
// a stream.
func ChunkPayload(chunk []byte) ([]byte, error) {
	if len(chunk) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrShortWAV, len(chunk))
	}
	n := int(binary.LittleEndian.Uint32(chunk[40:44]))
	if HeaderSize+n > len(chunk) {
		return nil, fmt.Errorf("audio: chunk declares %d payload bytes but carries %d", n, len(chunk)-HeaderSize)
	}
	return chunk[HeaderSize : HeaderSize+n], nil
}
