package audio

import (
	"encoding/binary"
	"math"
)

// SampleWidth is the byte width of one 16-bit mono sample frame.
const SampleWidth = 2

// fullScale is the magnitude of the most negative int16 sample, the reference
// for dBFS.
const fullScale = 32768.0

// PadToFrame zero-pads frame to a multiple of width bytes. A frame that is
// already aligned is returned unchanged without copying.
func PadToFrame(frame []byte, width int) []byte {
	if width <= 1 {
		return frame
	}
	rem := len(frame) % width
	if rem == 0 {
		return frame
	}
	out := make([]byte, len(frame)+width-rem)
	copy(out, frame)
	return out
}

// RMS returns the root-mean-square amplitude of 16-bit PCM. A trailing odd
// byte is ignored. Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// DBFS converts an RMS amplitude to decibels relative to full scale.
// Silence maps to negative infinity.
func DBFS(rms float64) float64 {
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/fullScale)
}

// DurationMs returns the playback length in milliseconds of n bytes of 16-bit
// PCM in format f. Returns 0 for invalid formats.
func DurationMs(n int, f Format) int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return n * 1000 / (f.SampleRate * f.Channels * SampleWidth)
}
