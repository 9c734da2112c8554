package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{32767, 32767})))
	if len(got) != 1 || got[0] != 32767 {
		t.Errorf("got %v, want [32767]", got)
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 16000, 16000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	t.Parallel()
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	got := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if last := got[len(got)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	t.Parallel()
	// 24kHz TTS output down to the 16kHz wire rate.
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	got := bytesToSamples(audio.ResampleMono16(pcm, 24000, 16000))
	if len(got) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(got))
	}
}

func TestResampleMono16_InvalidRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200})
	tests := []struct {
		name     string
		src, dst int
	}{
		{"zero src", 0, 16000},
		{"zero dst", 16000, 0},
		{"negative src", -1, 16000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if out := audio.ResampleMono16(pcm, tc.src, tc.dst); len(out) != len(pcm) {
				t.Errorf("expected unchanged output, got len %d", len(out))
			}
		})
	}
}

func TestPCMToFloat32(t *testing.T) {
	t.Parallel()
	got := audio.PCMToFloat32(samplesToBytes([]int16{0, -32768, 16384}))
	want := []float32{0, -1, 0.5}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %f, want %f", i, got[i], want[i])
		}
	}
}

func TestPadToFrame(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      []byte
		wantLen int
	}{
		{"empty", nil, 0},
		{"aligned", []byte{1, 2, 3, 4}, 4},
		{"odd", []byte{1, 2, 3}, 4},
		{"single byte", []byte{9}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.PadToFrame(tc.in, audio.SampleWidth)
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			for i := range tc.in {
				if got[i] != tc.in[i] {
					t.Errorf("byte %d changed: got %d, want %d", i, got[i], tc.in[i])
				}
			}
			for i := len(tc.in); i < len(got); i++ {
				if got[i] != 0 {
					t.Errorf("pad byte %d = %d, want 0", i, got[i])
				}
			}
		})
	}
}

func TestRMSAndDBFS(t *testing.T) {
	t.Parallel()
	if got := audio.RMS(make([]byte, 3200)); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}
	if got := audio.DBFS(0); !math.IsInf(got, -1) {
		t.Errorf("DBFS(0) = %f, want -Inf", got)
	}

	// Constant amplitude 3277 is roughly -20 dBFS.
	pcm := samplesToBytes([]int16{3277, -3277, 3277, -3277})
	rms := audio.RMS(pcm)
	if math.Abs(rms-3277) > 0.5 {
		t.Errorf("RMS = %f, want 3277", rms)
	}
	if db := audio.DBFS(rms); math.Abs(db-(-20)) > 0.1 {
		t.Errorf("DBFS = %f, want about -20", db)
	}
}

func TestDurationMs(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := audio.DurationMs(32000, f); got != 1000 {
		t.Errorf("DurationMs(32000) = %d, want 1000", got)
	}
	if got := audio.DurationMs(32000, audio.Format{}); got != 0 {
		t.Errorf("DurationMs with zero format = %d, want 0", got)
	}
}
