package energy_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad/energy"
)

// tone returns n samples alternating between +amp and -amp.
func tone(n int, amp int16) []byte {
	buf := make([]byte, n*2)
	for i := range n {
		v := amp
		if i%2 == 1 {
			v = -amp
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestIsSpeech(t *testing.T) {
	t.Parallel()

	c := energy.New()
	tests := []struct {
		name  string
		frame []byte
		want  bool
	}{
		// -40 dBFS corresponds to an RMS of about 327.7.
		{"silence", make([]byte, 3200), false},
		{"just below threshold", tone(1600, 300), false},
		{"just above threshold", tone(1600, 360), true},
		{"loud", tone(1600, 12000), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.IsSpeech(tc.frame)
			if err != nil {
				t.Fatalf("IsSpeech: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsSpeech = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsSpeech_MalformedFrame(t *testing.T) {
	t.Parallel()

	c := energy.New()
	for _, frame := range [][]byte{nil, {0x10}, {0, 0, 0}} {
		got, err := c.IsSpeech(frame)
		if !errors.Is(err, vad.ErrMalformedFrame) {
			t.Errorf("len %d: err = %v, want ErrMalformedFrame", len(frame), err)
		}
		if got {
			t.Errorf("len %d: malformed frame reported as speech", len(frame))
		}
	}
}

func TestWithThreshold(t *testing.T) {
	t.Parallel()

	c := energy.New(energy.WithThreshold(-20))
	if c.Threshold() != -20 {
		t.Fatalf("Threshold = %f, want -20", c.Threshold())
	}
	// About -31 dBFS: speech at -40, silence at -20.
	frame := tone(1600, 900)
	if got, _ := energy.New().IsSpeech(frame); !got {
		t.Error("default threshold: expected speech")
	}
	if got, _ := c.IsSpeech(frame); got {
		t.Error("-20 dBFS threshold: expected silence")
	}

	if got := energy.New(energy.WithThreshold(3)).Threshold(); got != energy.DefaultThresholdDBFS {
		t.Errorf("non-negative threshold accepted: %f", got)
	}
}
