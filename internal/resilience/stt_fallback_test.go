package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	sttmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/mock"
)

func TestSTTFallback_Transcribe(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{1, 0}, 800)
	cfg := stt.Config{SampleRate: 16000, Channels: 1, Language: "zh"}

	t.Run("empty transcript is a success", func(t *testing.T) {
		t.Parallel()

		primary := &sttmock.Provider{}
		secondary := &sttmock.Provider{Text: "床前明月光"}
		fb := NewSTTFallback(primary, "whisper", FallbackConfig{Logger: quiet})
		fb.AddFallback("deepgram", secondary)

		got, err := fb.Transcribe(context.Background(), pcm, cfg)
		if err != nil || got != "" {
			t.Fatalf("Transcribe = %q, %v; want empty, nil", got, err)
		}
		if secondary.CallCount() != 0 {
			t.Fatal("empty transcript triggered failover")
		}
	})

	t.Run("failover resends the utterance", func(t *testing.T) {
		t.Parallel()

		primary := &sttmock.Provider{Err: errors.New("whisper: connection refused")}
		secondary := &sttmock.Provider{Text: "床前明月光"}
		fb := NewSTTFallback(primary, "whisper", FallbackConfig{Logger: quiet})
		fb.AddFallback("deepgram", secondary)

		got, err := fb.Transcribe(context.Background(), pcm, cfg)
		if err != nil {
			t.Fatalf("Transcribe: %v", err)
		}
		if got != "床前明月光" {
			t.Errorf("text = %q", got)
		}
		if secondary.CallCount() != 1 {
			t.Fatalf("secondary calls = %d, want 1", secondary.CallCount())
		}
		call := secondary.Calls[0]
		if !bytes.Equal(call.PCM, pcm) || call.Cfg != cfg {
			t.Error("fallback received a different utterance")
		}
	})

	t.Run("all fail", func(t *testing.T) {
		t.Parallel()

		fb := NewSTTFallback(&sttmock.Provider{Err: errTest}, "whisper", FallbackConfig{Logger: quiet})
		if _, err := fb.Transcribe(context.Background(), pcm, cfg); !errors.Is(err, ErrAllFailed) {
			t.Fatalf("err = %v, want ErrAllFailed", err)
		}
	})
}
