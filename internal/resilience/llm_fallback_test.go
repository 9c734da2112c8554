package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	llmmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		want          string
		wantAll       bool
		wantSecondary int
	}{
		{"primary", nil, nil, "举杯邀明月", false, 0},
		{"failover", errors.New("dashscope 503"), nil, "对影成三人", false, 1},
		{"all fail", errors.New("dashscope 503"), errors.New("openai 429"), "", true, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			primary := &llmmock.Provider{Reply: "举杯邀明月", Err: tc.primaryErr}
			secondary := &llmmock.Provider{Reply: "对影成三人", Err: tc.secondaryErr}
			fb := NewLLMFallback(primary, "qwen", FallbackConfig{Logger: quiet})
			fb.AddFallback("openai", secondary)

			req := llm.CompletionRequest{
				SystemPrompt: "你是李白",
				Messages:     []llm.Message{{Role: llm.RoleUser, Content: "请作诗"}},
			}
			resp, err := fb.Complete(context.Background(), req)
			if tc.wantAll {
				if !errors.Is(err, ErrAllFailed) {
					t.Fatalf("err = %v, want ErrAllFailed", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Complete: %v", err)
				}
				if resp.Content != tc.want {
					t.Errorf("content = %q, want %q", resp.Content, tc.want)
				}
			}
			if primary.CallCount() != 1 {
				t.Errorf("primary calls = %d, want 1", primary.CallCount())
			}
			if secondary.CallCount() != tc.wantSecondary {
				t.Errorf("secondary calls = %d, want %d", secondary.CallCount(), tc.wantSecondary)
			}
			if tc.wantSecondary > 0 && secondary.LastRequest().SystemPrompt != "你是李白" {
				t.Error("fallback did not receive the original request")
			}
		})
	}
}

func TestLLMFallback_InterruptDoesNotFailOver(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{Block: make(chan struct{})}
	secondary := &llmmock.Provider{Reply: "unused"}
	fb := NewLLMFallback(primary, "qwen", FallbackConfig{Logger: quiet})
	fb.AddFallback("openai", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := fb.Complete(ctx, llm.CompletionRequest{})
		done <- err
	}()
	for primary.CallCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times after cancellation", secondary.CallCount())
	}
	if got := fb.Group().Breaker("qwen").State(); got != StateClosed {
		t.Fatalf("primary breaker = %v, want closed", got)
	}
}
