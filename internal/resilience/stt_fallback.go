package resilience

import (
	"context"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// transcription backends. The same utterance is resent in full to each
// fallback.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Group exposes the underlying [FallbackGroup] for inspection.
func (f *STTFallback) Group() *FallbackGroup[stt.Provider] { return f.group }

// Available reports whether any backend can currently be tried.
func (f *STTFallback) Available() bool { return f.group.Available() }

// Transcribe returns the first successful transcript. An empty transcript is
// a success and does not trigger failover.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, cfg)
	})
}
