package resilience

import (
	"context"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across several
// synthesis backends. Fallbacks receive the same voice; backends that do not
// know the voice ID pick their own default.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend, tried after all earlier ones.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.group.AddFallback(name, p)
}

// Group exposes the underlying [FallbackGroup] for inspection.
func (f *TTSFallback) Group() *FallbackGroup[tts.Provider] { return f.group }

// Available reports whether any backend can currently be tried.
func (f *TTSFallback) Available() bool { return f.group.Available() }

// Synthesize returns audio from the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}
