// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio buffers and to inspect the text that
// was submitted for synthesis.
//
// Example:
//
//	p := &mock.Provider{Audio: audio.EncodeWAV(make([]byte, 10000), format)}
//	wav, _ := p.Synthesize(ctx, "幸会", tts.Voice{})
package mock

import (
	"context"
	"sync"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the Voice passed to Synthesize.
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Audio is returned by every Synthesize call.
	Audio []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Block, if non-nil, makes Synthesize wait until it is closed, ignoring
	// ctx, the way a non-cancellable external engine behaves.
	Block chan struct{}

	// Started, if non-nil, receives the text of each call once recorded.
	Started chan string

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio, Err.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	block, started := p.Block, p.Started
	p.mu.Unlock()

	if started != nil {
		started <- text
	}
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return append([]byte(nil), p.Audio...), nil
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
