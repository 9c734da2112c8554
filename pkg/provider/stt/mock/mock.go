// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcripts and inspect which utterances were
// submitted.
//
// Example:
//
//	p := &mock.Provider{Texts: []string{"你好"}}
//	text, _ := p.Transcribe(ctx, pcm, stt.Config{SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts is consumed one entry per call. Once exhausted, Text is returned.
	Texts []string

	// Text is returned after Texts runs out.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Block, if non-nil, makes Transcribe wait until it is closed or ctx is done.
	Block chan struct{}

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next scripted text.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.Config) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{PCM: append([]byte(nil), pcm...), Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Texts) > 0 {
		t := p.Texts[0]
		p.Texts = p.Texts[1:]
		return t, nil
	}
	return p.Text, nil
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}
