// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one complete reply into one complete audio buffer. The
// buffer is a canonical WAV container (44-byte header followed by 16-bit PCM)
// at the sample rate the caller requests, so the chunk framer can split it
// without re-parsing. Providers whose backend emits another rate or channel
// layout normalise it with audio.NormalizeWAV.
//
// Synthesis is a single blocking call and is not interrupted by barge-in; the
// caller suppresses delivery of the result instead.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice selects and tunes the synthetic voice.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g., "zh-CN-YunjianNeural",
	// an ElevenLabs voice ID, or a Coqui speaker name). Empty selects the
	// provider default.
	ID string

	// Language is the BCP-47 language tag of the text (e.g., "zh-CN").
	Language string

	// SampleRate is the output rate in Hz. Zero means 16000.
	SampleRate int
}

// OutputRate returns v.SampleRate or the 16 kHz default.
func (v Voice) OutputRate() int {
	if v.SampleRate > 0 {
		return v.SampleRate
	}
	return 16000
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text and returns the complete audio as a canonical
	// mono 16-bit WAV at voice.OutputRate(). It must honour ctx for
	// cancellation of the network call where the backend allows it.
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)
}
