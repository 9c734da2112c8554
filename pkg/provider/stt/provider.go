// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one complete utterance of raw PCM into text. The
// turn-taking layer decides where utterances begin and end, so providers see
// bounded buffers rather than live streams, even when the backend itself speaks
// a streaming protocol (see the deepgram subpackage).
//
// Implementations must be safe for concurrent use: every connection shares the
// same Provider.
package stt

import "context"

// Config describes the audio format and recognition hints for one call.
type Config struct {
	// SampleRate is the audio sample rate in Hz. The wire format is 16000.
	SampleRate int

	// Channels is the number of interleaved channels; 1 for the wire format.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "zh", "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe returns the text spoken in pcm, little-endian signed 16-bit
	// samples in the format described by cfg. An empty string with a nil error
	// means no speech was recognised.
	//
	// Transcribe must honour ctx cancellation and must never panic across the
	// boundary; callers treat any error exactly like an empty result.
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (string, error)
}
