// Package vad defines the Classifier interface for frame-level voice activity
// detection.
//
// A Classifier is a stateless predicate over a single PCM frame: does it carry
// speech energy? Hysteresis, debounce and speaking-state tracking live one
// layer up (see internal/turn), so the same classifier can be shared by every
// connection.
//
// Implementations must be safe for concurrent use.
package vad

import "errors"

// ErrMalformedFrame is returned for frames that cannot be interpreted as
// 16-bit PCM (empty or odd length).
var ErrMalformedFrame = errors.New("vad: malformed frame")

// Config holds the parameters shared by VAD backends.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// IsSpeech. Energy-based classifiers ignore it.
	SampleRate int

	// ThresholdDBFS is the level in dBFS above which a frame counts as speech.
	// Typical: -40.
	ThresholdDBFS float64
}

// Classifier decides whether a frame contains speech.
type Classifier interface {
	// IsSpeech reports whether frame, little-endian signed 16-bit mono PCM,
	// carries speech. It returns an error wrapping [ErrMalformedFrame] for
	// frames that are empty or not sample-aligned. Callers treat any error as
	// "not speech".
	IsSpeech(frame []byte) (bool, error)
}

// ClassifierFunc adapts an ordinary function to the [Classifier] interface.
type ClassifierFunc func(frame []byte) (bool, error)

// IsSpeech calls f(frame).
func (f ClassifierFunc) IsSpeech(frame []byte) (bool, error) { return f(frame) }
