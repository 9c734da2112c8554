package turn

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSilenceDebounce is how long a speaker must stay silent before the
// tracker reports the end of speech.
const DefaultSilenceDebounce = 800 * time.Millisecond

// Transition reports what a single [Tracker.Observe] call changed.
type Transition int

const (
	// NoChange means the speaking flag kept its value.
	NoChange Transition = iota

	// SpeechStarted means the flag went from false to true.
	SpeechStarted

	// SpeechStopped means the flag went from true to false after the
	// debounce elapsed.
	SpeechStopped
)

// Tracker maintains the per-session speaking flag with asymmetric
// hysteresis: it turns on at the first speech frame and turns off only after
// the silence debounce has passed since the last speech frame.
//
// Speaking is safe to call from any goroutine. Observe is called by the
// single ingress goroutine of a session.
type Tracker struct {
	debounce      time.Duration
	onSpeechStart func()

	speaking atomic.Bool

	mu         sync.Mutex
	lastSpeech time.Time
}

// TrackerOption configures a [Tracker].
type TrackerOption func(*Tracker)

// WithSilenceDebounce overrides [DefaultSilenceDebounce]. Non-positive values
// are ignored.
func WithSilenceDebounce(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.debounce = d
		}
	}
}

// WithOnSpeechStart registers fn to run synchronously on every
// [SpeechStarted] transition. It is the barge-in hook.
func WithOnSpeechStart(fn func()) TrackerOption {
	return func(t *Tracker) { t.onSpeechStart = fn }
}

// NewTracker returns a Tracker in the not-speaking state.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{debounce: DefaultSilenceDebounce}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Observe feeds one frame classification taken at now.
func (t *Tracker) Observe(speech bool, now time.Time) Transition {
	t.mu.Lock()
	var tr Transition
	switch {
	case speech:
		t.lastSpeech = now
		if !t.speaking.Swap(true) {
			tr = SpeechStarted
		}
	case t.speaking.Load() && now.Sub(t.lastSpeech) > t.debounce:
		t.speaking.Store(false)
		tr = SpeechStopped
	}
	t.mu.Unlock()

	if tr == SpeechStarted && t.onSpeechStart != nil {
		t.onSpeechStart()
	}
	return tr
}

// Speaking reports whether the user is currently considered to be speaking.
func (t *Tracker) Speaking() bool { return t.speaking.Load() }

// Debounce returns the configured silence debounce.
func (t *Tracker) Debounce() time.Duration { return t.debounce }

// Reset returns the tracker to the not-speaking state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speaking.Store(false)
	t.lastSpeech = time.Time{}
}
