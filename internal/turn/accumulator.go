package turn

import "sync"

// DefaultFlushThreshold is the utterance size in bytes that triggers a flush:
// one second of 16 kHz mono 16-bit PCM.
const DefaultFlushThreshold = 32000

// DefaultMaxBufferFactor caps the buffer at this many flush thresholds. The
// cap only bites with capture-speech on, while the user keeps talking.
const DefaultMaxBufferFactor = 8

// Accumulator buffers inbound PCM until an utterance is large enough to
// transcribe.
//
// By default only frames that arrive while the user is not speaking are
// kept. With capture-speech enabled every frame is kept, so the utterance
// includes the speech itself. Either way a flush happens only while the user
// is not speaking.
type Accumulator struct {
	threshold     int
	maxBytes      int
	captureSpeech bool
	onOverflow    func(dropped int)

	mu  sync.Mutex
	buf []byte
}

// AccumulatorOption configures an [Accumulator].
type AccumulatorOption func(*Accumulator)

// WithThreshold overrides [DefaultFlushThreshold]. Non-positive values are
// ignored.
func WithThreshold(n int) AccumulatorOption {
	return func(a *Accumulator) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithCaptureSpeech makes Append keep frames regardless of speaking state.
func WithCaptureSpeech(on bool) AccumulatorOption {
	return func(a *Accumulator) { a.captureSpeech = on }
}

// WithMaxBuffer caps the buffer at n bytes. Past the cap the oldest audio
// is discarded. Values below the threshold are ignored. Default:
// [DefaultMaxBufferFactor] times the threshold.
func WithMaxBuffer(n int) AccumulatorOption {
	return func(a *Accumulator) { a.maxBytes = n }
}

// WithOnOverflow registers fn to run with the number of bytes discarded
// whenever Append hits the cap.
func WithOnOverflow(fn func(dropped int)) AccumulatorOption {
	return func(a *Accumulator) { a.onOverflow = fn }
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator(opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{threshold: DefaultFlushThreshold}
	for _, o := range opts {
		o(a)
	}
	if a.maxBytes < a.threshold {
		a.maxBytes = DefaultMaxBufferFactor * a.threshold
	}
	a.buf = make([]byte, 0, a.threshold)
	return a
}

// Append adds frame to the buffer unless speaking is true and capture-speech
// is off. It reports whether the frame was kept. A buffer that grows past
// its cap loses its oldest bytes.
func (a *Accumulator) Append(frame []byte, speaking bool) bool {
	if speaking && !a.captureSpeech {
		return false
	}
	a.mu.Lock()
	a.buf = append(a.buf, frame...)
	dropped := 0
	if over := len(a.buf) - a.maxBytes; over > 0 {
		// Whole samples only.
		dropped = min(over+over%2, len(a.buf))
		a.buf = append(a.buf[:0], a.buf[dropped:]...)
	}
	a.mu.Unlock()

	if dropped > 0 && a.onOverflow != nil {
		a.onOverflow(dropped)
	}
	return true
}

// TryFlush returns a copy of the buffer and empties it when the buffer holds
// at least the threshold and speaking is false. Otherwise it returns
// (nil, false) and leaves the buffer untouched.
func (a *Accumulator) TryFlush(speaking bool) ([]byte, bool) {
	if speaking {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buf) < a.threshold {
		return nil, false
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	a.buf = a.buf[:0]
	return out, true
}

// Len returns the number of buffered bytes.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

// Reset discards the buffer.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf = a.buf[:0]
}
