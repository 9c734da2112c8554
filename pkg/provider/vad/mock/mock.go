// Package mock provides a test double for the vad.Classifier interface.
//
// Use Classifier to script speech/silence decisions per frame and to inspect
// the frames that were classified.
//
// Example:
//
//	c := &mock.Classifier{Results: []bool{false, true, true}}
//	speech, _ := c.IsSpeech(frame)
package mock

import (
	"sync"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
)

// Classifier is a mock implementation of vad.Classifier.
type Classifier struct {
	mu sync.Mutex

	// Results is consumed one entry per call. Once exhausted, Default is returned.
	Results []bool

	// Default is returned after Results runs out.
	Default bool

	// Func, if set, takes precedence over Results and Default.
	Func func(frame []byte) (bool, error)

	// Err, if non-nil, is returned from every call.
	Err error

	// Frames records a copy of every frame passed to IsSpeech.
	Frames [][]byte
}

var _ vad.Classifier = (*Classifier)(nil)

// IsSpeech records the frame and returns the next scripted result.
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Frames = append(c.Frames, append([]byte(nil), frame...))
	if c.Err != nil {
		return false, c.Err
	}
	if c.Func != nil {
		return c.Func(frame)
	}
	if len(c.Results) > 0 {
		r := c.Results[0]
		c.Results = c.Results[1:]
		return r, nil
	}
	return c.Default, nil
}

// CallCount returns the number of IsSpeech calls so far.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Frames)
}
