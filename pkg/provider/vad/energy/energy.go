// Package energy provides an amplitude-threshold [vad.Classifier]: a frame is
// speech when its RMS level, expressed in dBFS, exceeds a fixed threshold.
package energy

import (
	"fmt"

	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
)

// DefaultThresholdDBFS is the speech threshold used when none is configured.
const DefaultThresholdDBFS = -40.0

// Option is a functional option for configuring a [Classifier].
type Option func(*Classifier)

// WithThreshold sets the speech threshold in dBFS. Values must be negative;
// non-negative values are ignored.
func WithThreshold(dbfs float64) Option {
	return func(c *Classifier) {
		if dbfs < 0 {
			c.threshold = dbfs
		}
	}
}

// Classifier implements [vad.Classifier]. It holds no per-stream state and is
// safe for concurrent use.
type Classifier struct {
	threshold float64
}

var _ vad.Classifier = (*Classifier)(nil)

// New returns a Classifier with the default -40 dBFS threshold unless
// overridden.
func New(opts ...Option) *Classifier {
	c := &Classifier{threshold: DefaultThresholdDBFS}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Threshold returns the configured threshold in dBFS.
func (c *Classifier) Threshold() float64 { return c.threshold }

// IsSpeech implements [vad.Classifier].
func (c *Classifier) IsSpeech(frame []byte) (bool, error) {
	if len(frame) == 0 || len(frame)%audio.SampleWidth != 0 {
		return false, fmt.Errorf("energy: %w: %d bytes", vad.ErrMalformedFrame, len(frame))
	}
	return audio.DBFS(audio.RMS(frame)) > c.threshold, nil
}
