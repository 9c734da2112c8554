// Package turn implements conversational turn-taking for one voice session:
// speech-state tracking with debounced silence, utterance accumulation, the
// rolling conversation window and the reply state machine with cooperative
// barge-in.
//
// # Lifecycle
//
//	Idle ──utterance──▶ Listening ──flush──▶ Transcribing ─┬─ empty/error ─▶ Idle
//	                                                       └─ text ─▶ Replying
//	Replying ──done──▶ Idle
//	Replying ──speech or superseded──▶ Interrupted ──▶ Idle
//
// A Controller never runs more than one reply pipeline. A newer utterance
// with text cancels the previous pipeline and waits for it to exit before
// starting its own.
package turn

import "fmt"

// State is the controller's position in the turn lifecycle.
type State int32

const (
	// Idle means no pending work.
	Idle State = iota

	// Listening means an utterance is being accumulated.
	Listening

	// Transcribing means a flushed utterance is with the STT provider.
	Transcribing

	// Replying means a reply pipeline is generating, synthesising or
	// streaming.
	Replying

	// Interrupted is terminal for one reply attempt. The controller moves on
	// to Idle immediately after.
	Interrupted
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Transcribing:
		return "transcribing"
	case Replying:
		return "replying"
	case Interrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}
