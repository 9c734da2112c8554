// Package session runs one duplex voice conversation per client connection.
//
// A [Session] owns every piece of mutable per-connection state: the speaking
// tracker, the utterance accumulator, the conversation history and the turn
// controller. Two goroutines run under an errgroup:
//
//	transport ──ReadFrame──▶ ingress ──(bounded queue)──▶ worker ──▶ turn.Controller
//	                           │                                          │
//	                           └── VAD + tracker (barge-in) ──Interrupt──▶ │
//	transport ◀──WriteChunk──────────────────────────────────── reply pipeline
//
// The [Manager] creates sessions, tracks the live set and shuts them down.
package session

import (
	"context"
	"errors"
)

// ErrClosed is returned by a [Transport] when the peer closed the connection
// normally. Run treats it as a clean end of the session.
var ErrClosed = errors.New("session: transport closed")

// Transport is the bidirectional message channel of one client.
//
// ReadFrame is only called by the ingress goroutine. WriteChunk is only
// called by the active reply pipeline, so at most one call is in flight.
type Transport interface {
	// ReadFrame blocks until the next binary frame arrives. It returns
	// [ErrClosed] on a normal close and honours ctx.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteChunk sends one outbound audio chunk as a binary message.
	WriteChunk(ctx context.Context, chunk []byte) error
}
