// Package memory defines the conversation turn log: a durable, text-only
// record of every completed exchange, keyed by session.
//
// The in-session conversation window lives in internal/turn and is bounded;
// the turn log is append-only and survives restarts. Audio is never stored.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// Turn is one message of a completed exchange.
type Turn struct {
	// SessionID identifies the client connection the turn belongs to.
	SessionID string

	// Role is "user" or "assistant".
	Role string

	// Content is the message text.
	Content string

	// Outcome is the reply outcome the turn was recorded with
	// ("completed" or "fallback"). Empty for user turns.
	Outcome string

	// CreatedAt is the time the turn completed.
	CreatedAt time.Time
}

// Store is the turn log.
type Store interface {
	// AppendTurn writes turns in order as one unit.
	AppendTurn(ctx context.Context, turns ...Turn) error

	// Recent returns up to limit of the newest turns for sessionID, oldest
	// first. A non-positive limit returns every turn of the session.
	Recent(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}
