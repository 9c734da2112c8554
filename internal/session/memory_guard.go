package session

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/ZJR-FZD/Libai-Chat/pkg/memory"
)

// MemoryGuard wraps a [memory.Store] and makes every operation non-fatal.
// When the underlying store fails, the error is logged and swallowed and the
// guard is marked degraded until the next successful call.
//
// Conversations keep running while the turn log backend is unavailable.
//
// All methods are safe for concurrent use.
type MemoryGuard struct {
	store    memory.Store
	log      *slog.Logger
	degraded atomic.Bool
}

var _ memory.Store = (*MemoryGuard)(nil)

// NewMemoryGuard returns a guard around store. A nil logger selects
// slog.Default().
func NewMemoryGuard(store memory.Store, log *slog.Logger) *MemoryGuard {
	if log == nil {
		log = slog.Default()
	}
	return &MemoryGuard{store: store, log: log}
}

// AppendTurn writes turns to the underlying store. Failures are swallowed.
func (g *MemoryGuard) AppendTurn(ctx context.Context, turns ...memory.Turn) error {
	if err := g.store.AppendTurn(ctx, turns...); err != nil {
		g.degraded.Store(true)
		sessionID := ""
		if len(turns) > 0 {
			sessionID = turns[0].SessionID
		}
		g.log.Warn("memory guard: AppendTurn failed, swallowing error",
			"session_id", sessionID,
			"turns", len(turns),
			"err", err,
		)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Recent reads from the underlying store. On failure it returns an empty
// slice and a nil error.
func (g *MemoryGuard) Recent(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	turns, err := g.store.Recent(ctx, sessionID, limit)
	if err != nil {
		g.degraded.Store(true)
		g.log.Warn("memory guard: Recent failed, returning empty",
			"session_id", sessionID,
			"err", err,
		)
		return []memory.Turn{}, nil
	}
	g.degraded.Store(false)
	return turns, nil
}

// IsDegraded reports whether the most recent call on the underlying store
// failed.
func (g *MemoryGuard) IsDegraded() bool {
	return g.degraded.Load()
}
