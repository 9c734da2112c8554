// Package mock provides an in-memory memory.Store for tests.
package mock

import (
	"context"
	"sync"

	"github.com/ZJR-FZD/Libai-Chat/pkg/memory"
)

// Store is an in-memory memory.Store that records appended turns.
type Store struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from every call.
	Err error

	// Turns holds every appended turn in order.
	Turns []memory.Turn

	// AppendCalls counts AppendTurn invocations.
	AppendCalls int
}

var _ memory.Store = (*Store)(nil)

// AppendTurn implements memory.Store.
func (s *Store) AppendTurn(_ context.Context, turns ...memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendCalls++
	if s.Err != nil {
		return s.Err
	}
	s.Turns = append(s.Turns, turns...)
	return nil
}

// Recent implements memory.Store.
func (s *Store) Recent(_ context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []memory.Turn
	for _, t := range s.Turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Snapshot returns a copy of all appended turns.
func (s *Store) Snapshot() []memory.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Turn(nil), s.Turns...)
}
