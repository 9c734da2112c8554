package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrShutdown is returned by [Manager.Serve] once Shutdown has begun.
var ErrShutdown = errors.New("session: manager shut down")

type liveSession struct {
	s      *Session
	cancel context.CancelFunc
}

// Manager creates and tracks sessions. All methods are safe for concurrent
// use.
type Manager struct {
	opts []Option

	mu       sync.Mutex
	deps     Deps
	tuning   Tuning
	sessions map[string]liveSession
	closed   bool
	wg       sync.WaitGroup
}

// NewManager returns a Manager that builds sessions from deps and tuning.
// opts are applied to every session.
func NewManager(deps Deps, tuning Tuning, opts ...Option) *Manager {
	return &Manager{
		deps:     deps,
		opts:     opts,
		tuning:   tuning,
		sessions: make(map[string]liveSession),
	}
}

// SetTuning replaces the tuning used for sessions created after the call.
// Running sessions keep the tuning they started with.
func (m *Manager) SetTuning(t Tuning) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuning = t
}

// SetDeps replaces the collaborators used for sessions created after the
// call, such as a rebuilt classifier or corrector.
func (m *Manager) SetDeps(d Deps) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps = d
}

// Deps returns the collaborators new sessions are created with.
func (m *Manager) Deps() Deps {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deps
}

// Tuning returns the tuning new sessions are created with.
func (m *Manager) Tuning() Tuning {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tuning
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Serve runs a new session over transport and blocks until it ends. It
// returns the session's error, or [ErrShutdown] if the manager is shutting
// down.
func (m *Manager) Serve(ctx context.Context, transport Transport) error {
	id := uuid.NewString()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShutdown
	}
	deps := m.deps
	s := New(id, transport, deps, m.tuning, m.opts...)
	ctx, cancel := context.WithCancel(ctx)
	m.sessions[id] = liveSession{s: s, cancel: cancel}
	m.wg.Add(1)
	m.mu.Unlock()

	if deps.Metrics != nil {
		deps.Metrics.ActiveSessions.Add(ctx, 1)
	}
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if deps.Metrics != nil {
			deps.Metrics.ActiveSessions.Add(context.Background(), -1)
		}
		m.wg.Done()
	}()

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	return nil
}

// Shutdown stops accepting sessions, cancels the running ones and waits for
// them to finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, ls := range m.sessions {
		ls.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %w", ctx.Err())
	}
}
