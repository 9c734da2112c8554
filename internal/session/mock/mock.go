// Package mock provides an in-memory session.Transport for tests.
//
// Frames pushed with Push are returned by ReadFrame in order. Hangup makes
// ReadFrame return session.ErrClosed once the pushed frames are consumed.
// Chunks written by the session are recorded.
package mock

import (
	"context"
	"sync"

	"github.com/ZJR-FZD/Libai-Chat/internal/session"
)

// Transport is a scripted session.Transport.
type Transport struct {
	frames chan []byte
	once   sync.Once

	mu sync.Mutex

	// ReadErr, if non-nil, replaces session.ErrClosed after Hangup.
	ReadErr error

	// WriteErr, if non-nil, is returned from every WriteChunk call.
	WriteErr error

	chunks [][]byte
}

var _ session.Transport = (*Transport)(nil)

// NewTransport returns a Transport that can hold buffer pushed frames.
func NewTransport(buffer int) *Transport {
	return &Transport{frames: make(chan []byte, buffer)}
}

// Push queues a frame for ReadFrame. It blocks when the buffer is full.
func (t *Transport) Push(frame []byte) {
	t.frames <- frame
}

// Hangup simulates the client closing the connection.
func (t *Transport) Hangup() {
	t.once.Do(func() { close(t.frames) })
}

// ReadFrame implements session.Transport.
func (t *Transport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-t.frames:
		if !ok {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.ReadErr != nil {
				return nil, t.ReadErr
			}
			return nil, session.ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteChunk implements session.Transport.
func (t *Transport) WriteChunk(_ context.Context, chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.WriteErr != nil {
		return t.WriteErr
	}
	t.chunks = append(t.chunks, append([]byte(nil), chunk...))
	return nil
}

// Chunks returns a copy of every chunk written so far.
func (t *Transport) Chunks() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.chunks...)
}

// ChunkCount returns the number of chunks written so far.
func (t *Transport) ChunkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}
