package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/ZJR-FZD/Libai-Chat/internal/session"
)

// maxFrameBytes bounds a single inbound microphone frame.
const maxFrameBytes = 1 << 20

// wsTransport adapts a WebSocket connection to [session.Transport]. Inbound
// binary messages are microphone frames; text messages are ignored.
type wsTransport struct {
	conn *websocket.Conn
	log  *slog.Logger
}

var _ session.Transport = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn, log *slog.Logger) *wsTransport {
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn, log: log}
}

// ReadFrame returns the next binary message. A normal or going-away close
// from the peer is reported as [session.ErrClosed].
func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			if isPeerClose(err) {
				return nil, session.ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("server: read frame: %w", err)
		}
		if typ != websocket.MessageBinary {
			t.log.Debug("ignoring text message", "bytes", len(data))
			continue
		}
		return data, nil
	}
}

// WriteChunk sends chunk as one binary message.
func (t *wsTransport) WriteChunk(ctx context.Context, chunk []byte) error {
	if err := t.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		if isPeerClose(err) {
			return session.ErrClosed
		}
		return fmt.Errorf("server: write chunk: %w", err)
	}
	return nil
}

func isPeerClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// closeFor maps the outcome of a session to the status the connection is
// closed with.
func closeFor(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, session.ErrClosed):
		return websocket.StatusNormalClosure, ""
	case errors.Is(err, session.ErrShutdown), errors.Is(err, context.Canceled):
		return websocket.StatusGoingAway, "server shutting down"
	default:
		return websocket.StatusInternalError, "session error"
	}
}
