// Package server exposes the voice bridge over HTTP.
//
// Routes:
//
//	GET  /                browser demo client (microphone in, chunked WAV out)
//	GET  /ws              duplex voice WebSocket, one session per connection
//	POST /api/transcribe  transcript of an uploaded recording
//	GET  /ws/tts          reply text and audio for each text message
//	GET  /healthz         liveness
//	GET  /readyz          readiness
//	GET  /metrics         Prometheus exposition
//
// The two record-then-reply routes are mounted by [WithStatic]. The
// WebSocket route is configurable. Every route runs behind the
// observability middleware when metrics are configured.
package server

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ZJR-FZD/Libai-Chat/internal/health"
	"github.com/ZJR-FZD/Libai-Chat/internal/observe"
	"github.com/ZJR-FZD/Libai-Chat/internal/session"
)

//go:embed web/index.html
var indexHTML []byte

// DefaultWSPath is the WebSocket route used when none is configured.
const DefaultWSPath = "/ws"

// Sessions runs one conversation over a transport until it ends.
// [session.Manager] implements it.
type Sessions interface {
	Serve(ctx context.Context, t session.Transport) error
}

// Config holds the listener settings.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8000".
	Addr string

	// WSPath is the WebSocket route. Default: [DefaultWSPath].
	WSPath string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// OriginPatterns lists extra origins allowed to open the WebSocket.
	// Same-origin requests are always accepted.
	OriginPatterns []string
}

// Option customises a [Server].
type Option func(*Server)

// WithHealth mounts the /healthz and /readyz probes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics records HTTP metrics through m and serves /metrics from
// handler. Either may be nil.
func WithMetrics(m *observe.Metrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithLogger sets the server logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is the HTTP front of the voice bridge.
type Server struct {
	cfg            Config
	sessions       Sessions
	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler
	static         *StaticDeps
	log            *slog.Logger

	index   []byte
	handler http.Handler
	srv     *http.Server
}

// New builds a Server routing WebSocket connections to sessions.
func New(cfg Config, sessions Sessions, opts ...Option) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	s := &Server{cfg: cfg, sessions: sessions, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.index = bytes.Replace(indexHTML,
		[]byte(`data-ws-path="/ws"`),
		[]byte(`data-ws-path="`+html.EscapeString(cfg.WSPath)+`"`), 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET "+cfg.WSPath, s.handleWS)
	if s.static != nil {
		mux.HandleFunc("POST "+TranscribePath, s.handleTranscribe)
		mux.HandleFunc("GET "+ReplyPath, s.handleReply)
	}
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.handler = mux
	if s.metrics != nil {
		s.handler = observe.Middleware(s.metrics)(mux)
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe listens on the configured address and serves until
// Shutdown. It returns nil after a graceful shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http server listening",
		"addr", ln.Addr().String(),
		"ws_path", s.cfg.WSPath,
		"tls", s.cfg.CertFile != "")

	var err error
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		err = s.srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
	} else {
		err = s.srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight HTTP
// requests. Hijacked WebSocket connections are not tracked by net/http; they
// end when their sessions are shut down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(s.index)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	log := s.log.With("remote", r.RemoteAddr)
	if cid := observe.CorrelationID(r.Context()); cid != "" {
		log = log.With("trace_id", cid)
	}
	log.Info("client connected")

	err = s.sessions.Serve(r.Context(), newWSTransport(conn, log))
	code, reason := closeFor(err)
	if code == websocket.StatusInternalError {
		log.Error("session failed", "err", err)
	} else {
		log.Info("client disconnected", "status", code.String())
	}
	_ = conn.Close(code, reason)
}
