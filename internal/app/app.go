// Package app wires the Libai-Chat subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects telemetry, the
// optional turn log, the session manager and the HTTP server; Run serves
// until its context ends; Shutdown drains sessions and tears everything down
// in reverse-init order.
//
// For testing, inject doubles via functional options (WithTurnLog,
// WithTelemetry, WithListener). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZJR-FZD/Libai-Chat/internal/config"
	"github.com/ZJR-FZD/Libai-Chat/internal/health"
	"github.com/ZJR-FZD/Libai-Chat/internal/observe"
	"github.com/ZJR-FZD/Libai-Chat/internal/server"
	"github.com/ZJR-FZD/Libai-Chat/internal/session"
	"github.com/ZJR-FZD/Libai-Chat/internal/transcript"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/memory"
	"github.com/ZJR-FZD/Libai-Chat/pkg/memory/postgres"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
)

// DefaultShutdownTimeout bounds the drain Run performs when its context ends.
const DefaultShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	telemetry *observe.Provider
	turnLog   memory.Store
	health    *health.Handler
	manager   *session.Manager
	server    *server.Server
	listener  net.Listener
	watcher   *config.Watcher

	configPath      string
	sessionOpts     []session.Option
	shutdownTimeout time.Duration

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithTurnLog injects the conversation log instead of opening Postgres.
func WithTurnLog(s memory.Store) Option {
	return func(a *App) { a.turnLog = s }
}

// WithTelemetry injects an initialised telemetry provider.
func WithTelemetry(p *observe.Provider) Option {
	return func(a *App) { a.telemetry = p }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithLogger sets the application logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets hot reload change the log level through lv.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch watches the config file at path and applies hot-reloadable
// changes to new sessions.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithSessionOptions passes options to every session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithShutdownTimeout overrides [DefaultShutdownTimeout].
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) { a.shutdownTimeout = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg and a built provider set (see
// [BuildProviders]). On error everything already opened is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, errors.New("app: stt, llm and tts providers are required")
	}
	a := &App{
		cfg:             cfg,
		providers:       providers,
		log:             slog.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			a.runClosers()
		}
	}()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.telemetry == nil {
		tp, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "libai-chat"})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.telemetry = tp
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(sctx)
		})
	}

	// ── 2. Turn log ──────────────────────────────────────────────────────
	checkers := []health.Checker{{Name: "providers", Check: providers.Ready}}
	if err := a.initTurnLog(ctx, &checkers); err != nil {
		return nil, fmt.Errorf("app: init turn log: %w", err)
	}

	// ── 3. Transcript corrector ──────────────────────────────────────────
	corrector := newCorrector(cfg.Conversation.Vocabulary)
	if corrector != nil {
		a.log.Info("transcript corrector enabled", "terms", len(cfg.Conversation.Vocabulary))
	}

	// ── 4. Sessions ──────────────────────────────────────────────────────
	deps := session.Deps{
		Providers: session.Providers{
			STT:   providers.STT,
			LLM:   providers.LLM,
			TTS:   providers.TTS,
			VAD:   providers.VAD,
			Names: providers.Names,
		},
		Corrector: corrector,
		TurnLog:   a.turnLog,
		Metrics:   a.telemetry.Metrics,
		Logger:    a.log,
	}
	a.manager = session.NewManager(deps, TuningFromConfig(cfg, providers.Names), a.sessionOpts...)

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.health = health.New(checkers...)
	srvCfg := server.Config{
		Addr:   cfg.Server.ListenAddr,
		WSPath: cfg.Server.WSPath,
	}
	if tls := cfg.Server.TLS; tls != nil {
		srvCfg.CertFile, srvCfg.KeyFile = tls.CertFile, tls.KeyFile
	}
	a.server = server.New(srvCfg, a.manager,
		server.WithHealth(a.health),
		server.WithMetrics(a.telemetry.Metrics, a.telemetry.Handler()),
		server.WithLogger(a.log),
		server.WithStatic(server.StaticDeps{
			STT:          providers.STT,
			LLM:          providers.LLM,
			TTS:          providers.TTS,
			Conversation: func() turn.Config { return a.manager.Tuning().Conversation },
			Corrector:    func() turn.TextCorrector { return a.manager.Deps().Corrector },
			Metrics:      a.telemetry.Metrics,
		}),
	)

	// ── 6. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Reload, config.WithWatcherLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// initTurnLog opens the Postgres turn log unless one was injected, and wraps
// it so that storage failures never reach a conversation.
func (a *App) initTurnLog(ctx context.Context, checkers *[]health.Checker) error {
	if a.turnLog == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			a.log.Info("turn log disabled: store.postgres_dsn not set")
			return nil
		}
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		*checkers = append(*checkers, health.Checker{Name: "turn_log", Check: store.Ping})
		a.turnLog = store
		a.log.Info("turn log connected")
	}
	a.turnLog = session.NewMemoryGuard(a.turnLog, a.log)
	return nil
}

// TuningFromConfig maps the conversation and turn sections onto session
// tuning. Defaults must already be applied to cfg.
func TuningFromConfig(cfg *config.Config, names turn.ProviderNames) session.Tuning {
	c, t := cfg.Conversation, cfg.Turn
	conv := turn.Config{
		SystemPrompt: c.SystemPrompt,
		MaxTokens:    c.MaxTokens,
		MaxHistory:   c.MaxHistory,
		Voice: tts.Voice{
			ID:         c.Voice,
			Language:   c.Language,
			SampleRate: t.SampleRate,
		},
		SampleRate:    t.SampleRate,
		Language:      c.Language,
		ChunkSize:     t.ChunkSize,
		ProviderNames: names,
	}
	if c.Temperature != nil {
		conv.Temperature = *c.Temperature
	}
	if c.FallbackReply != nil {
		conv.FallbackReply = *c.FallbackReply
	}
	return session.Tuning{
		Conversation:    conv,
		FlushThreshold:  t.FlushThresholdBytes,
		SilenceDebounce: t.SilenceDebounce,
		CaptureSpeech:   t.CaptureSpeech,
		RouteTimeout:    t.RouteTimeout,
		IngestQueue:     t.IngestQueue,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.manager }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves until ctx ends or the listener fails, then shuts down within
// the configured timeout. A shutdown triggered by ctx returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	return g.Wait()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable part of a config change: the log level
// and the conversation and turn settings of new sessions. Other changes are
// logged as needing a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged || d.SilenceThresholdChanged {
		a.reloadDeps(d, new)
	}
	if d.ConversationChanged || d.TurnChanged {
		a.manager.SetTuning(TuningFromConfig(new, a.providers.Names))
		a.log.Info("session tuning updated",
			"conversation", d.ConversationChanged,
			"turn", d.TurnChanged)
	}
	if d.NeedsRestart() {
		a.log.Warn("config change requires a restart",
			"server", d.ServerChanged,
			"providers", d.ProvidersChanged,
			"store", d.StoreChanged)
	}
}

// reloadDeps rebuilds the corrector and the classifier handed to new
// sessions. A classifier that fails to build leaves the old one in place.
func (a *App) reloadDeps(d config.ConfigDiff, cfg *config.Config) {
	deps := a.manager.Deps()
	if d.VocabularyChanged {
		deps.Corrector = newCorrector(cfg.Conversation.Vocabulary)
		a.log.Info("transcript vocabulary updated", "terms", len(cfg.Conversation.Vocabulary))
	}
	if d.SilenceThresholdChanged {
		v, err := a.providers.ClassifierFor(cfg)
		if err != nil {
			a.log.Warn("keeping previous vad after reload", "err", err)
		} else {
			deps.Providers.VAD = v
			a.log.Info("silence threshold updated", "dbfs", cfg.Turn.SilenceThresholdDBFS)
		}
	}
	a.manager.SetDeps(deps)
}

// newCorrector returns nil for an empty vocabulary so that sessions skip
// correction.
func newCorrector(vocab []string) turn.TextCorrector {
	if len(vocab) == 0 {
		return nil
	}
	return transcript.NewCorrector(vocab)
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, ends every session, stops the HTTP
// server and runs the closers in reverse-init order. It is idempotent; later
// calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.manager.Active())
		a.health.SetDraining(true)

		var errs []error
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		a.runClosers()
		if err := a.providers.Close(); err != nil {
			a.log.Warn("provider close error", "err", err)
		}
		a.stopErr = errors.Join(errs...)
		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

func (a *App) runClosers() {
	for i, closer := range slices.Backward(a.closers) {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
