package session

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZJR-FZD/Libai-Chat/internal/observe"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	"github.com/ZJR-FZD/Libai-Chat/pkg/memory"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad/energy"
)

// Defaults for [Tuning] fields left at zero.
const (
	DefaultRouteTimeout = 10 * time.Second
	DefaultIngestQueue  = 100
)

// Tuning holds the settings a session is created with. Changing the
// manager's tuning affects new sessions only.
type Tuning struct {
	// Conversation configures the turn controller.
	Conversation turn.Config

	// FlushThreshold is the utterance size in bytes. Default: 32000.
	FlushThreshold int

	// SilenceDebounce is the end-of-speech debounce. Default: 800ms.
	SilenceDebounce time.Duration

	// CaptureSpeech keeps frames received while the user speaks.
	CaptureSpeech bool

	// RouteTimeout bounds handing one utterance to the controller.
	RouteTimeout time.Duration

	// IngestQueue is the capacity of the ingress-to-worker queue.
	IngestQueue int
}

func (t *Tuning) applyDefaults() {
	if t.RouteTimeout <= 0 {
		t.RouteTimeout = DefaultRouteTimeout
	}
	if t.IngestQueue <= 0 {
		t.IngestQueue = DefaultIngestQueue
	}
}

// Providers is the provider set shared by all sessions. Implementations must
// be safe for concurrent use.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Classifier

	// Names label metrics and logs.
	Names turn.ProviderNames
}

// Deps holds the shared collaborators of a session.
type Deps struct {
	Providers Providers

	// Corrector, if set, rewrites transcripts against the vocabulary.
	Corrector turn.TextCorrector

	// TurnLog, if set, receives each completed exchange.
	TurnLog memory.Store

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Option configures a [Session].
type Option func(*Session)

// WithClock replaces time.Now for the speaking tracker.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithTurnOptions passes extra options to the session's turn controller.
func WithTurnOptions(opts ...turn.Option) Option {
	return func(s *Session) { s.turnOpts = append(s.turnOpts, opts...) }
}

// Session is one live conversation. Create it with [New] and drive it with
// [Session.Run].
type Session struct {
	id        string
	transport Transport
	vad       vad.Classifier
	tuning    Tuning
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time
	turnOpts  []turn.Option

	tracker *turn.Tracker
	acc     *turn.Accumulator
	ctrl    *turn.Controller

	received atomic.Int64
	dropped  atomic.Int64
}

// New assembles a session around transport. Nothing runs until Run.
func New(id string, transport Transport, deps Deps, tuning Tuning, opts ...Option) *Session {
	tuning.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		id:        id,
		transport: transport,
		vad:       deps.Providers.VAD,
		tuning:    tuning,
		metrics:   deps.Metrics,
		log:       log.With("session_id", id),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.vad == nil {
		s.vad = energy.New()
	}

	s.acc = turn.NewAccumulator(
		turn.WithThreshold(tuning.FlushThreshold),
		turn.WithCaptureSpeech(tuning.CaptureSpeech),
		turn.WithOnOverflow(func(n int) {
			s.log.Debug("utterance buffer full, oldest audio dropped", "bytes", n)
		}),
	)

	cfg := tuning.Conversation
	cfg.ProviderNames = deps.Providers.Names
	ctrlOpts := []turn.Option{turn.WithLogger(s.log)}
	if deps.Metrics != nil {
		ctrlOpts = append(ctrlOpts, turn.WithMetrics(deps.Metrics))
	}
	if deps.Corrector != nil {
		ctrlOpts = append(ctrlOpts, turn.WithCorrector(deps.Corrector))
	}
	if deps.TurnLog != nil {
		ctrlOpts = append(ctrlOpts, turn.WithTurnLog(deps.TurnLog, id))
	}

	// The controller polls the tracker and the tracker interrupts the
	// controller, so the controller is built first and the hook is
	// resolved lazily.
	s.tracker = turn.NewTracker(
		turn.WithSilenceDebounce(tuning.SilenceDebounce),
		turn.WithOnSpeechStart(func() { s.ctrl.Interrupt() }),
	)
	ctrlOpts = append(ctrlOpts, turn.WithSpeaking(s.tracker.Speaking))
	ctrlOpts = append(ctrlOpts, s.turnOpts...)
	s.ctrl = turn.NewController(
		deps.Providers.STT, deps.Providers.LLM, deps.Providers.TTS,
		turn.SinkFunc(transport.WriteChunk), cfg, ctrlOpts...,
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the turn controller state.
func (s *Session) State() turn.State { return s.ctrl.State() }

// Received returns the number of inbound frames read and classified so far.
func (s *Session) Received() int64 { return s.received.Load() }

// Dropped returns the number of inbound frames discarded because the ingest
// queue was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Run processes the connection until the transport closes, fails or ctx is
// cancelled. A normal close and cancellation of ctx return nil. On return
// the active reply has stopped and the utterance buffer is empty.
func (s *Session) Run(ctx context.Context) error {
	s.log.Info("session started")
	frames := make(chan []byte, s.tuning.IngestQueue)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		return s.ingress(gctx, frames)
	})
	g.Go(func() error {
		s.worker(gctx, frames)
		return nil
	})
	err := g.Wait()

	s.ctrl.Close()
	s.acc.Reset()
	s.tracker.Reset()

	if errors.Is(err, ErrClosed) || ctx.Err() != nil {
		s.log.Info("session ended", "received", s.Received(), "dropped", s.Dropped())
		return nil
	}
	s.log.Warn("session ended with error", "err", err)
	return err
}

// ingress reads, classifies and enqueues frames. It never blocks on the
// worker: a full queue drops the frame.
func (s *Session) ingress(ctx context.Context, frames chan<- []byte) error {
	for {
		frame, err := s.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}
		frame = audio.PadToFrame(frame, audio.SampleWidth)

		speech, err := s.vad.IsSpeech(frame)
		if err != nil {
			s.log.Debug("frame classification failed", "bytes", len(frame), "err", err)
			speech = false
		}
		switch s.tracker.Observe(speech, s.now()) {
		case turn.SpeechStarted:
			s.log.Debug("speech started", "state", s.ctrl.State())
		case turn.SpeechStopped:
			s.log.Debug("speech stopped", "buffered", s.acc.Len())
		}

		select {
		case frames <- frame:
		default:
			s.dropped.Add(1)
			if s.metrics != nil {
				s.metrics.FramesDropped.Add(ctx, 1)
			}
			s.log.Debug("ingest queue full, frame dropped", "bytes", len(frame))
		}
		s.received.Add(1)
	}
}

// worker drains the queue in arrival order until it is closed.
func (s *Session) worker(ctx context.Context, frames <-chan []byte) {
	for frame := range frames {
		if s.acc.Append(frame, s.tracker.Speaking()) {
			s.ctrl.Listen()
		}
		pcm, ok := s.acc.TryFlush(s.tracker.Speaking())
		if !ok {
			continue
		}
		s.route(ctx, pcm)
	}
}

func (s *Session) route(ctx context.Context, pcm []byte) {
	if ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.tuning.RouteTimeout)
	defer cancel()

	err := s.ctrl.HandleUtterance(rctx, pcm)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.log.Warn("utterance dropped: routing timed out",
			"bytes", len(pcm), "timeout", s.tuning.RouteTimeout)
		if s.metrics != nil {
			s.metrics.RecordDroppedUtterance(ctx, observe.DropRouteTimeout)
		}
	default:
		s.log.Debug("utterance not routed", "bytes", len(pcm), "err", err)
	}
}
