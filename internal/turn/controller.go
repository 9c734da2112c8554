package turn

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ZJR-FZD/Libai-Chat/internal/observe"
	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	"github.com/ZJR-FZD/Libai-Chat/pkg/memory"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
)

// ErrClosed is returned by [Controller.HandleUtterance] after Close.
var ErrClosed = errors.New("turn: controller closed")

// DefaultFallbackReply is spoken when reply generation fails.
const DefaultFallbackReply = "抱歉，方才思绪有些飘远，未能听清你的问题。"

// turnLogTimeout bounds the write of a completed exchange to the turn log.
const turnLogTimeout = 5 * time.Second

// DefaultSendTimeout bounds the delivery of one outbound chunk.
const DefaultSendTimeout = 10 * time.Second

// Sink receives outbound audio chunks. Send is called from the reply
// goroutine, one chunk at a time. Its context is not cancelled by barge-in:
// a chunk that has started is delivered whole, and the reply stops at the
// next checkpoint.
type Sink interface {
	Send(ctx context.Context, chunk []byte) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, chunk []byte) error

// Send calls f(ctx, chunk).
func (f SinkFunc) Send(ctx context.Context, chunk []byte) error { return f(ctx, chunk) }

// TextCorrector rewrites a transcript before it is answered.
type TextCorrector interface {
	Correct(text string) string
}

// ---- events ----

// EventKind identifies an [Event].
type EventKind int

const (
	// EventState reports a state change. From and To are set.
	EventState EventKind = iota

	// EventReplyStart reports a new reply pipeline. Text is the transcript.
	EventReplyStart

	// EventReplyCancel reports that a pipeline was asked to stop, by barge-in
	// or by a newer utterance.
	EventReplyCancel

	// EventReplyDone reports that a pipeline exited. Outcome and Sent are set.
	EventReplyDone
)

// Event is delivered to an [Observer].
type Event struct {
	Kind    EventKind
	Reply   uint64
	From    State
	To      State
	Text    string
	Outcome string
	Sent    int
}

// Observer receives controller events synchronously and in order. It must
// not block or call back into the Controller.
type Observer func(Event)

// ---- config ----

// Config holds the per-session conversation settings.
type Config struct {
	// SystemPrompt is sent ahead of the history on every generation.
	SystemPrompt string

	// Temperature and MaxTokens are passed to the LLM. Zero means provider
	// default.
	Temperature float64
	MaxTokens   int

	// MaxHistory bounds the rolling window. Default: 10.
	MaxHistory int

	// FallbackReply is spoken when generation fails. Empty disables it.
	FallbackReply string

	// Voice selects the TTS voice. Voice.SampleRate defaults to SampleRate.
	Voice tts.Voice

	// SampleRate is the rate of inbound PCM and of outbound audio. Default:
	// 16000.
	SampleRate int

	// Language is the transcription language hint.
	Language string

	// ChunkSize is the payload size of each outbound chunk. Default: 2048.
	ChunkSize int

	// ProviderNames label metrics and spans.
	ProviderNames ProviderNames
}

// ProviderNames names the configured providers for telemetry.
type ProviderNames struct {
	STT, LLM, TTS string
}

func (c *Config) applyDefaults() {
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Voice.SampleRate <= 0 {
		c.Voice.SampleRate = c.SampleRate
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = audio.DefaultChunkSize
	}
	for _, n := range []*string{&c.ProviderNames.STT, &c.ProviderNames.LLM, &c.ProviderNames.TTS} {
		if *n == "" {
			*n = "unknown"
		}
	}
}

// ---- controller ----

// Option configures a [Controller].
type Option func(*Controller)

// WithSpeaking installs the speaking-flag reader polled at every checkpoint,
// normally [Tracker.Speaking].
func WithSpeaking(fn func() bool) Option {
	return func(c *Controller) { c.speaking = fn }
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithMetrics records stage latencies and outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithCorrector rewrites every non-empty transcript through tc.
func WithCorrector(tc TextCorrector) Option {
	return func(c *Controller) { c.corrector = tc }
}

// WithTurnLog appends each completed exchange to store under sessionID.
func WithTurnLog(store memory.Store, sessionID string) Option {
	return func(c *Controller) {
		c.turnLog = store
		c.sessionID = sessionID
	}
}

// WithSendTimeout overrides [DefaultSendTimeout]. Non-positive values are
// ignored.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}

// WithHistory replaces the controller's own rolling window.
func WithHistory(h *History) Option {
	return func(c *Controller) { c.history = h }
}

// reply is the handle of one reply pipeline.
type reply struct {
	id        uint64
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// Controller runs the turn state machine of one session. It transcribes
// flushed utterances, answers them through the LLM, synthesises the answer
// and streams it to a [Sink] in chunks, stopping at the next checkpoint
// when the user starts speaking.
//
// HandleUtterance is called by a single goroutine. Interrupt, State and
// Close are safe from any goroutine.
type Controller struct {
	stt  stt.Provider
	llm  llm.Provider
	tts  tts.Provider
	sink Sink
	cfg  Config

	history   *History
	speaking  func() bool
	observer  Observer
	metrics   *observe.Metrics
	log       *slog.Logger
	corrector TextCorrector
	turnLog   memory.Store
	sessionID string

	sendTimeout time.Duration

	// base outlives every reply. Synthesis runs under it so barge-in does
	// not abort an in-flight synthesis; Close does.
	base       context.Context
	baseCancel context.CancelFunc

	route sync.Mutex // serialises HandleUtterance

	mu     sync.Mutex
	state  State
	active *reply
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewController returns an Idle controller.
func NewController(s stt.Provider, l llm.Provider, t tts.Provider, sink Sink, cfg Config, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		stt:         s,
		llm:         l,
		tts:         t,
		sink:        sink,
		cfg:         cfg,
		speaking:    func() bool { return false },
		log:         slog.Default(),
		sendTimeout: DefaultSendTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.history == nil {
		c.history = NewHistory(cfg.MaxHistory)
	}
	c.base, c.baseCancel = context.WithCancel(context.Background())
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns the controller's conversation window.
func (c *Controller) History() *History { return c.history }

// Listen marks the start of a new utterance: Idle becomes Listening. Other
// states are left alone.
func (c *Controller) Listen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		c.transition(Listening)
	}
}

// HandleUtterance transcribes pcm and, when the transcript is non-empty,
// supersedes the active reply and starts a new one. It returns once the new
// pipeline has started; the reply itself runs in the background.
//
// Transcription failures and empty transcripts are absorbed and return nil.
// The only errors are ctx expiring before the previous reply released the
// controller, which drops the utterance, and [ErrClosed].
func (c *Controller) HandleUtterance(ctx context.Context, pcm []byte) error {
	c.route.Lock()
	defer c.route.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.transition(Transcribing)
	c.mu.Unlock()

	var text string
	err := observe.Track(ctx, c.metrics, observe.StageSTT, c.cfg.ProviderNames.STT, func(ctx context.Context) error {
		var err error
		text, err = c.stt.Transcribe(ctx, pcm, stt.Config{SampleRate: c.cfg.SampleRate, Channels: 1, Language: c.cfg.Language})
		return err
	})
	if err != nil {
		c.settle()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("transcription failed", "stage", observe.StageSTT, "bytes", len(pcm), "err", err)
		c.dropped(observe.DropSTTError)
		return nil
	}

	text = strings.TrimSpace(text)
	if text != "" && c.corrector != nil {
		text = c.corrector.Correct(text)
	}
	if text == "" {
		c.log.Debug("empty transcript", "bytes", len(pcm))
		c.settle()
		c.dropped(observe.DropEmptyTranscript)
		return nil
	}

	if err := c.supersede(ctx); err != nil {
		c.settle()
		return err
	}
	return c.start(text)
}

// Interrupt cancels the active reply, if any. It is the barge-in hook and
// never blocks.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		c.cancelLocked(c.active)
	}
}

// Close cancels any active reply, waits for it to exit and rejects further
// utterances. It is idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.active != nil {
		c.cancelLocked(c.active)
	}
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()
}

// supersede cancels the active reply and waits for it to exit or for ctx.
func (c *Controller) supersede(ctx context.Context) error {
	c.mu.Lock()
	prev := c.active
	if prev != nil {
		c.cancelLocked(prev)
	}
	c.mu.Unlock()
	if prev == nil {
		return nil
	}
	select {
	case <-prev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) start(text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	ctx, cancel := context.WithCancel(c.base)
	r := &reply{id: c.nextID, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.active = r
	c.transition(Replying)
	c.emit(Event{Kind: EventReplyStart, Reply: r.id, Text: text})
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(r, text)
	return nil
}

func (c *Controller) run(r *reply, text string) {
	defer c.wg.Done()
	outcome, sent := c.pipeline(r, text)
	r.cancel()
	if c.metrics != nil {
		c.metrics.RecordReply(context.Background(), outcome)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == r {
		c.active = nil
		if outcome == observe.OutcomeInterrupted && c.state == Replying {
			c.transition(Interrupted)
		}
		if c.state == Replying || c.state == Interrupted {
			c.transition(Idle)
		}
	}
	close(r.done)
	c.emit(Event{Kind: EventReplyDone, Reply: r.id, Outcome: outcome, Sent: sent})
}

// pipeline runs generate, synthesise and stream for one reply. It returns
// the outcome and the number of chunks sent.
func (c *Controller) pipeline(r *reply, text string) (string, int) {
	log := c.log.With("reply", r.id)
	c.history.Add(llm.RoleUser, text)

	req := llm.CompletionRequest{
		Messages:     c.history.Messages(),
		SystemPrompt: c.cfg.SystemPrompt,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}
	var answer string
	err := observe.Track(r.ctx, c.metrics, observe.StageLLM, c.cfg.ProviderNames.LLM, func(ctx context.Context) error {
		resp, err := c.llm.Complete(ctx, req)
		if err != nil {
			return err
		}
		answer = strings.TrimSpace(resp.Content)
		if answer == "" {
			return errors.New("empty completion")
		}
		return nil
	})
	if c.interrupted(r) {
		return observe.OutcomeInterrupted, 0
	}
	outcome := observe.OutcomeCompleted
	if err != nil {
		if c.cfg.FallbackReply == "" {
			log.Warn("reply generation failed", "stage", observe.StageLLM, "err", err)
			return observe.OutcomeFailed, 0
		}
		log.Warn("reply generation failed, using fallback", "stage", observe.StageLLM, "err", err)
		answer, outcome = c.cfg.FallbackReply, observe.OutcomeFallback
	}

	var wav []byte
	err = observe.Track(c.base, c.metrics, observe.StageTTS, c.cfg.ProviderNames.TTS, func(ctx context.Context) error {
		var err error
		wav, err = c.tts.Synthesize(ctx, answer, c.cfg.Voice)
		return err
	})
	if err != nil {
		if c.interrupted(r) {
			return observe.OutcomeInterrupted, 0
		}
		log.Warn("synthesis failed", "stage", observe.StageTTS, "chars", len(answer), "err", err)
		return observe.OutcomeFailed, 0
	}
	if c.interrupted(r) {
		log.Debug("reply interrupted before streaming", "bytes", len(wav))
		return observe.OutcomeInterrupted, 0
	}

	chunks, err := audio.Chunks(wav, c.cfg.ChunkSize)
	if err != nil {
		log.Warn("synthesis returned unusable audio", "stage", observe.StageTTS, "bytes", len(wav), "err", err)
		return observe.OutcomeFailed, 0
	}
	sent := 0
	for chunk := range chunks {
		runtime.Gosched()
		if c.interrupted(r) {
			log.Debug("reply interrupted", "sent", sent)
			return observe.OutcomeInterrupted, sent
		}
		if err := c.send(chunk); err != nil {
			if c.interrupted(r) {
				return observe.OutcomeInterrupted, sent
			}
			log.Warn("sending audio failed", "stage", "send", "sent", sent, "err", err)
			return observe.OutcomeFailed, sent
		}
		sent++
		if c.metrics != nil {
			c.metrics.ChunksSent.Add(r.ctx, 1)
		}
	}

	c.history.Add(llm.RoleAssistant, answer)
	c.logTurn(text, answer, outcome)
	return outcome, sent
}

// send delivers one chunk under base, not under the reply context: a
// transport may tear down its connection when a write is cancelled midway.
func (c *Controller) send(chunk []byte) error {
	ctx, cancel := context.WithTimeout(c.base, c.sendTimeout)
	defer cancel()
	return c.sink.Send(ctx, chunk)
}

// interrupted is the cooperative checkpoint: the user is speaking or the
// reply was cancelled.
func (c *Controller) interrupted(r *reply) bool {
	return r.ctx.Err() != nil || c.speaking()
}

func (c *Controller) logTurn(user, answer, outcome string) {
	if c.turnLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), turnLogTimeout)
	defer cancel()
	now := time.Now()
	err := c.turnLog.AppendTurn(ctx,
		memory.Turn{SessionID: c.sessionID, Role: llm.RoleUser, Content: user, CreatedAt: now},
		memory.Turn{SessionID: c.sessionID, Role: llm.RoleAssistant, Content: answer, Outcome: outcome, CreatedAt: now},
	)
	if err != nil {
		c.log.Warn("turn log write failed", "err", err)
	}
}

// settle ends a transcription that started no reply: back to Replying when
// an older reply is still running, otherwise Idle.
func (c *Controller) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Transcribing {
		return
	}
	if c.active != nil {
		c.transition(Replying)
		return
	}
	c.transition(Idle)
}

func (c *Controller) dropped(reason string) {
	if c.metrics != nil {
		c.metrics.RecordDroppedUtterance(context.Background(), reason)
	}
}

// cancelLocked cancels r once. c.mu must be held.
func (c *Controller) cancelLocked(r *reply) {
	if r.cancelled {
		return
	}
	r.cancelled = true
	r.cancel()
	c.emit(Event{Kind: EventReplyCancel, Reply: r.id})
}

// transition moves to s. c.mu must be held.
func (c *Controller) transition(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.log.Debug("turn state", "from", from, "state", s)
	c.emit(Event{Kind: EventState, From: from, To: s})
}

// emit delivers e to the observer. c.mu must be held.
func (c *Controller) emit(e Event) {
	if c.observer != nil {
		c.observer(e)
	}
}
