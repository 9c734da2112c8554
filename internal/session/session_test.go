package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZJR-FZD/Libai-Chat/internal/observe"
	"github.com/ZJR-FZD/Libai-Chat/internal/session"
	"github.com/ZJR-FZD/Libai-Chat/internal/session/mock"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	sttmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/mock"
	llmmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/mock"
	ttsmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/mock"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
)

const speechMarker = 0x7f

// markerVAD reports speech for frames whose first byte is speechMarker.
var markerVAD = vad.ClassifierFunc(func(frame []byte) (bool, error) {
	return len(frame) > 0 && frame[0] == speechMarker, nil
})

func silentFrame(n int) []byte { return make([]byte, n) }

func speechFrame(n int) []byte {
	f := make([]byte, n)
	f[0] = speechMarker
	return f
}

// fakeClock advances one second on every reading.
type fakeClock struct{ n atomic.Int64 }

func (c *fakeClock) Now() time.Time {
	return time.Unix(1_700_000_000+c.n.Add(1), 0)
}

type harness struct {
	stt       *sttmock.Provider
	llm       *llmmock.Provider
	tts       *ttsmock.Provider
	transport *mock.Transport
	done      chan turn.Event
	session   *session.Session
	runErr    chan error
}

func start(t *testing.T, tuning session.Tuning, opts ...session.Option) *harness {
	t.Helper()
	h := &harness{
		stt:       &sttmock.Provider{Text: "你好"},
		llm:       &llmmock.Provider{Reply: "幸会"},
		tts:       &ttsmock.Provider{Audio: audio.EncodeWAV(make([]byte, 10000), audio.Format{SampleRate: 16000, Channels: 1})},
		transport: mock.NewTransport(64),
		done:      make(chan turn.Event, 16),
		runErr:    make(chan error, 1),
	}
	deps := session.Deps{Providers: session.Providers{STT: h.stt, LLM: h.llm, TTS: h.tts, VAD: markerVAD}}
	observer := turn.WithObserver(func(e turn.Event) {
		if e.Kind == turn.EventReplyDone {
			h.done <- e
		}
	})
	opts = append(opts, session.WithTurnOptions(observer))
	h.session = session.New("test-session", h.transport, deps, tuning, opts...)
	go func() { h.runErr <- h.session.Run(context.Background()) }()
	t.Cleanup(func() {
		h.transport.Hangup()
		<-h.runErr
	})
	return h
}

func (h *harness) waitDone(t *testing.T) turn.Event {
	t.Helper()
	select {
	case e := <-h.done:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
		return turn.Event{}
	}
}

func (h *harness) hangup(t *testing.T) error {
	t.Helper()
	h.transport.Hangup()
	select {
	case err := <-h.runErr:
		h.runErr <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after hangup")
		return nil
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSession_SilenceWithEmptyTranscript(t *testing.T) {
	t.Parallel()

	h := start(t, session.Tuning{})
	h.stt.Text = ""
	for range 20 {
		h.transport.Push(silentFrame(2000))
	}
	waitUntil(t, "transcription", func() bool { return h.stt.CallCount() == 1 })
	if err := h.hangup(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := len(h.stt.Calls[0].PCM); got != turn.DefaultFlushThreshold {
		t.Errorf("transcribed %d bytes, want %d", got, turn.DefaultFlushThreshold)
	}
	if h.llm.CallCount() != 0 || h.transport.ChunkCount() != 0 {
		t.Errorf("pipeline ran: llm=%d chunks=%d", h.llm.CallCount(), h.transport.ChunkCount())
	}
	if got := h.session.State(); got != turn.Idle {
		t.Errorf("State = %v, want Idle", got)
	}
	if got := h.session.Received(); got != 20 {
		t.Errorf("Received = %d, want 20", got)
	}
}

func TestSession_Reply(t *testing.T) {
	t.Parallel()

	h := start(t, session.Tuning{})
	for range 16 {
		h.transport.Push(silentFrame(2000))
	}
	done := h.waitDone(t)
	if done.Outcome != observe.OutcomeCompleted {
		t.Fatalf("outcome = %q, want completed", done.Outcome)
	}
	chunks := h.transport.Chunks()
	if len(chunks) != 5 {
		t.Fatalf("wrote %d chunks, want 5", len(chunks))
	}
	var total int
	for _, c := range chunks {
		p, err := audio.ChunkPayload(c)
		if err != nil {
			t.Fatalf("ChunkPayload: %v", err)
		}
		total += len(p)
	}
	if total != 10000 {
		t.Errorf("payload total = %d, want 10000", total)
	}
	if err := h.hangup(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSession_OddFramesArePadded(t *testing.T) {
	t.Parallel()

	h := start(t, session.Tuning{FlushThreshold: 4})
	h.stt.Text = ""
	h.transport.Push([]byte{1, 2, 3})
	waitUntil(t, "transcription", func() bool { return h.stt.CallCount() == 1 })
	if got := h.stt.Calls[0].PCM; len(got) != 4 || got[3] != 0 {
		t.Errorf("pcm = %v, want 3 bytes padded to 4", got)
	}
}

func TestSession_BargeInThenNextTurn(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	h := start(t, session.Tuning{FlushThreshold: 4000}, session.WithClock(clock.Now))
	h.tts.Block = make(chan struct{})
	h.tts.Started = make(chan string, 4)

	h.transport.Push(silentFrame(2000))
	h.transport.Push(silentFrame(2000))
	select {
	case <-h.tts.Started:
	case <-time.After(5 * time.Second):
		t.Fatal("synthesis never started")
	}

	// The user talks over the reply while it is being synthesised.
	h.transport.Push(speechFrame(2000))
	waitUntil(t, "speech frame", func() bool { return h.session.Received() == 3 })
	close(h.tts.Block)

	first := h.waitDone(t)
	if first.Outcome != observe.OutcomeInterrupted {
		t.Fatalf("first outcome = %q, want interrupted", first.Outcome)
	}
	if n := h.transport.ChunkCount(); n != 0 {
		t.Fatalf("interrupted reply wrote %d chunks", n)
	}

	// Silence after the debounce ends the user's turn and is answered.
	h.transport.Push(silentFrame(2000))
	h.transport.Push(silentFrame(2000))
	second := h.waitDone(t)
	if second.Outcome != observe.OutcomeCompleted {
		t.Fatalf("second outcome = %q, want completed", second.Outcome)
	}
	if n := h.transport.ChunkCount(); n != 5 {
		t.Errorf("wrote %d chunks, want 5", n)
	}
	if err := h.hangup(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestSession_CapturedSpeechIsCapped(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{}
	h := start(t, session.Tuning{FlushThreshold: 4, CaptureSpeech: true}, session.WithClock(clock.Now))
	h.stt.Text = ""

	// A speaker who never pauses keeps the buffer at its cap.
	for range 40 {
		h.transport.Push(speechFrame(2))
	}
	h.transport.Push(silentFrame(2))
	waitUntil(t, "transcription", func() bool { return h.stt.CallCount() == 1 })

	want := turn.DefaultMaxBufferFactor * 4
	if got := len(h.stt.Calls[0].PCM); got != want {
		t.Errorf("utterance = %d bytes, want the %d byte cap", got, want)
	}
}

func TestSession_QueueOverflowDropsFrames(t *testing.T) {
	t.Parallel()

	h := start(t, session.Tuning{FlushThreshold: 4, IngestQueue: 1})
	h.stt.Block = make(chan struct{})
	h.stt.Text = ""

	h.transport.Push(silentFrame(4))
	waitUntil(t, "transcription", func() bool { return h.stt.CallCount() == 1 })
	for range 10 {
		h.transport.Push(silentFrame(4))
	}
	waitUntil(t, "ingress", func() bool { return h.session.Received() == 11 })
	if got := h.session.Dropped(); got < 9 {
		t.Errorf("Dropped = %d, want at least 9", got)
	}
	close(h.stt.Block)
	if err := h.hangup(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// sttFunc adapts a function to stt.Provider.
type sttFunc func(ctx context.Context, pcm []byte) (string, error)

func (f sttFunc) Transcribe(ctx context.Context, pcm []byte, _ stt.Config) (string, error) {
	return f(ctx, pcm)
}

func TestSession_RouteTimeoutDropsUtterance(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	slowOnce := sttFunc(func(ctx context.Context, _ []byte) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "你好", nil
	})

	llm := &llmmock.Provider{Reply: "幸会"}
	tr := mock.NewTransport(8)
	done := make(chan turn.Event, 4)
	deps := session.Deps{Providers: session.Providers{
		STT: slowOnce,
		LLM: llm,
		TTS: &ttsmock.Provider{Audio: audio.EncodeWAV(make([]byte, 100), audio.Format{SampleRate: 16000, Channels: 1})},
		VAD: markerVAD,
	}}
	s := session.New("timeout", tr, deps, session.Tuning{FlushThreshold: 4, RouteTimeout: 20 * time.Millisecond},
		session.WithTurnOptions(turn.WithObserver(func(e turn.Event) {
			if e.Kind == turn.EventReplyDone {
				done <- e
			}
		})))

	var wg sync.WaitGroup
	wg.Add(1)
	var runErr error
	go func() {
		defer wg.Done()
		runErr = s.Run(context.Background())
	}()

	tr.Push(silentFrame(4))
	tr.Push(silentFrame(4))
	select {
	case e := <-done:
		if e.Outcome != observe.OutcomeCompleted {
			t.Errorf("outcome = %q", e.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second utterance was not answered")
	}
	if calls.Load() != 2 || llm.CallCount() != 1 {
		t.Errorf("stt calls = %d, llm calls = %d, want 2 and 1", calls.Load(), llm.CallCount())
	}
	tr.Hangup()
	wg.Wait()
	if runErr != nil {
		t.Errorf("Run: %v", runErr)
	}
}

func TestSession_TransportError(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport(1)
	tr.ReadErr = errors.New("connection reset")
	tr.Hangup()
	s := session.New("err", tr, session.Deps{Providers: session.Providers{
		STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{},
	}}, session.Tuning{})
	if err := s.Run(context.Background()); err == nil || err.Error() != "connection reset" {
		t.Errorf("Run = %v, want connection reset", err)
	}
}

func TestSession_ContextCancelIsClean(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport(1)
	s := session.New("cancel", tr, session.Deps{Providers: session.Providers{
		STT: &sttmock.Provider{}, LLM: &llmmock.Provider{}, TTS: &ttsmock.Provider{},
	}}, session.Tuning{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
