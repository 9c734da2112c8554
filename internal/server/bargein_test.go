package server

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ZJR-FZD/Libai-Chat/internal/session"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	llmmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/mock"
	sttmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/mock"
	ttsmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/mock"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
)

// loudVAD reports speech for frames whose first byte is non-zero.
var loudVAD = vad.ClassifierFunc(func(frame []byte) (bool, error) {
	return len(frame) > 0 && frame[0] != 0, nil
})

// TestWebSocket_BargeInDuringBlockedWrite starts a reply far larger than the
// socket buffers while the client is not reading, so a chunk write is stuck
// when the user starts speaking. The connection must survive the barge-in
// and carry the next reply.
func TestWebSocket_BargeInDuringBlockedWrite(t *testing.T) {
	t.Parallel()

	const (
		payload   = 32 << 20
		chunkSize = 1 << 20
	)
	wav := audio.EncodeWAV(make([]byte, payload), audio.Format{SampleRate: 16000, Channels: 1})
	mgr := session.NewManager(session.Deps{
		Providers: session.Providers{
			STT: &sttmock.Provider{Text: "举杯邀明月"},
			LLM: &llmmock.Provider{Reply: "对影成三人"},
			TTS: &ttsmock.Provider{Audio: wav},
			VAD: loudVAD,
		},
		Logger: quiet,
	}, session.Tuning{
		Conversation:    turn.Config{ChunkSize: chunkSize},
		FlushThreshold:  4,
		SilenceDebounce: 20 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	srv := newTestServer(t, mgr)
	conn := dial(t, srv, "/ws")
	conn.SetReadLimit(2 * chunkSize)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	write := func(frame []byte) {
		t.Helper()
		if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// One silent frame fills the utterance and starts the oversized reply.
	write([]byte{0, 0, 0, 0})
	time.Sleep(300 * time.Millisecond)
	// Barge in while the server is blocked on the unread socket.
	write([]byte{0x7f, 0x7f, 0, 0})
	time.Sleep(100 * time.Millisecond)

	chunks := make(chan error, 64)
	go func() {
		for {
			_, msg, err := conn.Read(ctx)
			if err == nil {
				_, err = audio.ChunkPayload(msg)
			}
			select {
			case chunks <- err:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// Drain what the interrupted reply had in flight.
	drained := 0
drain:
	for {
		select {
		case err := <-chunks:
			if err != nil {
				t.Fatalf("connection lost after barge-in: %v", err)
			}
			drained++
		case <-time.After(500 * time.Millisecond):
			break drain
		}
	}
	if drained >= payload/chunkSize {
		t.Errorf("drained %d chunks, want the interrupted reply cut short", drained)
	}

	// Silence ends the barge-in utterance and the next reply streams.
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-chunks:
			if err != nil {
				t.Fatalf("read after barge-in: %v", err)
			}
			return
		case <-tick.C:
			write([]byte{0, 0, 0, 0})
		case <-ctx.Done():
			t.Fatal("no reply after barge-in")
		}
	}
}
