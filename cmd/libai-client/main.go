// Command libai-client talks to a running libai server without a browser.
// It streams a WAV file as microphone frames, followed by trailing silence
// so the server ends the turn, and writes the spoken reply to a WAV file.
//
//	libai-client -url ws://localhost:8000/ws -in question.wav -out reply.wav
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
)

// inputFormat is what the server's turn detector expects.
var inputFormat = audio.Format{SampleRate: 16000, Channels: 1}

type options struct {
	url      string
	in       string
	out      string
	frameMS  int
	tailMS   int
	idle     time.Duration
	realtime bool
}

func main() {
	os.Exit(run())
}

func run() int {
	var opt options
	flag.StringVar(&opt.url, "url", "ws://localhost:8000/ws", "WebSocket URL of the libai server")
	flag.StringVar(&opt.in, "in", "", "WAV file to send (any rate, mono or stereo, 16-bit)")
	flag.StringVar(&opt.out, "out", "reply.wav", "where to write the reply")
	flag.IntVar(&opt.frameMS, "frame-ms", 100, "frame length in milliseconds")
	flag.IntVar(&opt.tailMS, "tail-ms", 1500, "silence appended after the input")
	flag.DurationVar(&opt.idle, "idle", 5*time.Second, "stop once no reply audio arrived for this long")
	flag.BoolVar(&opt.realtime, "realtime", true, "pace frames at wall-clock speed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if opt.in == "" {
		fmt.Fprintln(os.Stderr, "libai-client: -in is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := converse(ctx, logger, opt); err != nil {
		logger.Error("conversation failed", "err", err)
		return 1
	}
	return 0
}

func converse(ctx context.Context, log *slog.Logger, opt options) error {
	raw, err := os.ReadFile(opt.in)
	if err != nil {
		return err
	}
	wav, err := audio.NormalizeWAV(raw, inputFormat)
	if err != nil {
		return fmt.Errorf("read %s: %w", opt.in, err)
	}
	pcm := wav[audio.HeaderSize:]
	pcm = append(pcm, make([]byte, bytesFor(opt.tailMS))...)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opt.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opt.url, err)
	}
	defer conn.Close()
	log.Info("connected", "url", opt.url, "input_ms", audio.DurationMs(len(pcm), inputFormat))

	replies := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(replies)
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if typ == websocket.BinaryMessage {
				replies <- msg
			}
		}
	}()

	frame := bytesFor(opt.frameMS)
	tick := time.NewTicker(time.Duration(opt.frameMS) * time.Millisecond)
	defer tick.Stop()
	for off := 0; off < len(pcm); off += frame {
		if opt.realtime {
			select {
			case <-tick.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		end := min(off+frame, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
	}
	log.Info("input sent, waiting for reply")

	out, format, err := collect(ctx, replies, opt.idle)
	if err != nil {
		return err
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	select {
	case err := <-readErr:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			log.Debug("read loop ended", "err", err)
		}
	case <-time.After(time.Second):
	}

	if len(out) == 0 {
		return errors.New("no reply audio received")
	}
	if err := os.WriteFile(opt.out, audio.EncodeWAV(out, format), 0o644); err != nil {
		return err
	}
	log.Info("reply written", "path", opt.out, "ms", audio.DurationMs(len(out), format))
	return nil
}

// collect reassembles reply chunks until none arrived for idle.
func collect(ctx context.Context, replies <-chan []byte, idle time.Duration) ([]byte, audio.Format, error) {
	var (
		out    []byte
		format audio.Format
	)
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-replies:
			if !ok {
				return out, format, nil
			}
			if format.SampleRate == 0 {
				info, err := audio.ParseWAV(chunk)
				if err != nil {
					return nil, format, fmt.Errorf("reply chunk: %w", err)
				}
				format = info.Format
			}
			p, err := audio.ChunkPayload(chunk)
			if err != nil {
				return nil, format, err
			}
			out = append(out, p...)
			timer.Reset(idle)
		case <-timer.C:
			return out, format, nil
		case <-ctx.Done():
			return out, format, ctx.Err()
		}
	}
}

func bytesFor(ms int) int {
	return inputFormat.SampleRate * inputFormat.Channels * 2 * ms / 1000
}
