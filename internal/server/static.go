package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ZJR-FZD/Libai-Chat/internal/observe"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
)

// Routes of the record-then-reply mode.
const (
	TranscribePath = "/api/transcribe"
	ReplyPath      = "/ws/tts"
)

const (
	// maxUploadBytes bounds a recording posted to TranscribePath.
	maxUploadBytes = 25 << 20

	// maxTextBytes bounds one user message on ReplyPath.
	maxTextBytes = 64 << 10
)

// StaticDeps serves the record-then-reply mode. The client posts a finished
// recording to TranscribePath and gets the transcript back, then sends the
// transcript as a text message on ReplyPath and receives the reply as a
// JSON text message followed by the whole WAV.
type StaticDeps struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Conversation returns the current conversation settings. Each reply
	// connection takes a snapshot when it opens.
	Conversation func() turn.Config

	// Corrector, if set, returns the transcript corrector in effect. It may
	// return nil.
	Corrector func() turn.TextCorrector

	Metrics *observe.Metrics
}

// WithStatic mounts the record-then-reply routes.
func WithStatic(d StaticDeps) Option {
	return func(s *Server) { s.static = &d }
}

type transcribeResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// replyMessage precedes the reply audio on ReplyPath.
type replyMessage struct {
	Text     string `json:"text"`
	Fallback bool   `json:"fallback,omitempty"`
}

func (s *Server) conversation() turn.Config {
	cfg := s.static.Conversation()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Voice.SampleRate <= 0 {
		cfg.Voice.SampleRate = cfg.SampleRate
	}
	return cfg
}

// handleTranscribe accepts a multipart upload with a "file" field holding a
// 16-bit PCM WAV and answers {"text": ...}.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "recording too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "missing audio file"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "reading upload failed"})
		return
	}

	cfg := s.conversation()
	wav, err := audio.NormalizeWAV(data, audio.Format{SampleRate: cfg.SampleRate, Channels: 1})
	if err != nil {
		writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Detail: "recording must be a 16-bit PCM WAV"})
		return
	}

	var text string
	err = observe.Track(r.Context(), s.static.Metrics, observe.StageSTT, cfg.ProviderNames.STT, func(ctx context.Context) error {
		var err error
		text, err = s.static.STT.Transcribe(ctx, wav[audio.HeaderSize:],
			stt.Config{SampleRate: cfg.SampleRate, Channels: 1, Language: cfg.Language})
		return err
	})
	if err != nil {
		s.log.Warn("upload transcription failed", "stage", observe.StageSTT, "bytes", len(wav), "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Detail: "语音识别失败"})
		return
	}
	text = strings.TrimSpace(text)
	if text != "" && s.static.Corrector != nil {
		if c := s.static.Corrector(); c != nil {
			text = c.Correct(text)
		}
	}
	if text == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Detail: "语音识别失败"})
		return
	}
	writeJSON(w, http.StatusOK, transcribeResponse{Text: text})
}

// handleReply answers every text message with the reply text and audio.
// Each connection keeps its own conversation window.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxTextBytes)

	ctx := r.Context()
	log := s.log.With("remote", r.RemoteAddr, "route", ReplyPath)
	cfg := s.conversation()
	history := turn.NewHistory(cfg.MaxHistory)

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if !isPeerClose(err) && ctx.Err() == nil {
				log.Debug("reply connection read failed", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		text := strings.TrimSpace(string(msg))
		if text == "" {
			continue
		}

		if err := s.reply(ctx, conn, log, cfg, history, text); err != nil {
			log.Warn("reply failed", "err", err)
			_ = conn.Close(websocket.StatusInternalError, "reply failed")
			return
		}
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, log *slog.Logger, cfg turn.Config, history *turn.History, text string) error {
	history.Add(llm.RoleUser, text)
	req := llm.CompletionRequest{
		Messages:     history.Messages(),
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
	var answer string
	err := observe.Track(ctx, s.static.Metrics, observe.StageLLM, cfg.ProviderNames.LLM, func(ctx context.Context) error {
		resp, err := s.static.LLM.Complete(ctx, req)
		if err != nil {
			return err
		}
		answer = strings.TrimSpace(resp.Content)
		if answer == "" {
			return errors.New("empty completion")
		}
		return nil
	})
	outcome := observe.OutcomeCompleted
	if err != nil {
		if cfg.FallbackReply == "" {
			s.recordReply(observe.OutcomeFailed)
			return err
		}
		log.Warn("reply generation failed, using fallback", "stage", observe.StageLLM, "err", err)
		answer, outcome = cfg.FallbackReply, observe.OutcomeFallback
	}
	history.Add(llm.RoleAssistant, answer)

	var wav []byte
	err = observe.Track(ctx, s.static.Metrics, observe.StageTTS, cfg.ProviderNames.TTS, func(ctx context.Context) error {
		var err error
		wav, err = s.static.TTS.Synthesize(ctx, answer, cfg.Voice)
		return err
	})
	if err != nil {
		s.recordReply(observe.OutcomeFailed)
		return err
	}

	if err := wsjson.Write(ctx, conn, replyMessage{Text: answer, Fallback: outcome == observe.OutcomeFallback}); err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, wav); err != nil {
		return err
	}
	s.recordReply(outcome)
	return nil
}

func (s *Server) recordReply(outcome string) {
	if s.static.Metrics != nil {
		s.static.Metrics.RecordReply(context.Background(), outcome)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
