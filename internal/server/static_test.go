package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ZJR-FZD/Libai-Chat/internal/transcript"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/audio"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	llmmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/mock"
	sttmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/mock"
	ttsmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/mock"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

type staticStack struct {
	stt  *sttmock.Provider
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	conv turn.Config
}

func newStaticStack() *staticStack {
	return &staticStack{
		stt: &sttmock.Provider{Text: "床前明月光"},
		llm: &llmmock.Provider{Reply: "疑是地上霜"},
		tts: &ttsmock.Provider{Audio: audio.EncodeWAV(make([]byte, 6400), mono16k)},
		conv: turn.Config{
			SystemPrompt: "你是李白。",
			MaxHistory:   10,
		},
	}
}

func (st *staticStack) server(t *testing.T) *httptest.Server {
	t.Helper()
	vocab := transcript.NewCorrector([]string{"Li Bai"})
	return newTestServer(t, newEcho(), WithStatic(StaticDeps{
		STT:          st.stt,
		LLM:          st.llm,
		TTS:          st.tts,
		Conversation: func() turn.Config { return st.conv },
		Corrector:    func() turn.TextCorrector { return vocab },
	}))
}

func upload(t *testing.T, url, field string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "recording.wav")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()

	resp, err := http.Post(url+TranscribePath, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		field    string
		data     []byte
		setup    func(st *staticStack)
		status   int
		wantText string
		wantPCM  int
	}{
		{
			name:     "mono 16k",
			field:    "file",
			data:     audio.EncodeWAV(make([]byte, 3200), mono16k),
			status:   http.StatusOK,
			wantText: "床前明月光",
			wantPCM:  3200,
		},
		{
			name:     "stereo 32k is normalised",
			field:    "file",
			data:     audio.EncodeWAV(make([]byte, 12800), audio.Format{SampleRate: 32000, Channels: 2}),
			status:   http.StatusOK,
			wantText: "床前明月光",
			wantPCM:  3200,
		},
		{
			name:     "vocabulary applied",
			field:    "file",
			data:     audio.EncodeWAV(make([]byte, 3200), mono16k),
			setup:    func(st *staticStack) { st.stt.Text = "你认识li bai吗" },
			status:   http.StatusOK,
			wantText: "你认识Li Bai吗",
			wantPCM:  3200,
		},
		{name: "wrong field", field: "audio", data: audio.EncodeWAV(make([]byte, 3200), mono16k), status: http.StatusBadRequest},
		{name: "not a wav", field: "file", data: []byte("OggS not wav at all, long enough for a header......"), status: http.StatusUnsupportedMediaType},
		{
			name:   "recogniser down",
			field:  "file",
			data:   audio.EncodeWAV(make([]byte, 3200), mono16k),
			setup:  func(st *staticStack) { st.stt.Err = errors.New("whisper unreachable") },
			status: http.StatusBadGateway,
		},
		{
			name:   "nothing heard",
			field:  "file",
			data:   audio.EncodeWAV(make([]byte, 3200), mono16k),
			setup:  func(st *staticStack) { st.stt.Text = "  " },
			status: http.StatusUnprocessableEntity,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := newStaticStack()
			if tc.setup != nil {
				tc.setup(st)
			}
			resp := upload(t, st.server(t).URL, tc.field, tc.data)
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if tc.status != http.StatusOK {
				var e errorResponse
				if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Detail == "" {
					t.Errorf("error body = %+v, %v", e, err)
				}
				return
			}
			var got transcribeResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Text != tc.wantText {
				t.Errorf("text = %q, want %q", got.Text, tc.wantText)
			}
			if pcm := st.stt.Calls[0].PCM; len(pcm) != tc.wantPCM {
				t.Errorf("recogniser got %d bytes, want %d", len(pcm), tc.wantPCM)
			}
		})
	}
}

func TestReply_Conversation(t *testing.T) {
	t.Parallel()

	st := newStaticStack()
	st.llm.Replies = []string{"疑是地上霜", "低头思故乡"}
	conn := dial(t, st.server(t), ReplyPath)
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, want := range []string{"疑是地上霜", "低头思故乡"} {
		if err := conn.Write(ctx, websocket.MessageText, []byte("床前明月光")); err != nil {
			t.Fatalf("write: %v", err)
		}
		var msg replyMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read reply text: %v", err)
		}
		if msg.Text != want || msg.Fallback {
			t.Errorf("reply %d = %+v, want %q", i, msg, want)
		}
		typ, wav, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read reply audio: %v", err)
		}
		if typ != websocket.MessageBinary || !bytes.Equal(wav, st.tts.Audio) {
			t.Errorf("reply %d audio: type %v, %d bytes", i, typ, len(wav))
		}
	}

	// The second request carries the first exchange.
	req := st.llm.CompleteCalls[1].Req
	roles := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		roles = append(roles, m.Role)
	}
	if want := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser}; strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Errorf("roles = %v, want %v", roles, want)
	}
	if req.SystemPrompt != "你是李白。" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if st.tts.Calls[0].Voice.SampleRate != 16000 {
		t.Errorf("voice sample rate = %d", st.tts.Calls[0].Voice.SampleRate)
	}
}

func TestReply_GenerationFailure(t *testing.T) {
	t.Parallel()

	t.Run("fallback spoken", func(t *testing.T) {
		t.Parallel()

		st := newStaticStack()
		st.llm.Err = errors.New("quota exceeded")
		st.conv.FallbackReply = "抱歉，未能听清。"
		conn := dial(t, st.server(t), ReplyPath)
		conn.SetReadLimit(1 << 20)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, []byte("你好")); err != nil {
			t.Fatalf("write: %v", err)
		}
		var msg replyMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Text != "抱歉，未能听清。" || !msg.Fallback {
			t.Errorf("reply = %+v, want the fallback", msg)
		}
		if st.tts.Calls[0].Text != "抱歉，未能听清。" {
			t.Errorf("synthesised %q", st.tts.Calls[0].Text)
		}
	})

	t.Run("no fallback closes", func(t *testing.T) {
		t.Parallel()

		st := newStaticStack()
		st.llm.Err = errors.New("quota exceeded")
		conn := dial(t, st.server(t), ReplyPath)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, []byte("你好")); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, _, err := conn.Read(ctx)
		if got := websocket.CloseStatus(err); got != websocket.StatusInternalError {
			t.Errorf("close status = %v (err %v), want internal error", got, err)
		}
		if st.tts.CallCount() != 0 {
			t.Error("synthesised after a failed generation")
		}
	})
}

func TestStaticRoutesNeedOption(t *testing.T) {
	t.Parallel()

	h := New(Config{}, newEcho(), WithLogger(quiet)).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, TranscribePath, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST %s without static mode = %d, want 404", TranscribePath, rec.Code)
	}
}
