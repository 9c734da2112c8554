package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	sttoai "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/openai"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := sttoai.New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		model    string
		language string
		fileSize int64
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		model = r.FormValue("model")
		language = r.FormValue("language")
		if _, hdr, err := r.FormFile("file"); err == nil {
			fileSize = hdr.Size
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " 幸会 "})
	}))
	defer srv.Close()

	p, err := sttoai.New("key", sttoai.WithBaseURL(srv.URL), sttoai.WithLanguage("zh-CN"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), make([]byte, 3200), stt.Config{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "幸会" {
		t.Errorf("text = %q, want 幸会", text)
	}

	mu.Lock()
	defer mu.Unlock()
	if model != "whisper-1" {
		t.Errorf("model = %q, want whisper-1", model)
	}
	if language != "zh" {
		t.Errorf("language = %q, want zh", language)
	}
	if fileSize != 3244 {
		t.Errorf("uploaded file size = %d, want 3244", fileSize)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := sttoai.New("key", sttoai.WithBaseURL(srv.URL))
	if _, err := p.Transcribe(context.Background(), make([]byte, 320), stt.Config{}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}
