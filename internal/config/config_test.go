package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ZJR-FZD/Libai-Chat/internal/config"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	llmmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/mock"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	sttmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/mock"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
	ttsmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/mock"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
	vadmock "github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  ws_path: /voice

providers:
  llm:
    name: openai
    api_key: sk-test
    base_url: https://dashscope.aliyuncs.com/compatible-mode/v1
    model: qwen-plus
  stt:
    name: whisper
    base_url: http://localhost:8080
  tts:
    name: coqui
    base_url: http://localhost:5002
  fallbacks:
    llm:
      - name: anyllm
        model: llama3
        options:
          backend: ollama

conversation:
  system_prompt: 你是李白。
  temperature: 0.9
  fallback_reply: ""
  vocabulary:
    - Li Bai
    - Du Fu

turn:
  silence_debounce: 500ms
  route_timeout: 3s
  capture_speech: true

store:
  postgres_dsn: postgres://localhost/libai
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.WSPath != "/voice" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.LLM.Model != "qwen-plus" || cfg.Providers.STT.Name != "whisper" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if fb := cfg.Providers.Fallbacks.LLM; len(fb) != 1 || fb[0].Options["backend"] != "ollama" {
		t.Errorf("fallbacks = %+v", cfg.Providers.Fallbacks)
	}
	if *cfg.Conversation.Temperature != 0.9 {
		t.Errorf("temperature = %v", *cfg.Conversation.Temperature)
	}
	if *cfg.Conversation.FallbackReply != "" {
		t.Errorf("explicit empty fallback overridden: %q", *cfg.Conversation.FallbackReply)
	}
	if len(cfg.Conversation.Vocabulary) != 2 {
		t.Errorf("vocabulary = %v", cfg.Conversation.Vocabulary)
	}
	if cfg.Turn.SilenceDebounce != 500*time.Millisecond || cfg.Turn.RouteTimeout != 3*time.Second || !cfg.Turn.CaptureSpeech {
		t.Errorf("turn = %+v", cfg.Turn)
	}
	// Unset fields take their defaults.
	if cfg.Turn.FlushThresholdBytes != 32000 || cfg.Turn.IngestQueue != 100 || cfg.Conversation.MaxHistory != 10 {
		t.Errorf("defaults not applied: turn=%+v conversation=%+v", cfg.Turn, cfg.Conversation)
	}
	if cfg.Store.PostgresDSN == "" {
		t.Error("store.postgres_dsn lost")
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"ws_path", cfg.Server.WSPath, "/ws"},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"vad", cfg.Providers.VAD.Name, "energy"},
		{"system_prompt", cfg.Conversation.SystemPrompt, config.DefaultSystemPrompt},
		{"temperature", *cfg.Conversation.Temperature, 0.7},
		{"max_tokens", cfg.Conversation.MaxTokens, 2048},
		{"fallback_reply", *cfg.Conversation.FallbackReply, config.DefaultFallbackReply},
		{"voice", cfg.Conversation.Voice, "zh-CN-YunjianNeural"},
		{"sample_rate", cfg.Turn.SampleRate, 16000},
		{"silence_debounce", cfg.Turn.SilenceDebounce, 800 * time.Millisecond},
		{"silence_threshold_dbfs", cfg.Turn.SilenceThresholdDBFS, -40.0},
		{"chunk_size", cfg.Turn.ChunkSize, 2048},
		{"route_timeout", cfg.Turn.RouteTimeout, 10 * time.Second},
		{"capture_speech", cfg.Turn.CaptureSpeech, false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nnpcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}
	creates := map[string]func() error{
		"llm": func() error { _, err := reg.CreateLLM(entry); return err },
		"stt": func() error { _, err := reg.CreateSTT(entry); return err },
		"tts": func() error { _, err := reg.CreateTTS(entry); return err },
		"vad": func() error { _, err := reg.CreateVAD(entry); return err },
	}
	for kind, create := range creates {
		err := create()
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: expected ErrProviderNotRegistered, got: %v", kind, err)
		}
		if err != nil && !strings.Contains(err.Error(), kind+"/") {
			t.Errorf("%s: error should name the kind, got: %v", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	wantTTS := &ttsmock.Provider{}
	wantVAD := &vadmock.Classifier{}
	reg.RegisterLLM("stub", func(config.ProviderEntry) (llm.Provider, error) { return wantLLM, nil })
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })
	reg.RegisterVAD("stub", func(config.ProviderEntry) (vad.Classifier, error) { return wantVAD, nil })

	entry := config.ProviderEntry{Name: "stub"}
	if got, err := reg.CreateLLM(entry); err != nil || got != wantLLM {
		t.Errorf("CreateLLM = %v, %v", got, err)
	}
	if got, err := reg.CreateSTT(entry); err != nil || got != wantSTT {
		t.Errorf("CreateSTT = %v, %v", got, err)
	}
	if got, err := reg.CreateTTS(entry); err != nil || got != wantTTS {
		t.Errorf("CreateTTS = %v, %v", got, err)
	}
	if got, err := reg.CreateVAD(entry); err != nil || got != wantVAD {
		t.Errorf("CreateVAD = %v, %v", got, err)
	}
	if names := reg.Registered("llm"); len(names) != 1 || names[0] != "stub" {
		t.Errorf("Registered(llm) = %v", names)
	}
	if names := reg.Registered("s2s"); names != nil {
		t.Errorf("Registered(s2s) = %v, want nil", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	boom := errors.New("missing api key")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) { return nil, boom })
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got: %v", err)
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		t.Error("factory error must not look like a missing registration")
	}
}

func TestRegistry_Overwrite(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	first, second := &llmmock.Provider{Reply: "1"}, &llmmock.Provider{Reply: "2"}
	reg.RegisterLLM("x", func(config.ProviderEntry) (llm.Provider, error) { return first, nil })
	reg.RegisterLLM("x", func(config.ProviderEntry) (llm.Provider, error) { return second, nil })
	if got, _ := reg.CreateLLM(config.ProviderEntry{Name: "x"}); got != second {
		t.Error("later registration should win")
	}
}
