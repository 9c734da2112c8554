package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "deepgram", "openai"},
	"tts": {"openai", "elevenlabs", "coqui"},
	"vad": {"energy"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Variables from a .env file next to the config file and from the
// working directory are loaded into the environment first; variables that
// are already set win. ${VAR} references in the file are then expanded.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// loadDotEnv loads each existing file once. Missing files are skipped.
func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %q: %w", p, err)
		}
		slog.Debug("loaded environment file", "path", abs)
	}
	return nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// reservedPaths are served by the HTTP server itself.
var reservedPaths = []string{"/", "/healthz", "/readyz", "/metrics", "/api/transcribe", "/ws/tts"}

// Validate checks that cfg contains a coherent set of values. It expects
// defaults to have been applied and returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path %q must start with /", cfg.Server.WSPath))
	} else if slices.Contains(reservedPaths, cfg.Server.WSPath) {
		errs = append(errs, fmt.Errorf("server.ws_path %q is taken by a built-in route", cfg.Server.WSPath))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	for _, p := range []struct {
		kind  string
		entry ProviderEntry
	}{
		{"llm", cfg.Providers.LLM},
		{"stt", cfg.Providers.STT},
		{"tts", cfg.Providers.TTS},
	} {
		if p.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
			continue
		}
		validateProviderName(p.kind, p.entry.Name)
	}
	validateProviderName("vad", cfg.Providers.VAD.Name)
	for kind, list := range map[string][]ProviderEntry{
		"llm": cfg.Providers.Fallbacks.LLM,
		"stt": cfg.Providers.Fallbacks.STT,
		"tts": cfg.Providers.Fallbacks.TTS,
	} {
		for i, e := range list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.fallbacks.%s[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, e.Name)
		}
	}

	// Conversation
	c := cfg.Conversation
	if c.MaxHistory < 1 {
		errs = append(errs, fmt.Errorf("conversation.max_history %d must be at least 1", c.MaxHistory))
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", *c.Temperature))
	}
	if c.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("conversation.max_tokens %d must be positive", c.MaxTokens))
	}
	for i, term := range c.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("conversation.vocabulary[%d] is empty", i))
		}
	}

	// Turn
	t := cfg.Turn
	if t.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("turn.sample_rate %d must be positive", t.SampleRate))
	}
	if t.FlushThresholdBytes <= 0 || t.FlushThresholdBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("turn.flush_threshold_bytes %d must be a positive even number", t.FlushThresholdBytes))
	}
	if t.SilenceDebounce <= 0 {
		errs = append(errs, fmt.Errorf("turn.silence_debounce %s must be positive", t.SilenceDebounce))
	}
	if t.SilenceThresholdDBFS >= 0 {
		errs = append(errs, fmt.Errorf("turn.silence_threshold_dbfs %.1f must be negative", t.SilenceThresholdDBFS))
	}
	if t.ChunkSize <= 0 || t.ChunkSize%2 != 0 {
		errs = append(errs, fmt.Errorf("turn.chunk_size %d must be a positive even number", t.ChunkSize))
	}
	if t.RouteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("turn.route_timeout %s must be positive", t.RouteTimeout))
	}
	if t.IngestQueue <= 0 {
		errs = append(errs, fmt.Errorf("turn.ingest_queue %d must be positive", t.IngestQueue))
	}

	if cfg.Store.PostgresDSN == "" {
		slog.Debug("store.postgres_dsn is empty; conversation turns will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
