package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/ZJR-FZD/Libai-Chat/internal/config"
	"github.com/ZJR-FZD/Libai-Chat/internal/resilience"
	"github.com/ZJR-FZD/Libai-Chat/internal/turn"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/anyllm"
	llmopenai "github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm/openai"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/deepgram"
	sttopenai "github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/openai"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/stt/whisper"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/coqui"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/ZJR-FZD/Libai-Chat/pkg/provider/tts/openai"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad"
	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/vad/energy"
)

// Providers holds the provider set shared by every session. STT, LLM and
// TTS are required; a nil VAD selects the energy classifier.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Classifier

	// Names label metrics and logs. Empty names read "unknown".
	Names turn.ProviderNames

	closers []io.Closer

	// buildVAD rebuilds the classifier for a reloaded config. Set by
	// BuildProviders.
	buildVAD func(cfg *config.Config) (vad.Classifier, error)
}

// ClassifierFor returns the classifier sessions should use under cfg. A
// provider set not made by [BuildProviders] keeps its VAD.
func (p *Providers) ClassifierFor(cfg *config.Config) (vad.Classifier, error) {
	if p.buildVAD == nil {
		return p.VAD, nil
	}
	return p.buildVAD(cfg)
}

// Close releases providers holding native resources, such as a loaded
// whisper.cpp model.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Ready fails when a stage wrapped in failover has every circuit breaker
// open.
func (p *Providers) Ready(context.Context) error {
	type availability interface{ Available() bool }
	var errs []error
	for _, stage := range []struct {
		kind string
		p    any
	}{{"stt", p.STT}, {"llm", p.LLM}, {"tts", p.TTS}} {
		if av, ok := stage.p.(availability); ok && !av.Available() {
			errs = append(errs, fmt.Errorf("%s: all circuit breakers open", stage.kind))
		}
	}
	return errors.Join(errs...)
}

// anyLLMBackends are the LLM provider names served through any-llm-go.
var anyLLMBackends = []string{
	"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// RegisterBuiltinProviders wires every provider implementation that ships
// with Libai-Chat into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ──────────────────────────────────────────────────────────────
	// "openai" also serves Qwen through DashScope's compatible mode; set
	// base_url to https://dashscope.aliyuncs.com/compatible-mode/v1.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, llmopenai.WithTimeout(d))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(backend, entry.Model, anyLLMOptions(entry)...)
		})
	}

	// "anyllm" names the backend explicitly through options.backend.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		return anyllm.New(optString(entry.Options, "backend"), entry.Model, anyLLMOptions(entry)...)
	})

	// ── STT ──────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []sttopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, sttopenai.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, sttopenai.WithTimeout(d))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	// ── TTS ──────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, ttsopenai.WithDefaultVoice(v))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ttsopenai.WithTimeout(d))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── VAD ──────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Classifier, error) {
		var opts []energy.Option
		if th, ok := optFloat(entry.Options, "threshold_dbfs"); ok {
			opts = append(opts, energy.WithThreshold(th))
		}
		return energy.New(opts...), nil
	})

	for _, kind := range []string{"llm", "stt", "tts", "vad"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Registered(kind))
	}
}

func anyLLMOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// BuildProviders instantiates the providers named in cfg. A stage with
// fallbacks configured is wrapped in the matching resilience type; fallback
// entries whose name is not registered are skipped with a warning.
func BuildProviders(cfg *config.Config, reg *config.Registry, fb resilience.FallbackConfig) (_ *Providers, err error) {
	ps := &Providers{}
	defer func() {
		if err != nil {
			_ = ps.Close()
		}
	}()
	log := fb.Logger
	if log == nil {
		log = slog.Default()
	}

	llms, err := createChain(log, "llm", cfg.Providers.LLM, cfg.Providers.Fallbacks.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	collect(ps, llms)
	ps.LLM, ps.Names.LLM = llms[0].p, llms[0].name
	if len(llms) > 1 {
		f := resilience.NewLLMFallback(llms[0].p, llms[0].name, fb)
		for _, n := range llms[1:] {
			f.AddFallback(n.name, n.p)
		}
		ps.LLM = f
	}

	stts, err := createChain(log, "stt", cfg.Providers.STT, cfg.Providers.Fallbacks.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	collect(ps, stts)
	ps.STT, ps.Names.STT = stts[0].p, stts[0].name
	if len(stts) > 1 {
		f := resilience.NewSTTFallback(stts[0].p, stts[0].name, fb)
		for _, n := range stts[1:] {
			f.AddFallback(n.name, n.p)
		}
		ps.STT = f
	}

	ttss, err := createChain(log, "tts", cfg.Providers.TTS, cfg.Providers.Fallbacks.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	collect(ps, ttss)
	ps.TTS, ps.Names.TTS = ttss[0].p, ttss[0].name
	if len(ttss) > 1 {
		f := resilience.NewTTSFallback(ttss[0].p, ttss[0].name, fb)
		for _, n := range ttss[1:] {
			f.AddFallback(n.name, n.p)
		}
		ps.TTS = f
	}

	ps.buildVAD = func(cfg *config.Config) (vad.Classifier, error) {
		return createVAD(log, cfg, reg)
	}
	if ps.VAD, err = ps.buildVAD(cfg); err != nil {
		return nil, err
	}
	return ps, nil
}

// createVAD builds the configured classifier. turn.silence_threshold_dbfs
// applies unless the entry sets options.threshold_dbfs itself.
func createVAD(log *slog.Logger, cfg *config.Config, reg *config.Registry) (vad.Classifier, error) {
	entry := cfg.Providers.VAD
	if entry.Name == "" {
		return nil, nil
	}
	if _, set := entry.Options["threshold_dbfs"]; !set && cfg.Turn.SilenceThresholdDBFS < 0 {
		entry.Options = maps.Clone(entry.Options)
		if entry.Options == nil {
			entry.Options = map[string]any{}
		}
		entry.Options["threshold_dbfs"] = cfg.Turn.SilenceThresholdDBFS
	}
	v, err := reg.CreateVAD(entry)
	switch {
	case errors.Is(err, config.ErrProviderNotRegistered):
		log.Warn("vad provider not registered, using energy", "name", entry.Name)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("app: create vad provider %q: %w", entry.Name, err)
	}
	return v, nil
}

type namedProvider[T any] struct {
	name string
	p    T
}

// createChain builds the primary entry and every registered fallback. The
// primary is mandatory.
func createChain[T any](log *slog.Logger, kind string, primary config.ProviderEntry, extra []config.ProviderEntry, create func(config.ProviderEntry) (T, error)) ([]namedProvider[T], error) {
	if primary.Name == "" {
		return nil, fmt.Errorf("app: no %s provider configured", kind)
	}
	p, err := create(primary)
	if err != nil {
		return nil, fmt.Errorf("app: create %s provider %q: %w", kind, primary.Name, err)
	}
	log.Info("provider created", "kind", kind, "name", primary.Name)
	chain := []namedProvider[T]{{name: primary.Name, p: p}}

	for _, e := range extra {
		fp, err := create(e)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			log.Warn("fallback provider not registered, skipping", "kind", kind, "name", e.Name)
			continue
		}
		if err != nil {
			tmp := &Providers{}
			collect(tmp, chain)
			_ = tmp.Close()
			return nil, fmt.Errorf("app: create %s fallback %q: %w", kind, e.Name, err)
		}
		log.Info("fallback provider created", "kind", kind, "name", e.Name)
		chain = append(chain, namedProvider[T]{name: e.Name, p: fp})
	}
	return chain, nil
}

func collect[T any](ps *Providers, chain []namedProvider[T]) {
	for _, n := range chain {
		if c, ok := any(n.p).(io.Closer); ok {
			ps.closers = append(ps.closers, c)
		}
	}
}

// ── Option helpers ───────────────────────────────────────────────────────────

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optDuration accepts a Go duration string ("30s") or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, _ := time.ParseDuration(v)
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
