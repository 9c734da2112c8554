package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConversationChanged and TurnChanged can be applied to new sessions
	// without a restart.
	ConversationChanged bool
	TurnChanged         bool

	// VocabularyChanged and SilenceThresholdChanged are part of the above
	// but need the corrector and the classifier rebuilt.
	VocabularyChanged       bool
	SilenceThresholdChanged bool

	// ServerChanged, ProvidersChanged and StoreChanged need a restart.
	ServerChanged    bool
	ProvidersChanged bool
	StoreChanged     bool
}

// HotReloadable reports whether d holds changes that apply without a
// restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.ConversationChanged || d.TurnChanged
}

// NeedsRestart reports whether d holds changes that only take effect after
// a restart.
func (d ConfigDiff) NeedsRestart() bool {
	return d.ServerChanged || d.ProvidersChanged || d.StoreChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.WSPath != new.Server.WSPath ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	d.ConversationChanged = !equalConversation(old.Conversation, new.Conversation)
	d.TurnChanged = old.Turn != new.Turn
	d.VocabularyChanged = !slices.Equal(old.Conversation.Vocabulary, new.Conversation.Vocabulary)
	d.SilenceThresholdChanged = old.Turn.SilenceThresholdDBFS != new.Turn.SilenceThresholdDBFS
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	d.StoreChanged = old.Store != new.Store
	return d
}

func equalConversation(a, b ConversationConfig) bool {
	return a.SystemPrompt == b.SystemPrompt &&
		a.MaxHistory == b.MaxHistory &&
		equalPtr(a.Temperature, b.Temperature) &&
		a.MaxTokens == b.MaxTokens &&
		equalPtr(a.FallbackReply, b.FallbackReply) &&
		a.Voice == b.Voice &&
		a.Language == b.Language &&
		slices.Equal(a.Vocabulary, b.Vocabulary)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
