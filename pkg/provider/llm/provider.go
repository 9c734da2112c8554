// Package llm defines the Provider interface for reply-generation backends.
//
// A provider wraps a remote or local chat-completion API (Qwen through
// DashScope's OpenAI-compatible mode, OpenAI, Anthropic, Ollama, ...) and
// exposes a single blocking completion call. The turn controller owns the
// conversation window and the persona; providers are stateless.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Roles accepted in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation, oldest first. The last entry is
	// normally the user's utterance.
	Messages []Message

	// SystemPrompt is sent ahead of Messages as a system-role message when
	// non-empty.
	SystemPrompt string

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the result of [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for the request.
	Usage Usage
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply. It
	// returns promptly with ctx.Err() when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Conversation prepends the system prompt of req, if any, to its messages.
// Providers whose SDK has no dedicated system field use it to build the
// message list.
func Conversation(req CompletionRequest) []Message {
	out := make([]Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: req.SystemPrompt})
	}
	return append(out, req.Messages...)
}
