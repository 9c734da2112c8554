package turn

import (
	"sync"

	"github.com/ZJR-FZD/Libai-Chat/pkg/provider/llm"
)

// DefaultMaxHistory is the default number of messages kept in the rolling
// conversation window.
const DefaultMaxHistory = 10

// History is a bounded, per-session rolling window of conversation
// messages. When full, the oldest message is dropped. All methods are safe
// for concurrent use.
type History struct {
	max int

	mu   sync.Mutex
	msgs []llm.Message
}

// NewHistory returns an empty History keeping at most max messages. A
// non-positive max selects [DefaultMaxHistory].
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultMaxHistory
	}
	return &History{max: max, msgs: make([]llm.Message, 0, max)}
}

// Add appends a message with the given role and content, evicting the
// oldest entries beyond the limit.
func (h *History) Add(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, llm.Message{Role: role, Content: content})
	if over := len(h.msgs) - h.max; over > 0 {
		h.msgs = append(h.msgs[:0], h.msgs[over:]...)
	}
}

// Messages returns a copy of the window, oldest first.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// Clear empties the window.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = h.msgs[:0]
}
