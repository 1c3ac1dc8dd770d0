package llm

import (
	"sync"
)

// ChatHistory keeps the rolling conversation transcript between runs, with
// a sliding-window limit so long sessions stay inside the context budget.
type ChatHistory struct {
	messages []Message
	limit    int
	mu       sync.RWMutex
}

// NewChatHistory builds a history keeping at most limit messages
// (0 = unlimited). The window never evicts the leading system message.
func NewChatHistory(limit int) *ChatHistory {
	return &ChatHistory{
		messages: make([]Message, 0),
		limit:    limit,
	}
}

// Add appends a message, evicting the oldest evictable ones past the limit.
func (h *ChatHistory) Add(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.messages = append(h.messages, msg)
	if h.limit <= 0 || len(h.messages) <= h.limit {
		return
	}

	drop := len(h.messages) - h.limit
	kept := make([]Message, 0, h.limit)
	if h.messages[0].Role == RoleSystem {
		kept = append(kept, h.messages[0])
		kept = append(kept, h.messages[1+drop:]...)
	} else {
		kept = append(kept, h.messages[drop:]...)
	}
	h.messages = kept
}

// Messages returns a copy of the current transcript.
func (h *ChatHistory) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cp := make([]Message, len(h.messages))
	copy(cp, h.messages)
	return cp
}

// Len returns the current number of messages.
func (h *ChatHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Reset clears the transcript.
func (h *ChatHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = h.messages[:0]
}
