package engine

import (
	"sync"

	"github.com/relaylabs/relay/pkg/models"
)

// historyMap owns the in-process conversation histories. It is an
// explicitly-owned field of the Engine rather than package state, so
// multiple engines can coexist and be torn down deterministically.
type historyMap struct {
	mu       sync.RWMutex
	messages map[string][]models.Message // conversationID -> ordered transcript
}

func newHistoryMap() *historyMap {
	return &historyMap{messages: make(map[string][]models.Message)}
}

// Get returns a copy of a conversation's transcript.
func (h *historyMap) Get(conversationID string) ([]models.Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msgs, ok := h.messages[conversationID]
	if !ok {
		return nil, false
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, true
}

// Replace swaps a conversation's transcript wholesale. Used when restoring
// persisted state after a restart.
func (h *historyMap) Replace(conversationID string, msgs []models.Message) {
	clone := make([]models.Message, len(msgs))
	copy(clone, msgs)

	h.mu.Lock()
	h.messages[conversationID] = clone
	h.mu.Unlock()
}

// Append adds messages to a conversation's transcript, creating it if
// needed.
func (h *historyMap) Append(conversationID string, msgs ...models.Message) {
	h.mu.Lock()
	h.messages[conversationID] = append(h.messages[conversationID], msgs...)
	h.mu.Unlock()
}

// HasSystemMessage reports whether the transcript contains a system
// message with exactly the given content.
func (h *historyMap) HasSystemMessage(conversationID, content string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, msg := range h.messages[conversationID] {
		if msg.Role == models.RoleSystem && msg.Content == content {
			return true
		}
	}
	return false
}

// Delete drops one conversation's transcript.
func (h *historyMap) Delete(conversationID string) {
	h.mu.Lock()
	delete(h.messages, conversationID)
	h.mu.Unlock()
}

// ConversationIDs lists conversations with in-memory history.
func (h *historyMap) ConversationIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.messages))
	for id := range h.messages {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops everything.
func (h *historyMap) Clear() {
	h.mu.Lock()
	h.messages = make(map[string][]models.Message)
	h.mu.Unlock()
}
