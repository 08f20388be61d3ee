package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Key namespaces. Pattern deletion relies on these prefixes, so they are
// the only place keys are built.
const (
	prefixConversation = "conv:"
	prefixMessagePage  = "msgpage:"
	prefixMessage      = "msg:"
	prefixUserConvs    = "userconvs:"
	prefixModelResp    = "modelresp:"
)

// ConversationKey caches a single conversation record.
func ConversationKey(conversationID string) string {
	return prefixConversation + conversationID
}

// MessagePageKey caches one page of a conversation's messages. queryHash
// distinguishes pagination/filter options.
func MessagePageKey(conversationID, queryHash string) string {
	return prefixMessagePage + conversationID + ":" + queryHash
}

// MessagePagePrefix matches every page cached for a conversation.
func MessagePagePrefix(conversationID string) string {
	return prefixMessagePage + conversationID + ":"
}

// MessageKey caches a single message.
func MessageKey(messageID string) string {
	return prefixMessage + messageID
}

// UserConversationsKey caches a user's conversation list.
func UserConversationsKey(userID string) string {
	return prefixUserConvs + userID
}

// UserConversationsPrefix matches all of a user's conversation-list
// entries.
func UserConversationsPrefix(userID string) string {
	return prefixUserConvs + userID
}

// ModelResponseKey builds the deterministic-response key. Only calls with
// temperature 0 are eligible; callers enforce that before looking up.
func ModelResponseKey(input, model string, maxTokens int, temperature float64) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%g", input, model, maxTokens, temperature))
	return prefixModelResp + hex.EncodeToString(sum[:])
}

// StoreConversation caches a conversation record with the recency rule.
func (t *Tiered) StoreConversation(conversationID string, value any, lastActivity time.Time) {
	t.Set(ConversationKey(conversationID), value, ClassForRecency(lastActivity))
}

// StoreMessagePage caches a message page; recency is judged by the last
// message in the page.
func (t *Tiered) StoreMessagePage(conversationID, queryHash string, value any, lastMessageAt time.Time) {
	t.Set(MessagePageKey(conversationID, queryHash), value, ClassForRecency(lastMessageAt))
}

// StoreMessage caches a single message. Always MEDIUM.
func (t *Tiered) StoreMessage(messageID string, value any) {
	t.Set(MessageKey(messageID), value, ClassMedium)
}

// StoreUserConversations caches a user's conversation list. Always MEDIUM.
func (t *Tiered) StoreUserConversations(userID string, value any) {
	t.Set(UserConversationsKey(userID), value, ClassMedium)
}

// GetModelResponse looks up a cached deterministic model response.
// Non-deterministic calls (temperature != 0) are never looked up.
func (t *Tiered) GetModelResponse(input, model string, maxTokens int, temperature float64) (string, bool) {
	if temperature != 0 {
		return "", false
	}
	v, ok := t.Get(ModelResponseKey(input, model, maxTokens, temperature))
	if !ok {
		return "", false
	}
	text, ok := v.(string)
	return text, ok
}

// StoreModelResponse caches a deterministic model response. Calls with
// temperature != 0 are dropped on the floor.
func (t *Tiered) StoreModelResponse(input, model string, maxTokens int, temperature float64, response string) {
	if temperature != 0 {
		return
	}
	t.Set(ModelResponseKey(input, model, maxTokens, temperature), response, ClassVeryLong)
}

// InvalidateConversation is the hook fired when a conversation is updated
// or deleted: the conversation's own entry, all of its message pages, and
// the owning user's conversation lists are cleared.
func (t *Tiered) InvalidateConversation(userID, conversationID string) {
	t.Delete(ConversationKey(conversationID))
	t.DeletePattern(MessagePagePrefix(conversationID))
	if userID != "" {
		t.DeletePattern(UserConversationsPrefix(userID))
	}
}

// InvalidateMessage is the hook fired when a message is updated or
// deleted. When the conversation id is known, the conversation's message
// pages are cleared too.
func (t *Tiered) InvalidateMessage(conversationID, messageID string) {
	t.Delete(MessageKey(messageID))
	if conversationID != "" {
		t.DeletePattern(MessagePagePrefix(conversationID))
	}
}
