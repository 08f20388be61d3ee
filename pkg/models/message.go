// Package models defines the shared message and thread types used across
// the engine, the state store, and the tool-server layer.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known role tags.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleHuman, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in a conversation transcript.
//
// Content holds the plain text of the message. Structured tool activity is
// carried alongside it in ToolCalls/ToolResults and is preserved verbatim
// when a transcript is serialized, never flattened to text.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Text returns the message content, stringifying structured content when
// the text body is empty.
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Sprintf("%+v", m)
		}
		return string(data)
	}
	return ""
}

// ToolCall represents a model's request to execute a named tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult represents the outcome of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Thread is the persistence unit for one continuous conversation.
type Thread struct {
	ConversationID string    `json:"conversation_id"`
	ThreadID       string    `json:"thread_id"`
	Messages       []Message `json:"messages"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Checkpoint is a persisted snapshot of in-progress or completed turn
// state. Exactly one of Completed/Errored is set once the turn reaches a
// terminal state; while streaming, both are false.
type Checkpoint struct {
	ThreadID        string    `json:"thread_id"`
	MessageID       string    `json:"message_id"`
	PartialContent  string    `json:"partial_content,omitempty"`
	ChunkCount      int       `json:"chunk_count"`
	Completed       bool      `json:"completed"`
	Errored         bool      `json:"errored"`
	PartialResponse string    `json:"partial_response,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
