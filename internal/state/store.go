// Package state persists conversation thread state keyed by thread id.
//
// The contract is deliberately small: last-write-wins per thread, and a
// Get after a Set on the same thread observes the just-written value. No
// cross-thread ordering is promised. Persistence is best-effort from the
// engine's point of view; callers log store failures and continue on
// in-memory state.
package state

import (
	"context"
	"time"

	"github.com/relaylabs/relay/pkg/models"
)

// Context addresses one thread of one conversation.
type Context struct {
	ThreadID       string `json:"thread_id"`
	ConversationID string `json:"conversation_id"`
}

// ThreadState is the persisted snapshot for a thread. Replaying Messages
// reconstructs the role/content sequence the in-memory manager held at the
// last successful checkpoint.
type ThreadState struct {
	ConversationID  string             `json:"conversation_id"`
	ThreadID        string             `json:"thread_id"`
	Messages        []models.Message   `json:"messages"`
	Streaming       bool               `json:"streaming"`
	Completed       bool               `json:"completed"`
	Errored         bool               `json:"errored"`
	PartialResponse string             `json:"partial_response,omitempty"`
	Checkpoint      *models.Checkpoint `json:"checkpoint,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Meta carries per-checkpoint details for the streaming-specific writes.
type Meta struct {
	ConversationID string
	MessageID      string
	ChunkCount     int
}

// Store is the thread-keyed persistence abstraction.
type Store interface {
	// Get returns the state for the context's thread, or (nil, nil) when
	// no state exists.
	Get(ctx context.Context, sc Context) (*ThreadState, error)

	// Set replaces the state for the context's thread.
	Set(ctx context.Context, sc Context, st *ThreadState) error

	// Delete removes all thread state belonging to a conversation.
	Delete(ctx context.Context, conversationID string) error

	// DeleteAll removes every persisted thread state.
	DeleteAll(ctx context.Context) error

	// SaveStreaming upserts the in-flight checkpoint for a thread. The
	// previous turn's checkpoint for the same thread is superseded.
	SaveStreaming(ctx context.Context, threadID string, partial string, meta Meta) error

	// CompleteStreaming marks the thread's checkpoint completed with the
	// final content.
	CompleteStreaming(ctx context.Context, threadID string, final string, meta Meta) error

	// Close releases any underlying resources.
	Close() error
}
