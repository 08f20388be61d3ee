package engine

import (
	"context"

	"github.com/relaylabs/relay/internal/toolserver"
	"github.com/relaylabs/relay/pkg/models"
)

// ModelClient is the model-invocation capability the engine consumes.
// Which provider sits behind it is deliberately out of this module's
// hands; the engine only needs a non-streaming call and a streaming call
// that yields a finite sequence of token events.
//
// Implementations must be safe for concurrent use; the engine may run
// turns for different conversations simultaneously.
type ModelClient interface {
	// Invoke runs a full completion and returns the final message.
	Invoke(ctx context.Context, req *Request) (*Response, error)

	// Stream starts a completion and returns a channel of token events.
	// The channel is finite and closes after a Done or Err event; the
	// caller is the single owner and cancels via ctx.
	Stream(ctx context.Context, req *Request) (<-chan TokenEvent, error)
}

// Request carries one model invocation.
type Request struct {
	Messages    []models.Message
	Tools       []toolserver.Descriptor
	Model       string
	MaxTokens   int
	Temperature float64
}

// Response is the result of a non-streaming invocation.
type Response struct {
	Message models.Message
}

// TokenEvent is one element of a streaming completion. Exactly one of
// Text, ToolCall, Err, or Done is meaningful per event.
type TokenEvent struct {
	// Text is a partial response token.
	Text string

	// ToolCall is a complete tool execution request from the model.
	ToolCall *models.ToolCall

	// Err terminates the stream with a failure.
	Err error

	// Done marks successful completion of the stream.
	Done bool
}
