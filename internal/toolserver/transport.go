package toolserver

import (
	"context"
	"encoding/json"
)

// Transport is the wire-level interface a connector drives. The connector
// is transport-agnostic; it only needs request/response and notification
// semantics.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Connected returns whether the transport is connected.
	Connected() bool
}

// NewTransport creates a transport from the server configuration.
func NewTransport(cfg *ServerConfig) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(cfg)
	case TransportWebSocket:
		return NewWSTransport(cfg)
	default:
		return NewStdioTransport(cfg)
	}
}
