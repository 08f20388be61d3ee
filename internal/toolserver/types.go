// Package toolserver connects the engine to an open set of independently
// running tool servers speaking JSON-RPC 2.0 over stdio, HTTP, or a
// persistent WebSocket connection.
package toolserver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportKind specifies how a tool server is reached.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// DefaultInitTimeout bounds the connect/list handshake for a single
// server. A server that does not produce its descriptor list within this
// window is recorded as failed rather than retried.
const DefaultInitTimeout = 10 * time.Second

// ServerConfig holds configuration for a single tool server. One entry per
// configured server; immutable for the process lifetime.
type ServerConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Transport TransportKind `yaml:"transport" json:"transport"`
	Enabled   bool          `yaml:"enabled" json:"enabled"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP and WebSocket transport options
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// InitTimeout bounds Connect; DefaultInitTimeout when zero.
	InitTimeout time.Duration `yaml:"init_timeout" json:"init_timeout,omitempty"`

	// CallTimeout bounds a single Call on the transport.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout,omitempty"`
}

// Validate checks the server configuration for structural and security
// issues before any process or connection is created from it.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server id is required")
	}

	switch c.Transport {
	case TransportStdio:
		return c.validateStdio()
	case TransportHTTP:
		return c.validateURL("http://", "https://")
	case TransportWebSocket:
		return c.validateURL("ws://", "wss://")
	default:
		return fmt.Errorf("unknown transport %q for server %s", c.Transport, c.ID)
	}
}

func (c *ServerConfig) validateStdio() error {
	if c.Command == "" {
		return fmt.Errorf("command is required for server %s", c.ID)
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return fmt.Errorf("server %s: %w", c.ID, err)
	}
	if c.WorkDir != "" {
		if err := validatePath(c.WorkDir, "workdir"); err != nil {
			return fmt.Errorf("server %s: %w", c.ID, err)
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("server %s: arg[%d] contains suspicious shell metacharacters: %q", c.ID, i, arg)
		}
	}
	return nil
}

func (c *ServerConfig) validateURL(schemes ...string) error {
	if c.URL == "" {
		return fmt.Errorf("url is required for server %s", c.ID)
	}
	for _, scheme := range schemes {
		if strings.HasPrefix(c.URL, scheme) {
			return nil
		}
	}
	return fmt.Errorf("server %s: url must start with one of %v", c.ID, schemes)
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}
	return nil
}

func containsShellMetachars(s string) bool {
	// Only flag patterns that suggest command chaining. Spaces and quotes
	// are common in legitimate args.
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Descriptor is the immutable metadata for a single tool, produced by a
// connector at connect time and discarded on reconnect.
type Descriptor struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// InvokeError is the structured failure surfaced to the model/caller when
// a tool call errors. Transport-specific failures are mapped into it
// rather than thrown upward.
type InvokeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("tool invocation failed (%d): %s", e.Code, e.Message)
}

// Result holds the outcome of a tool invocation.
type Result struct {
	Content []ResultContent `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// Text concatenates the textual content of the result.
func (r *Result) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// ResultContent holds a piece of content from a tool result.
type ResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Health reports the outcome of a connector health check.
type Health struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// JSON-RPC 2.0 framing.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes plus the internal codes this package maps
// transport failures onto.
const (
	errCodeInvalidParams = -32602
	errCodeInternal      = -32603

	// ErrCodeTransport marks failures at the transport layer (broken
	// pipe, HTTP failure, closed connection).
	ErrCodeTransport = -32010
	// ErrCodeTimeout marks a call that exceeded its deadline.
	ErrCodeTimeout = -32011
	// ErrCodeUnknownTool marks an invocation of a name absent from the
	// aggregated tool set.
	ErrCodeUnknownTool = -32012
)

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	} `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
