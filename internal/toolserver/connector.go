package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const protocolVersion = "2024-11-05"

// Connector owns the connect/list/invoke/disconnect lifecycle for a single
// configured tool server.
type Connector struct {
	config    *ServerConfig
	transport Transport
	logger    *slog.Logger

	mu          sync.RWMutex
	descriptors []Descriptor
	info        serverInfo
}

// NewConnector creates a connector for one server. Nothing is dialed until
// Connect is called.
func NewConnector(cfg *ServerConfig, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		config:    cfg,
		transport: NewTransport(cfg),
		logger:    logger.With("tool_server", cfg.ID),
	}
}

// newConnectorWithTransport is used by tests to inject a fake transport.
func newConnectorWithTransport(cfg *ServerConfig, tr Transport, logger *slog.Logger) *Connector {
	c := NewConnector(cfg, logger)
	c.transport = tr
	return c
}

// ID returns the configured server id.
func (c *Connector) ID() string {
	return c.config.ID
}

// Connect establishes the transport, performs the initialize handshake,
// and fetches the descriptor list. The whole sequence is bounded by the
// server's InitTimeout and fails closed: a server that does not answer in
// time is reported as failed, never retried here.
func (c *Connector) Connect(ctx context.Context) error {
	timeout := c.config.InitTimeout
	if timeout <= 0 {
		timeout = DefaultInitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult initializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.info = initResult.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.refreshDescriptors(ctx); err != nil {
		c.transport.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	c.logger.Info("connected to tool server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"tools", len(c.Descriptors()))

	return nil
}

// refreshDescriptors re-fetches the tool list. Existing descriptors are
// discarded; a reconnect always starts from the server's current set.
func (c *Connector) refreshDescriptors(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var resp listToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	descriptors := make([]Descriptor, 0, len(resp.Tools))
	for _, tool := range resp.Tools {
		descriptors = append(descriptors, Descriptor{
			ServerID:    c.config.ID,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	c.mu.Lock()
	c.descriptors = descriptors
	c.mu.Unlock()
	return nil
}

// Descriptors returns the tool descriptors fetched at connect time.
func (c *Connector) Descriptors() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// Invoke forwards one tool call. Transport-level failures are mapped to a
// structured *InvokeError so callers never see transport-specific errors.
func (c *Connector) Invoke(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	call := callToolParams{Name: name, Arguments: params}

	raw, err := c.transport.Call(ctx, "tools/call", call)
	if err != nil {
		return nil, mapInvokeError(err)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &InvokeError{Code: errCodeInternal, Message: fmt.Sprintf("parse result: %v", err)}
	}
	return &result, nil
}

// HealthCheck issues a ping and reports pass/fail with latency.
func (c *Connector) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	_, err := c.transport.Call(ctx, "ping", nil)
	latency := time.Since(start)
	if err != nil {
		return Health{OK: false, Latency: latency, Err: err.Error()}
	}
	return Health{OK: true, Latency: latency}
}

// Disconnect closes the transport.
func (c *Connector) Disconnect() error {
	return c.transport.Close()
}

// Connected reports whether the underlying transport is up.
func (c *Connector) Connected() bool {
	return c.transport.Connected()
}

func mapInvokeError(err error) *InvokeError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &InvokeError{Code: ErrCodeTimeout, Message: err.Error()}
	}
	return &InvokeError{Code: ErrCodeTransport, Message: err.Error()}
}
