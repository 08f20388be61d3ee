package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"unicode/utf8"
)

// MaxDescriptionLength is the hard cap on an aggregated tool description.
// Downstream model providers reject longer ones.
const MaxDescriptionLength = 1024

const truncationSuffix = "..."

// Orchestrator aggregates tool descriptors from all successfully-connected
// servers into one flat, name-addressable set, records which servers
// failed to initialize, and routes invocations to the owning connector.
type Orchestrator struct {
	logger *slog.Logger

	mu         sync.RWMutex
	connectors map[string]*Connector // serverID -> connector
	byTool     map[string]*Connector // tool name -> connector
	tools      []Descriptor
	failed     []string

	cleanupOnce sync.Once
}

// NewOrchestrator creates an empty orchestrator.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:     logger.With("component", "toolserver"),
		connectors: make(map[string]*Connector),
		byTool:     make(map[string]*Connector),
	}
}

// Initialize connects to all enabled servers concurrently. Each server is
// subject to its own InitTimeout; a server that fails or times out is
// recorded in the failed list and excluded, never aborting the others.
// The wall time is bounded by the slowest single server, not the sum.
func (o *Orchestrator) Initialize(ctx context.Context, configs []*ServerConfig) ([]Descriptor, []string, error) {
	type outcome struct {
		id        string
		connector *Connector
		err       error
	}

	var enabled []*ServerConfig
	for _, cfg := range configs {
		if cfg.Enabled {
			enabled = append(enabled, cfg)
		}
	}

	results := make(chan outcome, len(enabled))
	for _, cfg := range enabled {
		go func(cfg *ServerConfig) {
			if err := cfg.Validate(); err != nil {
				results <- outcome{id: cfg.ID, err: err}
				return
			}
			connector := o.newConnector(cfg)
			if err := connector.Connect(ctx); err != nil {
				results <- outcome{id: cfg.ID, err: err}
				return
			}
			results <- outcome{id: cfg.ID, connector: connector}
		}(cfg)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for range enabled {
		res := <-results
		if res.err != nil {
			o.logger.Error("tool server initialization failed",
				"server", res.id,
				"error", res.err)
			o.failed = append(o.failed, res.id)
			continue
		}
		o.connectors[res.id] = res.connector
	}
	sort.Strings(o.failed)

	o.aggregateLocked()

	o.logger.Info("tool server initialization complete",
		"connected", len(o.connectors),
		"failed", len(o.failed),
		"tools", len(o.tools))

	tools := make([]Descriptor, len(o.tools))
	copy(tools, o.tools)
	failed := make([]string, len(o.failed))
	copy(failed, o.failed)
	return tools, failed, nil
}

// newConnector is replaceable in tests.
var newConnectorFn = NewConnector

func (o *Orchestrator) newConnector(cfg *ServerConfig) *Connector {
	return newConnectorFn(cfg, o.logger)
}

// aggregateLocked rebuilds the flat tool set from connected servers.
// Duplicate tool names keep the first server's descriptor; the duplicate
// is logged and skipped. Descriptions are normalized to the provider cap;
// a normalization failure keeps the original description rather than
// dropping the tool.
func (o *Orchestrator) aggregateLocked() {
	o.byTool = make(map[string]*Connector)
	o.tools = o.tools[:0]

	ids := make([]string, 0, len(o.connectors))
	for id := range o.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		connector := o.connectors[id]
		for _, desc := range connector.Descriptors() {
			if _, exists := o.byTool[desc.Name]; exists {
				o.logger.Warn("duplicate tool name, keeping first",
					"tool", desc.Name,
					"server", id)
				continue
			}

			normalized, err := TruncateDescription(desc.Description)
			if err != nil {
				o.logger.Warn("description normalization failed, keeping original",
					"tool", desc.Name,
					"server", id,
					"error", err)
			} else {
				desc.Description = normalized
			}

			o.byTool[desc.Name] = connector
			o.tools = append(o.tools, desc)
		}
	}
}

// TruncateDescription caps a description at MaxDescriptionLength bytes,
// ending in "...". Truncating an already-truncated string is a no-op.
func TruncateDescription(desc string) (string, error) {
	if len(desc) <= MaxDescriptionLength {
		return desc, nil
	}
	cut := MaxDescriptionLength - len(truncationSuffix)
	// Back off to a rune boundary so we never split a multi-byte char.
	for cut > 0 && !utf8.RuneStart(desc[cut]) {
		cut--
	}
	if cut <= 0 {
		return "", fmt.Errorf("description has no rune boundary within %d bytes", MaxDescriptionLength)
	}
	return desc[:cut] + truncationSuffix, nil
}

// Tools returns the aggregated descriptor set.
func (o *Orchestrator) Tools() []Descriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Descriptor, len(o.tools))
	copy(out, o.tools)
	return out
}

// FailedServers returns the ids of servers that failed to initialize.
func (o *Orchestrator) FailedServers() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, len(o.failed))
	copy(out, o.failed)
	return out
}

// Invoke routes a tool call to the owning connector. Unknown names and
// transport failures both surface as a structured *InvokeError.
func (o *Orchestrator) Invoke(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	o.mu.RLock()
	connector, ok := o.byTool[name]
	o.mu.RUnlock()

	if !ok {
		return nil, &InvokeError{
			Code:    ErrCodeUnknownTool,
			Message: fmt.Sprintf("no connected server exposes tool %q", name),
		}
	}
	return connector.Invoke(ctx, name, params)
}

// Healthy runs a health check against every connected server.
func (o *Orchestrator) Healthy(ctx context.Context) map[string]Health {
	o.mu.RLock()
	connectors := make(map[string]*Connector, len(o.connectors))
	for id, c := range o.connectors {
		connectors[id] = c
	}
	o.mu.RUnlock()

	out := make(map[string]Health, len(connectors))
	for id, c := range connectors {
		out[id] = c.HealthCheck(ctx)
	}
	return out
}

// Cleanup disconnects every connected server. Safe to call more than once;
// only the first call does work.
func (o *Orchestrator) Cleanup() {
	o.cleanupOnce.Do(func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		for id, connector := range o.connectors {
			if err := connector.Disconnect(); err != nil {
				o.logger.Error("failed to disconnect tool server",
					"server", id,
					"error", err)
			}
			delete(o.connectors, id)
		}
		o.byTool = make(map[string]*Connector)
		o.tools = nil
	})
}
