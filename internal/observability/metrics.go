// Package observability collects Prometheus metrics for the engine, the
// tool-server layer, and the caches.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors the engine reports into. A nil
// *Metrics is valid everywhere and records nothing, so callers never
// branch on whether metrics are enabled.
type Metrics struct {
	// TurnCounter counts agent turns by terminal status
	// (completed|fallback|errored|cached).
	TurnCounter *prometheus.CounterVec

	// ModelRequestDuration measures model invocation latency in seconds.
	// Labels: model, mode (stream|invoke)
	ModelRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations by name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// CheckpointWrites counts streaming checkpoint persists by kind
	// (partial|complete|error).
	CheckpointWrites *prometheus.CounterVec

	// CacheRequests counts cache lookups by kind and outcome (hit|miss).
	CacheRequests *prometheus.CounterVec

	// ToolServersConnected gauges the number of connected tool servers.
	ToolServersConnected prometheus.Gauge
}

// New creates and registers all collectors with a registry. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_turns_total",
				Help: "Total number of agent turns by terminal status",
			},
			[]string{"status"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_model_request_duration_seconds",
				Help:    "Duration of model invocations in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "mode"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		CheckpointWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_checkpoint_writes_total",
				Help: "Total number of streaming checkpoint persists by kind",
			},
			[]string{"kind"},
		),

		CacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cache_requests_total",
				Help: "Total number of cache lookups by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		ToolServersConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_tool_servers_connected",
				Help: "Number of currently connected tool servers",
			},
		),
	}
}

// Turn records a turn reaching a terminal status.
func (m *Metrics) Turn(status string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
}

// ModelRequest records a model invocation's duration.
func (m *Metrics) ModelRequest(model, mode string, seconds float64) {
	if m == nil {
		return
	}
	m.ModelRequestDuration.WithLabelValues(model, mode).Observe(seconds)
}

// ToolExecution records a tool invocation outcome.
func (m *Metrics) ToolExecution(tool, status string) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
}

// Checkpoint records a checkpoint persist.
func (m *Metrics) Checkpoint(kind string) {
	if m == nil {
		return
	}
	m.CheckpointWrites.WithLabelValues(kind).Inc()
}

// Cache records a cache lookup outcome.
func (m *Metrics) Cache(kind string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CacheRequests.WithLabelValues(kind, outcome).Inc()
}

// SetConnectedServers records the connected tool-server count.
func (m *Metrics) SetConnectedServers(n int) {
	if m == nil {
		return
	}
	m.ToolServersConnected.Set(float64(n))
}
