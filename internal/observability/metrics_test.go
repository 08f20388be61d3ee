package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.Turn("completed")
	m.ModelRequest("m1", "stream", 0.5)
	m.ToolExecution("get_time", "success")
	m.Checkpoint("partial")
	m.Cache("model_response", true)
	m.SetConnectedServers(3)
}

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Turn("completed")
	m.Turn("completed")
	m.Turn("errored")

	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("completed")); got != 2 {
		t.Errorf("completed turns = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TurnCounter.WithLabelValues("errored")); got != 1 {
		t.Errorf("errored turns = %v, want 1", got)
	}
}

func TestCacheOutcomeLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Cache("model_response", true)
	m.Cache("model_response", false)
	m.Cache("model_response", false)

	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("model_response", "hit")); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("model_response", "miss")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}
}
