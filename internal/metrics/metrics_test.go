package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	// Must not panic.
	m.EventDispatched("message_received")
	m.EventDropped("reply_sent", "no_provider")
	m.ListenerError("x")
	m.ListenerStarted()
	m.ListenerFinished()
	m.Throttled("actions")
	m.PipelineRun("ok")
	m.ObserveStage("curate", time.Millisecond)
	m.ObserveCommit("ok", time.Millisecond)
	m.DependencyUp("llm", true)
	m.LLMTokens("qwen3:4b", 10, 5)
	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.EventDispatched("message_received")
	m.EventDispatched("message_received")
	m.EventDropped("reply_sent", "no_provider")
	m.Throttled("actions")

	if got := testutil.ToFloat64(m.dispatched.WithLabelValues("message_received")); got != 2 {
		t.Errorf("dispatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("reply_sent", "no_provider")); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.throttled.WithLabelValues("actions")); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}

	m.DependencyUp("llm", true)
	m.DependencyUp("llm", false)
	if got := testutil.ToFloat64(m.dependencyUp.WithLabelValues("llm")); got != 0 {
		t.Errorf("dependency_up = %v, want 0", got)
	}

	m.LLMTokens("qwen3:4b", 10, 5)
	m.LLMTokens("qwen3:4b", 1, 1)
	if got := testutil.ToFloat64(m.llmTokens.WithLabelValues("qwen3:4b", "input")); got != 11 {
		t.Errorf("input tokens = %v, want 11", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.PipelineRun("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `chorus_pipeline_runs_total{outcome="ok"} 1`) {
		t.Errorf("metrics output missing pipeline counter:\n%s", body)
	}
}
