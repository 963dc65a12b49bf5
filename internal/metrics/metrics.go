// Package metrics exposes Prometheus collectors for the event core. A
// nil *Metrics is valid and records nothing, so components do not need
// guard checks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chorus"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	dispatched     *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	listenerErrors *prometheus.CounterVec
	throttled      *prometheus.CounterVec
	pipelineRuns   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	inFlight       prometheus.Gauge
	dependencyUp   *prometheus.GaugeVec
	llmTokens      *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered, plus the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Events broadcast to listeners, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events refused by the dispatcher, by type and reason.",
		}, []string{"type", "reason"}),
		listenerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_errors_total",
			Help:      "Errors and panics returned by event listeners.",
		}, []string{"listener"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_denied_total",
			Help:      "Runs denied by a throttle, by throttle name.",
		}, []string{"throttle"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline invocations by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"stage"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_commits_total",
			Help:      "Transactions by outcome.",
		}, []string{"outcome"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_commit_seconds",
			Help:      "Duration of store transactions.",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_in_flight",
			Help:      "Listener goroutines currently running.",
		}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 when the last probe of an external dependency succeeded.",
		}, []string{"dependency"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "LLM tokens consumed, by model and direction.",
		}, []string{"model", "direction"}),
	}

	m.registry.MustRegister(
		m.dispatched, m.dropped, m.listenerErrors, m.throttled,
		m.pipelineRuns, m.stageDuration, m.commits, m.commitDuration, m.inFlight, m.dependencyUp, m.llmTokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EventDispatched counts a broadcast event.
func (m *Metrics) EventDispatched(eventType string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(eventType).Inc()
}

// EventDropped counts a refused event.
func (m *Metrics) EventDropped(eventType, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(eventType, reason).Inc()
}

// ListenerError counts a failed listener invocation.
func (m *Metrics) ListenerError(listener string) {
	if m == nil {
		return
	}
	m.listenerErrors.WithLabelValues(listener).Inc()
}

// ListenerStarted and ListenerFinished bracket a listener goroutine.
func (m *Metrics) ListenerStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// ListenerFinished is the counterpart of ListenerStarted.
func (m *Metrics) ListenerFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// Throttled counts a denied run.
func (m *Metrics) Throttled(throttle string) {
	if m == nil {
		return
	}
	m.throttled.WithLabelValues(throttle).Inc()
}

// PipelineRun counts a finished pipeline run.
func (m *Metrics) PipelineRun(outcome string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveCommit records a finished transaction.
func (m *Metrics) ObserveCommit(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
	m.commitDuration.Observe(d.Seconds())
}

// DependencyUp records the latest probe result for an external dependency.
func (m *Metrics) DependencyUp(dependency string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.dependencyUp.WithLabelValues(dependency).Set(v)
}

// LLMTokens counts the tokens of one model call.
func (m *Metrics) LLMTokens(model string, input, output int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(model, "input").Add(float64(input))
	m.llmTokens.WithLabelValues(model, "output").Add(float64(output))
}
