// Package metrics exposes Prometheus instrumentation for the fix pipeline:
// LLM traffic, sandbox executions, and workflow terminal statuses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the pipeline's metric families. A nil *Recorder is a valid
// no-op so tests and library callers can skip instrumentation entirely.
type Recorder struct {
	llmRequests  *prometheus.CounterVec
	llmTokens    prometheus.Counter
	llmDuration  prometheus.Histogram
	sandboxRuns  *prometheus.CounterVec
	sandboxTime  prometheus.Histogram
	fallbackRuns prometheus.Counter
	taskOutcomes *prometheus.CounterVec
}

// NewRecorder registers the metric families on a fresh registry and returns
// the recorder plus an HTTP handler serving the scrape endpoint.
func NewRecorder() (*Recorder, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Recorder{
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fixbot_llm_requests_total",
			Help: "LLM completion requests by provider and result.",
		}, []string{"provider", "result"}),
		llmTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixbot_llm_tokens_total",
			Help: "Total tokens consumed across all LLM calls.",
		}),
		llmDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fixbot_llm_request_duration_seconds",
			Help:    "LLM completion latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		sandboxRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fixbot_sandbox_executions_total",
			Help: "Sandbox executions by executor variant and result.",
		}, []string{"executor", "result"}),
		sandboxTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fixbot_sandbox_duration_seconds",
			Help:    "Sandbox execution wall time.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		fallbackRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "fixbot_sandbox_fallback_total",
			Help: "Executions routed to the degraded non-isolated executor.",
		}),
		taskOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fixbot_tasks_total",
			Help: "Completed fix tasks by terminal status.",
		}, []string{"status"}),
	}
	return r, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveLLMCall records one completion attempt.
func (r *Recorder) ObserveLLMCall(provider string, tokens int, duration time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.llmRequests.WithLabelValues(provider, result).Inc()
	r.llmTokens.Add(float64(tokens))
	r.llmDuration.Observe(duration.Seconds())
}

// ObserveSandboxRun records one sandbox execution.
func (r *Recorder) ObserveSandboxRun(executor string, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	r.sandboxRuns.WithLabelValues(executor, result).Inc()
	r.sandboxTime.Observe(duration.Seconds())
}

// ObserveFallback records one execution that lost isolation.
func (r *Recorder) ObserveFallback() {
	if r == nil {
		return
	}
	r.fallbackRuns.Inc()
}

// ObserveTaskOutcome records a task reaching a terminal status.
func (r *Recorder) ObserveTaskOutcome(status string) {
	if r == nil {
		return
	}
	r.taskOutcomes.WithLabelValues(status).Inc()
}
