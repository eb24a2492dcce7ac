// Package metrics provides Prometheus instrumentation for the runtime.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the runtime's Prometheus collectors. Constructed against an
// explicit Registerer so tests and embedders can isolate metric namespaces.
type Recorder struct {
	llmRequests  *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	toolCalls    *prometheus.CounterVec
	turns        *prometheus.CounterVec
	truncations  *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg; a nil reg uses the default
// registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_llm_requests_total",
				Help: "LLM requests by model and outcome",
			},
			[]string{"model", "status", "error_type"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrun_llm_request_duration_seconds",
				Help:    "LLM request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_tool_calls_total",
				Help: "Tool dispatches by tool name and outcome",
			},
			[]string{"tool", "status", "error_code"},
		),
		turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_turns_total",
				Help: "Turns executed by agent",
			},
			[]string{"agent"},
		),
		truncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_context_truncations_total",
				Help: "Context truncations by strategy",
			},
			[]string{"strategy"},
		),
		jobRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_job_retries_total",
				Help: "Job diagnose+resubmit cycles by error code",
			},
			[]string{"error_code"},
		),
		jobsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_jobs_finished_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"status"},
		),
	}
}

// ObserveLLMRequest records one LLM round trip.
func (r *Recorder) ObserveLLMRequest(model string, err error, errorType string, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.llmRequests.WithLabelValues(model, status, errorType).Inc()
	r.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveToolCall records one tool dispatch.
func (r *Recorder) ObserveToolCall(tool string, success bool, errorCode string) {
	status := "success"
	if !success {
		status = "error"
	}
	r.toolCalls.WithLabelValues(tool, status, errorCode).Inc()
}

// ObserveTurn records one completed turn for an agent.
func (r *Recorder) ObserveTurn(agent string) {
	r.turns.WithLabelValues(agent).Inc()
}

// ObserveTruncation records one context truncation.
func (r *Recorder) ObserveTruncation(strategy string) {
	r.truncations.WithLabelValues(strategy).Inc()
}

// ObserveJobRetry records one diagnose+resubmit cycle.
func (r *Recorder) ObserveJobRetry(errorCode string) {
	r.jobRetries.WithLabelValues(errorCode).Inc()
}

// ObserveJobFinished records a job reaching a terminal state.
func (r *Recorder) ObserveJobFinished(status string) {
	r.jobsFinished.WithLabelValues(status).Inc()
}
