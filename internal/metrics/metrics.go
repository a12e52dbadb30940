// Package metrics exposes the runtime's Prometheus instrumentation. The
// registerer is injected so embedders control exposition; a nil registerer
// yields working but unregistered collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BaSui01/agentloop/types"
)

// Metrics holds the runtime's collectors.
type Metrics struct {
	stepsTotal          *prometheus.CounterVec
	stepDuration        prometheus.Histogram
	toolExecutionsTotal *prometheus.CounterVec
	summarizationsTotal prometheus.Counter
	llmRetriesTotal     prometheus.Counter
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "steps_total",
			Help:      "Completed steps by stop reason (empty reason = continued).",
		}, []string{"stop_reason"}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentloop",
			Name:      "step_duration_seconds",
			Help:      "Wall time of one step execution.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		toolExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "tool_executions_total",
			Help:      "Tool dispatches by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		summarizationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "summarizations_total",
			Help:      "Context summarization passes that evicted messages.",
		}),
		llmRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentloop",
			Name:      "llm_overflow_retries_total",
			Help:      "LLM requests retried after a context window overflow.",
		}),
	}
}

// Nop returns metrics that record nowhere.
func Nop() *Metrics { return New(nil) }

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(stopReason types.StopReason, d time.Duration) {
	m.stepsTotal.WithLabelValues(string(stopReason)).Inc()
	m.stepDuration.Observe(d.Seconds())
}

// ObserveTool records one tool dispatch.
func (m *Metrics) ObserveTool(tool string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.toolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
}

// ObserveSummarization records one eviction pass.
func (m *Metrics) ObserveSummarization() {
	m.summarizationsTotal.Inc()
}

// ObserveOverflowRetry records one summarize-and-retry cycle.
func (m *Metrics) ObserveOverflowRetry() {
	m.llmRetriesTotal.Inc()
}
