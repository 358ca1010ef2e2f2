// Package observability provides structured logging, Prometheus metrics,
// and OpenTelemetry tracing for the agent runtime.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/weftwork/weft/pkg/models"
)

// Metrics collects runtime metrics for runs, model calls, tool executions,
// and the session store.
type Metrics struct {
	// RunCounter counts completed runs.
	// Labels: reason (assistant_responded|iteration_limit|...)
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: reason
	RunDuration *prometheus.HistogramVec

	// RunIterations measures iterations per run.
	RunIterations prometheus.Histogram

	// ActiveRuns gauges runs currently executing.
	ActiveRuns prometheus.Gauge

	// ModelCallDuration measures provider call latency in seconds.
	// Labels: provider, model
	ModelCallDuration *prometheus.HistogramVec

	// ModelCallCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	ModelCallCounter *prometheus.CounterVec

	// TokensUsed counts tokens by direction.
	// Labels: direction (input|output)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// RetryCounter counts retries by error category.
	// Labels: category
	RetryCounter *prometheus.CounterVec

	// StoreOpDuration measures session store operation latency.
	// Labels: op (load_session|save_branch|fork|...), backend
	StoreOpDuration *prometheus.HistogramVec
}

// NewMetrics registers the metric set on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_runs_total",
				Help: "Completed runs by termination reason",
			},
			[]string{"reason"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_run_duration_seconds",
				Help:    "Run wall time in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"reason"},
		),
		RunIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "weft_run_iterations",
				Help:    "Loop iterations per run",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "weft_active_runs",
				Help: "Runs currently executing",
			},
		),
		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_model_call_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ModelCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_model_calls_total",
				Help: "Provider calls by status",
			},
			[]string{"provider", "model", "status"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_tokens_total",
				Help: "Token consumption by direction",
			},
			[]string{"direction"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_tool_executions_total",
				Help: "Tool invocations by status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weft_retries_total",
				Help: "Retries by error category",
			},
			[]string{"category"},
		),
		StoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "weft_store_op_duration_seconds",
				Help:    "Session store operation latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op", "backend"},
		),
	}
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(reason string, stats models.RunStats) {
	m.RunCounter.WithLabelValues(reason).Inc()
	m.RunDuration.WithLabelValues(reason).Observe(stats.WallTime.Seconds())
	m.RunIterations.Observe(float64(stats.Iterations))
	m.TokensUsed.WithLabelValues("input").Add(float64(stats.InputTokens))
	m.TokensUsed.WithLabelValues("output").Add(float64(stats.OutputTokens))
}

// ObserveModelCall records one provider call.
func (m *Metrics) ObserveModelCall(provider, model string, success bool, elapsed time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ModelCallCounter.WithLabelValues(provider, model, status).Inc()
	m.ModelCallDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
}

// ObserveToolExecution records one tool invocation.
func (m *Metrics) ObserveToolExecution(tool string, success bool, elapsed time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveRetry records one retry decision.
func (m *Metrics) ObserveRetry(category string) {
	m.RetryCounter.WithLabelValues(category).Inc()
}

// ObserveStoreOp records one session store operation.
func (m *Metrics) ObserveStoreOp(op, backend string, elapsed time.Duration) {
	m.StoreOpDuration.WithLabelValues(op, backend).Observe(elapsed.Seconds())
}
