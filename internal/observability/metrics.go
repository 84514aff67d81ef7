package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting execution
// core metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Task state transitions and per-tool execution latency
//   - Worker pool occupancy, spawn outcomes, and init latency
//   - Rate limiter waits and rejections per scope
//   - Model call performance, token consumption, and retries
//   - Stream parser event volume
//   - Database query latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TaskTransition("DONE")
//	defer metrics.LLMRequestDuration.WithLabelValues("anthropic", "claude-sonnet").Observe(time.Since(start).Seconds())
type Metrics struct {
	// TaskTransitions counts task state changes.
	// Labels: state (PENDING|RUNNING|DONE|FAILED)
	TaskTransitions *prometheus.CounterVec

	// TaskDuration measures task execution time in seconds.
	// Labels: tool
	TaskDuration *prometheus.HistogramVec

	// PlanCompletions counts finished plans.
	// Labels: status (done|failed)
	PlanCompletions *prometheus.CounterVec

	// WorkersReady gauges idle workers waiting in the pool.
	WorkersReady prometheus.Gauge

	// WorkersBusy gauges workers checked out of the pool.
	WorkersBusy prometheus.Gauge

	// WorkerSpawns counts spawn attempts.
	// Labels: result (success|failure), kind (fill|emergency|replace)
	WorkerSpawns *prometheus.CounterVec

	// WorkerInitDuration measures worker init time in seconds.
	WorkerInitDuration prometheus.Histogram

	// RateLimitWait measures how long requests waited for window
	// capacity, in seconds. Labels: scope
	RateLimitWait *prometheus.HistogramVec

	// RateLimitRejections counts requests refused because the wait
	// would exceed the cap. Labels: scope
	RateLimitRejections *prometheus.CounterVec

	// ModelRetries counts model call retries. Labels: class
	ModelRetries *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ParserEvents counts stream parser events. Labels: type
	ParserEvents *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ContextCommits counts committed context snapshots.
	ContextCommits prometheus.Counter

	// EventsDropped counts events dropped by slow sinks.
	EventsDropped prometheus.Counter

	// StartupCache counts startup cache protocol outcomes.
	// Labels: outcome (hit|miss|wait|promoted)
	StartupCache *prometheus.CounterVec

	// DatabaseQueryDuration measures database query latency.
	// Labels: operation (select|insert|update|delete), table
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once at startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with a caller-supplied registry.
// Tests use this to avoid duplicate registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tasks_total",
				Help: "Total task state transitions by entered state",
			},
			[]string{"state"},
		),

		TaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_task_duration_seconds",
				Help:    "Duration of task executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),

		PlanCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_plans_total",
				Help: "Total finished plans by status",
			},
			[]string{"status"},
		),

		WorkersReady: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_workers_ready",
				Help: "Idle worker processes waiting in the pool",
			},
		),

		WorkersBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_workers_busy",
				Help: "Worker processes currently checked out",
			},
		),

		WorkerSpawns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_worker_spawns_total",
				Help: "Total worker spawn attempts by result and kind",
			},
			[]string{"result", "kind"},
		),

		WorkerInitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_worker_init_duration_seconds",
				Help:    "Worker process init time in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		RateLimitWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_rate_limit_wait_seconds",
				Help:    "Time spent waiting for rate limit capacity in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"scope"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_rate_limit_rejections_total",
				Help: "Requests rejected because the wait would exceed the cap",
			},
			[]string{"scope"},
		),

		ModelRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_model_retries_total",
				Help: "Model call retries by failure class",
			},
			[]string{"class"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ParserEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_parser_events_total",
				Help: "Stream parser events by type",
			},
			[]string{"type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ContextCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_context_commits_total",
				Help: "Total committed context snapshots",
			},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_events_dropped_total",
				Help: "Events dropped because a sink could not keep up",
			},
		),

		StartupCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_startup_cache_total",
				Help: "Startup cache protocol outcomes",
			},
			[]string{"outcome"},
		),

		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_database_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
	}
}

// TaskTransition increments the task transition counter.
func (m *Metrics) TaskTransition(state string) {
	m.TaskTransitions.WithLabelValues(state).Inc()
}

// RecordLLMRequest records latency and token metrics for a model call.
func (m *Metrics) RecordLLMRequest(provider, model string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for one tool invocation.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}
