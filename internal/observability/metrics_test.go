package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWith(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)
	if m == nil {
		t.Fatal("NewMetricsWith() returned nil")
	}
	if m.TaskTransitions == nil {
		t.Error("TaskTransitions is nil")
	}
	if m.WorkersReady == nil {
		t.Error("WorkersReady is nil")
	}
	if m.LLMRequestDuration == nil {
		t.Error("LLMRequestDuration is nil")
	}
}

func TestTaskTransition(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.TaskTransition("RUNNING")
	m.TaskTransition("RUNNING")
	m.TaskTransition("DONE")

	if got := testutil.ToFloat64(m.TaskTransitions.WithLabelValues("RUNNING")); got != 2 {
		t.Errorf("RUNNING transitions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TaskTransitions.WithLabelValues("DONE")); got != 1 {
		t.Errorf("DONE transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TaskTransitions.WithLabelValues("FAILED")); got != 0 {
		t.Errorf("FAILED transitions = %v, want 0", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", 1.25, 100, 500)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-20250514", 0.75, 50, 0)

	prompt := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "prompt"))
	if prompt != 150 {
		t.Errorf("prompt tokens = %v, want 150", prompt)
	}
	completion := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-20250514", "completion"))
	if completion != 500 {
		t.Errorf("completion tokens = %v, want 500", completion)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordToolExecution("file.read", "success", 0.02)
	m.RecordToolExecution("file.read", "success", 0.03)
	m.RecordToolExecution("file.read", "error", 0.5)

	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("file.read", "success")); got != 2 {
		t.Errorf("success executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("file.read", "error")); got != 1 {
		t.Errorf("error executions = %v, want 1", got)
	}
}

func TestWorkerGauges(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.WorkersReady.Set(3)
	m.WorkersBusy.Set(1)
	m.WorkersReady.Dec()
	m.WorkersBusy.Inc()

	if got := testutil.ToFloat64(m.WorkersReady); got != 2 {
		t.Errorf("WorkersReady = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.WorkersBusy); got != 2 {
		t.Errorf("WorkersBusy = %v, want 2", got)
	}
}

func TestRateLimitMetrics(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RateLimitRejections.WithLabelValues("anthropic:claude-sonnet-4-20250514").Inc()
	m.RateLimitRejections.WithLabelValues("global").Inc()
	m.RateLimitRejections.WithLabelValues("global").Inc()

	if got := testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("global")); got != 2 {
		t.Errorf("global rejections = %v, want 2", got)
	}
}

func TestMetricNamesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	// Touch the vec metrics so they materialize children.
	m.TaskTransition("PENDING")
	m.PlanCompletions.WithLabelValues("done").Inc()
	m.WorkerSpawns.WithLabelValues("success", "fill").Inc()
	m.ModelRetries.WithLabelValues("rate_limit").Inc()
	m.ParserEvents.WithLabelValues("message_delta").Inc()
	m.StartupCache.WithLabelValues("hit").Inc()
	m.ContextCommits.Inc()
	m.EventsDropped.Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	found := make(map[string]bool, len(families))
	for _, mf := range families {
		found[mf.GetName()] = true
	}

	want := []string{
		"loom_tasks_total",
		"loom_plans_total",
		"loom_workers_ready",
		"loom_workers_busy",
		"loom_worker_spawns_total",
		"loom_model_retries_total",
		"loom_parser_events_total",
		"loom_startup_cache_total",
		"loom_context_commits_total",
		"loom_events_dropped_total",
	}
	for _, name := range want {
		if !found[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	// Two instances with isolated registries must not panic on
	// duplicate registration.
	first := NewMetricsWith(prometheus.NewRegistry())
	second := NewMetricsWith(prometheus.NewRegistry())

	first.TaskTransition("DONE")
	second.TaskTransition("DONE")
	second.TaskTransition("DONE")

	if got := testutil.ToFloat64(first.TaskTransitions.WithLabelValues("DONE")); got != 1 {
		t.Errorf("first registry count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(second.TaskTransitions.WithLabelValues("DONE")); got != 2 {
		t.Errorf("second registry count = %v, want 2", got)
	}
}
