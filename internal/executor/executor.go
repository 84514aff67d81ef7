// Package executor runs validated plans: tasks execute in dependency
// order with bounded parallelism, every attempt is persisted before
// and after it runs, context operations commit through the context
// store, and each transition streams out as an event. One task failure
// aborts the plan: in-flight tasks drain, nothing new launches, and
// only contexts committed before the failure stay persisted.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/contextstore"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/plan"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// Executor schedules and runs plan tasks.
type Executor struct {
	db       store.Store
	contexts *contextstore.Store
	registry *tools.Registry
	emitter  *events.Emitter

	cfg     config.ExecutorConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New creates an executor. emitter, logger, metrics, and tracer may be
// nil.
func New(cfg config.ExecutorConfig, db store.Store, contexts *contextstore.Store, registry *tools.Registry,
	emitter *events.Emitter, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Executor {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 5 * time.Minute
	}
	return &Executor{
		db:       db,
		contexts: contexts,
		registry: registry,
		emitter:  emitter,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	Output   any
	Metadata map[string]any
	CtxID    string
	State    models.TaskState
	Attempts int
	Err      error
}

// Result is the outcome of a plan run.
type Result struct {
	FinalCtxID string
	Tasks      map[string]*TaskResult
}

// Execute runs p for chatID, starting from baseCtxID. It returns the
// partial Result together with the first task failure when the plan
// does not finish DONE; infrastructure failures (invalid plan, store
// errors) return before any task runs.
func (e *Executor) Execute(ctx context.Context, chatID string, p *plan.Plan, baseCtxID string) (*Result, error) {
	order, err := plan.TopologicalOrder(p)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if e.tracer != nil {
		var span trace.Span
		runCtx, span = e.tracer.TracePlanRun(ctx, chatID, p.ID)
		defer span.End()
	}

	if err := e.db.UpdatePlanStatus(runCtx, p.ID, models.PlanRunning); err != nil {
		return nil, fmt.Errorf("mark plan running: %w", err)
	}

	run := &planRun{
		exec:      e,
		chatID:    chatID,
		plan:      p,
		order:     order,
		results:   make(map[string]*TaskResult, len(p.Tasks)),
		latestCtx: baseCtxID,
		done:      make(chan taskOutcome),
	}
	firstErr := run.run(runCtx)

	status := models.PlanDone
	if firstErr != nil {
		status = models.PlanFailed
	}
	if err := e.db.UpdatePlanStatus(runCtx, p.ID, status); err != nil {
		if e.logger != nil {
			e.logger.Error(runCtx, "plan status update failed", "plan_id", p.ID, "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.PlanCompletions.WithLabelValues(string(status)).Inc()
	}

	return &Result{FinalCtxID: run.latestCtx, Tasks: run.results}, firstErr
}

type taskOutcome struct {
	taskID string
	result *TaskResult
}

// planRun is the mutable state of one Execute call. All fields are
// owned by the scheduler goroutine; workers communicate through done.
type planRun struct {
	exec   *Executor
	chatID string
	plan   *plan.Plan
	order  []string

	results    map[string]*TaskResult
	latestCtx  string
	failedTask string

	done chan taskOutcome
}

// run drives the schedule: launch every ready task in topological
// order up to the parallelism cap, collect completions, repeat until
// all tasks have settled. The first failure aborts the plan: tasks
// already in flight drain, everything not yet launched settles FAILED
// without running.
func (r *planRun) run(ctx context.Context) error {
	launched := make(map[string]bool, len(r.order))
	running := 0
	var firstErr error

	for len(r.results) < len(r.order) {
		for _, taskID := range r.order {
			if launched[taskID] {
				continue
			}
			task := r.plan.TaskByID(taskID)
			if firstErr != nil {
				launched[taskID] = true
				r.failWithoutRunning(ctx, task)
				continue
			}
			if running >= r.exec.cfg.MaxParallel {
				break
			}
			switch r.readiness(task) {
			case notReady:
				continue
			case depFailed:
				launched[taskID] = true
				r.failWithoutRunning(ctx, task)
				continue
			case ready:
				launched[taskID] = true
				running++
				// Snapshot base ctx and upstream outputs on the
				// scheduler goroutine; workers never touch r.results.
				go r.runTask(ctx, task, r.baseCtx(task), r.outputs())
			}
		}

		if running == 0 {
			continue // nothing in flight; this pass only settled tasks
		}

		outcome := <-r.done
		running--
		r.results[outcome.taskID] = outcome.result
		if outcome.result.State == models.TaskDone && outcome.result.CtxID != "" {
			r.latestCtx = outcome.result.CtxID
		}
		if outcome.result.Err != nil && firstErr == nil {
			firstErr = outcome.result.Err
			r.failedTask = outcome.taskID
		}
	}
	return firstErr
}

type readiness int

const (
	notReady readiness = iota
	ready
	depFailed
)

func (r *planRun) readiness(t *plan.Task) readiness {
	for _, dep := range t.DependsOn {
		res, ok := r.results[dep]
		if !ok {
			return notReady
		}
		if res.State != models.TaskDone {
			return depFailed
		}
	}
	return ready
}

// baseCtx picks the base context: the ctx of the last listed
// dependency that produced one, falling back to the run's advancing
// context for independent tasks.
func (r *planRun) baseCtx(t *plan.Task) string {
	for i := len(t.DependsOn) - 1; i >= 0; i-- {
		if res, ok := r.results[t.DependsOn[i]]; ok && res.CtxID != "" {
			return res.CtxID
		}
	}
	return r.latestCtx
}

// failWithoutRunning settles a task that will never run: a dependency
// failed, or another task's failure aborted the plan. One attempt row
// records the terminal state so the audit trail shows the task was
// considered.
func (r *planRun) failWithoutRunning(ctx context.Context, t *plan.Task) {
	e := r.exec
	msg := ""
	for _, dep := range t.DependsOn {
		if res, ok := r.results[dep]; ok && res.State != models.TaskDone {
			msg = fmt.Sprintf("dependency %s failed", dep)
			break
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("plan aborted: task %s failed", r.failedTask)
	}

	att := &models.TaskAttempt{
		PlanID:    r.plan.ID,
		TaskID:    t.ID,
		State:     models.TaskFailed,
		Error:     msg,
		StartedAt: time.Now().UTC(),
	}
	att.FinishedAt = att.StartedAt
	if err := e.db.InsertTaskAttempt(ctx, att); err != nil && e.logger != nil {
		e.logger.Error(ctx, "dependency-failure attempt insert failed", "task_id", t.ID, "error", err)
	}
	e.emitTaskState(r.chatID, r.plan.ID, t.ID, att.Attempt, models.TaskFailed, t.Tool, msg, true)

	r.results[t.ID] = &TaskResult{
		State:    models.TaskFailed,
		Attempts: 0,
		Err:      fmt.Errorf("task %s: %s", t.ID, msg),
	}
}

// outputs snapshots the stringified outputs of every completed task,
// for template resolution.
func (r *planRun) outputs() map[string]string {
	out := make(map[string]string, len(r.results))
	for id, res := range r.results {
		if res.State == models.TaskDone {
			out[id] = stringifyOutput(res.Output)
		}
	}
	return out
}

// runTask executes one task with its retry budget and reports the
// outcome on r.done. It runs on its own goroutine.
func (r *planRun) runTask(ctx context.Context, t *plan.Task, baseCtx string, outputs map[string]string) {
	result := r.attemptLoop(ctx, t, baseCtx, outputs)
	r.done <- taskOutcome{taskID: t.ID, result: result}
}

func (r *planRun) attemptLoop(ctx context.Context, t *plan.Task, baseCtx string, outputs map[string]string) *TaskResult {
	e := r.exec
	maxAttempts := t.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &TaskResult{
				State:    models.TaskFailed,
				Attempts: attempt - 1,
				Err:      fmt.Errorf("task %s cancelled: %w", t.ID, err),
			}
		}

		result, err := r.runAttempt(ctx, t, baseCtx, outputs)
		if err == nil {
			result.Attempts = attempt
			return result
		}
		lastErr = err
		if tools.IsUnknownTool(err) {
			// Retrying cannot make a tool appear.
			return &TaskResult{State: models.TaskFailed, Attempts: attempt, Err: err}
		}
		if attempt < maxAttempts && e.logger != nil {
			e.logger.Warn(ctx, "task attempt failed, retrying",
				"plan_id", r.plan.ID, "task_id", t.ID,
				"attempt", attempt, "max_attempts", maxAttempts, "error", err)
		}
	}
	return &TaskResult{
		State:    models.TaskFailed,
		Attempts: maxAttempts,
		Err:      lastErr,
	}
}

// runAttempt persists and executes a single attempt.
func (r *planRun) runAttempt(ctx context.Context, t *plan.Task, baseCtx string, outputs map[string]string) (*TaskResult, error) {
	e := r.exec

	defJSON, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task definition: %w", err)
	}

	att := &models.TaskAttempt{
		PlanID:     r.plan.ID,
		TaskID:     t.ID,
		Definition: defJSON,
		BaseCtxID:  baseCtx,
		State:      models.TaskPending,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.db.InsertTaskAttempt(ctx, att); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.TraceTaskAttempt(ctx, r.plan.ID, t.ID, att.Attempt)
		defer span.End()
	}
	e.emitTaskState(r.chatID, r.plan.ID, t.ID, att.Attempt, models.TaskPending, t.Tool, "", false)

	att.State = models.TaskRunning
	if err := e.db.UpdateTaskAttempt(ctx, att); err != nil {
		return nil, fmt.Errorf("mark attempt running: %w", err)
	}
	e.emitTaskState(r.chatID, r.plan.ID, t.ID, att.Attempt, models.TaskRunning, t.Tool, "", false)

	result, err := r.invokeTool(ctx, t, att, baseCtx, outputs)
	if err != nil {
		att.State = models.TaskFailed
		att.Error = err.Error()
		att.FinishedAt = time.Now().UTC()
		if uerr := e.db.UpdateTaskAttempt(ctx, att); uerr != nil && e.logger != nil {
			e.logger.Error(ctx, "failed attempt update failed", "task_id", t.ID, "error", uerr)
		}
		e.emitTaskState(r.chatID, r.plan.ID, t.ID, att.Attempt, models.TaskFailed, t.Tool, att.Error, false)
		return nil, err
	}
	return result, nil
}

func (r *planRun) invokeTool(ctx context.Context, t *plan.Task, att *models.TaskAttempt, baseCtx string, outputs map[string]string) (*TaskResult, error) {
	e := r.exec

	spec, err := e.registry.Get(t.Tool)
	if err != nil {
		return nil, err
	}

	params, err := plan.ResolveParams(t.Params, outputs)
	if err != nil {
		return nil, err
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTaskTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.tracer != nil {
		var span trace.Span
		callCtx, span = e.tracer.TraceToolExecution(callCtx, t.Tool)
		defer span.End()
	}

	ec := tools.ExecutionContext{
		ChatID: r.chatID,
		PlanID: r.plan.ID,
		TaskID: t.ID,
		CtxID:  baseCtx,
	}

	start := time.Now()
	toolResult, err := spec.Fn(callCtx, params, ec)
	elapsed := time.Since(start)
	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.RecordToolExecution(t.Tool, status, elapsed.Seconds())
	}
	if err != nil {
		return nil, &tools.ToolError{Tool: t.Tool, Err: err}
	}

	newCtx := baseCtx
	if len(toolResult.Ops) > 0 {
		newCtx, err = e.contexts.Commit(ctx, r.chatID, baseCtx, toolResult.Ops, map[string]any{
			"plan_id": r.plan.ID,
			"task_id": t.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("commit context: %w", err)
		}
		e.emit(models.Event{
			Type:   models.EventContextCommitted,
			ChatID: r.chatID,
			PlanID: r.plan.ID,
			TaskID: t.ID,
			Context: &models.ContextEventPayload{
				BaseCtxID: baseCtx,
				CtxID:     newCtx,
				Ops:       len(toolResult.Ops),
			},
		})
	}

	att.State = models.TaskDone
	att.NewCtxID = newCtx
	att.Provider = toolResult.Provider()
	att.Model = toolResult.Model()
	att.Tokens = toolResult.TotalTokens()
	att.Cost = toolResult.Cost()
	att.FinishedAt = time.Now().UTC()

	// tool_called precedes the DONE transition on the stream.
	r.recordToolCall(ctx, t, att, params, toolResult, elapsed)

	if err := e.db.UpdateTaskAttempt(ctx, att); err != nil {
		return nil, fmt.Errorf("finalize attempt: %w", err)
	}
	e.emitTaskState(r.chatID, r.plan.ID, t.ID, att.Attempt, models.TaskDone, t.Tool, "", false)

	return &TaskResult{
		Output:   toolResult.Output,
		Metadata: toolResult.Metadata,
		CtxID:    newCtx,
		State:    models.TaskDone,
	}, nil
}

// recordToolCall writes the audit row and emits tool_called. Audit
// failures are logged, not fatal: they never block the attempt from
// finalizing.
func (r *planRun) recordToolCall(ctx context.Context, t *plan.Task, att *models.TaskAttempt,
	params map[string]any, toolResult *tools.Result, elapsed time.Duration) {
	e := r.exec

	inputHash := toolResult.InputHash()
	if inputHash == "" {
		inputHash = hashPayload(params)
	}
	var opsJSON json.RawMessage
	if len(toolResult.Ops) > 0 {
		opsJSON, _ = json.Marshal(toolResult.Ops)
	}
	call := &models.ToolCallRecord{
		PlanID:     r.plan.ID,
		TaskID:     t.ID,
		Attempt:    att.Attempt,
		Tool:       t.Tool,
		Provider:   att.Provider,
		Model:      att.Model,
		InputHash:  inputHash,
		OutputHash: hashPayload(toolResult.Output),
		Ops:        opsJSON,
		LatencyMS:  elapsed.Milliseconds(),
		Tokens:     att.Tokens,
		Cost:       att.Cost,
	}
	if err := e.db.RecordToolCall(ctx, call); err != nil && e.logger != nil {
		e.logger.Error(ctx, "tool call record failed", "task_id", t.ID, "error", err)
	}

	e.emit(models.Event{
		Type:   models.EventToolCalled,
		ChatID: r.chatID,
		PlanID: r.plan.ID,
		TaskID: t.ID,
		Tool: &models.ToolEventPayload{
			Name:       t.Tool,
			ParamsHash: inputHash,
			Success:    true,
			Elapsed:    elapsed,
		},
	})
}

func (e *Executor) emitTaskState(chatID, planID, taskID string, attempt int, state models.TaskState, tool, errMsg string, depFailure bool) {
	if e.metrics != nil {
		e.metrics.TaskTransition(string(state))
	}
	e.emit(models.Event{
		Type:   models.EventTaskStateChanged,
		ChatID: chatID,
		PlanID: planID,
		TaskID: taskID,
		Task: &models.TaskEventPayload{
			State:             state,
			Attempt:           attempt,
			Tool:              tool,
			Error:             errMsg,
			DependencyFailure: depFailure,
		},
	})
}

func (e *Executor) emit(ev models.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

// stringifyOutput renders a task output for template substitution:
// strings pass through, everything else is compact JSON.
func stringifyOutput(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprint(out)
		}
		return string(data)
	}
}

// hashPayload is SHA-256 over the stringified payload. Maps hash
// stably because encoding/json sorts keys.
func hashPayload(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprint(v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FirstFailure extracts the first task error from a Result, for
// callers that only got the Result.
func (res *Result) FirstFailure() error {
	ids := make([]string, 0, len(res.Tasks))
	for id := range res.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if res.Tasks[id].Err != nil {
			return res.Tasks[id].Err
		}
	}
	return nil
}
