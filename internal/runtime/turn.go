package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/loom/internal/executor"
	"github.com/haasonsaas/loom/internal/ipc"
	"github.com/haasonsaas/loom/internal/plan"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/streamparse"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// historyLimit caps how many prior messages a turn carries to the
// model.
const historyLimit = 50

// TurnMode selects how a user message is answered.
type TurnMode string

const (
	// TurnDirect streams a single model answer through the parser.
	TurnDirect TurnMode = "direct"

	// TurnPlan compiles the message into a plan and executes it.
	TurnPlan TurnMode = "plan"
)

// TurnRequest is one incoming user message.
type TurnRequest struct {
	ChatID string
	Text   string

	// Mode defaults to TurnDirect.
	Mode TurnMode
}

// TurnResult is what a served turn produced.
type TurnResult struct {
	// Message is the persisted assistant reply.
	Message *models.Message

	// CtxID is the chat's context snapshot after the turn.
	CtxID string

	// Status is the parsed <STATUS> value of a direct turn, if any.
	Status string

	// PlanID is set for plan turns.
	PlanID string

	// PlanFailure carries the first task failure of a plan turn that
	// did not finish DONE. The turn itself still succeeded: partial
	// results are persisted and reported.
	PlanFailure error
}

// CreateChat starts a new conversation thread.
func (r *Runtime) CreateChat(ctx context.Context, title string) (*models.Chat, error) {
	chat := &models.Chat{
		ID:    uuid.NewString(),
		Title: title,
	}
	if err := r.db.CreateChat(ctx, chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// HandleTurn serves one user message: persists it, answers it directly
// or through a plan, and persists the assistant reply.
func (r *Runtime) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("turn text is required")
	}
	if err := r.beginTurn(); err != nil {
		return nil, err
	}
	defer r.turns.Done()

	if _, err := r.db.GetChat(ctx, req.ChatID); err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}
	if err := r.db.AppendMessage(ctx, &models.Message{
		ID:      uuid.NewString(),
		ChatID:  req.ChatID,
		Role:    models.RoleUser,
		Content: req.Text,
	}); err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}

	curCtx, err := r.currentCtx(ctx, req.ChatID)
	if err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}

	if req.Mode == TurnPlan {
		return r.planTurn(ctx, req, curCtx)
	}
	return r.directTurn(ctx, req, curCtx)
}

// currentCtx is the chat's newest committed snapshot, "" when the chat
// has none.
func (r *Runtime) currentCtx(ctx context.Context, chatID string) (string, error) {
	entries, err := r.contexts.List(ctx, chatID, 1)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].CtxID, nil
}

// directTurn streams one model answer through a checked-out worker and
// the tag parser, auto-executing whitelisted tool calls mid-stream.
func (r *Runtime) directTurn(ctx context.Context, req TurnRequest, curCtx string) (*TurnResult, error) {
	history, err := r.db.GetHistory(ctx, req.ChatID, historyLimit)
	if err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}

	w, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "worker", Err: err}
	}
	defer r.pool.Release(w)

	// The span covers the full round trip over the worker pipe.
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceWorkerDispatch(ctx, w.ID(), "chat")
		defer span.End()
	}

	bridge := &autoExecBridge{rt: r, ctx: ctx, chatID: req.ChatID, ctxID: curCtx}
	parser := streamparse.New(streamparse.Config{
		ChatID:   req.ChatID,
		Emit:     r.emitter.Emit,
		AutoExec: bridge.run,
		Rules:    r.autoExecRules(),
		Logger:   r.logger,
		Metrics:  r.metrics,
	})

	reqID := uuid.NewString()
	msgs := make([]ipc.ChatMsg, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, ipc.ChatMsg{Role: string(m.Role), Content: m.Content})
	}
	if err := w.Conn().Send(ipc.FrameChat, reqID, ipc.ChatRequest{
		ChatID:   req.ChatID,
		Model:    r.cfg.LLM.DefaultModel,
		Messages: msgs,
	}); err != nil {
		w.MarkDead()
		return nil, &TurnError{ChatID: req.ChatID, Stage: "worker", Err: err}
	}

	// Reads block on the pipe; a cancel frame makes the worker fail the
	// request so the read returns.
	cancelDone := make(chan struct{})
	defer close(cancelDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Conn().Write(&ipc.Frame{Type: ipc.FrameCancel, ID: reqID})
		case <-cancelDone:
		}
	}()

	var result ipc.Result
	for {
		f, err := w.Conn().Read()
		if err != nil {
			w.MarkDead()
			return nil, &TurnError{ChatID: req.ChatID, Stage: "worker", Err: err}
		}
		if f.ID != "" && f.ID != reqID {
			continue // leftover frame from an abandoned request
		}
		switch f.Type {
		case ipc.FrameDelta:
			var d ipc.Delta
			if err := f.DecodePayload(&d); err == nil {
				parser.FeedAnswer(d.Text)
			}
		case ipc.FrameThought:
			var d ipc.Delta
			if err := f.DecodePayload(&d); err == nil {
				parser.HandleThoughts(d.Text)
			}
		case ipc.FrameModelRetry:
			r.emitRetry(req.ChatID, f)
		case ipc.FrameResult:
			if err := f.DecodePayload(&result); err != nil {
				return nil, &TurnError{ChatID: req.ChatID, Stage: "model", Err: err}
			}
			parser.Finalize()
		case ipc.FrameError:
			return nil, &TurnError{ChatID: req.ChatID, Stage: "model", Err: errors.New(f.Error)}
		default:
			if r.logger != nil {
				r.logger.Warn(ctx, "unexpected frame from worker", "type", string(f.Type))
			}
			continue
		}
		if f.Type == ipc.FrameResult {
			break
		}
	}

	// A reply outside the tag grammar is still an answer.
	text := parser.Message()
	if text == "" {
		text = result.Text
	}

	msg := &models.Message{
		ID:      uuid.NewString(),
		ChatID:  req.ChatID,
		Role:    models.RoleAssistant,
		Content: text,
		CtxID:   bridge.ctxID,
		Metadata: map[string]any{
			"model":         result.Model,
			"stop_reason":   result.StopReason,
			"input_tokens":  result.InputTokens,
			"output_tokens": result.OutputTokens,
		},
	}
	if err := r.db.AppendMessage(ctx, msg); err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}
	return &TurnResult{
		Message: msg,
		CtxID:   bridge.ctxID,
		Status:  parser.Status(),
	}, nil
}

// planTurn compiles the message into a plan and executes it. A plan
// whose tasks fail is still a served turn; the failure is reported on
// the result, not as an error.
func (r *Runtime) planTurn(ctx context.Context, req TurnRequest, curCtx string) (*TurnResult, error) {
	history, err := r.db.GetHistory(ctx, req.ChatID, historyLimit)
	if err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}
	histMsgs := providerHistory(history)

	p, err := r.planner.BuildPlan(ctx, req.ChatID, req.Text, histMsgs)
	if err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "plan", Err: err}
	}

	p.ID = uuid.NewString()
	ir, err := json.Marshal(p)
	if err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "plan", Err: err}
	}
	if err := r.db.InsertPlan(ctx, &models.PlanRecord{
		ID:          p.ID,
		ChatID:      req.ChatID,
		BaseCtxID:   curCtx,
		IR:          ir,
		Fingerprint: plan.Fingerprint(p),
		Status:      models.PlanPlanning,
	}); err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}

	res, execErr := r.exec.Execute(ctx, req.ChatID, p, curCtx)
	if res == nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "execute", Err: execErr}
	}

	finalCtx := res.FinalCtxID
	msg := &models.Message{
		ID:      uuid.NewString(),
		ChatID:  req.ChatID,
		Role:    models.RoleAssistant,
		Content: planSummary(p, res, execErr),
		CtxID:   finalCtx,
		Metadata: map[string]any{
			"plan_id": p.ID,
		},
	}
	if err := r.db.AppendMessage(ctx, msg); err != nil {
		return nil, &TurnError{ChatID: req.ChatID, Stage: "store", Err: err}
	}
	return &TurnResult{
		Message:     msg,
		CtxID:       finalCtx,
		PlanID:      p.ID,
		PlanFailure: execErr,
	}, nil
}

// emitRetry forwards a worker's model_retry frame onto the event
// stream.
func (r *Runtime) emitRetry(chatID string, f *ipc.Frame) {
	var mr ipc.ModelRetry
	if err := f.DecodePayload(&mr); err != nil {
		return
	}
	r.emitter.Emit(models.Event{
		Type:   models.EventModelRetry,
		ChatID: chatID,
		Retry: &models.RetryEventPayload{
			Attempt: mr.Attempt,
			Class:   mr.Class,
			Delay:   time.Duration(mr.DelayMS) * time.Millisecond,
			Error:   mr.Message,
		},
	})
}

// autoExecRules derives the parser's allowlist from config and the
// registered specs. A tool streams mid-execution only when it is
// side-effect free; write tools wait for their complete call.
func (r *Runtime) autoExecRules() map[string]streamparse.AutoExecRule {
	rules := make(map[string]streamparse.AutoExecRule, len(r.cfg.AutoExec.Tools))
	for _, name := range r.cfg.AutoExec.Tools {
		spec, err := r.registry.Get(name)
		if err != nil || !spec.AutoExec {
			continue
		}
		rule := streamparse.AutoExecRule{}
		if len(spec.StreamingParams) > 0 && !writes(spec) {
			rule.StreamingParam = spec.StreamingParams[0]
		}
		for _, req := range requiredParams(spec.InSchema) {
			if req == rule.StreamingParam {
				continue
			}
			rule.RequiredParams = append(rule.RequiredParams, req)
		}
		rules[name] = rule
	}
	return rules
}

func writes(spec *tools.Spec) bool {
	for _, effect := range spec.Effects {
		if effect == "write" {
			return true
		}
	}
	return false
}

// requiredParams reads the schema's required list.
func requiredParams(schema json.RawMessage) []string {
	if len(schema) == 0 {
		return nil
	}
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil
	}
	return doc.Required
}

// autoExecBridge runs whitelisted mid-stream tool calls and commits
// their context operations, advancing the turn's snapshot.
type autoExecBridge struct {
	rt     *Runtime
	ctx    context.Context
	chatID string
	ctxID  string
}

func (b *autoExecBridge) run(call streamparse.AutoCall) {
	params := make(map[string]any, len(call.Params))
	for k, v := range call.Params {
		params[k] = v
	}
	res, err := b.rt.registry.Execute(b.ctx, call.Tool, params, tools.ExecutionContext{
		ChatID: b.chatID,
		CtxID:  b.ctxID,
	})
	if err != nil {
		// Torn or invalid params never execute; a later trigger with
		// the full call may still succeed.
		if b.rt.logger != nil {
			b.rt.logger.Debug(b.ctx, "auto-exec rejected", "tool", call.Tool, "error", err)
		}
		return
	}
	if len(res.Ops) == 0 {
		return
	}
	newCtx, err := b.rt.contexts.Commit(b.ctx, b.chatID, b.ctxID, res.Ops, map[string]any{
		"source": "auto_exec",
		"tool":   call.Tool,
	})
	if err != nil {
		if b.rt.logger != nil {
			b.rt.logger.Warn(b.ctx, "auto-exec commit failed", "tool", call.Tool, "error", err)
		}
		return
	}
	b.ctxID = newCtx
}

// providerHistory converts stored messages for the planner prompt.
func providerHistory(history []*models.Message) []providers.Message {
	msgs := make([]providers.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// planSummary renders the assistant reply for a plan turn.
func planSummary(p *plan.Plan, res *executor.Result, failure error) string {
	if failure != nil {
		return fmt.Sprintf("Plan failed: %v", failure)
	}
	if out := lastOutput(p, res); out != "" {
		return out
	}
	return "Plan completed."
}

// lastOutput is the final textual output of the plan: the last task in
// authoring order that finished DONE with an output.
func lastOutput(p *plan.Plan, res *executor.Result) string {
	for i := len(p.Tasks) - 1; i >= 0; i-- {
		tr, ok := res.Tasks[p.Tasks[i].ID]
		if !ok || tr.State != models.TaskDone || tr.Output == nil {
			continue
		}
		if s, ok := tr.Output.(string); ok {
			return s
		}
		data, err := json.Marshal(tr.Output)
		if err != nil {
			continue
		}
		return string(data)
	}
	return ""
}
