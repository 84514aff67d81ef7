// Package planner compiles a natural-language goal into a validated
// plan by prompting a model with the tool catalog and parsing its JSON
// reply. The model's claim is never trusted: every reply is checked
// against the plan schema and plan.Validate before it reaches the
// executor, and parse failures are retried with corrective feedback.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/plan"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// maxBuildAttempts bounds the parse-and-correct loop.
const maxBuildAttempts = 3

// replyMaxTokens caps the planning completion.
const replyMaxTokens = 4096

// Planner turns goals into validated plans.
type Planner struct {
	provider providers.Provider
	model    string
	registry *tools.Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// New creates a planner that prompts model on provider. logger,
// metrics, and tracer may be nil.
func New(provider providers.Provider, model string, registry *tools.Registry,
	logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Planner {
	return &Planner{
		provider: provider,
		model:    model,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// BuildPlan prompts the plan model with goal and the recent history and
// returns a validated plan. Replies that fail to parse or validate are
// retried with the failure fed back to the model; once the budget is
// spent the last failure comes back wrapped in BuildError, matchable
// with plan.IsInvalidPlan.
func (p *Planner) BuildPlan(ctx context.Context, chatID, goal string, history []providers.Message) (*plan.Plan, error) {
	if goal == "" {
		return nil, &BuildError{Attempts: 0, Err: fmt.Errorf("empty goal: %w", plan.ErrInvalidPlan)}
	}

	runCtx := ctx
	if p.tracer != nil {
		var span trace.Span
		runCtx, span = p.tracer.TraceLLMRequest(ctx, p.provider.Name(), p.model)
		defer span.End()
	}

	messages := append(trimHistory(history), providers.Message{
		Role:    models.RoleUser,
		Content: "Goal: " + goal,
	})

	var lastErr error
	for attempt := 1; attempt <= maxBuildAttempts; attempt++ {
		completion, err := providers.Complete(runCtx, p.provider, providers.Request{
			Model:     p.model,
			System:    p.systemPrompt(),
			Messages:  messages,
			MaxTokens: replyMaxTokens,
		})
		if err != nil {
			// Provider failures are not plan failures; the caller's
			// retry policy owns them.
			return nil, fmt.Errorf("plan completion: %w", err)
		}

		built, err := p.parseReply(chatID, goal, completion.Text)
		if err == nil {
			if p.logger != nil {
				p.logger.Debug(runCtx, "plan built",
					"chat_id", chatID, "tasks", len(built.Tasks), "attempt", attempt)
			}
			return built, nil
		}
		lastErr = err

		if p.logger != nil {
			p.logger.Warn(runCtx, "plan reply rejected",
				"chat_id", chatID, "attempt", attempt, "error", err)
		}
		if attempt == maxBuildAttempts {
			break
		}
		// Feed the model its own reply and the failure so the next
		// attempt can correct it.
		messages = append(messages,
			providers.Message{Role: models.RoleAssistant, Content: completion.Text},
			providers.Message{Role: models.RoleUser, Content: correctionPrompt(err)},
		)
	}

	return nil, &BuildError{Attempts: maxBuildAttempts, Err: lastErr}
}

// planDoc is the JSON shape the model must produce.
type planDoc struct {
	Goal  string    `json:"goal"`
	Tasks []taskDoc `json:"tasks"`
}

type taskDoc struct {
	ID         string         `json:"id"`
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	TimeoutSec float64        `json:"timeout_seconds,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

// parseReply extracts the JSON document from text, checks it against
// the plan schema, and runs structural validation. Every failure wraps
// plan.ErrInvalidPlan.
func (p *Planner) parseReply(chatID, goal, text string) (*plan.Plan, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, plan.ErrInvalidPlan)
	}

	if err := validatePlanDoc(raw); err != nil {
		return nil, fmt.Errorf("plan schema: %v: %w", err, plan.ErrInvalidPlan)
	}

	var doc planDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode plan: %v: %w", err, plan.ErrInvalidPlan)
	}
	if doc.Goal == "" {
		doc.Goal = goal
	}

	built := &plan.Plan{
		ChatID: chatID,
		Goal:   doc.Goal,
		Tasks:  make([]plan.Task, 0, len(doc.Tasks)),
	}
	for _, td := range doc.Tasks {
		built.Tasks = append(built.Tasks, plan.Task{
			ID:         td.ID,
			Tool:       td.Tool,
			Params:     td.Params,
			DependsOn:  td.DependsOn,
			Timeout:    time.Duration(td.TimeoutSec * float64(time.Second)),
			MaxRetries: td.MaxRetries,
		})
	}

	if err := plan.Validate(built); err != nil {
		return nil, err
	}
	for _, task := range built.Tasks {
		if _, err := p.registry.Get(task.Tool); err != nil {
			return nil, fmt.Errorf("task %q uses unknown tool %q: %w", task.ID, task.Tool, plan.ErrInvalidPlan)
		}
	}
	return built, nil
}

// correctionPrompt tells the model what was wrong with its last reply.
func correctionPrompt(err error) string {
	return "That plan was rejected: " + err.Error() +
		"\nReply again with ONLY the corrected JSON document, no prose, no code fences."
}

// historyBudget bounds how many prior turns the planner forwards.
const historyBudget = 10

func trimHistory(history []providers.Message) []providers.Message {
	if len(history) <= historyBudget {
		return append([]providers.Message(nil), history...)
	}
	return append([]providers.Message(nil), history[len(history)-historyBudget:]...)
}
