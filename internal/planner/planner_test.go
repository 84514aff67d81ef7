package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/plan"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// fakeProvider replays canned completions and records every request.
type fakeProvider struct {
	replies  []string
	requests []providers.Request
	err      error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Stream(ctx context.Context, req providers.Request, onDelta providers.StreamFunc) (*providers.Completion, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.requests) - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return &providers.Completion{Text: f.replies[idx], Model: req.Model}, nil
}

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	noop := func(ctx context.Context, params any, ec tools.ExecutionContext) (*tools.Result, error) {
		return &tools.Result{}, nil
	}
	for _, name := range []string{"context.read", "context.write", "llm.generate"} {
		if err := reg.Register(&tools.Spec{Name: name, Description: name + " tool", Fn: noop}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return reg
}

func newTestPlanner(t *testing.T, replies ...string) (*Planner, *fakeProvider) {
	t.Helper()
	fp := &fakeProvider{replies: replies}
	return New(fp, "fake-model", testRegistry(t), nil, nil, nil), fp
}

const goodPlan = `{"goal":"summarize","tasks":[
 {"id":"read","tool":"context.read","params":{"key":"doc"}},
 {"id":"sum","tool":"llm.generate","params":{"prompt":"Summarize {{task.read.output}}"},"depends_on":["read"],"timeout_seconds":30,"max_retries":2}]}`

func TestBuildPlanValidFirstTry(t *testing.T) {
	p, fp := newTestPlanner(t, goodPlan)

	built, err := p.BuildPlan(context.Background(), "chat1", "summarize", nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(fp.requests) != 1 {
		t.Fatalf("provider called %d times, want 1", len(fp.requests))
	}
	if built.ChatID != "chat1" || built.Goal != "summarize" {
		t.Errorf("plan identity = %s/%s", built.ChatID, built.Goal)
	}
	if len(built.Tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(built.Tasks))
	}
	sum := built.Tasks[1]
	if sum.Timeout != 30*time.Second || sum.MaxRetries != 2 {
		t.Errorf("task sum = timeout %v retries %d", sum.Timeout, sum.MaxRetries)
	}
	if len(sum.DependsOn) != 1 || sum.DependsOn[0] != "read" {
		t.Errorf("depends_on = %v", sum.DependsOn)
	}
}

func TestBuildPlanFencedReply(t *testing.T) {
	p, _ := newTestPlanner(t, "Here is the plan:\n```json\n"+goodPlan+"\n```\nDone.")

	built, err := p.BuildPlan(context.Background(), "chat1", "summarize", nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(built.Tasks) != 2 {
		t.Errorf("got %d tasks, want 2", len(built.Tasks))
	}
}

func TestBuildPlanCorrectiveRetry(t *testing.T) {
	p, fp := newTestPlanner(t, "not json at all", goodPlan)

	built, err := p.BuildPlan(context.Background(), "chat1", "summarize", nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(built.Tasks) != 2 {
		t.Errorf("got %d tasks, want 2", len(built.Tasks))
	}
	if len(fp.requests) != 2 {
		t.Fatalf("provider called %d times, want 2", len(fp.requests))
	}

	// The retry carries the rejected reply and corrective feedback.
	second := fp.requests[1].Messages
	if len(second) < 3 {
		t.Fatalf("retry carried %d messages, want goal + reply + correction", len(second))
	}
	reply := second[len(second)-2]
	correction := second[len(second)-1]
	if reply.Role != models.RoleAssistant || reply.Content != "not json at all" {
		t.Errorf("echoed reply = %+v", reply)
	}
	if correction.Role != models.RoleUser || !strings.Contains(correction.Content, "rejected") {
		t.Errorf("correction = %+v", correction)
	}
}

func TestBuildPlanCycleExhaustsBudget(t *testing.T) {
	cyclic := `{"tasks":[
 {"id":"a","tool":"context.read","depends_on":["b"]},
 {"id":"b","tool":"context.read","depends_on":["a"]}]}`
	p, fp := newTestPlanner(t, cyclic)

	_, err := p.BuildPlan(context.Background(), "chat1", "loop", nil)
	if err == nil {
		t.Fatal("cyclic plan accepted")
	}
	var be *BuildError
	if !errors.As(err, &be) || be.Attempts != maxBuildAttempts {
		t.Fatalf("error = %v, want BuildError after %d attempts", err, maxBuildAttempts)
	}
	if !plan.IsInvalidPlan(err) {
		t.Errorf("error not matchable as invalid plan: %v", err)
	}
	if len(fp.requests) != maxBuildAttempts {
		t.Errorf("provider called %d times, want %d", len(fp.requests), maxBuildAttempts)
	}
}

func TestBuildPlanRejectsUnknownTool(t *testing.T) {
	p, _ := newTestPlanner(t, `{"tasks":[{"id":"x","tool":"no.such.tool"}]}`)

	_, err := p.BuildPlan(context.Background(), "chat1", "goal", nil)
	if err == nil {
		t.Fatal("plan with unknown tool accepted")
	}
	if !plan.IsInvalidPlan(err) {
		t.Errorf("error = %v, want invalid plan", err)
	}
}

func TestBuildPlanSchemaRejectsBadShape(t *testing.T) {
	// tasks must be an array; the schema rejects before conversion.
	p, _ := newTestPlanner(t, `{"tasks":"do everything"}`)

	_, err := p.BuildPlan(context.Background(), "chat1", "goal", nil)
	if err == nil {
		t.Fatal("malformed document accepted")
	}
	if !plan.IsInvalidPlan(err) {
		t.Errorf("error = %v, want invalid plan", err)
	}
}

func TestBuildPlanProviderErrorPassesThrough(t *testing.T) {
	fp := &fakeProvider{err: errors.New("connection refused")}
	p := New(fp, "fake-model", testRegistry(t), nil, nil, nil)

	_, err := p.BuildPlan(context.Background(), "chat1", "goal", nil)
	if err == nil {
		t.Fatal("provider failure swallowed")
	}
	if IsBuildFailure(err) {
		t.Errorf("provider failure classified as build failure: %v", err)
	}
}

func TestBuildPlanEmptyGoal(t *testing.T) {
	p, fp := newTestPlanner(t, goodPlan)

	_, err := p.BuildPlan(context.Background(), "chat1", "", nil)
	if err == nil {
		t.Fatal("empty goal accepted")
	}
	if len(fp.requests) != 0 {
		t.Errorf("provider called for an empty goal")
	}
}

func TestSystemPromptListsTools(t *testing.T) {
	p, _ := newTestPlanner(t, goodPlan)

	prompt := p.systemPrompt()
	for _, name := range []string{"context.read", "context.write", "llm.generate"} {
		if !strings.Contains(prompt, name) {
			t.Errorf("prompt missing tool %s", name)
		}
	}
	if !strings.Contains(prompt, "{{task.<id>.output}}") {
		t.Error("prompt missing template reference rule")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"fenced no tag", "```\n{\"a\":1}\n```", `{"a":1}`, false},
		{"prose wrapped", "Sure!\n{\"a\":1}\nHope that helps.", `{"a":1}`, false},
		{"no json", "I cannot plan that.", "", true},
		{"broken json", `{"a":`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractJSON(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("extractJSON(%q) = %s, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractJSON(%q): %v", tc.in, err)
			}
			if string(got) != tc.want {
				t.Errorf("extractJSON(%q) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}
