package tools

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func noopSpec(name string) *Spec {
	return &Spec{
		Name: name,
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			return &Result{Output: name}, nil
		},
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(noopSpec("echo")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	spec, err := r.Get("echo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if spec.Name != "echo" {
		t.Errorf("Get() name = %q, want %q", spec.Name, "echo")
	}

	_, err = r.Get("missing")
	if !IsUnknownTool(err) {
		t.Errorf("Get(missing) error = %v, want UnknownToolError", err)
	}

	if err := r.Register(&Spec{Name: ""}); err == nil {
		t.Error("Register() with empty name succeeded, want error")
	}
	if err := r.Register(&Spec{Name: "broken"}); err == nil {
		t.Error("Register() with nil callable succeeded, want error")
	}
}

func TestRegistryLastWriteWins(t *testing.T) {
	r := NewRegistry()

	first := noopSpec("search")
	first.Description = "first"
	second := noopSpec("search")
	second.Description = "second"

	if err := r.Register(first); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	spec, err := r.Get("search")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if spec.Description != "second" {
		t.Errorf("Get() description = %q, want the later registration", spec.Description)
	}
	if len(r.List()) != 1 {
		t.Errorf("List() length = %d, want 1", len(r.List()))
	}
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zebra", "alpha", "mango"} {
		if err := r.Register(noopSpec(name)); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	want := []string{"alpha", "mango", "zebra"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	specs := r.List()
	for i, spec := range specs {
		if spec.Name != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, spec.Name, want[i])
		}
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	ec := ExecutionContext{ChatID: "chat-1", PlanID: "plan-1", TaskID: "t1"}

	if err := r.Register(noopSpec("ok")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&Spec{
		Name: "fails",
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			return nil, fmt.Errorf("bad input")
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&Spec{
		Name: "panics",
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			panic("boom")
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(&Spec{
		Name: "nilresult",
		Fn: func(ctx context.Context, params any, ec ExecutionContext) (*Result, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()

	res, err := r.Execute(ctx, "ok", nil, ec)
	if err != nil {
		t.Fatalf("Execute(ok) error = %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("Execute(ok) output = %v, want %q", res.Output, "ok")
	}

	_, err = r.Execute(ctx, "missing", nil, ec)
	if !IsUnknownTool(err) {
		t.Errorf("Execute(missing) error = %v, want UnknownToolError", err)
	}

	_, err = r.Execute(ctx, "fails", nil, ec)
	if !IsToolError(err) {
		t.Fatalf("Execute(fails) error = %v, want ToolError", err)
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) && toolErr.Err.Error() != "bad input" {
		t.Errorf("ToolError.Err = %v, want the callable's error", toolErr.Err)
	}

	_, err = r.Execute(ctx, "panics", nil, ec)
	if !IsToolError(err) {
		t.Errorf("Execute(panics) error = %v, want ToolError", err)
	}

	res, err = r.Execute(ctx, "nilresult", nil, ec)
	if err != nil {
		t.Fatalf("Execute(nilresult) error = %v", err)
	}
	if res == nil {
		t.Error("Execute(nilresult) returned nil result, want empty Result")
	}
}

func TestResultMetadataAccessors(t *testing.T) {
	res := &Result{
		Metadata: map[string]any{
			"provider":   "anthropic",
			"model":      "claude-sonnet-4-20250514",
			"input_hash": "abc123",
			"usage": map[string]any{
				"total_tokens": float64(1200),
				"cost":         0.0042,
			},
		},
	}

	if got := res.Provider(); got != "anthropic" {
		t.Errorf("Provider() = %q", got)
	}
	if got := res.Model(); got != "claude-sonnet-4-20250514" {
		t.Errorf("Model() = %q", got)
	}
	if got := res.InputHash(); got != "abc123" {
		t.Errorf("InputHash() = %q", got)
	}
	if got := res.TotalTokens(); got != 1200 {
		t.Errorf("TotalTokens() = %d, want 1200", got)
	}
	if got := res.Cost(); got != 0.0042 {
		t.Errorf("Cost() = %v, want 0.0042", got)
	}

	empty := &Result{}
	if empty.Provider() != "" || empty.TotalTokens() != 0 || empty.Cost() != 0 {
		t.Error("empty result accessors must return zero values")
	}
}
