// Package tools holds the registry of named tool specs the executor
// invokes while running plan tasks. A spec carries its schemas and
// callable; the registry only resolves names. Input validation belongs
// to the tool itself, which can lean on ValidateParams.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/pkg/models"
)

// ExecutionContext identifies the task invocation a tool runs under.
type ExecutionContext struct {
	ChatID string `json:"chat_id"`
	PlanID string `json:"plan_id"`
	TaskID string `json:"task_id"`
	CtxID  string `json:"ctx_id"`
}

// Result is what a tool returns to the executor. Output feeds
// downstream param templates, Ops are committed to the context store,
// and Metadata carries provider accounting under well-known keys.
type Result struct {
	Output   any                `json:"output"`
	Ops      []models.ContextOp `json:"ops,omitempty"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// Provider returns metadata["provider"] when set.
func (r *Result) Provider() string {
	return metaString(r.Metadata, "provider")
}

// Model returns metadata["model"] when set.
func (r *Result) Model() string {
	return metaString(r.Metadata, "model")
}

// InputHash returns metadata["input_hash"] when the tool precomputed
// it; the executor hashes the params itself otherwise.
func (r *Result) InputHash() string {
	return metaString(r.Metadata, "input_hash")
}

// TotalTokens returns metadata["usage"]["total_tokens"].
func (r *Result) TotalTokens() int64 {
	return metaInt64(r.usage(), "total_tokens")
}

// Cost returns metadata["usage"]["cost"].
func (r *Result) Cost() float64 {
	return metaFloat64(r.usage(), "cost")
}

func (r *Result) usage() map[string]any {
	if r.Metadata == nil {
		return nil
	}
	usage, _ := r.Metadata["usage"].(map[string]any)
	return usage
}

// Func executes a tool. Params arrive as the templated value tree from
// the task definition, not raw JSON.
type Func func(ctx context.Context, params any, ec ExecutionContext) (*Result, error)

// Spec is a registry entry describing one tool.
type Spec struct {
	Name        string
	Version     string
	Description string

	// Effects tags the tool's side effects ("read", "write", "net").
	Effects []string

	InSchema  json.RawMessage
	OutSchema json.RawMessage

	Fn Func

	// RateKey overrides the rate limiter scope for provider-backed
	// tools. Empty means the tool is not rate limited here.
	RateKey string

	// AutoExec marks the tool eligible for mid-stream auto-execution
	// once the stream parser has its complete call.
	AutoExec bool

	// StreamingParams lists params whose text should stream out
	// incrementally instead of waiting for the closing tag.
	StreamingParams []string
}

// ValidateParams checks params against InSchema. A spec without a
// schema accepts anything. Tools call this from their own Fn; the
// registry never validates on their behalf.
func (s *Spec) ValidateParams(params any) error {
	if len(s.InSchema) == 0 {
		return nil
	}
	return validateAgainst(s.Name, s.InSchema, params)
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func metaInt64(m map[string]any, key string) int64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func metaFloat64(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
