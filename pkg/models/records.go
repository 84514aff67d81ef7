package models

import (
	"encoding/json"
	"time"
)

// PlanRecord is the persisted form of a compiled plan.
type PlanRecord struct {
	ID          string          `json:"id"`
	ChatID      string          `json:"chat_id"`
	BaseCtxID   string          `json:"base_ctx_id,omitempty"`
	IR          json.RawMessage `json:"ir"`
	Fingerprint string          `json:"fingerprint"`
	Status      PlanStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TaskAttempt is one execution of a task within a plan. Attempts for a
// given (plan_id, task_id) are numbered from 1 with no gaps.
type TaskAttempt struct {
	PlanID  string `json:"plan_id"`
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`

	// Definition is the task as executed, with templates resolved.
	Definition json.RawMessage `json:"definition,omitempty"`

	BaseCtxID string    `json:"base_ctx_id,omitempty"`
	State     TaskState `json:"state"`
	NewCtxID  string    `json:"new_ctx_id,omitempty"`

	Provider string  `json:"provider,omitempty"`
	Model    string  `json:"model,omitempty"`
	Tokens   int64   `json:"tokens,omitempty"`
	Cost     float64 `json:"cost,omitempty"`
	Error    string  `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ToolCallRecord is the audit row for one tool invocation.
type ToolCallRecord struct {
	PlanID  string `json:"plan_id"`
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
	Tool    string `json:"tool"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Hashes are SHA-256 over the stringified payloads so large
	// inputs and outputs stay out of the audit table.
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash,omitempty"`

	Ops       json.RawMessage `json:"ops,omitempty"`
	LatencyMS int64           `json:"latency_ms"`
	Tokens    int64           `json:"tokens,omitempty"`
	Cost      float64         `json:"cost,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OplogEntry records one context commit: the operations that produced
// ctx_id from base_ctx_id.
type OplogEntry struct {
	CtxID     string         `json:"ctx_id"`
	BaseCtxID string         `json:"base_ctx_id,omitempty"`
	ChatID    string         `json:"chat_id"`
	Ops       []ContextOp    `json:"ops"`
	Meta      map[string]any `json:"meta,omitempty"`
	TS        time.Time      `json:"ts"`
}

// UsageWindow names a rate-limit accounting window.
type UsageWindow string

const (
	WindowMinute UsageWindow = "minute"
	WindowHour   UsageWindow = "hour"
	WindowDay    UsageWindow = "day"
)

// RateLimitUsage is one persisted sliding-window counter for a scope.
type RateLimitUsage struct {
	ScopeKey        string      `json:"scope_key"`
	Window          UsageWindow `json:"window"`
	RequestCount    int64       `json:"request_count"`
	TokenCount      int64       `json:"token_count"`
	OldestRequestTS time.Time   `json:"oldest_request_ts"`
	OldestTokenTS   time.Time   `json:"oldest_token_ts"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
