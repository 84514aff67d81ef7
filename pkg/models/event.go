// Package models provides domain types for the Loom execution core.
package models

import (
	"time"
)

// Event is the unified event model for the execution core. Task state
// transitions, context commits, tool activity, model retries, and the
// streaming parser all speak through this one envelope so that UI,
// logging, and persistence consume a single ordered stream.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence per emitter for ordering across goroutines
type Event struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within an emitter for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// ChatID identifies the chat this event belongs to.
	ChatID string `json:"chat_id,omitempty"`

	// PlanID identifies the plan, when the event is plan-scoped.
	PlanID string `json:"plan_id,omitempty"`

	// TaskID identifies the task, when the event is task-scoped.
	TaskID string `json:"task_id,omitempty"`

	// Iteration is the 0-based agent iteration for streaming events.
	Iteration int `json:"iteration,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Task     *TaskEventPayload     `json:"task,omitempty"`
	Context  *ContextEventPayload  `json:"context,omitempty"`
	Tool     *ToolEventPayload     `json:"tool,omitempty"`
	Response *ResponseEventPayload `json:"response,omitempty"`
	Retry    *RetryEventPayload    `json:"retry,omitempty"`
}

// EventType identifies the kind of event.
type EventType string

const (
	// Plan execution lifecycle
	EventTaskStateChanged EventType = "task_state_changed"
	EventContextCommitted EventType = "context_committed"
	EventToolCalled       EventType = "tool_called"
	EventModelRetry       EventType = "model_retry"

	// Streamed assistant responses (raised by the stream parser)
	EventResponseStart    EventType = "agent_response:start"
	EventResponseAppend   EventType = "agent_response:append"
	EventResponseComplete EventType = "agent_response:complete"

	// Streamed tool calls (raised by the stream parser)
	EventToolCallStart       EventType = "tool_call:start"
	EventToolCallField       EventType = "tool_call:field"
	EventToolCallParam       EventType = "tool_call:param"
	EventToolCallParamUpdate EventType = "tool_call:param_update"
	EventToolCallComplete    EventType = "tool_call:complete"

	// Streamed reasoning, when the model exposes a thoughts channel
	EventThoughtStart    EventType = "thought:start"
	EventThoughtAppend   EventType = "thought:append"
	EventThoughtComplete EventType = "thought:complete"
)

// TaskEventPayload describes a task state transition.
type TaskEventPayload struct {
	// State is the state the task entered.
	State TaskState `json:"state"`

	// Attempt is the 1-based attempt ordinal.
	Attempt int `json:"attempt"`

	// Tool is the tool the task runs.
	Tool string `json:"tool,omitempty"`

	// Error carries the failure message for FAILED transitions.
	Error string `json:"error,omitempty"`

	// DependencyFailure marks tasks failed without running because an
	// upstream dependency failed.
	DependencyFailure bool `json:"dependency_failure,omitempty"`
}

// ContextEventPayload describes a committed context snapshot.
type ContextEventPayload struct {
	// BaseCtxID is the snapshot the commit built on ("" for null).
	BaseCtxID string `json:"base_ctx_id,omitempty"`

	// CtxID is the resulting snapshot id.
	CtxID string `json:"ctx_id"`

	// Ops is the number of operations committed.
	Ops int `json:"ops"`
}

// ToolEventPayload describes tool calls, both executor-driven and those
// auto-executed by the stream parser. Params stay opaque JSON to avoid
// coupling to tool schemas.
type ToolEventPayload struct {
	// CallID identifies this specific invocation.
	CallID string `json:"call_id,omitempty"`

	// Index is the 0-based position of the call within its response
	// stream.
	Index int `json:"tool_index"`

	// Name is the tool name.
	Name string `json:"name,omitempty"`

	// ParamsHash is a stable digest of the params (events never carry
	// raw params; they may be large or sensitive).
	ParamsHash string `json:"params_hash,omitempty"`

	// Param/Value carry incremental parameter text for the streaming
	// tool_call:field / tool_call:param / tool_call:param_update events.
	Param string `json:"param,omitempty"`
	Value string `json:"value,omitempty"`

	// Params is the full parameter map, set on tool_call:complete.
	Params map[string]string `json:"params,omitempty"`

	// Signature is the monotonic auto-execution signature.
	Signature uint64 `json:"signature,omitempty"`

	// For tool_called events:
	Success bool          `json:"success,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
}

// ResponseEventPayload carries streamed assistant message text.
type ResponseEventPayload struct {
	// Delta is the incremental text for append events.
	Delta string `json:"delta,omitempty"`

	// Final is the complete message text on complete events.
	Final string `json:"final,omitempty"`
}

// RetryEventPayload describes a model call retry decision.
type RetryEventPayload struct {
	// Attempt is the 1-based attempt that failed.
	Attempt int `json:"attempt"`

	// Class is the failure classification that drove the delay.
	Class string `json:"class"`

	// Delay is how long the caller will wait before retrying.
	Delay time.Duration `json:"delay"`

	// Advisory is true when the provider supplied the delay itself.
	Advisory bool `json:"advisory,omitempty"`

	// Error is the failure message.
	Error string `json:"error,omitempty"`
}
