// Package plan defines the validated task DAG (PlanIR) that the
// executor runs: structural validation, deterministic topological
// ordering, content fingerprinting, and output templating.
package plan

import (
	"regexp"
	"time"
)

// Limits applied during validation.
const (
	// MaxTasks bounds the number of tasks in a single plan.
	MaxTasks = 100

	// MaxTaskRetries bounds a task's retry budget.
	MaxTaskRetries = 10

	// MaxTaskTimeout bounds a task's execution timeout.
	MaxTaskTimeout = time.Hour
)

// taskIDPattern is the allowed charset for task identifiers.
var taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Plan is the intermediate representation of an executable task DAG.
// Tasks is ordered; that order breaks ties everywhere scheduling or
// hashing needs determinism.
type Plan struct {
	// ID is assigned at persistence time and excluded from the
	// fingerprint.
	ID string `json:"id,omitempty"`

	// ChatID ties the plan to its chat. Excluded from the fingerprint.
	ChatID string `json:"chat_id,omitempty"`

	// Goal is the natural-language objective the plan was built for.
	Goal string `json:"goal"`

	// Tasks in authoring order.
	Tasks []Task `json:"tasks"`

	// CreatedAt is set at persistence time. Excluded from the
	// fingerprint.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Task is a single node of the DAG.
type Task struct {
	// ID is unique within the plan, charset [a-zA-Z0-9_-]{1,64}.
	ID string `json:"id"`

	// Tool names the registry entry that executes this task.
	Tool string `json:"tool"`

	// Params is a JSON-like tree (map/slice/string/float64/bool/nil).
	// String leaves may reference upstream outputs with
	// {{task.<id>.output}}.
	Params map[string]any `json:"params,omitempty"`

	// DependsOn lists prerequisite task IDs. Order is significant: the
	// executor picks the base context from the LAST listed dependency
	// that produced one.
	DependsOn []string `json:"depends_on,omitempty"`

	// Timeout bounds one execution attempt. Zero means the executor
	// default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int `json:"max_retries,omitempty"`
}

// TaskByID returns the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// taskIndex maps task IDs to their position in Tasks.
func (p *Plan) taskIndex() map[string]int {
	idx := make(map[string]int, len(p.Tasks))
	for i := range p.Tasks {
		idx[p.Tasks[i].ID] = i
	}
	return idx
}
