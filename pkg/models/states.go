package models

// TaskState is the per-task execution state machine. Every transition is
// persisted before the executor acts on it.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskDone    TaskState = "DONE"
	TaskFailed  TaskState = "FAILED"
)

// Terminal reports whether the state ends the task's lifecycle.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskDone, TaskFailed:
		return true
	}
	return false
}

// CanTransition reports whether the move from s to next is legal.
// PENDING may re-enter RUNNING through retries (RUNNING -> PENDING is
// not modeled; a failed attempt below the retry budget stays RUNNING
// across attempts from the state machine's point of view).
func (s TaskState) CanTransition(next TaskState) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskFailed
	case TaskRunning:
		return next == TaskDone || next == TaskFailed || next == TaskRunning
	default:
		return false
	}
}

// PlanStatus is the rollup status persisted on the plan row.
type PlanStatus string

const (
	PlanPlanning PlanStatus = "planning"
	PlanRunning  PlanStatus = "running"
	PlanDone     PlanStatus = "done"
	PlanFailed   PlanStatus = "failed"
)

// Terminal reports whether the status ends the plan's lifecycle.
func (s PlanStatus) Terminal() bool {
	return s == PlanDone || s == PlanFailed
}
