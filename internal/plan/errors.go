package plan

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is the sentinel all plan validation failures wrap, so
// callers can match the whole family with errors.Is.
var ErrInvalidPlan = errors.New("invalid plan")

// ValidationError reports a structural problem in a plan. TaskID is
// empty for plan-level problems.
type ValidationError struct {
	// TaskID names the offending task, when the problem is task-scoped.
	TaskID string

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("invalid plan: task %q: %s", e.TaskID, e.Message)
	}
	return fmt.Sprintf("invalid plan: %s", e.Message)
}

// Unwrap ties every validation error to ErrInvalidPlan.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPlan
}

func validationErrorf(taskID, format string, args ...any) *ValidationError {
	return &ValidationError{TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}

// IsInvalidPlan reports whether err is or wraps a plan validation
// failure.
func IsInvalidPlan(err error) bool {
	return errors.Is(err, ErrInvalidPlan)
}
