package planner

import (
	"errors"
	"fmt"
)

// BuildError reports that the model never produced a valid plan within
// the retry budget. It wraps the last parse or validation failure, so
// plan.IsInvalidPlan matches through it.
type BuildError struct {
	// Attempts is how many replies were rejected.
	Attempts int

	// Err is the last rejection.
	Err error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("plan build failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap exposes the last rejection for errors.Is/As.
func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsBuildFailure reports whether err is or wraps a BuildError.
func IsBuildFailure(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}
