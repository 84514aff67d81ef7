package workerpool

import (
	"errors"
	"fmt"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// InitError reports a worker that failed to come up: the spawn itself
// failed, the child died during init, or init-complete never arrived
// within the timeout.
type InitError struct {
	// WorkerID identifies the failed worker.
	WorkerID string

	// TimedOut is set when the init deadline expired.
	TimedOut bool

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("worker %s init timed out: %v", e.WorkerID, e.Err)
	}
	return fmt.Sprintf("worker %s init failed: %v", e.WorkerID, e.Err)
}

// Unwrap exposes the underlying failure.
func (e *InitError) Unwrap() error {
	return e.Err
}

// IsInitFailure reports whether err is or wraps an InitError.
func IsInitFailure(err error) bool {
	var ie *InitError
	return errors.As(err, &ie)
}
