package retry

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/loom/internal/providers"
)

// ExhaustedError reports that every attempt failed with a retryable
// class. It wraps the last attempt's error.
type ExhaustedError struct {
	Model    string
	Attempts int
	Class    providers.FailureClass
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("model %s failed after %d attempts (%s): %v", e.Model, e.Attempts, e.Class, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}
