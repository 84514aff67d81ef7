package contextstore

import (
	"errors"
	"fmt"

	"github.com/haasonsaas/loom/pkg/models"
)

// InvalidOpError reports a context operation that cannot be committed.
type InvalidOpError struct {
	Index  int
	Kind   models.ContextOpKind
	Reason string
}

func (e *InvalidOpError) Error() string {
	return fmt.Sprintf("invalid context op at index %d (kind %q): %s", e.Index, e.Kind, e.Reason)
}

// IsInvalidOp reports whether err is an InvalidOpError.
func IsInvalidOp(err error) bool {
	var target *InvalidOpError
	return errors.As(err, &target)
}
