package runtime

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for turns that arrive after Close has begun.
var ErrClosed = errors.New("runtime is closed")

// TurnError wraps a failure while serving one chat turn.
type TurnError struct {
	ChatID string
	Stage  string // "worker", "model", "plan", "execute", "store"
	Err    error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn for chat %s failed during %s: %v", e.ChatID, e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
