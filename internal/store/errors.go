package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a lookup miss. NotFoundError wraps it with
	// the entity kind and key.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports a unique-key violation on insert.
	ErrAlreadyExists = errors.New("already exists")
)

// NotFoundError identifies which row a lookup missed.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
