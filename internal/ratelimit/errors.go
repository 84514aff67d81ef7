package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// LimitExceededError reports that a request cannot proceed because the
// wait for window capacity would exceed the per-call cap.
type LimitExceededError struct {
	// Scope is the scope key whose window drove the wait.
	Scope string

	// Window is the exhausted accounting window.
	Window string

	// Wait is how long the request would have had to wait.
	Wait time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limited on %s/%s: capacity in %s exceeds the wait cap", e.Scope, e.Window, e.Wait.Round(time.Second))
}

// IsLimitExceeded reports whether err is a rate limit rejection.
func IsLimitExceeded(err error) bool {
	var target *LimitExceededError
	return errors.As(err, &target)
}

// ConfigConflictError reports an override that disagrees with an
// explicitly configured limit. Overrides may tighten or add limits but
// never silently contradict what the operator pinned in config.
type ConfigConflictError struct {
	Scope      string
	Field      string
	Configured int64
	Override   int64
}

func (e *ConfigConflictError) Error() string {
	return fmt.Sprintf("rate limit override conflict on %s.%s: config sets %d, override wants %d",
		e.Scope, e.Field, e.Configured, e.Override)
}

// IsConfigConflict reports whether err is an override conflict.
func IsConfigConflict(err error) bool {
	var target *ConfigConflictError
	return errors.As(err, &target)
}
