// Package retry implements the retry policy applied at the provider
// call boundary inside workers. The policy maps failure classes to
// delay series; classes outside the policy are never retried here, so
// permanent failures surface immediately.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
)

// DefaultMaxRetries bounds retries after the first attempt.
const DefaultMaxRetries = 3

// DefaultAdvisoryBuffer pads a provider-advised delay so the retry
// lands after the provider's own clock, not on it.
const DefaultAdvisoryBuffer = 1500 * time.Millisecond

// errorPreviewLimit caps the error text carried in retry events.
const errorPreviewLimit = 200

// Policy maps failure classes to their backoff series. The series
// index is the retry ordinal; the last value repeats.
type Policy map[providers.FailureClass][]time.Duration

// DefaultPolicy retries rate limits on a widening series and overload
// on a doubling one. Other classes are not retried at this boundary.
func DefaultPolicy() Policy {
	return Policy{
		providers.FailureRateLimit: {
			2 * time.Second,
			5 * time.Second,
			20 * time.Second,
			40 * time.Second,
			60 * time.Second,
		},
		providers.FailureOverloaded: {
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
		},
	}
}

// Attempt describes one failed attempt and the retry decision taken,
// for model_retry events.
type Attempt struct {
	Number       int
	MaxAttempts  int
	Class        providers.FailureClass
	Delay        time.Duration
	Model        string
	ErrorPreview string
	Err          error
}

// EventFunc receives each retry decision before the handler sleeps.
type EventFunc func(a Attempt)

// Config tunes a Handler.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// AdvisoryBuffer is added to provider-advised delays.
	AdvisoryBuffer time.Duration

	// Policy overrides the per-class delay series. Nil uses
	// DefaultPolicy.
	Policy Policy
}

// Handler retries model calls per failure class.
type Handler struct {
	policy  Policy
	max     int
	buffer  time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	onRetry EventFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Handler. logger, metrics, and onRetry may be nil.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics, onRetry EventFunc) *Handler {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.AdvisoryBuffer <= 0 {
		cfg.AdvisoryBuffer = DefaultAdvisoryBuffer
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	return &Handler{
		policy:  cfg.Policy,
		max:     cfg.MaxRetries,
		buffer:  cfg.AdvisoryBuffer,
		logger:  logger,
		metrics: metrics,
		onRetry: onRetry,
		sleep:   sleepContext,
	}
}

// Do runs op until it succeeds or the policy gives up. It returns nil
// on success, the context error on cancellation, the op's error
// unchanged when its class is not retried here, and an ExhaustedError
// once retries run out.
func (h *Handler) Do(ctx context.Context, model string, op func(ctx context.Context) error) error {
	maxAttempts := h.max + 1
	var lastErr error
	var lastClass providers.FailureClass

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		lastClass = providers.Classify(err)

		delay, retryable := h.delayFor(err, lastClass, attempt)
		if !retryable {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		a := Attempt{
			Number:       attempt,
			MaxAttempts:  maxAttempts,
			Class:        lastClass,
			Delay:        delay,
			Model:        model,
			ErrorPreview: preview(err),
			Err:          err,
		}
		if h.metrics != nil {
			h.metrics.ModelRetries.WithLabelValues(string(lastClass)).Inc()
		}
		if h.logger != nil {
			h.logger.Warn(ctx, "retrying model call",
				"model", model,
				"attempt", attempt,
				"max_attempts", maxAttempts,
				"class", string(lastClass),
				"delay", delay.String(),
				"error", a.ErrorPreview,
			)
		}
		if h.onRetry != nil {
			h.onRetry(a)
		}

		if err := h.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &ExhaustedError{
		Model:    model,
		Attempts: maxAttempts,
		Class:    lastClass,
		Err:      lastErr,
	}
}

// delayFor computes the wait before the next attempt. A provider
// advisory wins over the series.
func (h *Handler) delayFor(err error, class providers.FailureClass, attempt int) (time.Duration, bool) {
	series, ok := h.policy[class]
	if !ok || len(series) == 0 {
		return 0, false
	}
	if advisory := providers.AdvisoryDelay(err); advisory > 0 {
		return advisory + h.buffer, true
	}
	idx := attempt - 1
	if idx >= len(series) {
		idx = len(series) - 1
	}
	return series[idx], true
}

func preview(err error) string {
	msg := err.Error()
	if len(msg) > errorPreviewLimit {
		return msg[:errorPreviewLimit]
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff calculates an exponential backoff duration for a given
// attempt: initial doubling (or factor-scaling) per attempt, clamped
// to max. The worker pool uses this for spawn retries.
func Backoff(attempt int, initial, max time.Duration, factor float64) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	return time.Duration(delay)
}
