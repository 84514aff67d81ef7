package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailureClass categorizes a provider failure for retry policy.
type FailureClass string

const (
	// FailureRateLimit is a quota or request-rate rejection (HTTP 429).
	FailureRateLimit FailureClass = "rate_limit"

	// FailureOverloaded is provider-side saturation (HTTP 529/503).
	FailureOverloaded FailureClass = "overloaded"

	// FailureRetryable covers transient network trouble and other 5xx.
	FailureRetryable FailureClass = "retryable"

	// FailurePermanent means retrying the same call cannot help.
	FailurePermanent FailureClass = "permanent"
)

// Retryable reports whether another attempt at the same call may
// succeed.
func (c FailureClass) Retryable() bool {
	switch c {
	case FailureRateLimit, FailureOverloaded, FailureRetryable:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from an LLM provider.
type ProviderError struct {
	Class    FailureClass
	Provider string
	Model    string
	Status   int
	Code     string
	Message  string

	// RetryAfter is the provider's advisory delay, zero when absent.
	RetryAfter time.Duration

	Cause error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Class))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause with provider identity and an initial
// classification from the error text.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Class:    FailurePermanent,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Class = Classify(cause)
		err.RetryAfter = parseAdvisoryDelay(cause.Error())
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Class = classifyStatus(status)
	return e
}

// WithCode records a provider-specific error code and reclassifies
// when the code is recognized.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if class, ok := classifyCode(code); ok {
		e.Class = class
	}
	return e
}

// WithMessage sets the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRetryAfter records the provider's advisory delay.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// Classify maps an arbitrary error onto a FailureClass using message
// heuristics. Adapters prefer status codes; this is the fallback.
func Classify(err error) FailureClass {
	if err == nil {
		return FailurePermanent
	}
	if errors.Is(err, context.Canceled) {
		return FailurePermanent
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Class
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "429"):
		return FailureRateLimit

	case strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "503"):
		return FailureOverloaded

	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "gateway timeout") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "504"):
		return FailureRetryable

	default:
		return FailurePermanent
	}
}

func classifyStatus(status int) FailureClass {
	switch {
	case status == http.StatusTooManyRequests:
		return FailureRateLimit
	case status == 529 || status == http.StatusServiceUnavailable:
		return FailureOverloaded
	case status >= 500:
		return FailureRetryable
	default:
		return FailurePermanent
	}
}

func classifyCode(code string) (FailureClass, bool) {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota", "resource_exhausted":
		return FailureRateLimit, true
	case "overloaded_error", "unavailable":
		return FailureOverloaded, true
	case "api_error", "internal_error", "server_error", "internal", "deadline_exceeded":
		return FailureRetryable, true
	default:
		return FailurePermanent, false
	}
}

// IsRetryable reports whether another attempt at the same call may
// succeed.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// AdvisoryDelay returns the provider's suggested wait before retrying,
// zero when it gave none.
func AdvisoryDelay(err error) time.Duration {
	var provErr *ProviderError
	if errors.As(err, &provErr) && provErr.RetryAfter > 0 {
		return provErr.RetryAfter
	}
	if err != nil {
		return parseAdvisoryDelay(err.Error())
	}
	return 0
}

// tryAgainRe matches advisory wait wording like "try again in 20s" or
// "retry after 1.5 seconds".
var tryAgainRe = regexp.MustCompile(`(?i)(?:try again|retry) (?:in|after) ([0-9]+(?:\.[0-9]+)?) ?s`)

func parseAdvisoryDelay(msg string) time.Duration {
	m := tryAgainRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// parseRetryAfterHeader reads a Retry-After value, supporting both
// delta-seconds and HTTP-date forms.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
