// Package providers adapts LLM provider SDKs to the single streaming
// contract the worker and planner consume. Each adapter converts
// messages, streams text deltas, and normalizes failures into
// ProviderError so retry policy can classify them uniformly.
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

// Message is one turn of provider input.
type Message struct {
	Role    models.Role
	Content string
}

// Request describes a single model call.
type Request struct {
	Model    string
	System   string
	Messages []Message

	// MaxTokens caps the completion length. Zero uses the provider
	// default.
	MaxTokens int

	// Temperature of 0 leaves the provider default in place.
	Temperature float64
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// Completion is the final result of a model call.
type Completion struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// StreamFunc receives text deltas as they arrive. A nil StreamFunc
// turns a streaming call into a plain completion.
type StreamFunc func(delta string)

// Provider is the adapter contract. Stream blocks until the model
// finishes and returns the assembled completion.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, onDelta StreamFunc) (*Completion, error)
}

// Complete runs req without streaming deltas.
func Complete(ctx context.Context, p Provider, req Request) (*Completion, error) {
	return p.Stream(ctx, req, nil)
}

// TokenEstimator lets a provider override the default token estimate
// used for rate limit reservations.
type TokenEstimator interface {
	EstimateTokens(req Request) int64
}

// charsPerToken is the rough chars-to-tokens ratio used when a
// provider offers no estimator of its own.
const charsPerToken = 4

// EstimateTokens approximates the prompt token count of req, using the
// provider's own estimator when it has one.
func EstimateTokens(p Provider, req Request) int64 {
	if est, ok := p.(TokenEstimator); ok {
		return est.EstimateTokens(req)
	}
	chars := len(req.System)
	for _, msg := range req.Messages {
		chars += len(msg.Content)
	}
	estimate := int64(chars / charsPerToken)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

// ParseModel splits a "provider:model" string. The model part may
// itself contain colons.
func ParseModel(spec string) (provider, model string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("model spec %q must be provider:model", spec)
	}
	return parts[0], parts[1], nil
}

// Config carries credentials for every supported provider. Leaving a
// key empty disables that provider.
type Config struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string

	OpenAIAPIKey  string
	OpenAIBaseURL string

	GeminiAPIKey string
}

// New constructs the named provider from cfg.
func New(name string, cfg Config) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:  cfg.AnthropicAPIKey,
			BaseURL: cfg.AnthropicBaseURL,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
	case "gemini":
		return NewGeminiProvider(GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
