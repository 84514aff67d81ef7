package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider streams completions from the Gemini API through the
// Google Gen AI SDK.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
}

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	// APIKey is required.
	APIKey string

	// DefaultModel is used when a request has no model.
	DefaultModel string
}

// NewGeminiProvider creates the adapter.
func NewGeminiProvider(config GeminiConfig) (*GeminiProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiProvider{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

// Stream sends req and forwards text deltas to onDelta as they arrive.
func (p *GeminiProvider) Stream(ctx context.Context, req Request, onDelta StreamFunc) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents := convertGeminiMessages(req.Messages)
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	var text strings.Builder
	var usage Usage
	stopReason := ""

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			if resp.UsageMetadata.PromptTokenCount > 0 {
				usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
			}
			if resp.UsageMetadata.CandidatesTokenCount > 0 {
				usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
			}
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil {
				continue
			}
			if candidate.FinishReason != "" {
				stopReason = string(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil || part.Text == "" {
					continue
				}
				text.WriteString(part.Text)
				if onDelta != nil {
					onDelta(part.Text)
				}
			}
		}
	}

	return &Completion{
		Text:       text.String(),
		Model:      model,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}

func convertGeminiMessages(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		// System prompts travel in SystemInstruction.
		if msg.Role == "system" || msg.Content == "" {
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents
}

func (p *GeminiProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		wrapped := &ProviderError{
			Provider: "gemini",
			Model:    model,
			Cause:    err,
			Class:    FailurePermanent,
		}
		wrapped = wrapped.WithStatus(apiErr.Code)
		if apiErr.Message != "" {
			wrapped = wrapped.WithMessage(apiErr.Message)
			wrapped = wrapped.WithRetryAfter(parseAdvisoryDelay(apiErr.Message))
		}
		if apiErr.Status != "" {
			wrapped = wrapped.WithCode(apiErr.Status)
		}
		return wrapped
	}

	return NewProviderError("gemini", model, err)
}
