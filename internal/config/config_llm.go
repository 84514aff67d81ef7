package config

import (
	"fmt"
	"strings"
)

// LLMConfig configures model routing and provider credentials.
type LLMConfig struct {
	// DefaultModel is the provider:model used for chat turns.
	DefaultModel string `yaml:"default_model"`

	// PlanModel is the provider:model the planner prompts. Falls back
	// to DefaultModel when empty.
	PlanModel string `yaml:"plan_model"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig holds one provider's credentials and endpoint.
type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

func (c *LLMConfig) applyDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "anthropic:claude-sonnet-4-20250514"
	}
	if c.PlanModel == "" {
		c.PlanModel = c.DefaultModel
	}
	if c.Providers == nil {
		c.Providers = map[string]LLMProviderConfig{}
	}
}

func (c *LLMConfig) validate() error {
	for _, ref := range []string{c.DefaultModel, c.PlanModel} {
		if _, _, err := SplitModelRef(ref); err != nil {
			return err
		}
	}
	return nil
}

// SplitModelRef splits "provider:model" into its parts.
func SplitModelRef(ref string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(ref, ":")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model ref %q must be provider:model", ref)
	}
	return provider, model, nil
}
