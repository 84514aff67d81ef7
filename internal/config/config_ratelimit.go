package config

import (
	"fmt"
	"strings"
)

// RateLimitConfig carries per-scope sliding-window limits. Scope keys
// are "global", a provider name ("anthropic"), or provider:model
// ("anthropic:claude-sonnet"). Zero fields mean unlimited.
type RateLimitConfig struct {
	// OverridesPath points at the JSON sidecar that can adjust limits
	// at runtime.
	OverridesPath string `yaml:"overrides_path"`

	Scopes map[string]ScopeLimits `yaml:"scopes"`
}

// ScopeLimits is one scope's window limits: requests/tokens per
// minute, hour, and day, plus a burst fraction on the minute window.
type ScopeLimits struct {
	RPM int64 `yaml:"rpm" json:"rpm,omitempty"`
	TPM int64 `yaml:"tpm" json:"tpm,omitempty"`
	RPH int64 `yaml:"rph" json:"rph,omitempty"`
	TPH int64 `yaml:"tph" json:"tph,omitempty"`
	RPD int64 `yaml:"rpd" json:"rpd,omitempty"`
	TPD int64 `yaml:"tpd" json:"tpd,omitempty"`

	// Burst lets short spikes exceed the minute limits by up to
	// limit*Burst. 0 disables bursting.
	Burst float64 `yaml:"burst" json:"burst,omitempty"`
}

// IsZero reports whether no limit is set for the scope.
func (s ScopeLimits) IsZero() bool {
	return s.RPM == 0 && s.TPM == 0 && s.RPH == 0 && s.TPH == 0 &&
		s.RPD == 0 && s.TPD == 0 && s.Burst == 0
}

// Fields returns the scope's limit fields by name, for override
// conflict reporting.
func (s ScopeLimits) Fields() map[string]int64 {
	return map[string]int64{
		"rpm": s.RPM, "tpm": s.TPM,
		"rph": s.RPH, "tph": s.TPH,
		"rpd": s.RPD, "tpd": s.TPD,
	}
}

func (c *RateLimitConfig) applyDefaults() {
	if c.Scopes == nil {
		c.Scopes = map[string]ScopeLimits{}
	}
}

func (c *RateLimitConfig) validate() error {
	for scope, limits := range c.Scopes {
		if err := validateScopeKey(scope); err != nil {
			return err
		}
		for field, v := range limits.Fields() {
			if v < 0 {
				return fmt.Errorf("rate_limit.%s.%s must not be negative, got %d", scope, field, v)
			}
		}
		if limits.Burst < 0 || limits.Burst > 1 {
			return fmt.Errorf("rate_limit.%s.burst must be in [0, 1], got %g", scope, limits.Burst)
		}
	}
	return nil
}

func validateScopeKey(scope string) error {
	if scope == "" {
		return fmt.Errorf("rate_limit scope key must not be empty")
	}
	if strings.Count(scope, ":") > 1 {
		return fmt.Errorf("rate_limit scope %q: at most one ':' (provider:model)", scope)
	}
	return nil
}
