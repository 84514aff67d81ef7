package ratelimit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/store"
)

func overrideLimiter(t *testing.T, scopes map[string]config.ScopeLimits) (*Limiter, string) {
	t.Helper()
	db := store.NewMemoryStore()
	t.Cleanup(func() { db.Close() })

	sidecar := filepath.Join(t.TempDir(), "overrides.json")
	l, err := New(config.RateLimitConfig{
		Scopes:        scopes,
		OverridesPath: sidecar,
	}, db, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, sidecar
}

func TestSetOverrideAddsLimit(t *testing.T) {
	l, sidecar := overrideLimiter(t, map[string]config.ScopeLimits{
		"gemini": {RPM: 10},
	})

	// A field the config leaves unset can be overridden freely.
	if err := l.SetOverride("gemini", config.ScopeLimits{TPM: 5000}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}

	limits := l.effectiveLocked("gemini")
	if limits.RPM != 10 || limits.TPM != 5000 {
		t.Errorf("effective = %+v, want RPM 10 TPM 5000", limits)
	}

	// The override persisted to the sidecar.
	data, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var saved map[string]config.ScopeLimits
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("parse sidecar: %v", err)
	}
	if saved["gemini"].TPM != 5000 {
		t.Errorf("sidecar = %+v, want gemini TPM 5000", saved)
	}
}

func TestSetOverrideConflict(t *testing.T) {
	l, _ := overrideLimiter(t, map[string]config.ScopeLimits{
		"gemini": {RPM: 10},
	})

	err := l.SetOverride("gemini", config.ScopeLimits{RPM: 20})
	var conflictErr *ConfigConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConfigConflictError, got %v", err)
	}
	if conflictErr.Scope != "gemini" || conflictErr.Field != "rpm" {
		t.Errorf("conflict names %s.%s, want gemini.rpm", conflictErr.Scope, conflictErr.Field)
	}
	if conflictErr.Configured != 10 || conflictErr.Override != 20 {
		t.Errorf("conflict values = (%d, %d), want (10, 20)", conflictErr.Configured, conflictErr.Override)
	}

	// The rejected override must not leak into effect.
	if limits := l.effectiveLocked("gemini"); limits.RPM != 10 {
		t.Errorf("effective RPM = %d, want 10", limits.RPM)
	}
}

func TestSetOverrideMatchingValueIsNotAConflict(t *testing.T) {
	l, _ := overrideLimiter(t, map[string]config.ScopeLimits{
		"gemini": {RPM: 10},
	})
	if err := l.SetOverride("gemini", config.ScopeLimits{RPM: 10}); err != nil {
		t.Fatalf("SetOverride with matching value: %v", err)
	}
}

func TestReloadOverridesFromSidecar(t *testing.T) {
	l, sidecar := overrideLimiter(t, nil)

	payload := map[string]config.ScopeLimits{
		"openai": {RPM: 3},
	}
	data, _ := json.Marshal(payload)
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	if err := l.ReloadOverrides(); err != nil {
		t.Fatalf("ReloadOverrides: %v", err)
	}
	if limits := l.effectiveLocked("openai"); limits.RPM != 3 {
		t.Errorf("effective RPM = %d, want 3", limits.RPM)
	}
}

func TestReloadRejectsConflictingSidecar(t *testing.T) {
	l, sidecar := overrideLimiter(t, map[string]config.ScopeLimits{
		"openai": {RPM: 5},
	})

	data, _ := json.Marshal(map[string]config.ScopeLimits{
		"openai": {RPM: 50},
	})
	if err := os.WriteFile(sidecar, data, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	if err := l.ReloadOverrides(); !IsConfigConflict(err) {
		t.Fatalf("expected config conflict, got %v", err)
	}
	// The in-memory set is unchanged after a rejected reload.
	if limits := l.effectiveLocked("openai"); limits.RPM != 5 {
		t.Errorf("effective RPM = %d, want 5", limits.RPM)
	}
}

func TestSetOverrideFiresReloadCallback(t *testing.T) {
	l, _ := overrideLimiter(t, nil)

	fired := 0
	l.OnReload(func() { fired++ })
	if err := l.SetOverride("gemini", config.ScopeLimits{TPM: 100}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	if fired != 1 {
		t.Errorf("reload callback fired %d times, want 1", fired)
	}
}

func TestMissingSidecarIsEmpty(t *testing.T) {
	l, _ := overrideLimiter(t, nil)
	if err := l.ReloadOverrides(); err != nil {
		t.Fatalf("ReloadOverrides on missing sidecar: %v", err)
	}
	if n := len(l.overrides); n != 0 {
		t.Errorf("overrides = %d entries, want 0", n)
	}
}
