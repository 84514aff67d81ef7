package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/loom/internal/config"
)

// SetOverride records a runtime limit override for a scope and
// persists it to the sidecar. Fields left zero in limits keep their
// configured value. An override that contradicts an explicitly
// configured field fails with ConfigConflictError and changes nothing.
func (l *Limiter) SetOverride(scope string, limits config.ScopeLimits) error {
	if scope == "" {
		return fmt.Errorf("override scope is required")
	}

	l.mu.Lock()
	base := l.base[scope]
	if err := conflict(scope, base, limits); err != nil {
		l.mu.Unlock()
		return err
	}
	merged := l.overrides[scope]
	mergeInto(&merged, limits)
	l.overrides[scope] = merged
	snapshot := make(map[string]config.ScopeLimits, len(l.overrides))
	for k, v := range l.overrides {
		snapshot[k] = v
	}
	path := l.sidecarPath
	onReload := l.onReload
	l.mu.Unlock()

	if path != "" {
		if err := writeSidecar(path, snapshot); err != nil {
			return err
		}
	}
	if onReload != nil {
		onReload()
	}
	return nil
}

// ReloadOverrides re-reads the sidecar, replacing the in-memory
// override set. Overrides that conflict with configured limits are
// rejected as a whole so a hand-edited sidecar cannot sneak past the
// SetOverride check.
func (l *Limiter) ReloadOverrides() error {
	l.mu.Lock()
	path := l.sidecarPath
	l.mu.Unlock()
	if path == "" {
		return nil
	}

	loaded, err := readSidecar(path)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for scope, limits := range loaded {
		if err := conflict(scope, l.base[scope], limits); err != nil {
			return err
		}
	}
	l.overrides = loaded
	return nil
}

// Watch reloads overrides whenever the sidecar changes, until ctx is
// cancelled. A missing sidecar is fine; the watch covers its directory
// so creation is picked up too.
func (l *Limiter) Watch(ctx context.Context) error {
	l.mu.Lock()
	path := l.sidecarPath
	l.mu.Unlock()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch rate limit overrides: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := l.ReloadOverrides(); err != nil {
				if l.logger != nil {
					l.logger.Warn(ctx, "rate limit override reload failed", "error", err)
				}
				continue
			}
			l.mu.Lock()
			onReload := l.onReload
			l.mu.Unlock()
			if onReload != nil {
				onReload()
			}
			if l.logger != nil {
				l.logger.Info(ctx, "rate limit overrides reloaded", "path", path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if l.logger != nil {
				l.logger.Warn(ctx, "rate limit override watcher error", "error", err)
			}
		}
	}
}

// conflict reports the first override field that contradicts an
// explicitly configured one. Matching values and fields the config
// leaves unset are fine.
func conflict(scope string, base, override config.ScopeLimits) error {
	baseFields := base.Fields()
	for field, v := range override.Fields() {
		if v == 0 {
			continue
		}
		if configured := baseFields[field]; configured != 0 && configured != v {
			return &ConfigConflictError{
				Scope:      scope,
				Field:      field,
				Configured: configured,
				Override:   v,
			}
		}
	}
	return nil
}

// mergeInto copies the set (non-zero) fields of src over dst.
func mergeInto(dst *config.ScopeLimits, src config.ScopeLimits) {
	if src.RPM != 0 {
		dst.RPM = src.RPM
	}
	if src.TPM != 0 {
		dst.TPM = src.TPM
	}
	if src.RPH != 0 {
		dst.RPH = src.RPH
	}
	if src.TPH != 0 {
		dst.TPH = src.TPH
	}
	if src.RPD != 0 {
		dst.RPD = src.RPD
	}
	if src.TPD != 0 {
		dst.TPD = src.TPD
	}
	if src.Burst != 0 {
		dst.Burst = src.Burst
	}
}

func readSidecar(path string) (map[string]config.ScopeLimits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]config.ScopeLimits{}, nil
		}
		return nil, fmt.Errorf("read rate limit overrides: %w", err)
	}
	overrides := map[string]config.ScopeLimits{}
	if len(data) == 0 {
		return overrides, nil
	}
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse rate limit overrides %s: %w", path, err)
	}
	return overrides, nil
}

// writeSidecar writes the override set atomically: temp file in the
// same directory, then rename.
func writeSidecar(path string, overrides map[string]config.ScopeLimits) error {
	data, err := json.MarshalIndent(overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rate limit overrides: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write rate limit overrides: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".overrides-*")
	if err != nil {
		return fmt.Errorf("write rate limit overrides: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write rate limit overrides: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write rate limit overrides: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write rate limit overrides: %w", err)
	}
	return nil
}
