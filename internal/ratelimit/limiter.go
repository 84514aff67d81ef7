// Package ratelimit admits model calls through multi-scope sliding
// windows. Each call is checked against the most specific applicable
// scopes (provider:model, provider, global); every scope tracks
// request and token counts per minute, hour, and day in rows persisted
// through the store, so cooperating worker processes observe a single
// truth and a restart does not forget the last day.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// MaxWait caps how long a single call may sleep for capacity. Waits
// beyond this surface as LimitExceededError instead of blocking the
// caller for the rest of a day window.
const MaxWait = 5 * time.Minute

// GlobalScope is the least specific scope key, always consulted last.
const GlobalScope = "global"

// windows lists the accounting windows in check order.
var windows = []struct {
	name models.UsageWindow
	dur  time.Duration
}{
	{models.WindowMinute, time.Minute},
	{models.WindowHour, time.Hour},
	{models.WindowDay, 24 * time.Hour},
}

// Limiter enforces sliding-window limits across scopes.
type Limiter struct {
	db      store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	base      map[string]config.ScopeLimits
	overrides map[string]config.ScopeLimits

	sidecarPath string

	// onReload is invoked after overrides change, so the owner can
	// broadcast a config_reload to workers. Set via OnReload.
	onReload func()

	// Test seams.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter over the configured scopes, merging any
// overrides already present in the sidecar. logger and metrics may be
// nil.
func New(cfg config.RateLimitConfig, db store.Store, logger *observability.Logger, metrics *observability.Metrics) (*Limiter, error) {
	l := &Limiter{
		db:          db,
		logger:      logger,
		metrics:     metrics,
		base:        make(map[string]config.ScopeLimits, len(cfg.Scopes)),
		overrides:   map[string]config.ScopeLimits{},
		sidecarPath: cfg.OverridesPath,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for scope, limits := range cfg.Scopes {
		l.base[scope] = limits
	}
	if l.sidecarPath != "" {
		if err := l.ReloadOverrides(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// OnReload registers the callback invoked after overrides change.
func (l *Limiter) OnReload(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// Reservation records what CheckAndReserve wrote, so Settle can adjust
// the provisional token estimate to the provider's actual count.
type Reservation struct {
	Provider  string
	Model     string
	Scopes    []string
	Estimated int64
	At        time.Time

	mu      sync.Mutex
	settled bool
}

// CheckAndReserve blocks until one request and estTokens tokens fit in
// every applicable scope, then records the reservation. It returns
// LimitExceededError without sleeping when the computed wait exceeds
// MaxWait, and the context error if cancelled mid-wait.
func (l *Limiter) CheckAndReserve(ctx context.Context, provider, model string, estTokens int64) (*Reservation, error) {
	if estTokens < 1 {
		estTokens = 1
	}
	scopes := l.scopeKeys(provider, model)
	if len(scopes) == 0 {
		// Nothing configured for this call; admit without accounting.
		return &Reservation{Provider: provider, Model: model, Estimated: estTokens, At: l.now()}, nil
	}

	for {
		wait, scope, window, err := l.tryReserve(ctx, scopes, estTokens)
		if err != nil {
			return nil, err
		}
		if wait <= 0 {
			if l.metrics != nil {
				l.metrics.RateLimitWait.WithLabelValues(scope).Observe(0)
			}
			return &Reservation{
				Provider:  provider,
				Model:     model,
				Scopes:    scopes,
				Estimated: estTokens,
				At:        l.now(),
			}, nil
		}
		if wait > MaxWait {
			if l.metrics != nil {
				l.metrics.RateLimitRejections.WithLabelValues(scope).Inc()
			}
			return nil, &LimitExceededError{Scope: scope, Window: window, Wait: wait}
		}
		if l.logger != nil {
			l.logger.Debug(ctx, "waiting for rate limit capacity",
				"scope", scope, "window", window, "wait", wait.String())
		}
		if l.metrics != nil {
			l.metrics.RateLimitWait.WithLabelValues(scope).Observe(wait.Seconds())
		}
		if err := l.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// tryReserve computes the wait for scopes under the lock; a zero wait
// means the reservation was written. The scope/window of the longest
// wait is returned for telemetry.
func (l *Limiter) tryReserve(ctx context.Context, scopes []string, estTokens int64) (time.Duration, string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var maxWait time.Duration
	waitScope, waitWindow := scopes[0], string(models.WindowMinute)

	type pending struct {
		row *models.RateLimitUsage
		dur time.Duration
	}
	var rows []pending

	for _, scope := range scopes {
		limits := l.effectiveLocked(scope)
		for _, w := range windows {
			reqLimit, tokLimit := limitsFor(limits, w.name)
			if reqLimit == 0 && tokLimit == 0 {
				continue
			}
			row, err := l.loadRow(ctx, scope, w.name)
			if err != nil {
				return 0, "", "", err
			}
			expireRow(row, w.dur, now)

			if reqLimit > 0 && row.RequestCount+1 > reqLimit {
				if wait := row.OldestRequestTS.Add(w.dur).Sub(now); wait > maxWait {
					maxWait, waitScope, waitWindow = wait, scope, string(w.name)
				}
			}
			if tokLimit > 0 && row.TokenCount+estTokens > tokLimit {
				if wait := row.OldestTokenTS.Add(w.dur).Sub(now); wait > maxWait {
					maxWait, waitScope, waitWindow = wait, scope, string(w.name)
				}
			}
			rows = append(rows, pending{row: row, dur: w.dur})
		}
	}

	if maxWait > 0 {
		return maxWait, waitScope, waitWindow, nil
	}

	// Every window has room; reserve in all of them.
	for _, p := range rows {
		if p.row.RequestCount == 0 {
			p.row.OldestRequestTS = now
		}
		if p.row.TokenCount == 0 {
			p.row.OldestTokenTS = now
		}
		p.row.RequestCount++
		p.row.TokenCount += estTokens
		if err := l.db.UpsertRateLimitUsage(ctx, p.row); err != nil {
			return 0, "", "", err
		}
	}
	return 0, waitScope, waitWindow, nil
}

// Settle adjusts the provisional token reservation to the provider's
// actual usage. Calling it more than once is a no-op.
func (l *Limiter) Settle(ctx context.Context, res *Reservation, actualTokens int64) error {
	if res == nil {
		return nil
	}
	res.mu.Lock()
	if res.settled {
		res.mu.Unlock()
		return nil
	}
	res.settled = true
	res.mu.Unlock()

	delta := actualTokens - res.Estimated
	if delta == 0 || len(res.Scopes) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, scope := range res.Scopes {
		for _, w := range windows {
			row, err := l.loadRow(ctx, scope, w.name)
			if err != nil {
				return err
			}
			expireRow(row, w.dur, now)
			row.TokenCount += delta
			if row.TokenCount < 0 {
				row.TokenCount = 0
			}
			if row.TokenCount > 0 && row.OldestTokenTS.IsZero() {
				row.OldestTokenTS = now
			}
			if err := l.db.UpsertRateLimitUsage(ctx, row); err != nil {
				return err
			}
		}
	}
	return nil
}

// Usage returns the live counts for a scope and window, for status
// surfaces and tests.
func (l *Limiter) Usage(ctx context.Context, scope string, window models.UsageWindow) (requests, tokens int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, err := l.loadRow(ctx, scope, window)
	if err != nil {
		return 0, 0, err
	}
	for _, w := range windows {
		if w.name == window {
			expireRow(row, w.dur, l.now())
		}
	}
	return row.RequestCount, row.TokenCount, nil
}

// scopeKeys returns the applicable scope keys most specific first,
// skipping scopes with no limits configured.
func (l *Limiter) scopeKeys(provider, model string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := []string{GlobalScope}
	if provider != "" {
		candidates = append([]string{provider}, candidates...)
		if model != "" {
			candidates = append([]string{provider + ":" + model}, candidates...)
		}
	}
	var scopes []string
	for _, scope := range candidates {
		if !l.effectiveLocked(scope).IsZero() {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// Scopes lists every scope with at least one limit, sorted, for the
// status surface.
func (l *Limiter) Scopes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := map[string]bool{}
	for scope := range l.base {
		seen[scope] = true
	}
	for scope := range l.overrides {
		seen[scope] = true
	}
	out := make([]string, 0, len(seen))
	for scope := range seen {
		if !l.effectiveLocked(scope).IsZero() {
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out
}

// effectiveLocked merges base config and overrides for a scope.
// Override fields that are set (non-zero) win; zero fields fall back
// to the base. Callers hold l.mu.
func (l *Limiter) effectiveLocked(scope string) config.ScopeLimits {
	limits := l.base[scope]
	over, ok := l.overrides[scope]
	if !ok {
		return limits
	}
	if over.RPM != 0 {
		limits.RPM = over.RPM
	}
	if over.TPM != 0 {
		limits.TPM = over.TPM
	}
	if over.RPH != 0 {
		limits.RPH = over.RPH
	}
	if over.TPH != 0 {
		limits.TPH = over.TPH
	}
	if over.RPD != 0 {
		limits.RPD = over.RPD
	}
	if over.TPD != 0 {
		limits.TPD = over.TPD
	}
	if over.Burst != 0 {
		limits.Burst = over.Burst
	}
	return limits
}

// loadRow fetches the persisted usage row, returning a fresh zero row
// on a miss. Callers hold l.mu.
func (l *Limiter) loadRow(ctx context.Context, scope string, window models.UsageWindow) (*models.RateLimitUsage, error) {
	row, err := l.db.GetRateLimitUsage(ctx, scope, window)
	if err == nil {
		return row, nil
	}
	if store.IsNotFound(err) {
		return &models.RateLimitUsage{ScopeKey: scope, Window: window}, nil
	}
	return nil, err
}

// limitsFor returns the request and token limits for one window. The
// burst fraction widens the minute window: short spikes may exceed the
// minute limits by up to limit*burst.
func limitsFor(limits config.ScopeLimits, window models.UsageWindow) (requests, tokens int64) {
	switch window {
	case models.WindowMinute:
		requests, tokens = limits.RPM, limits.TPM
		if limits.Burst > 0 {
			requests += int64(float64(requests) * limits.Burst)
			tokens += int64(float64(tokens) * limits.Burst)
		}
	case models.WindowHour:
		requests, tokens = limits.RPH, limits.TPH
	case models.WindowDay:
		requests, tokens = limits.RPD, limits.TPD
	}
	return requests, tokens
}

// expireRow zeroes counts whose window has fully aged out. A row is
// live iff now < oldest_ts + window duration.
func expireRow(row *models.RateLimitUsage, dur time.Duration, now time.Time) {
	if row.RequestCount > 0 && !now.Before(row.OldestRequestTS.Add(dur)) {
		row.RequestCount = 0
		row.OldestRequestTS = time.Time{}
	}
	if row.TokenCount > 0 && !now.Before(row.OldestTokenTS.Add(dur)) {
		row.TokenCount = 0
		row.OldestTokenTS = time.Time{}
	}
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
