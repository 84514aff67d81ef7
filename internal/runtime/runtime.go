// Package runtime assembles the execution core: store, context store,
// tool registry, rate limiter, worker pool, planner, and executor,
// behind a single Runtime that serves chat turns. It also owns the
// maintenance schedule and the override broadcast to workers.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/contextstore"
	"github.com/haasonsaas/loom/internal/events"
	"github.com/haasonsaas/loom/internal/executor"
	"github.com/haasonsaas/loom/internal/ipc"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/planner"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/ratelimit"
	"github.com/haasonsaas/loom/internal/startupcache"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/internal/workerpool"
)

// usageRetention is how long settled rate-limit rows outlive their
// largest window before the maintenance job prunes them.
const usageRetention = 48 * time.Hour

// attemptStaleAfter is how long a RUNNING attempt row may sit without
// progress before maintenance fails it. Well beyond any task timeout,
// so only rows orphaned by a crash qualify.
const attemptStaleAfter = 6 * time.Hour

// Options inject collaborators a deployment (or a test) wants to
// provide itself. Every field may be zero; New then builds the
// component from config.
type Options struct {
	// Store overrides the database selected by config.
	Store store.Store

	// Provider overrides provider construction for the planner. Chat
	// turns always go through the worker pool regardless.
	Provider providers.Provider

	// Spawn overrides the worker process spawner.
	Spawn workerpool.SpawnFunc

	// ConfigPath is forwarded to re-executed worker processes.
	ConfigPath string

	// Sinks subscribe to the event stream in addition to the sinks
	// config enables.
	Sinks []events.Sink

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Runtime is the assembled execution core.
type Runtime struct {
	cfg *config.Config

	db       store.Store
	ownStore bool
	contexts *contextstore.Store
	registry *tools.Registry
	limiter  *ratelimit.Limiter
	cache    *startupcache.Cache
	pool     *workerpool.Pool
	planner  *planner.Planner
	exec     *executor.Executor
	emitter  *events.Emitter
	cron     *cron.Cron

	jsonl *os.File

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu     sync.Mutex
	closed bool
	turns  sync.WaitGroup

	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New assembles a Runtime from cfg. Call Start to begin filling the
// pool and running maintenance, and Close to tear everything down.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	r := &Runtime{
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}

	db := opts.Store
	if db == nil {
		opened, err := openStore(cfg.Database)
		if err != nil {
			return nil, err
		}
		db = opened
		r.ownStore = true
	}
	r.db = db

	r.contexts = contextstore.New(db, r.logger, r.metrics)

	r.registry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(r.registry, tools.BuiltinConfig{}); err != nil {
		r.closePartial()
		return nil, err
	}

	limiter, err := ratelimit.New(cfg.RateLimit, db, r.logger, r.metrics)
	if err != nil {
		r.closePartial()
		return nil, err
	}
	r.limiter = limiter

	r.emitter = events.NewEmitter(r.logger, r.metrics)
	for _, sink := range opts.Sinks {
		r.emitter.Subscribe(sink)
	}
	if cfg.Events.JSONLPath != "" {
		f, err := os.OpenFile(cfg.Events.JSONLPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			r.closePartial()
			return nil, fmt.Errorf("open event log: %w", err)
		}
		r.jsonl = f
		r.emitter.Subscribe(events.NewJSONLSink(f, r.logger))
	}

	r.cache = startupcache.New(r.logger, r.metrics)
	spawn := opts.Spawn
	if spawn == nil {
		binary, err := os.Executable()
		if err != nil {
			r.closePartial()
			return nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		args := []string{"worker"}
		if opts.ConfigPath != "" {
			args = append(args, "--config", opts.ConfigPath)
		}
		spawner := workerpool.NewProcessSpawner(binary, args, os.Environ(),
			cfg.Worker.InitTimeout, r.cache, r.logger, r.metrics)
		spawn = spawner.Spawn
	}
	r.pool = workerpool.New(cfg.Worker, spawn, r.logger, r.metrics)

	planProvider := opts.Provider
	planProviderName, planModel, err := config.SplitModelRef(cfg.LLM.PlanModel)
	if err != nil {
		r.closePartial()
		return nil, err
	}
	if planProvider == nil {
		planProvider, err = providers.New(planProviderName, providerConfig(cfg.LLM))
		if err != nil {
			r.closePartial()
			return nil, err
		}
	}
	r.planner = planner.New(planProvider, planModel, r.registry, r.logger, r.metrics, r.tracer)

	r.exec = executor.New(cfg.Executor, db, r.contexts, r.registry, r.emitter, r.logger, r.metrics, r.tracer)

	// Override changes reach workers as config_reload frames.
	r.limiter.OnReload(r.broadcastReload)

	r.cron = cron.New()
	if _, err := r.cron.AddFunc("@every 1h", r.maintenance); err != nil {
		r.closePartial()
		return nil, err
	}

	return r, nil
}

// Start fills the pool, watches the override sidecar, and starts the
// maintenance schedule.
func (r *Runtime) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.bgCancel = cancel

	r.pool.Start(bgCtx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if err := r.limiter.Watch(bgCtx); err != nil && ctx.Err() == nil && r.logger != nil {
			r.logger.Warn(bgCtx, "override watcher stopped", "error", err)
		}
	}()
	r.cron.Start()
}

// Registry exposes the tool registry so deployments can install their
// own tools before serving.
func (r *Runtime) Registry() *tools.Registry { return r.registry }

// Limiter exposes the rate limiter for status surfaces and override
// management.
func (r *Runtime) Limiter() *ratelimit.Limiter { return r.limiter }

// Events exposes the emitter so callers can subscribe streaming sinks.
func (r *Runtime) Events() *events.Emitter { return r.emitter }

// Close drains the runtime: new turns are rejected, in-flight turns
// finish, then the pool, schedule, and store shut down. Bounded by ctx.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("drain turns: %w", ctx.Err())
	}

	var firstErr error
	if err := r.pool.Close(ctx); err != nil {
		firstErr = err
	}
	if r.bgCancel != nil {
		r.bgCancel()
	}
	r.bg.Wait()
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	if r.jsonl != nil {
		r.jsonl.Close()
	}
	if r.ownStore {
		if err := r.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// beginTurn registers an in-flight turn, refusing once Close has begun.
func (r *Runtime) beginTurn() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.turns.Add(1)
	return nil
}

// broadcastReload pushes the current override set to every live worker.
func (r *Runtime) broadcastReload() {
	r.pool.Broadcast(func(w *workerpool.Worker) error {
		return w.Conn().Write(&ipc.Frame{Type: ipc.FrameConfigReload})
	})
}

// maintenance drops rate-limit rows old enough that no window can
// still cover them and fails attempt rows orphaned by a crash.
func (r *Runtime) maintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := r.db.PruneRateLimitUsage(ctx, time.Now().Add(-usageRetention))
	if err != nil {
		if r.logger != nil {
			r.logger.Warn(ctx, "usage prune failed", "error", err)
		}
	} else if n > 0 && r.logger != nil {
		r.logger.Debug(ctx, "pruned rate limit usage", "rows", n)
	}

	n, err = r.db.FailStaleTaskAttempts(ctx, time.Now().Add(-attemptStaleAfter))
	if err != nil {
		if r.logger != nil {
			r.logger.Warn(ctx, "stale attempt sweep failed", "error", err)
		}
	} else if n > 0 && r.logger != nil {
		r.logger.Warn(ctx, "failed stale task attempts", "rows", n)
	}
}

// closePartial releases what New had built before it failed.
func (r *Runtime) closePartial() {
	if r.jsonl != nil {
		r.jsonl.Close()
	}
	if r.ownStore && r.db != nil {
		_ = r.db.Close()
	}
}

// openStore builds the configured persistence backend.
func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStoreFromDSN(cfg.URL, &store.PostgresConfig{
			MaxOpenConns:    cfg.MaxConnections,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
	case "sqlite":
		return store.NewSQLiteStore(cfg.Path)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// providerConfig flattens the per-provider credential map into the
// providers package's config.
func providerConfig(cfg config.LLMConfig) providers.Config {
	return providers.Config{
		AnthropicAPIKey:  cfg.Providers["anthropic"].APIKey,
		AnthropicBaseURL: cfg.Providers["anthropic"].BaseURL,
		OpenAIAPIKey:     cfg.Providers["openai"].APIKey,
		OpenAIBaseURL:    cfg.Providers["openai"].BaseURL,
		GeminiAPIKey:     cfg.Providers["gemini"].APIKey,
	}
}
