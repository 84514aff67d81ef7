// Package worker is the child-process side of the pool: a frame loop
// over the pipe pair inherited from the parent. Init runs first, with
// expensive steps memoized through the startup cache; after
// init_complete the loop serves chat and plan_task requests, streaming
// deltas back as they arrive, until a stop frame or the parent closes
// the pipe.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/haasonsaas/loom/internal/ipc"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/ratelimit"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/startupcache"
	"github.com/haasonsaas/loom/pkg/models"
)

// InitStep is one unit of worker initialization. Compute is memoized
// through the startup cache under Key, so only the first worker of a
// generation pays for it; Apply installs the value, cached or fresh.
type InitStep struct {
	Key     string
	Compute func(ctx context.Context) ([]byte, error)
	Apply   func(value []byte) error
}

// Config tunes a Runner.
type Config struct {
	// Providers carries the credentials used to construct provider
	// clients on first use.
	Providers providers.Config

	// Retry is the model-call retry policy.
	Retry retry.Config

	// InitSteps run in order before init_complete is reported.
	InitSteps []InitStep
}

// Runner owns one worker process's frame loop.
type Runner struct {
	conn    *ipc.Conn
	cfg     Config
	limiter *ratelimit.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics

	// newProvider is a test seam over providers.New.
	newProvider func(name string) (providers.Provider, error)

	mu        sync.Mutex
	providers map[string]providers.Provider
	inflight  map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a Runner over conn. limiter, logger, and metrics may be
// nil; a nil limiter admits every call without accounting.
func New(conn *ipc.Conn, cfg Config, limiter *ratelimit.Limiter, logger *observability.Logger, metrics *observability.Metrics) *Runner {
	r := &Runner{
		conn:      conn,
		cfg:       cfg,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
		providers: map[string]providers.Provider{},
		inflight:  map[string]context.CancelFunc{},
	}
	r.newProvider = func(name string) (providers.Provider, error) {
		return providers.New(name, cfg.Providers)
	}
	return r
}

// Run is the process entry point: it opens the conventional child fds
// and serves until the parent stops the worker.
func Run(ctx context.Context, cfg Config, limiter *ratelimit.Limiter, logger *observability.Logger, metrics *observability.Metrics) error {
	conn := ipc.ChildConn()
	defer conn.Close()
	return New(conn, cfg, limiter, logger, metrics).Run(ctx)
}

// Run initializes the worker, reports init_complete, then serves
// frames until a stop frame, a clean pipe close, or a protocol error.
// In-flight requests are drained before returning.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.init(ctx); err != nil {
		_ = r.conn.Write(&ipc.Frame{Type: ipc.FrameError, Error: err.Error()})
		return err
	}
	if err := r.conn.Write(&ipc.Frame{Type: ipc.FrameInitComplete}); err != nil {
		return err
	}
	if r.logger != nil {
		r.logger.Info(ctx, "worker initialized")
	}

	for {
		f, err := r.conn.Read()
		if err != nil {
			r.wg.Wait()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch f.Type {
		case ipc.FrameChat:
			r.startChat(ctx, f)
		case ipc.FramePlanTask:
			r.startPlanTask(ctx, f)
		case ipc.FrameCancel:
			r.cancelRequest(f.ID)
		case ipc.FrameConfigReload:
			if r.limiter != nil {
				if err := r.limiter.ReloadOverrides(); err != nil && r.logger != nil {
					r.logger.Warn(ctx, "config reload failed", "error", err)
				}
			}
		case ipc.FrameStop:
			r.wg.Wait()
			return nil
		default:
			if r.logger != nil {
				r.logger.Warn(ctx, "unexpected frame", "type", string(f.Type), "id", f.ID)
			}
		}
	}
}

// init runs the configured steps, memoizing each through the startup
// cache. During init the worker owns the conn's read side, so the
// cache client reads replies inline.
func (r *Runner) init(ctx context.Context) error {
	if len(r.cfg.InitSteps) == 0 {
		return nil
	}
	client := startupcache.NewClient(r.conn)
	for _, step := range r.cfg.InitSteps {
		value, err := client.GetOrCompute(ctx, step.Key, step.Compute)
		if err != nil {
			return fmt.Errorf("init step %q: %w", step.Key, err)
		}
		if step.Apply != nil {
			if err := step.Apply(value); err != nil {
				return fmt.Errorf("init step %q: %w", step.Key, err)
			}
		}
	}
	return nil
}

func (r *Runner) startChat(ctx context.Context, f *ipc.Frame) {
	var req ipc.ChatRequest
	if err := f.DecodePayload(&req); err != nil {
		r.sendError(f.ID, err)
		return
	}
	r.launch(ctx, f.ID, func(ctx context.Context) {
		preq := providers.Request{
			System:    req.System,
			MaxTokens: req.MaxTokens,
		}
		for _, m := range req.Messages {
			preq.Messages = append(preq.Messages, providers.Message{
				Role:    models.Role(m.Role),
				Content: m.Content,
			})
		}
		r.complete(ctx, f.ID, req.Model, preq)
	})
}

func (r *Runner) startPlanTask(ctx context.Context, f *ipc.Frame) {
	var req ipc.PlanTaskRequest
	if err := f.DecodePayload(&req); err != nil {
		r.sendError(f.ID, err)
		return
	}
	r.launch(ctx, f.ID, func(ctx context.Context) {
		preq := providers.Request{
			Messages: []providers.Message{{Role: models.RoleUser, Content: req.Prompt}},
		}
		r.complete(ctx, f.ID, req.Model, preq)
	})
}

// complete runs one model call: reserve capacity, stream with retries,
// settle to actual usage, report result. modelRef is "provider:model".
func (r *Runner) complete(ctx context.Context, id, modelRef string, preq providers.Request) {
	provName, modelName, err := providers.ParseModel(modelRef)
	if err != nil {
		r.sendError(id, err)
		return
	}
	prov, err := r.provider(provName)
	if err != nil {
		r.sendError(id, err)
		return
	}
	preq.Model = modelName

	est := providers.EstimateTokens(prov, preq)
	var res *ratelimit.Reservation
	if r.limiter != nil {
		res, err = r.limiter.CheckAndReserve(ctx, provName, modelName, est)
		if err != nil {
			r.sendError(id, err)
			return
		}
	}

	handler := retry.New(r.cfg.Retry, r.logger, r.metrics, func(a retry.Attempt) {
		_ = r.conn.Send(ipc.FrameModelRetry, id, ipc.ModelRetry{
			Attempt: a.Number,
			Class:   string(a.Class),
			DelayMS: a.Delay.Milliseconds(),
			Model:   a.Model,
			Message: a.ErrorPreview,
		})
	})

	var comp *providers.Completion
	err = handler.Do(ctx, modelRef, func(ctx context.Context) error {
		c, err := prov.Stream(ctx, preq, func(delta string) {
			_ = r.conn.Send(ipc.FrameDelta, id, ipc.Delta{Text: delta})
		})
		if err != nil {
			return err
		}
		comp = c
		return nil
	})
	if err != nil {
		// The provisional token estimate stays reserved: the failed
		// call's true cost is unknown and the request count is spent.
		r.sendError(id, err)
		return
	}

	if r.limiter != nil {
		if err := r.limiter.Settle(ctx, res, comp.Usage.TotalTokens()); err != nil && r.logger != nil {
			r.logger.Warn(ctx, "rate limit settle failed", "error", err)
		}
	}
	_ = r.conn.Send(ipc.FrameResult, id, ipc.Result{
		Text:         comp.Text,
		Model:        comp.Model,
		StopReason:   comp.StopReason,
		InputTokens:  comp.Usage.InputTokens,
		OutputTokens: comp.Usage.OutputTokens,
	})
}

// provider returns the cached client for name, constructing it on
// first use.
func (r *Runner) provider(name string) (providers.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	p, err := r.newProvider(name)
	if err != nil {
		return nil, err
	}
	r.providers[name] = p
	return p, nil
}

// launch runs fn on its own goroutine under a cancel registered by
// frame ID, so a later cancel frame can abort it.
func (r *Runner) launch(ctx context.Context, id string, fn func(ctx context.Context)) {
	cctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.inflight[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		}()
		fn(cctx)
	}()
}

func (r *Runner) cancelRequest(id string) {
	r.mu.Lock()
	cancel := r.inflight[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) sendError(id string, err error) {
	_ = r.conn.Write(&ipc.Frame{Type: ipc.FrameError, ID: id, Error: err.Error()})
}
