// Package workerpool maintains the target number of ready worker
// processes and hands them out FIFO. Checked-out workers do not count
// against the target: every checkout immediately owes a background
// replacement spawn. Filling happens in waves bounded by the
// parallel-spawn cap; consecutive failures narrow the wave to one and
// back off exponentially; a success resets both. A worker that dies
// while checked out is discarded on release.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/retry"
)

// SpawnFunc brings up one worker and blocks until its init completes.
// The pool never inspects how; process management lives behind this
// seam.
type SpawnFunc func(ctx context.Context) (*Worker, error)

// terminateGrace is how long Close waits after the stop frame before
// killing a child.
const terminateGrace = 5 * time.Second

// topUpInterval paces the opportunistic background check for dead or
// missing workers.
const topUpInterval = time.Second

// Pool owns the ready queue and the spawn state machine.
type Pool struct {
	cfg     config.WorkerConfig
	spawn   SpawnFunc
	logger  *observability.Logger
	metrics *observability.Metrics

	// sleep is a test seam for backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	ready    []*Worker
	busy     map[string]*Worker
	spawning int
	fails    int // consecutive spawn failures
	backoffN int // backoff steps taken since crossing the threshold
	closed   bool
	waiters  []chan *Worker

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool; Start begins filling it. logger and metrics may
// be nil.
func New(cfg config.WorkerConfig, spawn SpawnFunc, logger *observability.Logger, metrics *observability.Metrics) *Pool {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.MaxParallelSpawn < 1 {
		cfg.MaxParallelSpawn = 1
	}
	if cfg.MaxParallelSpawn > cfg.PoolSize {
		cfg.MaxParallelSpawn = cfg.PoolSize
	}
	return &Pool{
		cfg:     cfg,
		spawn:   spawn,
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
		busy:    map[string]*Worker{},
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background filler. ctx cancellation stops
// filling but does not close the pool.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fillLoop(ctx)
	}()
}

// Acquire hands out an idle worker FIFO and kicks the filler so a
// replacement spawn starts right away. With none ready and no spawn in
// flight it attempts one emergency spawn immediately; the spawn
// bypasses the backoff wave but its failure still feeds the backoff
// state. With spawns already in flight, Acquire blocks until a worker
// lands or ctx cancels.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if w := p.popReadyLocked(); w != nil {
			p.busy[w.ID()] = w
			p.mu.Unlock()
			p.gauges()
			p.kick()
			return w, nil
		}

		if p.spawning == 0 {
			p.spawning++
			p.mu.Unlock()

			w, err := p.spawn(ctx)
			p.mu.Lock()
			p.spawning--
			if err == nil && p.closed {
				p.mu.Unlock()
				w.terminate(terminateGrace)
				return nil, ErrPoolClosed
			}
			if err == nil {
				p.fails = 0
				p.backoffN = 0
				p.busy[w.ID()] = w
				p.mu.Unlock()
				p.countSpawn("success", "emergency")
				p.gauges()
				p.kick()
				return w, nil
			}
			p.fails++
			p.mu.Unlock()
			p.countSpawn("failure", "emergency")
			if p.logger != nil {
				p.logger.Warn(ctx, "emergency spawn failed", "error", err)
			}
			// Fall through: a release may still arrive.
		} else {
			p.mu.Unlock()
		}

		waiter := make(chan *Worker, 1)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		// A worker may have been released while we were spawning.
		if w := p.popReadyLocked(); w != nil {
			p.busy[w.ID()] = w
			p.mu.Unlock()
			p.gauges()
			p.kick()
			return w, nil
		}
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()
		p.kick()

		select {
		case w := <-waiter:
			if w == nil {
				return nil, ErrPoolClosed
			}
			p.mu.Lock()
			p.busy[w.ID()] = w
			p.mu.Unlock()
			p.gauges()
			p.kick()
			return w, nil
		case <-ctx.Done():
			p.dropWaiter(waiter)
			return nil, ctx.Err()
		}
	}
}

// Release returns a worker to the ready queue. Dead workers are
// discarded. A live worker returning to a queue already at target is
// surplus (its replacement spawned at checkout) and is terminated.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	delete(p.busy, w.ID())
	if p.closed {
		p.mu.Unlock()
		w.terminate(terminateGrace)
		return
	}
	if !w.Alive() {
		p.mu.Unlock()
		_ = w.conn.Close()
		p.gauges()
		p.kick()
		return
	}
	if handed := p.handToWaiterLocked(w); handed {
		p.mu.Unlock()
		return
	}
	if len(p.ready) >= p.cfg.PoolSize {
		p.mu.Unlock()
		w.terminate(terminateGrace)
		p.gauges()
		return
	}
	p.ready = append(p.ready, w)
	p.mu.Unlock()
	p.gauges()
}

// Close stops intake, terminates every worker, and waits for the
// filler, bounded by ctx.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := append([]*Worker(nil), p.ready...)
	for _, w := range p.busy {
		workers = append(workers, w)
	}
	p.ready = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopCh)
	for _, waiter := range waiters {
		waiter <- nil
	}
	for _, w := range workers {
		w.terminate(terminateGrace)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool close: %w", ctx.Err())
	}
}

// Broadcast writes a frame to every live worker, ready and busy.
func (p *Pool) Broadcast(write func(*Worker) error) {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.ready...)
	for _, w := range p.busy {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		if !w.Alive() {
			continue
		}
		if err := write(w); err != nil && p.logger != nil {
			p.logger.Warn(context.Background(), "worker broadcast failed", "worker_id", w.ID(), "error", err)
		}
	}
}

// Stats reports the pool's current shape.
func (p *Pool) Stats() (ready, busy, spawning int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready), len(p.busy), p.spawning
}

// fillLoop keeps the pool at target in waves.
func (p *Pool) fillLoop(ctx context.Context) {
	for {
		width, backoff := p.nextWave()
		if width == 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-p.wake:
			case <-time.After(topUpInterval):
			}
			continue
		}
		if backoff > 0 {
			if err := p.sleep(ctx, backoff); err != nil {
				p.unreserve(width)
				return
			}
		}

		var wg sync.WaitGroup
		for i := 0; i < width; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.spawnForQueue(ctx)
			}()
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}
	}
}

// nextWave reserves the next fill step: zero width parks the filler.
// Past the slow-start threshold the wave narrows to one attempt with
// an exponential delay in front of it; before the threshold failures
// retry at full width immediately.
func (p *Pool) nextWave() (width int, backoff time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, 0
	}
	missing := p.cfg.PoolSize - p.countLocked()
	if missing <= 0 {
		return 0, 0
	}
	if p.fails >= p.cfg.SlowStartThreshold && p.cfg.SlowStartThreshold > 0 {
		p.spawning++
		p.backoffN++
		d := retry.Backoff(p.backoffN, p.cfg.SpawnRetryDelay, p.cfg.SpawnRetryDelayMax, 2)
		return 1, d
	}
	width = p.cfg.MaxParallelSpawn
	if width > missing {
		width = missing
	}
	p.spawning += width
	return width, 0
}

func (p *Pool) unreserve(width int) {
	p.mu.Lock()
	p.spawning -= width
	p.mu.Unlock()
}

func (p *Pool) spawnForQueue(ctx context.Context) {
	w, err := p.spawn(ctx)

	p.mu.Lock()
	p.spawning--
	if err != nil {
		p.fails++
		p.mu.Unlock()
		p.countSpawn("failure", "fill")
		if p.logger != nil {
			p.logger.Warn(ctx, "worker spawn failed", "consecutive_failures", p.failCount(), "error", err)
		}
		return
	}
	if p.closed {
		p.mu.Unlock()
		w.terminate(terminateGrace)
		return
	}
	p.fails = 0
	p.backoffN = 0
	if !p.handToWaiterLocked(w) {
		if len(p.ready) >= p.cfg.PoolSize {
			// A release raced the spawn and filled the queue.
			p.mu.Unlock()
			w.terminate(terminateGrace)
			p.countSpawn("success", "fill")
			return
		}
		p.ready = append(p.ready, w)
	}
	p.mu.Unlock()
	p.countSpawn("success", "fill")
	p.gauges()
}

func (p *Pool) failCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fails
}

// countLocked is ready + in-flight spawns. Busy workers are excluded:
// a checkout owes a replacement, so the filler keeps refilling the
// ready queue while workers are out.
func (p *Pool) countLocked() int {
	return len(p.ready) + p.spawning
}

func (p *Pool) popReadyLocked() *Worker {
	for len(p.ready) > 0 {
		w := p.ready[0]
		p.ready = p.ready[1:]
		if w.Alive() {
			return w
		}
		_ = w.conn.Close()
	}
	return nil
}

func (p *Pool) handToWaiterLocked(w *Worker) bool {
	for len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		select {
		case waiter <- w:
			return true
		default:
			// Waiter abandoned (ctx cancel raced); try the next.
		}
	}
	return false
}

func (p *Pool) dropWaiter(waiter chan *Worker) {
	p.mu.Lock()
	for i, c := range p.waiters {
		if c == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// A worker may have been handed over concurrently; requeue it.
	select {
	case w := <-waiter:
		if w != nil {
			p.Release(w)
		}
	default:
	}
}

// kick nudges the filler without blocking.
func (p *Pool) kick() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) gauges() {
	if p.metrics == nil {
		return
	}
	ready, busy, _ := p.Stats()
	p.metrics.WorkersReady.Set(float64(ready))
	p.metrics.WorkersBusy.Set(float64(busy))
}

func (p *Pool) countSpawn(result, kind string) {
	if p.metrics != nil {
		p.metrics.WorkerSpawns.WithLabelValues(result, kind).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
