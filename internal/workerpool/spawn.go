package workerpool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/loom/internal/ipc"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/startupcache"
)

// ProcessSpawner launches worker OS processes by re-executing the own
// binary with the worker subcommand and a pipe pair on fds 3/4. A
// spawn succeeds when the child reports init complete within the
// timeout; the startup cache protocol is served during init.
type ProcessSpawner struct {
	binary      string
	args        []string
	env         []string
	initTimeout time.Duration

	cache   *startupcache.Cache
	logger  *observability.Logger
	metrics *observability.Metrics

	nextID atomic.Uint64
}

// NewProcessSpawner builds a spawner. binary is usually os.Executable;
// args the hidden worker subcommand. cache may be nil to disable the
// init memoization protocol.
func NewProcessSpawner(binary string, args []string, env []string, initTimeout time.Duration,
	cache *startupcache.Cache, logger *observability.Logger, metrics *observability.Metrics) *ProcessSpawner {
	if initTimeout <= 0 {
		initTimeout = 120 * time.Second
	}
	return &ProcessSpawner{
		binary:      binary,
		args:        args,
		env:         env,
		initTimeout: initTimeout,
		cache:       cache,
		logger:      logger,
		metrics:     metrics,
	}
}

// Spawn implements SpawnFunc.
func (s *ProcessSpawner) Spawn(ctx context.Context) (*Worker, error) {
	id := fmt.Sprintf("worker-%d", s.nextID.Add(1))
	start := time.Now()

	// parent→child and child→parent pipes; the child reads fd 3 and
	// writes fd 4.
	childRead, parentWrite, err := pipePair()
	if err != nil {
		return nil, &InitError{WorkerID: id, Err: err}
	}
	parentRead, childWrite, err := pipePair()
	if err != nil {
		closeAll(childRead, parentWrite)
		return nil, &InitError{WorkerID: id, Err: err}
	}

	cmd := exec.Command(s.binary, s.args...)
	cmd.Env = s.env
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childRead, childWrite}

	if err := cmd.Start(); err != nil {
		closeAll(childRead, parentWrite, parentRead, childWrite)
		return nil, &InitError{WorkerID: id, Err: fmt.Errorf("start %s: %w", s.binary, err)}
	}
	// The child holds its own copies now.
	childRead.Close()
	childWrite.Close()

	conn := ipc.NewConn(parentRead, parentWrite)
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	w := NewWorker(id, conn, cmd.Process, exited)

	if err := s.awaitInit(ctx, w); err != nil {
		_ = cmd.Process.Kill()
		_ = conn.Close()
		if s.cache != nil {
			s.cache.Disconnect(id)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.WorkerInitDuration.Observe(time.Since(start).Seconds())
	}
	if s.logger != nil {
		s.logger.Info(ctx, "worker ready", "worker_id", id, "init_seconds", time.Since(start).Seconds())
	}
	return w, nil
}

// awaitInit serves the startup cache protocol until init-complete, the
// deadline, or the child's death.
func (s *ProcessSpawner) awaitInit(ctx context.Context, w *Worker) error {
	done := make(chan error, 1)
	go func() {
		for {
			f, err := w.Conn().Read()
			if err != nil {
				done <- fmt.Errorf("worker stream: %w", err)
				return
			}
			switch f.Type {
			case ipc.FrameInitComplete:
				done <- nil
				return
			case ipc.FrameCacheRequest, ipc.FrameCacheUpdate, ipc.FrameCacheUpdateFailed:
				s.handleCacheFrame(w, f)
			default:
				if s.logger != nil {
					s.logger.Warn(context.Background(), "unexpected frame during worker init",
						"worker_id", w.ID(), "type", string(f.Type))
				}
			}
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			return &InitError{WorkerID: w.ID(), Err: err}
		}
		return nil
	case <-w.exited:
		return &InitError{WorkerID: w.ID(), Err: fmt.Errorf("worker exited during init")}
	case <-time.After(s.initTimeout):
		return &InitError{WorkerID: w.ID(), TimedOut: true, Err: fmt.Errorf("no init-complete within %s", s.initTimeout)}
	case <-ctx.Done():
		return &InitError{WorkerID: w.ID(), Err: ctx.Err()}
	}
}

func (s *ProcessSpawner) handleCacheFrame(w *Worker, f *ipc.Frame) {
	if s.cache == nil {
		// Without a cache every requester computes for itself.
		switch f.Type {
		case ipc.FrameCacheRequest:
			_ = w.Conn().Write(&ipc.Frame{Type: ipc.FrameCacheMiss, Key: f.Key})
		case ipc.FrameCacheUpdate, ipc.FrameCacheUpdateFailed:
			_ = w.Conn().Write(&ipc.Frame{Type: ipc.FrameCacheAck, Key: f.Key})
		}
		return
	}

	switch f.Type {
	case ipc.FrameCacheRequest:
		reply := s.cache.Request(w.ID(), f.Key, func(r startupcache.Reply) {
			_ = w.Conn().Write(cacheReplyFrame(f.Key, r))
		})
		_ = w.Conn().Write(cacheReplyFrame(f.Key, reply))

	case ipc.FrameCacheUpdate:
		if err := s.cache.Update(w.ID(), f.Key, f.Value); err != nil {
			_ = w.Conn().Write(&ipc.Frame{Type: ipc.FrameError, Key: f.Key, Error: err.Error()})
			return
		}
		_ = w.Conn().Write(&ipc.Frame{Type: ipc.FrameCacheAck, Key: f.Key})

	case ipc.FrameCacheUpdateFailed:
		s.cache.UpdateFailed(w.ID(), f.Key)
		// The failure report is acked like an update so the owner's
		// init never races the parent's bookkeeping.
		_ = w.Conn().Write(&ipc.Frame{Type: ipc.FrameCacheAck, Key: f.Key})
	}
}

func cacheReplyFrame(key string, r startupcache.Reply) *ipc.Frame {
	switch r.Kind {
	case startupcache.ReplyHit:
		return &ipc.Frame{Type: ipc.FrameCacheHit, Key: key, Value: r.Value}
	case startupcache.ReplyMiss:
		return &ipc.Frame{Type: ipc.FrameCacheMiss, Key: key}
	default:
		return &ipc.Frame{Type: ipc.FrameCacheWait, Key: key}
	}
}

func pipePair() (r, w *os.File, err error) {
	return os.Pipe()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
