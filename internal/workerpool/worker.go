package workerpool

import (
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/ipc"
)

// Worker is a handle on one pooled worker process. The pool owns
// checkout state; the handle owns liveness and teardown.
type Worker struct {
	id   string
	conn *ipc.Conn

	// proc and exited are nil for in-process fakes.
	proc   *os.Process
	exited chan struct{}

	mu   sync.Mutex
	dead bool
}

// NewWorker wraps an initialized worker. exited, when non-nil, must be
// closed when the process exits.
func NewWorker(id string, conn *ipc.Conn, proc *os.Process, exited chan struct{}) *Worker {
	return &Worker{id: id, conn: conn, proc: proc, exited: exited}
}

// ID returns the worker's pool-unique identifier.
func (w *Worker) ID() string { return w.id }

// Conn returns the parent side of the worker's frame stream.
func (w *Worker) Conn() *ipc.Conn { return w.conn }

// Alive reports whether the worker is still usable.
func (w *Worker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false
	}
	if w.exited != nil {
		select {
		case <-w.exited:
			w.dead = true
			return false
		default:
		}
	}
	return true
}

// MarkDead flags the worker as unusable; the pool discards it on the
// next release.
func (w *Worker) MarkDead() {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
}

// terminate asks the child to stop, waits out the grace period, then
// kills it. Safe on dead workers.
func (w *Worker) terminate(grace time.Duration) {
	_ = w.conn.Write(&ipc.Frame{Type: ipc.FrameStop})

	if w.exited != nil {
		select {
		case <-w.exited:
		case <-time.After(grace):
			if w.proc != nil {
				_ = w.proc.Kill()
			}
		}
	}
	w.MarkDead()
	_ = w.conn.Close()
}
