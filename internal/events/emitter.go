// Package events fans execution-core events out to sinks. The emitter
// stamps a monotonic sequence on every event so consumers can order a
// stream that crosses goroutines; sinks are decoupled from emitters so
// a slow consumer never stalls the executor.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// Sink consumes events. Emit must not block; sinks that buffer are
// responsible for their own drop policy.
type Sink interface {
	Emit(ev *models.Event)
}

// Emitter stamps and dispatches events to every subscribed sink.
type Emitter struct {
	mu    sync.RWMutex
	sinks []Sink

	seq     atomic.Uint64
	logger  *observability.Logger
	metrics *observability.Metrics

	now func() time.Time
}

// NewEmitter creates an emitter. logger and metrics may be nil.
func NewEmitter(logger *observability.Logger, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Subscribe adds a sink. Subscribing after events have flowed is fine;
// the sink simply starts mid-stream.
func (e *Emitter) Subscribe(sink Sink) {
	if sink == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Unsubscribe removes a previously subscribed sink.
func (e *Emitter) Unsubscribe(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.sinks {
		if s == sink {
			e.sinks = append(e.sinks[:i], e.sinks[i+1:]...)
			return
		}
	}
}

// Emit stamps ev with version, time, and the next sequence number,
// then dispatches it to every sink. A panicking sink is logged and
// skipped; it cannot take the stream down.
func (e *Emitter) Emit(ev models.Event) {
	ev.Version = 1
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	ev.Sequence = e.seq.Add(1)

	e.mu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	for _, sink := range sinks {
		e.dispatch(sink, &ev)
	}
}

func (e *Emitter) dispatch(sink Sink, ev *models.Event) {
	defer func() {
		if r := recover(); r != nil && e.logger != nil {
			e.logger.Error(context.Background(), "event sink panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	sink.Emit(ev)
}

// Sequence returns the last sequence number handed out.
func (e *Emitter) Sequence() uint64 {
	return e.seq.Load()
}
