package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// ChannelSink buffers events on a channel for a streaming consumer
// (the SSE layer, a test). When the buffer is full the event is
// dropped and counted; the executor never blocks on a slow reader.
type ChannelSink struct {
	ch      chan *models.Event
	dropped atomic.Uint64
	metrics *observability.Metrics

	closeOnce sync.Once
}

// NewChannelSink creates a sink with the given buffer size. metrics
// may be nil.
func NewChannelSink(buffer int, metrics *observability.Metrics) *ChannelSink {
	if buffer < 1 {
		buffer = 64
	}
	return &ChannelSink{
		ch:      make(chan *models.Event, buffer),
		metrics: metrics,
	}
}

// Emit enqueues ev, dropping it when the buffer is full.
func (s *ChannelSink) Emit(ev *models.Event) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.EventsDropped.Inc()
		}
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan *models.Event {
	return s.ch
}

// Dropped returns how many events the sink has discarded.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the channel. Emit after Close would panic; unsubscribe
// from the emitter first.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// JSONLSink writes one JSON object per line, the transport format the
// event stream speaks to clients.
type JSONLSink struct {
	mu     sync.Mutex
	w      io.Writer
	logger *observability.Logger
}

// NewJSONLSink creates a sink writing to w. logger may be nil.
func NewJSONLSink(w io.Writer, logger *observability.Logger) *JSONLSink {
	return &JSONLSink{w: w, logger: logger}
}

// Emit writes ev as one line of JSON. Encoding or write failures are
// logged and swallowed; event delivery is best-effort.
func (s *JSONLSink) Emit(ev *models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(context.Background(), "event encode failed", "type", string(ev.Type), "error", err)
		}
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil && s.logger != nil {
		s.logger.Warn(context.Background(), "event write failed", "type", string(ev.Type), "error", err)
	}
}

// SlogSink mirrors events into the debug log, for development runs.
type SlogSink struct {
	logger *observability.Logger
}

// NewSlogSink creates a sink logging through logger.
func NewSlogSink(logger *observability.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Emit logs ev at debug level.
func (s *SlogSink) Emit(ev *models.Event) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(context.Background(), "event",
		"type", string(ev.Type),
		"seq", ev.Sequence,
		"chat_id", ev.ChatID,
		"plan_id", ev.PlanID,
		"task_id", ev.TaskID,
	)
}
