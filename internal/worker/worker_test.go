package worker

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/ipc"
	"github.com/haasonsaas/loom/internal/providers"
	"github.com/haasonsaas/loom/internal/ratelimit"
	"github.com/haasonsaas/loom/internal/retry"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// pipePair builds connected parent/worker conns over in-process pipes.
func pipePair(t *testing.T) (parent, worker *ipc.Conn) {
	t.Helper()
	pr, cw := io.Pipe()
	cr, pw := io.Pipe()
	parent = ipc.NewConn(pr, pw)
	worker = ipc.NewConn(cr, cw)
	t.Cleanup(func() {
		parent.Close()
		worker.Close()
	})
	return parent, worker
}

type fakeProvider struct {
	name string

	mu       sync.Mutex
	requests []providers.Request

	// stream is invoked per call; attempt is 1-based.
	stream func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Stream(ctx context.Context, req providers.Request, onDelta providers.StreamFunc) (*providers.Completion, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	attempt := len(p.requests)
	p.mu.Unlock()
	return p.stream(ctx, attempt, onDelta)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(t *testing.T, i int) providers.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.requests) {
		t.Fatalf("request %d not recorded, have %d", i, len(p.requests))
	}
	return p.requests[i]
}

func oneShot(text string, in, out int64) func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
	return func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
		if onDelta != nil {
			onDelta(text)
		}
		return &providers.Completion{
			Text:       text,
			Model:      "m",
			StopReason: "end_turn",
			Usage:      providers.Usage{InputTokens: in, OutputTokens: out},
		}, nil
	}
}

// startRunner runs the worker loop in the background and returns its
// exit channel plus the parent conn.
func startRunner(t *testing.T, prov *fakeProvider, cfg Config, limiter *ratelimit.Limiter) (*ipc.Conn, chan error) {
	t.Helper()
	parent, workerConn := pipePair(t)
	r := New(workerConn, cfg, limiter, nil, nil)
	if prov != nil {
		r.newProvider = func(name string) (providers.Provider, error) {
			if name != prov.name {
				return nil, errors.New("unknown provider " + name)
			}
			return prov, nil
		}
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	return parent, done
}

func readFrame(t *testing.T, conn *ipc.Conn) *ipc.Frame {
	t.Helper()
	type result struct {
		f   *ipc.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.Read()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("read frame: %v", r.err)
		}
		return r.f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func expectFrame(t *testing.T, conn *ipc.Conn, want ipc.FrameType) *ipc.Frame {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != want {
		t.Fatalf("frame type = %s (error=%q), want %s", f.Type, f.Error, want)
	}
	return f
}

func stopRunner(t *testing.T, parent *ipc.Conn, done chan error) {
	t.Helper()
	if err := parent.Write(&ipc.Frame{Type: ipc.FrameStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestChatStreamsDeltasThenResult(t *testing.T) {
	prov := &fakeProvider{name: "anthropic"}
	prov.stream = func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
		onDelta("Hel")
		onDelta("lo")
		return &providers.Completion{
			Text:       "Hello",
			Model:      "claude-x",
			StopReason: "end_turn",
			Usage:      providers.Usage{InputTokens: 12, OutputTokens: 3},
		}, nil
	}
	parent, done := startRunner(t, prov, Config{}, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)

	err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		ChatID: "chat-1",
		Model:  "anthropic:claude-x",
		System: "be brief",
		Messages: []ipc.ChatMsg{
			{Role: "user", Content: "say hello"},
		},
	})
	if err != nil {
		t.Fatalf("send chat: %v", err)
	}

	var text strings.Builder
	for {
		f := readFrame(t, parent)
		switch f.Type {
		case ipc.FrameDelta:
			var d ipc.Delta
			if err := f.DecodePayload(&d); err != nil {
				t.Fatalf("decode delta: %v", err)
			}
			text.WriteString(d.Text)
			continue
		case ipc.FrameResult:
			if f.ID != "req-1" {
				t.Errorf("result ID = %q, want req-1", f.ID)
			}
			var res ipc.Result
			if err := f.DecodePayload(&res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.Text != "Hello" || res.StopReason != "end_turn" {
				t.Errorf("result = %+v", res)
			}
			if res.InputTokens != 12 || res.OutputTokens != 3 {
				t.Errorf("usage = %d/%d, want 12/3", res.InputTokens, res.OutputTokens)
			}
		default:
			t.Fatalf("unexpected %s frame", f.Type)
		}
		break
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q, want Hello", text.String())
	}

	req := prov.request(t, 0)
	if req.Model != "claude-x" {
		t.Errorf("provider model = %q, want claude-x", req.Model)
	}
	if req.System != "be brief" {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "say hello" {
		t.Errorf("messages = %+v", req.Messages)
	}

	stopRunner(t, parent, done)
}

func TestPlanTaskRunsPromptAsUserTurn(t *testing.T) {
	prov := &fakeProvider{name: "openai", stream: oneShot("done", 5, 2)}
	parent, done := startRunner(t, prov, Config{}, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)

	err := parent.Send(ipc.FramePlanTask, "task-1", ipc.PlanTaskRequest{
		ChatID: "chat-1",
		PlanID: "plan-1",
		TaskID: "summarize",
		Model:  "openai:gpt-x",
		Prompt: "summarize the notes",
	})
	if err != nil {
		t.Fatalf("send plan task: %v", err)
	}

	for {
		f := readFrame(t, parent)
		if f.Type == ipc.FrameDelta {
			continue
		}
		if f.Type != ipc.FrameResult {
			t.Fatalf("unexpected %s frame (error=%q)", f.Type, f.Error)
		}
		break
	}

	req := prov.request(t, 0)
	if len(req.Messages) != 1 {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Role != "user" || req.Messages[0].Content != "summarize the notes" {
		t.Errorf("message = %+v", req.Messages[0])
	}

	stopRunner(t, parent, done)
}

func TestRetryableFailureEmitsModelRetryFrame(t *testing.T) {
	prov := &fakeProvider{name: "anthropic"}
	prov.stream = func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
		if attempt == 1 {
			return nil, &providers.ProviderError{
				Class:    providers.FailureOverloaded,
				Provider: "anthropic",
				Message:  "overloaded",
			}
		}
		return oneShot("ok", 1, 1)(ctx, attempt, onDelta)
	}
	cfg := Config{Retry: retry.Config{
		MaxRetries: 2,
		Policy: retry.Policy{
			providers.FailureOverloaded: {time.Millisecond},
		},
	}}
	parent, done := startRunner(t, prov, cfg, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)
	if err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		Model:    "anthropic:claude-x",
		Messages: []ipc.ChatMsg{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	f := expectFrame(t, parent, ipc.FrameModelRetry)
	var mr ipc.ModelRetry
	if err := f.DecodePayload(&mr); err != nil {
		t.Fatalf("decode model_retry: %v", err)
	}
	if mr.Attempt != 1 || mr.Class != string(providers.FailureOverloaded) {
		t.Errorf("model_retry = %+v", mr)
	}
	if mr.Model != "anthropic:claude-x" {
		t.Errorf("model = %q", mr.Model)
	}

	for {
		f := readFrame(t, parent)
		if f.Type == ipc.FrameDelta {
			continue
		}
		if f.Type != ipc.FrameResult {
			t.Fatalf("unexpected %s frame (error=%q)", f.Type, f.Error)
		}
		break
	}
	if prov.calls() != 2 {
		t.Errorf("provider calls = %d, want 2", prov.calls())
	}

	stopRunner(t, parent, done)
}

func TestPermanentFailureReportedWithoutRetry(t *testing.T) {
	prov := &fakeProvider{name: "anthropic"}
	prov.stream = func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
		return nil, &providers.ProviderError{
			Class:   providers.FailurePermanent,
			Message: "invalid api key",
		}
	}
	parent, done := startRunner(t, prov, Config{}, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)
	if err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		Model:    "anthropic:claude-x",
		Messages: []ipc.ChatMsg{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	f := expectFrame(t, parent, ipc.FrameError)
	if f.ID != "req-1" {
		t.Errorf("error ID = %q, want req-1", f.ID)
	}
	if !strings.Contains(f.Error, "invalid api key") {
		t.Errorf("error = %q", f.Error)
	}
	if prov.calls() != 1 {
		t.Errorf("provider calls = %d, want 1", prov.calls())
	}

	stopRunner(t, parent, done)
}

func TestMalformedModelRefRejected(t *testing.T) {
	parent, done := startRunner(t, &fakeProvider{name: "anthropic"}, Config{}, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)
	if err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		Model:    "no-colon-here",
		Messages: []ipc.ChatMsg{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	f := expectFrame(t, parent, ipc.FrameError)
	if !strings.Contains(f.Error, "provider:model") {
		t.Errorf("error = %q", f.Error)
	}

	stopRunner(t, parent, done)
}

func TestCancelAbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	prov := &fakeProvider{name: "anthropic"}
	prov.stream = func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	parent, done := startRunner(t, prov, Config{}, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)
	if err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		Model:    "anthropic:claude-x",
		Messages: []ipc.ChatMsg{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("provider call never started")
	}
	if err := parent.Write(&ipc.Frame{Type: ipc.FrameCancel, ID: "req-1"}); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	f := expectFrame(t, parent, ipc.FrameError)
	if !strings.Contains(f.Error, context.Canceled.Error()) {
		t.Errorf("error = %q, want context cancellation", f.Error)
	}

	stopRunner(t, parent, done)
}

func TestInitStepMissComputesAndWaitsForAck(t *testing.T) {
	computed := make(chan struct{}, 1)
	var applied []byte
	cfg := Config{InitSteps: []InitStep{{
		Key: "schema",
		Compute: func(ctx context.Context) ([]byte, error) {
			computed <- struct{}{}
			return []byte("v1"), nil
		},
		Apply: func(value []byte) error {
			applied = value
			return nil
		},
	}}}
	parent, done := startRunner(t, &fakeProvider{name: "anthropic", stream: oneShot("x", 1, 1)}, cfg, nil)

	f := expectFrame(t, parent, ipc.FrameCacheRequest)
	if f.Key != "schema" {
		t.Fatalf("cache key = %q, want schema", f.Key)
	}
	if err := parent.Write(&ipc.Frame{Type: ipc.FrameCacheMiss, Key: "schema"}); err != nil {
		t.Fatalf("write miss: %v", err)
	}

	f = expectFrame(t, parent, ipc.FrameCacheUpdate)
	if string(f.Value) != "v1" {
		t.Fatalf("update value = %q, want v1", f.Value)
	}
	select {
	case <-computed:
	default:
		t.Fatalf("compute never ran")
	}
	if err := parent.Write(&ipc.Frame{Type: ipc.FrameCacheAck, Key: "schema"}); err != nil {
		t.Fatalf("write ack: %v", err)
	}

	expectFrame(t, parent, ipc.FrameInitComplete)
	if string(applied) != "v1" {
		t.Errorf("applied = %q, want v1", applied)
	}

	stopRunner(t, parent, done)
}

func TestInitStepHitSkipsCompute(t *testing.T) {
	var applied []byte
	cfg := Config{InitSteps: []InitStep{{
		Key: "schema",
		Compute: func(ctx context.Context) ([]byte, error) {
			t.Error("compute ran on a cache hit")
			return nil, nil
		},
		Apply: func(value []byte) error {
			applied = value
			return nil
		},
	}}}
	parent, done := startRunner(t, &fakeProvider{name: "anthropic", stream: oneShot("x", 1, 1)}, cfg, nil)

	f := expectFrame(t, parent, ipc.FrameCacheRequest)
	if err := parent.Write(&ipc.Frame{Type: ipc.FrameCacheHit, Key: f.Key, Value: []byte("cached")}); err != nil {
		t.Fatalf("write hit: %v", err)
	}

	expectFrame(t, parent, ipc.FrameInitComplete)
	if string(applied) != "cached" {
		t.Errorf("applied = %q, want cached", applied)
	}

	stopRunner(t, parent, done)
}

func TestSettleAdjustsReservationToActualUsage(t *testing.T) {
	limiter, err := ratelimit.New(config.RateLimitConfig{
		Scopes: map[string]config.ScopeLimits{
			"anthropic": {RPM: 100, TPM: 100000},
		},
	}, store.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}

	prov := &fakeProvider{name: "anthropic", stream: oneShot("out", 30, 12)}
	parent, done := startRunner(t, prov, Config{}, limiter)

	expectFrame(t, parent, ipc.FrameInitComplete)
	if err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		Model:    "anthropic:claude-x",
		Messages: []ipc.ChatMsg{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("send chat: %v", err)
	}

	for {
		f := readFrame(t, parent)
		if f.Type == ipc.FrameDelta {
			continue
		}
		if f.Type != ipc.FrameResult {
			t.Fatalf("unexpected %s frame (error=%q)", f.Type, f.Error)
		}
		break
	}

	requests, tokens, err := limiter.Usage(context.Background(), "anthropic", models.WindowMinute)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if requests != 1 {
		t.Errorf("requests = %d, want 1", requests)
	}
	// Settled to the provider's actual 30+12, not the chars/4 estimate.
	if tokens != 42 {
		t.Errorf("tokens = %d, want 42", tokens)
	}

	stopRunner(t, parent, done)
}

func TestStopDrainsInFlightRequests(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	prov := &fakeProvider{name: "anthropic"}
	prov.stream = func(ctx context.Context, attempt int, onDelta providers.StreamFunc) (*providers.Completion, error) {
		close(started)
		<-release
		return &providers.Completion{Text: "late", Usage: providers.Usage{OutputTokens: 1}}, nil
	}
	parent, done := startRunner(t, prov, Config{}, nil)

	expectFrame(t, parent, ipc.FrameInitComplete)
	if err := parent.Send(ipc.FrameChat, "req-1", ipc.ChatRequest{
		Model:    "anthropic:claude-x",
		Messages: []ipc.ChatMsg{{Role: "user", Content: "hi"}},
	}); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	<-started

	if err := parent.Write(&ipc.Frame{Type: ipc.FrameStop}); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	select {
	case err := <-done:
		t.Fatalf("runner exited before draining: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	f := expectFrame(t, parent, ipc.FrameResult)
	if f.ID != "req-1" {
		t.Errorf("result ID = %q", f.ID)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop after drain")
	}
}
