package contextstore

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

func TestCommitDeterministicID(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	ops := []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "greeting", Content: "hello"},
	}

	first, err := s.Commit(ctx, "chat-1", "", ops, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if !strings.HasPrefix(first, "ctx_") {
		t.Errorf("ctx id = %q, want ctx_ prefix", first)
	}

	second, err := s.Commit(ctx, "chat-1", "", ops, nil)
	if err != nil {
		t.Fatalf("Commit() retry error = %v", err)
	}
	if second != first {
		t.Errorf("same (base, ops) produced %q then %q", first, second)
	}

	entries, err := s.List(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("oplog rows = %d, want 1 (re-commit must not duplicate)", len(entries))
	}
}

func TestCommitEmptyOpsReturnsBase(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	id, err := s.Commit(ctx, "chat-1", "", nil, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if id != "" {
		t.Errorf("empty ops on empty base = %q, want \"\"", id)
	}

	base, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "a", Content: "1"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	id, err = s.Commit(ctx, "chat-1", base, nil, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if id != base {
		t.Errorf("empty ops = %q, want base %q unchanged", id, base)
	}

	entries, err := s.List(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("oplog rows = %d, want 1 (empty ops must not write)", len(entries))
	}
}

func TestCommitRejectsInvalidOps(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		chatID string
		ops    []models.ContextOp
	}{
		{
			name:   "unknown kind",
			chatID: "chat-1",
			ops:    []models.ContextOp{{Kind: "merge", Key: "a", Content: "1"}},
		},
		{
			name:   "empty key",
			chatID: "chat-1",
			ops:    []models.ContextOp{{Kind: models.ContextOpSet, Key: "", Content: "1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Commit(ctx, tt.chatID, "", tt.ops, nil)
			if !IsInvalidOp(err) {
				t.Errorf("Commit() error = %v, want InvalidOpError", err)
			}
		})
	}

	_, err := s.Commit(ctx, "", "", []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "a", Content: "1"},
	}, nil)
	if err == nil {
		t.Error("Commit() without chat ID succeeded, want error")
	}
}

func TestCommitDistinguishesBaseAndOrder(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	setA := models.ContextOp{Kind: models.ContextOpSet, Key: "a", Content: "1"}
	setB := models.ContextOp{Kind: models.ContextOpSet, Key: "b", Content: "2"}

	ab, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{setA, setB}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	ba, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{setB, setA}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if ab == ba {
		t.Error("op order must change the ctx id")
	}

	rebased, err := s.Commit(ctx, "chat-1", ab, []models.ContextOp{setA, setB}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if rebased == ab {
		t.Error("base must change the ctx id")
	}
}

func TestSnapshotMaterializesLineage(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	c1, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "greeting", Content: "hello"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	c2, err := s.Commit(ctx, "chat-1", c1, []models.ContextOp{
		{Kind: models.ContextOpAppend, Key: "greeting", Content: " world"},
		{Kind: models.ContextOpSet, Key: "lang", Content: "en"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	c3, err := s.Commit(ctx, "chat-1", c2, []models.ContextOp{
		{Kind: models.ContextOpDelete, Key: "lang"},
		{Kind: models.ContextOpSet, Key: "done", Content: "yes"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := s.Snapshot(ctx, c3)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	want := map[string]string{"greeting": "hello world", "done": "yes"}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Snapshot()[%q] = %q, want %q", k, got[k], v)
		}
	}

	earlier, err := s.Snapshot(ctx, c1)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if earlier["greeting"] != "hello" || len(earlier) != 1 {
		t.Errorf("Snapshot(c1) = %v, want only greeting=hello", earlier)
	}

	empty, err := s.Snapshot(ctx, "")
	if err != nil {
		t.Fatalf("Snapshot(\"\") error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Snapshot(\"\") = %v, want empty", empty)
	}
}

func TestSnapshotBrokenLineage(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)

	_, err := s.Snapshot(context.Background(), "ctx_missing")
	if err == nil {
		t.Fatal("Snapshot() of unknown id succeeded, want error")
	}
	if !store.IsNotFound(err) {
		t.Errorf("Snapshot() error = %v, want not-found", err)
	}
}

func TestSnapshotReturnsIsolatedCopies(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	id, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "a", Content: "1"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	first, err := s.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	first["a"] = "tampered"
	first["b"] = "injected"

	second, err := s.Snapshot(ctx, id)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if second["a"] != "1" || len(second) != 1 {
		t.Errorf("Snapshot() = %v, caller mutation leaked into the store", second)
	}
}

type countingStore struct {
	store.Store
	gets int
}

func (c *countingStore) GetOplog(ctx context.Context, ctxID string) (*models.OplogEntry, error) {
	c.gets++
	return c.Store.GetOplog(ctx, ctxID)
}

func TestSnapshotMemoizesLineage(t *testing.T) {
	backing := &countingStore{Store: store.NewMemoryStore()}
	s := New(backing, nil, nil)
	ctx := context.Background()

	c1, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "a", Content: "1"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	c2, err := s.Commit(ctx, "chat-1", c1, []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "b", Content: "2"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := s.Snapshot(ctx, c2); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if backing.gets != 2 {
		t.Fatalf("first snapshot read %d oplog rows, want 2", backing.gets)
	}

	if _, err := s.Snapshot(ctx, c2); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := s.Snapshot(ctx, c1); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if backing.gets != 2 {
		t.Errorf("memoized snapshots read %d oplog rows, want 2", backing.gets)
	}
}

func TestApplyEdgeCases(t *testing.T) {
	entries := map[string]string{"keep": "x"}

	Apply(entries, []models.ContextOp{
		{Kind: models.ContextOpAppend, Key: "fresh", Content: "created"},
		{Kind: models.ContextOpDelete, Key: "absent"},
	})

	if entries["fresh"] != "created" {
		t.Errorf("append to absent key = %q, want %q", entries["fresh"], "created")
	}
	if entries["keep"] != "x" || len(entries) != 2 {
		t.Errorf("entries = %v, want keep=x and fresh=created", entries)
	}
}

func TestListNewestFirst(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	c1, err := s.Commit(ctx, "chat-1", "", []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "a", Content: "1"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	c2, err := s.Commit(ctx, "chat-1", c1, []models.ContextOp{
		{Kind: models.ContextOpSet, Key: "b", Content: "2"},
	}, nil)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	entries, err := s.List(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
	if entries[0].CtxID != c2 || entries[1].CtxID != c1 {
		t.Errorf("List() order = [%s, %s], want newest first", entries[0].CtxID, entries[1].CtxID)
	}
}
