// Package contextstore manages immutable, content-addressed context
// snapshots. A snapshot is identified by a ctx id derived from its base
// snapshot and the ordered operations applied to it, so committing the
// same (base, ops) pair twice yields the same id and stores nothing
// new. Snapshots are never mutated; history is an append-only oplog.
package contextstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/store"
	"github.com/haasonsaas/loom/pkg/models"
)

// maxLineageDepth bounds the base-chain walk so corrupt rows cannot
// loop the materializer.
const maxLineageDepth = 10000

// memoLimit caps the materialized-snapshot cache.
const memoLimit = 256

// Store commits and materializes context snapshots on top of the oplog.
type Store struct {
	db      store.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	mu   sync.Mutex
	memo map[string]map[string]string
}

// New creates a context store backed by db. logger and metrics may be
// nil in tests.
func New(db store.Store, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		metrics: metrics,
		memo:    map[string]map[string]string{},
	}
}

// Commit derives the ctx id for ops applied to baseCtxID, persists the
// oplog entry, and returns the new id. Empty ops return baseCtxID
// unchanged without writing anything; a base of "" means the empty
// context. Re-committing an identical (base, ops) pair is a no-op that
// returns the same id.
func (s *Store) Commit(ctx context.Context, chatID, baseCtxID string, ops []models.ContextOp, meta map[string]any) (string, error) {
	if len(ops) == 0 {
		return baseCtxID, nil
	}
	if chatID == "" {
		return "", fmt.Errorf("chat ID is required")
	}
	for i, op := range ops {
		if !op.Kind.Valid() {
			return "", &InvalidOpError{Index: i, Kind: op.Kind, Reason: "unknown kind"}
		}
		if op.Key == "" {
			return "", &InvalidOpError{Index: i, Kind: op.Kind, Reason: "empty key"}
		}
	}

	ctxID := deriveID(baseCtxID, ops)
	entry := &models.OplogEntry{
		CtxID:     ctxID,
		BaseCtxID: baseCtxID,
		ChatID:    chatID,
		Ops:       ops,
		Meta:      meta,
	}
	start := time.Now()
	if err := s.db.AppendOplog(ctx, entry); err != nil {
		return "", fmt.Errorf("commit context: %w", err)
	}

	if s.metrics != nil {
		s.metrics.ContextCommits.Inc()
		s.metrics.DatabaseQueryDuration.WithLabelValues("insert", "context_oplog").Observe(time.Since(start).Seconds())
	}
	if s.logger != nil {
		s.logger.Debug(ctx, "context committed",
			"chat_id", chatID,
			"ctx_id", ctxID,
			"base_ctx_id", baseCtxID,
			"ops", len(ops),
		)
	}
	return ctxID, nil
}

// Snapshot materializes the context identified by ctxID by walking its
// lineage back to the root and applying each commit's ops in order. An
// empty id materializes as the empty context.
func (s *Store) Snapshot(ctx context.Context, ctxID string) (map[string]string, error) {
	if ctxID == "" {
		return map[string]string{}, nil
	}

	// Walk back until the root or a memoized ancestor.
	var chain []*models.OplogEntry
	base := map[string]string{}
	cur := ctxID
	for depth := 0; cur != ""; depth++ {
		if depth >= maxLineageDepth {
			return nil, fmt.Errorf("snapshot %s: lineage deeper than %d", ctxID, maxLineageDepth)
		}
		if cached, ok := s.cachedSnapshot(cur); ok {
			base = cached
			break
		}
		entry, err := s.db.GetOplog(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: lineage broken at %s: %w", ctxID, cur, err)
		}
		chain = append(chain, entry)
		cur = entry.BaseCtxID
	}

	// Apply forward, memoizing each intermediate snapshot.
	entries := cloneEntries(base)
	for i := len(chain) - 1; i >= 0; i-- {
		Apply(entries, chain[i].Ops)
		s.memoize(chain[i].CtxID, entries)
	}
	return entries, nil
}

// List returns the chat's committed snapshots, newest first.
func (s *Store) List(ctx context.Context, chatID string, limit int) ([]*models.OplogEntry, error) {
	return s.db.ListOplogByChat(ctx, chatID, limit)
}

// Apply mutates entries with ops in order: set replaces, append
// concatenates (creating absent keys), delete removes.
func Apply(entries map[string]string, ops []models.ContextOp) {
	for _, op := range ops {
		switch op.Kind {
		case models.ContextOpSet:
			entries[op.Key] = op.Content
		case models.ContextOpAppend:
			entries[op.Key] += op.Content
		case models.ContextOpDelete:
			delete(entries, op.Key)
		}
	}
}

func (s *Store) cachedSnapshot(ctxID string) (map[string]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.memo[ctxID]
	if !ok {
		return nil, false
	}
	return cloneEntries(cached), true
}

func (s *Store) memoize(ctxID string, entries map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.memo) >= memoLimit {
		for k := range s.memo {
			delete(s.memo, k)
			break
		}
	}
	s.memo[ctxID] = cloneEntries(entries)
}

func cloneEntries(entries map[string]string) map[string]string {
	clone := make(map[string]string, len(entries))
	for k, v := range entries {
		clone[k] = v
	}
	return clone
}

// deriveID hashes the canonical encoding of (base, ops). The encoding
// is fixed: field order, string escaping, and op order all come from
// the committed data, never from map iteration.
func deriveID(base string, ops []models.ContextOp) string {
	var buf bytes.Buffer
	buf.WriteString(`{"base":`)
	writeJSONString(&buf, base)
	buf.WriteString(`,"ops":[`)
	for i, op := range ops {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"kind":`)
		writeJSONString(&buf, string(op.Kind))
		buf.WriteString(`,"key":`)
		writeJSONString(&buf, op.Key)
		buf.WriteString(`,"content":`)
		writeJSONString(&buf, op.Content)
		buf.WriteByte('}')
	}
	buf.WriteString(`]}`)

	sum := sha256.Sum256(buf.Bytes())
	return "ctx_" + hex.EncodeToString(sum[:])
}

func writeJSONString(buf *bytes.Buffer, s string) {
	b, err := json.Marshal(s)
	if err != nil {
		buf.WriteString(`""`)
		return
	}
	buf.Write(b)
}
