// Package startupcache memoizes expensive worker init work across the
// pool. The first worker to ask for a key becomes its owner and
// computes the value; workers asking while the owner is in flight
// park; the owner's update releases them all with the cached value. An
// owner that fails or dies hands ownership to the first parked waiter,
// so one bad worker never wedges the rest of a spawn wave.
package startupcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/loom/internal/observability"
)

// ReplyKind is the parent's answer to a cache request.
type ReplyKind string

const (
	// ReplyHit carries the cached value.
	ReplyHit ReplyKind = "hit"

	// ReplyMiss makes the requester the owner: it must compute the
	// value and report back with Update or UpdateFailed.
	ReplyMiss ReplyKind = "miss"

	// ReplyWait parks the requester until the owner settles.
	ReplyWait ReplyKind = "wait"
)

// Reply is what a requester receives, immediately or after parking.
type Reply struct {
	Kind  ReplyKind
	Value []byte
}

// NotifyFunc delivers a deferred reply to a parked waiter or a
// promoted owner. It is called outside the cache lock.
type NotifyFunc func(Reply)

// Cache is the parent-side state machine, keyed by cache key.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	logger  *observability.Logger
	metrics *observability.Metrics
}

type entry struct {
	value    []byte
	hasValue bool

	// owner is the worker currently computing the value, "" when no
	// computation is in flight.
	owner   string
	waiters []waiter
}

type waiter struct {
	workerID string
	notify   NotifyFunc
}

// New creates an empty cache. logger and metrics may be nil.
func New(logger *observability.Logger, metrics *observability.Metrics) *Cache {
	return &Cache{
		entries: map[string]*entry{},
		logger:  logger,
		metrics: metrics,
	}
}

// Request resolves a worker's cache lookup. The returned reply is
// delivered immediately; when it is ReplyWait, notify fires later with
// the final hit (or a miss if the requester gets promoted to owner).
func (c *Cache) Request(workerID, key string, notify NotifyFunc) Reply {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		ent = &entry{}
		c.entries[key] = ent
	}

	switch {
	case ent.hasValue:
		value := ent.value
		c.mu.Unlock()
		c.count("hit")
		return Reply{Kind: ReplyHit, Value: value}

	case ent.owner == "":
		ent.owner = workerID
		c.mu.Unlock()
		c.count("miss")
		return Reply{Kind: ReplyMiss}

	default:
		ent.waiters = append(ent.waiters, waiter{workerID: workerID, notify: notify})
		c.mu.Unlock()
		c.count("wait")
		return Reply{Kind: ReplyWait}
	}
}

// Update stores the value computed by the owner and releases every
// waiter with a hit. A nil return is the ack the owner needs before it
// may proceed past init.
func (c *Cache) Update(workerID, key string, value []byte) error {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok || ent.owner != workerID {
		owner := ""
		if ok {
			owner = ent.owner
		}
		c.mu.Unlock()
		return fmt.Errorf("startup cache: update of %q by %s, owner is %q", key, workerID, owner)
	}

	ent.value = value
	ent.hasValue = true
	ent.owner = ""
	released := ent.waiters
	ent.waiters = nil
	c.mu.Unlock()

	c.count("update")
	for _, w := range released {
		if w.notify != nil {
			w.notify(Reply{Kind: ReplyHit, Value: value})
		}
	}
	if c.logger != nil {
		c.logger.Debug(context.Background(), "startup cache updated",
			"key", key, "owner", workerID, "released", len(released))
	}
	return nil
}

// UpdateFailed clears the failed owner and promotes the first waiter:
// it becomes the new owner and is notified with a miss so it computes
// the value itself. Remaining waiters keep waiting.
func (c *Cache) UpdateFailed(workerID, key string) {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok || ent.owner != workerID {
		c.mu.Unlock()
		return
	}
	promoted := c.promoteLocked(ent)
	c.mu.Unlock()

	c.count("promoted")
	if c.logger != nil {
		c.logger.Warn(context.Background(), "startup cache owner failed",
			"key", key, "owner", workerID, "promoted", promoted != nil)
	}
	if promoted != nil && promoted.notify != nil {
		promoted.notify(Reply{Kind: ReplyMiss})
	}
}

// Disconnect settles every interest the worker held: owned keys fail
// over to their first waiter, parked waits are abandoned.
func (c *Cache) Disconnect(workerID string) {
	c.mu.Lock()
	var promotions []waiter
	for _, ent := range c.entries {
		if ent.owner == workerID {
			if promoted := c.promoteLocked(ent); promoted != nil {
				promotions = append(promotions, *promoted)
			}
			continue
		}
		kept := ent.waiters[:0]
		for _, w := range ent.waiters {
			if w.workerID != workerID {
				kept = append(kept, w)
			}
		}
		ent.waiters = kept
	}
	c.mu.Unlock()

	for _, w := range promotions {
		c.count("promoted")
		if w.notify != nil {
			w.notify(Reply{Kind: ReplyMiss})
		}
	}
}

// promoteLocked hands ownership to the first waiter, or clears it when
// nobody is parked. Caller holds the lock and notifies after release.
func (c *Cache) promoteLocked(ent *entry) *waiter {
	ent.owner = ""
	if len(ent.waiters) == 0 {
		return nil
	}
	promoted := ent.waiters[0]
	ent.waiters = append([]waiter(nil), ent.waiters[1:]...)
	ent.owner = promoted.workerID
	return &promoted
}

// Value returns the cached value for key, if any.
func (c *Cache) Value(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok || !ent.hasValue {
		return nil, false
	}
	return ent.value, true
}

func (c *Cache) count(outcome string) {
	if c.metrics != nil {
		c.metrics.StartupCache.WithLabelValues(outcome).Inc()
	}
}
