// Package cache implements the two-tier response cache described in
// spec.md §4.2: a bounded, FIFO-evicting memory tier in front of an
// unbounded durable tier with per-entry TTL. Only GET responses are
// ever read from or written to it; callers are responsible for that
// filtering (transport/hevyclient never call Get/Put for non-GET
// requests).
package cache

import (
	"container/list"
	"sync"
	"time"

	"hevysync.dev/agent/internal/logging"
	"hevysync.dev/agent/kv"
	"hevysync.dev/agent/ratelimit"
)

// Cache composes a bounded in-memory tier, ordered by first insertion,
// with a durable tier supplied by the caller (normally a kv.DurableCache
// backed by bbolt). The memory tier intentionally evicts FIFO rather
// than LRU: a Get never reorders an entry, only a first Put does.
type Cache struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	durable kv.DurableCache
	log     *logging.ContextLogger

	order   *list.List               // front = oldest
	entries map[string]*list.Element // fingerprint -> element
}

type entry struct {
	key     string
	payload []byte
}

// Config configures a Cache.
type Config struct {
	Max     int
	TTL     time.Duration
	Durable kv.DurableCache
	Log     *logging.ContextLogger
}

// New constructs a Cache. Max must be positive; it is the memory tier's
// maximum cardinality (CACHE_MAX in spec.md §6).
func New(cfg Config) *Cache {
	return &Cache{
		max:     cfg.Max,
		ttl:     cfg.TTL,
		durable: cfg.Durable,
		log:     cfg.Log,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached payload for fingerprint, checking the memory
// tier first and falling back to the durable tier. A durable hit
// repopulates memory (subject to the same FIFO eviction as Put). A
// durable entry that fails to deserialize is treated as corrupt: it is
// removed and a miss is returned, per spec.md §4.2.
func (c *Cache) Get(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	if el, ok := c.entries[fingerprint]; ok {
		payload := el.Value.(*entry).payload
		c.mu.Unlock()
		return payload, true
	}
	c.mu.Unlock()

	if c.durable == nil {
		return nil, false
	}
	payload, found, err := c.durable.Get(fingerprint)
	if err != nil {
		c.logf("durable cache read failed for %q: %v", fingerprint, err)
		_ = c.durable.Delete(fingerprint)
		return nil, false
	}
	if !found {
		return nil, false
	}

	c.insertMemory(fingerprint, payload)
	return payload, true
}

// Put stores payload under fingerprint in both tiers. The memory tier
// evicts its earliest-inserted entry if this key is new and the tier is
// already at capacity. A durable write failure is logged, not returned:
// the memory tier remains authoritative for this process's lifetime.
func (c *Cache) Put(fingerprint string, payload []byte) {
	c.insertMemory(fingerprint, payload)

	if c.durable == nil {
		return
	}
	if err := c.durable.Put(fingerprint, payload, c.ttl); err != nil {
		c.logf("durable cache write failed for %q: %v", fingerprint, err)
	}
}

// Clear drops every memory entry and best-effort removes the
// corresponding durable keys, plus the rate-limit snapshot key per
// spec.md §4.2. The durable tier is not globally enumerable, so entries
// never pulled into memory during this process's lifetime (other than
// the well-known snapshot key) are left to expire by TTL.
func (c *Cache) Clear() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries)+1)
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.order = list.New()
	c.entries = make(map[string]*list.Element)
	c.mu.Unlock()

	keys = append(keys, ratelimit.SnapshotKey)

	if c.durable == nil {
		return
	}
	for _, k := range keys {
		if err := c.durable.Delete(k); err != nil {
			c.logf("durable cache clear failed for %q: %v", k, err)
		}
	}
}

// Len reports the current memory tier cardinality, for tests asserting
// the |memory| <= CACHE_MAX invariant.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) insertMemory(fingerprint string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		el.Value.(*entry).payload = payload
		return
	}

	if c.max > 0 && len(c.entries) >= c.max {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
		}
	}

	el := c.order.PushBack(&entry{key: fingerprint, payload: payload})
	c.entries[fingerprint] = el
}

func (c *Cache) logf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Warnf(format, args...)
	}
}
