// Package cache provides an in-memory store of backend results with
// freshness evaluated at lookup time.
//
// Unlike a conventional expiring cache, an entry does not carry its own TTL:
// each Get supplies the staleness tolerance of its caller. The same entry can
// therefore be fresh for a metadata caller (long TTL) and stale for a live
// data caller (short TTL) without duplicate storage. There is no background
// sweeper; stale entries are skipped on read and overwritten on the next
// successful write.
package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// Entry is a single cached value with the time it was stored.
// Entries are immutable once written; Set replaces value and timestamp
// together, never partially.
type Entry struct {
	// Value is the cached JSON value.
	Value json.RawMessage

	// StoredAt is when the entry was written.
	StoredAt time.Time

	// cap limits the freshness window regardless of the TTL a reader
	// supplies. Zero means uncapped. Used for briefly-cached errors.
	cap time.Duration
}

// freshFor reports whether the entry is still fresh for a reader with the
// given staleness tolerance at time now.
func (e Entry) freshFor(ttl time.Duration, now time.Time) bool {
	if e.cap > 0 && e.cap < ttl {
		ttl = e.cap
	}
	return now.Sub(e.StoredAt) < ttl
}

// Cache is a keyed store of results. Safe for concurrent use by many
// readers and the single worker that writes.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	// now is replaceable in tests.
	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Get returns the value stored under key if it is still fresh for a caller
// that tolerates the given ttl. Freshness is computed at call time from the
// entry's write timestamp, not from a TTL fixed at write time.
func (c *Cache) Get(key string, ttl time.Duration) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !e.freshFor(ttl, c.now()) {
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key, replacing any previous entry wholesale.
func (c *Cache) Set(key string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Value: value, StoredAt: c.now()}
}

// SetCapped stores value under key with a hard upper bound on its freshness
// window. Readers whose TTL exceeds cap see the entry expire after cap.
// The worker uses this to cache failed calls briefly so an immediate retry
// storm is avoided without poisoning the key for the full class TTL.
func (c *Cache) SetCapped(key string, value json.RawMessage, cap time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Value: value, StoredAt: c.now(), cap: cap}
}

// Delete removes the entry stored under key, if any.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear discards every entry unconditionally. Used for manual invalidation.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Snapshot returns a copy of all entries that are still fresh for the given
// ttl. Observability only; the returned map is not shared with the cache.
func (c *Cache) Snapshot(ttl time.Duration) map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		if e.freshFor(ttl, now) {
			out[k] = e
		}
	}
	return out
}

// Len returns the number of entries, fresh or stale.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
