// Package cache provides the per-process in-memory caches for hot lookups
// (credentials, LLM configs, personas, personality cascades) and the
// resolvers layered on them. Consistency across replicas comes from the
// invalidation bus; every entry additionally carries a TTL as a safety net,
// so a lost event degrades freshness by at most one TTL.
package cache

import (
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the production entry lifetime. Tests shrink it to observe
// expiry without waiting.
const DefaultTTL = 60 * time.Second

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a small mutex-guarded map with per-entry expiry. It is not
// size-bounded: the working set is one entry per active user or personality,
// and the TTL keeps stale entries from accumulating.
type TTLCache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

// NewTTLCache returns a cache with the given entry TTL; ttl <= 0 uses
// DefaultTTL.
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTLCache[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the cache's TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes a single entry. Removing an absent key is a no-op.
func (c *TTLCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeletePrefix removes every entry whose key starts with prefix. Used by
// user-scoped invalidations against composite keys ("user:personality").
func (c *TTLCache[V]) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// Clear drops all entries. clearAll events subsume narrower invalidations,
// so handlers may call this for any broad event.
func (c *TTLCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len returns the current entry count (expired entries included until they
// are touched). Intended for metrics.
func (c *TTLCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
