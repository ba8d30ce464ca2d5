package fanout

import (
	"sort"
	"sync"
	"time"
)

// dedupCache remembers recently fanned-out entities for a time window.
//
// Expired entries are evicted lazily on lookup, and the whole map is
// trimmed at most once per window. When the cache is over maxEntries after
// a trim, the oldest entries are dropped. Losing entries (restart, trim)
// only costs some duplicate fanout work.
//
// Thread-safety: all methods are safe for concurrent use.
type dedupCache struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	seen       map[string]time.Time
	lastTrim   time.Time
}

func newDedupCache(window time.Duration, maxEntries int) *dedupCache {
	return &dedupCache{
		window:     window,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
	}
}

// check reports whether key was recorded within the window before now.
// Otherwise it records key at now and returns false.
func (c *dedupCache) check(key string, now time.Time) bool {
	if c.window <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok {
		if now.Sub(at) < c.window {
			return true
		}
		delete(c.seen, key)
	}
	c.seen[key] = now

	if now.Sub(c.lastTrim) >= c.window || (c.maxEntries > 0 && len(c.seen) > c.maxEntries) {
		c.trimLocked(now)
	}
	return false
}

func (c *dedupCache) trimLocked(now time.Time) {
	c.lastTrim = now
	for k, at := range c.seen {
		if now.Sub(at) >= c.window {
			delete(c.seen, k)
		}
	}
	if c.maxEntries <= 0 || len(c.seen) <= c.maxEntries {
		return
	}

	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.seen))
	for k, at := range c.seen {
		all = append(all, aged{k, at})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].key < all[j].key
	})
	for _, a := range all[:len(all)-c.maxEntries] {
		delete(c.seen, a.key)
	}
}

// forget removes key, so the next request for it runs.
func (c *dedupCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *dedupCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]time.Time)
}
