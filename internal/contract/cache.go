package contract

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the number of rule sets a CachedSource retains.
const DefaultCacheSize = 256

// CachedSource memoizes a Source. Concurrent loads of the same id@version
// are coalesced into one underlying call. The cache is bounded; when full,
// the oldest entry is evicted. Failures are never cached.
//
// Rule sets are immutable, so a cached entry never goes stale.
type CachedSource struct {
	src   Source
	limit int

	group singleflight.Group

	mu      sync.Mutex
	entries map[Ref]*RuleSet
	order   []Ref // insertion order, oldest first
}

// NewCachedSource wraps src with a cache of at most limit entries.
// limit <= 0 selects DefaultCacheSize.
func NewCachedSource(src Source, limit int) *CachedSource {
	if limit <= 0 {
		limit = DefaultCacheSize
	}
	return &CachedSource{
		src:     src,
		limit:   limit,
		entries: make(map[Ref]*RuleSet),
	}
}

// LoadRuleSet implements Source.
func (c *CachedSource) LoadRuleSet(ctx context.Context, id, version string) (*RuleSet, error) {
	ref := Ref{ID: id, Version: version}

	c.mu.Lock()
	rs, ok := c.entries[ref]
	c.mu.Unlock()
	if ok {
		return rs, nil
	}

	v, err, _ := c.group.Do(ref.String(), func() (any, error) {
		loaded, err := c.src.LoadRuleSet(ctx, id, version)
		if err != nil {
			return nil, err
		}
		// The wrapped source may not enforce status.
		if err := checkActive(loaded); err != nil {
			return nil, err
		}
		c.store(ref, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RuleSet), nil
}

func (c *CachedSource) store(ref Ref, rs *RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[ref]; exists {
		return
	}
	if len(c.order) >= c.limit {
		oldest := c.order[0]
		c.order[0] = Ref{}
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[ref] = rs
	c.order = append(c.order, ref)
}

// Len returns the number of cached rule sets.
func (c *CachedSource) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close drops every cached entry.
func (c *CachedSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Ref]*RuleSet)
	c.order = nil
	return nil
}
