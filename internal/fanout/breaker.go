package fanout

import (
	"sync"
	"time"
)

// Trip records one circuit breaker refusal.
type Trip struct {
	IndexType string        `json:"index_type"`
	Value     string        `json:"value"`
	Targets   int           `json:"targets"`
	MaxFanout int           `json:"max_fanout"`
	Action    CircuitAction `json:"action"`
	At        time.Time     `json:"at"`
}

// breaker decides whether a dependency may fan out inline and keeps a
// per-index trip tally for diagnostics.
//
// Thread-safety: all state is guarded by mu.
type breaker struct {
	mu         sync.Mutex
	action     CircuitAction
	defaultMax int
	trips      map[string]int
	last       *Trip
}

func newBreaker(action CircuitAction, defaultMax int) *breaker {
	if action == "" {
		action = CircuitSkip
	}
	return &breaker{action: action, defaultMax: defaultMax, trips: make(map[string]int)}
}

// limit returns the effective max fanout of dep. Zero means unbounded.
func (b *breaker) limit(dep Dependency) int {
	if dep.MaxFanout > 0 {
		return dep.MaxFanout
	}
	return b.defaultMax
}

// allow reports whether targets may be processed inline. A refusal is
// recorded and returns the configured action.
func (b *breaker) allow(dep Dependency, value string, targets int, now time.Time) (bool, CircuitAction) {
	limit := b.limit(dep)
	if limit <= 0 || targets <= limit {
		return true, ""
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trips[dep.IndexType]++
	b.last = &Trip{
		IndexType: dep.IndexType,
		Value:     value,
		Targets:   targets,
		MaxFanout: limit,
		Action:    b.action,
		At:        now,
	}
	return false, b.action
}

// tripCount returns how often dependencies on indexType were refused.
func (b *breaker) tripCount(indexType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips[indexType]
}

// lastTrip returns a copy of the most recent refusal, if any.
func (b *breaker) lastTrip() (Trip, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Trip{}, false
	}
	return *b.last, true
}
