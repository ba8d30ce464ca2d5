package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// MemoryIndexStore is an in-memory inverted index answering the reverse
// lookups the fanout workflow makes. It counts queries so tests can assert
// that a tripped circuit never pages through targets.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryIndexStore struct {
	mu      sync.Mutex
	targets map[string]map[string]int64 // tenant\x00type\x00value -> entity key -> version
	queries int
	failErr error
}

// NewMemoryIndexStore creates an empty index.
func NewMemoryIndexStore() *MemoryIndexStore {
	return &MemoryIndexStore{targets: make(map[string]map[string]int64)}
}

func indexKey(tenantID, indexType, value string) string {
	return tenantID + "\x00" + indexType + "\x00" + value
}

// Add indexes entityKey at version under (indexType, value).
func (s *MemoryIndexStore) Add(tenantID, indexType, value, entityKey string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := indexKey(tenantID, indexType, value)
	if s.targets[k] == nil {
		s.targets[k] = make(map[string]int64)
	}
	s.targets[k][entityKey] = version
}

// FailWith makes every subsequent call return err. Pass nil to recover.
func (s *MemoryIndexStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Queries returns the number of QueryByIndexType calls served.
func (s *MemoryIndexStore) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// CountByIndexType counts entities under (indexType, value).
func (s *MemoryIndexStore) CountByIndexType(_ context.Context, tenantID, indexType, value string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return 0, s.failErr
	}
	return len(s.targets[indexKey(tenantID, indexType, value)]), nil
}

// QueryByIndexType pages entities in key order after cursor.
func (s *MemoryIndexStore) QueryByIndexType(_ context.Context, tenantID, indexType, value string, limit int, cursor string) (ir.IndexPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.failErr != nil {
		return ir.IndexPage{}, s.failErr
	}
	if limit <= 0 {
		return ir.IndexPage{}, ivmerr.Validation("limit must be positive, got %d", limit)
	}

	entries := s.targets[indexKey(tenantID, indexType, value)]
	keys := make([]string, 0, len(entries))
	for k := range entries {
		if k > cursor {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	page := ir.IndexPage{Targets: []ir.IndexTarget{}}
	for i, k := range keys {
		if i == limit {
			page.NextCursor = keys[limit-1]
			break
		}
		page.Targets = append(page.Targets, ir.IndexTarget{EntityKey: k, Version: entries[k]})
	}
	return page, nil
}
