package testutil

import (
	"context"
	"sync"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// MemoryRawStore is an in-memory raw-data store keyed by (tenant, entity
// key). It records how many batch lookups it served so tests can assert
// that joins are fetched in one round trip.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryRawStore struct {
	mu         sync.Mutex
	records    map[string][]ir.RawDataRecord // tenant\x00key -> versions ascending
	batchCalls int
}

// NewMemoryRawStore creates an empty store.
func NewMemoryRawStore() *MemoryRawStore {
	return &MemoryRawStore{records: make(map[string][]ir.RawDataRecord)}
}

func rawKey(tenantID, entityKey string) string {
	return tenantID + "\x00" + entityKey
}

// Put stores a record. Versions must be written in ascending order.
func (s *MemoryRawStore) Put(rec ir.RawDataRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rawKey(rec.TenantID, rec.EntityKey)
	s.records[k] = append(s.records[k], rec)
}

// PutJSON canonicalizes payload into a record and stores it. Panics on
// invalid JSON.
func (s *MemoryRawStore) PutJSON(tenantID, entityKey string, version int64, payload string) ir.RawDataRecord {
	rec, err := ir.NewRawDataRecord(tenantID, entityKey, version, "test", "1", []byte(payload))
	if err != nil {
		panic(err)
	}
	s.Put(rec)
	return rec
}

// Get returns one version.
func (s *MemoryRawStore) Get(_ context.Context, tenantID, entityKey string, version int64) (ir.RawDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records[rawKey(tenantID, entityKey)] {
		if rec.Version == version {
			return rec, nil
		}
	}
	return ir.RawDataRecord{}, ivmerr.NotFound("raw data %s@%d not found", entityKey, version)
}

// GetLatest returns the highest version.
func (s *MemoryRawStore) GetLatest(_ context.Context, tenantID, entityKey string) (ir.RawDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[rawKey(tenantID, entityKey)]
	if len(recs) == 0 {
		return ir.RawDataRecord{}, ivmerr.NotFound("raw data %s not found", entityKey)
	}
	return recs[len(recs)-1], nil
}

// BatchGetLatest returns the latest version of every key present.
func (s *MemoryRawStore) BatchGetLatest(_ context.Context, tenantID string, keys []string) (map[string]ir.RawDataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	out := make(map[string]ir.RawDataRecord, len(keys))
	for _, k := range keys {
		if recs := s.records[rawKey(tenantID, k)]; len(recs) > 0 {
			out[k] = recs[len(recs)-1]
		}
	}
	return out, nil
}

// BatchCalls returns how many BatchGetLatest calls were served.
func (s *MemoryRawStore) BatchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchCalls
}
