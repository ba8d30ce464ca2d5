package engine

import (
	"context"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
	"github.com/roach88/ivm/internal/outbox"
)

// Reslice rebuilds every slice of a downstream entity after one of its
// join targets changed. It implements fanout.Reslicer.
//
// Slices are immutable per version, so the rebuild is written under a new
// version: the latest payload is copied to version+1 and sliced in full.
// The copy, its slices and index rows, and an ENTITY_CHANGED entry for the
// entity commit together, so the change keeps propagating to the entity's
// own dependents until a rebuild hashes identically. Deleted entities are
// left alone.
func (e *Engine) Reslice(ctx context.Context, tenantID, entityKey string) error {
	tombstoned, err := e.tombstoned(ctx, tenantID, entityKey)
	if err != nil {
		return err
	}
	if tombstoned {
		e.logger.Debug("reslice skipped: entity deleted", "entity_key", entityKey)
		return nil
	}

	latest, err := e.store.GetLatest(ctx, tenantID, entityKey)
	if err != nil {
		return err
	}
	entityType := ir.EntityTypeOf(entityKey)
	rs, err := e.catalog.ResolveEntityType(ctx, entityType)
	if err != nil {
		return err
	}

	next := latest
	next.Version = latest.Version + 1
	res, err := e.slicer.Slice(ctx, next, rs.Ref())
	if err != nil {
		return err
	}

	unchanged, err := e.sameAsLatest(ctx, tenantID, entityKey, res.Slices)
	if err != nil {
		return err
	}
	if unchanged {
		e.logger.Debug("reslice produced identical slices", "entity_key", entityKey)
		return nil
	}

	csID, err := ir.ChangeSetID(tenantID, entityType, entityKey, latest.Version, next.Version, ir.ChangeUpdate, nil, latest.PayloadHash)
	if err != nil {
		return ivmerr.Invariant("engine.Reslice", err, "change set id of %s", entityKey)
	}
	changed, err := outbox.NewEntry(entityType, entityKey, outbox.EventEntityChanged, ChangedEvent{
		TenantID:           tenantID,
		EntityType:         entityType,
		EntityKey:          entityKey,
		Version:            next.Version,
		ChangeSetID:        csID,
		ChangeType:         ir.ChangeUpdate,
		ImpactedSliceTypes: sliceTypesOf(res.Slices),
	}, outbox.WithEntityVersion(next.Version))
	if err != nil {
		return err
	}

	if err := e.store.PutResliced(ctx, next, res.Slices, res.IndexEntries, changed); err != nil {
		return err
	}
	e.logger.Debug("entity resliced",
		"entity_key", entityKey,
		"version", next.Version,
		"slices", len(res.Slices))
	e.notify()
	return nil
}

// sameAsLatest reports whether slices hash identically to the stored
// latest slice of each type.
func (e *Engine) sameAsLatest(ctx context.Context, tenantID, entityKey string, slices []ir.SliceRecord) (bool, error) {
	stored, err := e.store.LatestSlices(ctx, tenantID, entityKey)
	if err != nil {
		return false, err
	}
	if len(stored) != len(slices) {
		return false, nil
	}
	byType := make(map[ir.SliceType]string, len(stored))
	for _, sl := range stored {
		byType[sl.SliceType] = sl.Hash
	}
	for _, sl := range slices {
		if byType[sl.SliceType] != sl.Hash {
			return false, nil
		}
	}
	return true, nil
}

// Drift is one slice whose stored hash differs from a fresh rebuild.
type Drift struct {
	SliceType   ir.SliceType `json:"slice_type"`
	Version     int64        `json:"version"`
	StoredHash  string       `json:"stored_hash"`
	RebuiltHash string       `json:"rebuilt_hash"`
}

// Verify rebuilds the slices of an entity's latest version and compares
// them with what is stored. An empty result means the stored slices are
// exactly what the current rule set and join targets produce.
func (e *Engine) Verify(ctx context.Context, tenantID, entityKey string) ([]Drift, error) {
	stored, err := e.store.LatestSlices(ctx, tenantID, entityKey)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, ivmerr.NotFound("verify: no slices for %s", entityKey)
	}
	for _, sl := range stored {
		if sl.Tombstone != nil {
			return nil, nil
		}
	}

	latest, err := e.store.GetLatest(ctx, tenantID, entityKey)
	if err != nil {
		return nil, err
	}
	rs, err := e.catalog.ResolveEntityType(ctx, ir.EntityTypeOf(entityKey))
	if err != nil {
		return nil, err
	}
	res, err := e.slicer.Slice(ctx, latest, rs.Ref())
	if err != nil {
		return nil, err
	}

	rebuilt := make(map[ir.SliceType]string, len(res.Slices))
	for _, sl := range res.Slices {
		rebuilt[sl.SliceType] = sl.Hash
	}
	var drift []Drift
	for _, sl := range stored {
		if h := rebuilt[sl.SliceType]; h != sl.Hash {
			drift = append(drift, Drift{
				SliceType:   sl.SliceType,
				Version:     sl.Version,
				StoredHash:  sl.Hash,
				RebuiltHash: h,
			})
		}
	}
	return drift, nil
}
