package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// PutSlices persists slices, replaces the index rows derived from each
// slice, and inserts any outbox entries, in one transaction.
//
// Slices are immutable: rewriting an existing (entity, version, type) with
// the same hash is a no-op, with a different hash an InvariantViolation.
// For every slice, index rows previously produced by the same entity and
// slice type are deleted before the new rows are inserted, so a tombstone
// (which carries no entries) clears the entity from the index. A slice
// older than the newest stored slice of its type is kept as history and
// leaves the index untouched.
func (s *Store) PutSlices(ctx context.Context, slices []ir.SliceRecord, entries []ir.InvertedIndexEntry, events ...ir.OutboxEntry) error {
	return s.inTx(ctx, "PutSlices", func(tx *sql.Tx) error {
		if err := putSlices(ctx, tx, slices, entries); err != nil {
			return err
		}
		for _, e := range events {
			if _, err := s.insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

type sliceRef struct {
	entityKey string
	sliceType ir.SliceType
}

func putSlices(ctx context.Context, tx *sql.Tx, slices []ir.SliceRecord, entries []ir.InvertedIndexEntry) error {
	stale := make(map[sliceRef]bool)
	for _, sl := range slices {
		newer, err := newerSliceExists(ctx, tx, sl)
		if err != nil {
			return err
		}
		if err := putSlice(ctx, tx, sl); err != nil {
			return err
		}
		if newer {
			stale[sliceRef{sl.EntityKey, sl.SliceType}] = true
			continue
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM inverted_index
			WHERE tenant_id = ? AND ref_entity_key = ? AND slice_type = ?
		`, sl.TenantID, sl.EntityKey, string(sl.SliceType))
		if err != nil {
			return ivmerr.Storage("PutSlices", err)
		}
	}
	for _, e := range entries {
		if stale[sliceRef{e.RefEntityKey, e.SliceType}] {
			continue
		}
		if err := putIndexEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func newerSliceExists(ctx context.Context, tx *sql.Tx, sl ir.SliceRecord) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM slices
		WHERE tenant_id = ? AND entity_key = ? AND slice_type = ? AND version > ?
	`, sl.TenantID, sl.EntityKey, string(sl.SliceType), sl.Version).Scan(&n)
	if err != nil {
		return false, ivmerr.Storage("PutSlices", err)
	}
	return n > 0, nil
}

func putSlice(ctx context.Context, tx *sql.Tx, sl ir.SliceRecord) error {
	var deleted int
	var deletedAt sql.NullInt64
	var reason sql.NullString
	if sl.Tombstone != nil {
		deleted = 1
		deletedAt = sql.NullInt64{Int64: sl.Tombstone.DeletedAtVersion, Valid: true}
		reason = sql.NullString{String: sl.Tombstone.DeleteReason, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO slices
		(tenant_id, entity_key, version, slice_type, data, hash, rule_set_id, rule_set_version,
		 is_deleted, deleted_at_version, delete_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, sl.TenantID, sl.EntityKey, sl.Version, string(sl.SliceType), sl.Data, sl.Hash,
		sl.RuleSetID, sl.RuleSetVersion, deleted, deletedAt, reason)
	if err != nil {
		return ivmerr.Storage("PutSlices", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT hash FROM slices
		WHERE tenant_id = ? AND entity_key = ? AND version = ? AND slice_type = ?
	`, sl.TenantID, sl.EntityKey, sl.Version, string(sl.SliceType)).Scan(&existing)
	if err != nil {
		return ivmerr.Storage("PutSlices", err)
	}
	if existing != sl.Hash {
		return ivmerr.Invariant("PutSlices", nil, "slice %s@%d/%s already stored with hash %s, rebuilt as %s",
			sl.EntityKey, sl.Version, sl.SliceType, existing, sl.Hash)
	}
	return nil
}

func putIndexEntry(ctx context.Context, tx *sql.Tx, e ir.InvertedIndexEntry) error {
	var tomb int
	if e.Tombstone {
		tomb = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inverted_index
		(tenant_id, index_type, index_value, ref_entity_key, ref_version,
		 target_entity_key, target_version, slice_type, slice_hash, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, index_type, index_value, ref_entity_key, slice_type) DO UPDATE SET
			ref_version = excluded.ref_version,
			target_entity_key = excluded.target_entity_key,
			target_version = excluded.target_version,
			slice_hash = excluded.slice_hash,
			tombstone = excluded.tombstone
	`, e.TenantID, e.IndexType, e.IndexValue, e.RefEntityKey, e.RefVersion,
		e.TargetEntityKey, e.TargetVersion, string(e.SliceType), e.SliceHash, tomb)
	if err != nil {
		return ivmerr.Storage("PutSlices", err)
	}
	return nil
}

const sliceColumns = `tenant_id, entity_key, version, slice_type, data, hash, rule_set_id, rule_set_version,
	is_deleted, deleted_at_version, delete_reason`

func scanSlice(row interface{ Scan(...any) error }) (ir.SliceRecord, error) {
	var sl ir.SliceRecord
	var sliceType string
	var deleted int
	var deletedAt sql.NullInt64
	var reason sql.NullString
	err := row.Scan(&sl.TenantID, &sl.EntityKey, &sl.Version, &sliceType, &sl.Data, &sl.Hash,
		&sl.RuleSetID, &sl.RuleSetVersion, &deleted, &deletedAt, &reason)
	if err != nil {
		return ir.SliceRecord{}, err
	}
	sl.SliceType = ir.SliceType(sliceType)
	if deleted == 1 {
		sl.Tombstone = &ir.Tombstone{
			IsDeleted:        true,
			DeletedAtVersion: deletedAt.Int64,
			DeleteReason:     reason.String,
		}
	}
	return sl, nil
}

// GetSlice returns one slice version.
func (s *Store) GetSlice(ctx context.Context, tenantID, entityKey string, version int64, sliceType ir.SliceType) (ir.SliceRecord, error) {
	sl, err := scanSlice(s.db.QueryRowContext(ctx, `
		SELECT `+sliceColumns+` FROM slices
		WHERE tenant_id = ? AND entity_key = ? AND version = ? AND slice_type = ?
	`, tenantID, entityKey, version, string(sliceType)))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SliceRecord{}, ivmerr.NotFound("slice %s@%d/%s not found", entityKey, version, sliceType)
	}
	if err != nil {
		return ir.SliceRecord{}, ivmerr.Storage("GetSlice", err)
	}
	return sl, nil
}

// LatestSlices returns the newest slice of every type for an entity,
// ordered by slice type. Returns an empty slice (not nil) when none exist.
func (s *Store) LatestSlices(ctx context.Context, tenantID, entityKey string) ([]ir.SliceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sliceColumns+` FROM slices s
		WHERE s.tenant_id = ? AND s.entity_key = ?
		  AND s.version = (
			SELECT MAX(version) FROM slices
			WHERE tenant_id = s.tenant_id AND entity_key = s.entity_key AND slice_type = s.slice_type
		  )
		ORDER BY s.slice_type COLLATE BINARY ASC
	`, tenantID, entityKey)
	if err != nil {
		return nil, ivmerr.Storage("LatestSlices", err)
	}
	defer rows.Close()

	out := []ir.SliceRecord{}
	for rows.Next() {
		sl, err := scanSlice(rows)
		if err != nil {
			return nil, ivmerr.Storage("LatestSlices", err)
		}
		out = append(out, sl)
	}
	if err := rows.Err(); err != nil {
		return nil, ivmerr.Storage("LatestSlices", err)
	}
	return out, nil
}

// PutResliced writes a rebuilt raw version, its slices and index rows,
// and any outbox entries, in one transaction.
func (s *Store) PutResliced(ctx context.Context, rec ir.RawDataRecord, slices []ir.SliceRecord, entries []ir.InvertedIndexEntry, events ...ir.OutboxEntry) error {
	return s.inTx(ctx, "PutResliced", func(tx *sql.Tx) error {
		if err := putRaw(ctx, tx, rec); err != nil {
			return err
		}
		if err := putSlices(ctx, tx, slices, entries); err != nil {
			return err
		}
		for _, e := range events {
			if _, err := s.insertEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
}
