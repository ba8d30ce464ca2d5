package store

import (
	"context"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// CountByIndexType counts the distinct live entities indexed under
// (indexType, value).
func (s *Store) CountByIndexType(ctx context.Context, tenantID, indexType, value string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT ref_entity_key) FROM inverted_index
		WHERE tenant_id = ? AND index_type = ? AND index_value = ? AND tombstone = 0
	`, tenantID, indexType, value).Scan(&n)
	if err != nil {
		return 0, ivmerr.Storage("CountByIndexType", err)
	}
	return n, nil
}

// QueryByIndexType pages through the live entities indexed under
// (indexType, value), ordered by entity key. cursor is the NextCursor of
// the previous page, or "" for the first page. Keyset pagination keeps
// pages free of duplicates and gaps while rows are inserted concurrently.
func (s *Store) QueryByIndexType(ctx context.Context, tenantID, indexType, value string, limit int, cursor string) (ir.IndexPage, error) {
	if limit <= 0 {
		return ir.IndexPage{}, ivmerr.Validation("QueryByIndexType: limit must be positive, got %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ref_entity_key, MAX(ref_version) FROM inverted_index
		WHERE tenant_id = ? AND index_type = ? AND index_value = ? AND tombstone = 0
		  AND ref_entity_key > ?
		GROUP BY ref_entity_key
		ORDER BY ref_entity_key COLLATE BINARY ASC
		LIMIT ?
	`, tenantID, indexType, value, cursor, limit+1)
	if err != nil {
		return ir.IndexPage{}, ivmerr.Storage("QueryByIndexType", err)
	}
	defer rows.Close()

	page := ir.IndexPage{Targets: []ir.IndexTarget{}}
	for rows.Next() {
		var t ir.IndexTarget
		if err := rows.Scan(&t.EntityKey, &t.Version); err != nil {
			return ir.IndexPage{}, ivmerr.Storage("QueryByIndexType", err)
		}
		page.Targets = append(page.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return ir.IndexPage{}, ivmerr.Storage("QueryByIndexType", err)
	}

	if len(page.Targets) > limit {
		page.Targets = page.Targets[:limit]
		page.NextCursor = page.Targets[limit-1].EntityKey
	}
	return page, nil
}

// IndexEntriesFor returns every index row produced by an entity, ordered
// by index type, value and slice type.
func (s *Store) IndexEntriesFor(ctx context.Context, tenantID, entityKey string) ([]ir.InvertedIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, ref_entity_key, ref_version, target_entity_key, target_version,
		       index_type, index_value, slice_type, slice_hash, tombstone
		FROM inverted_index
		WHERE tenant_id = ? AND ref_entity_key = ?
		ORDER BY index_type, index_value, slice_type
	`, tenantID, entityKey)
	if err != nil {
		return nil, ivmerr.Storage("IndexEntriesFor", err)
	}
	defer rows.Close()

	out := []ir.InvertedIndexEntry{}
	for rows.Next() {
		var e ir.InvertedIndexEntry
		var sliceType string
		var tomb int
		if err := rows.Scan(&e.TenantID, &e.RefEntityKey, &e.RefVersion, &e.TargetEntityKey, &e.TargetVersion,
			&e.IndexType, &e.IndexValue, &sliceType, &e.SliceHash, &tomb); err != nil {
			return nil, ivmerr.Storage("IndexEntriesFor", err)
		}
		e.SliceType = ir.SliceType(sliceType)
		e.Tombstone = tomb == 1
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ivmerr.Storage("IndexEntriesFor", err)
	}
	return out, nil
}
