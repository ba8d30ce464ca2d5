package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// PutRaw writes an immutable raw data version together with any outbox
// entries announcing it, in one transaction.
//
// Rewriting an existing version with the same payload hash is a no-op;
// with a different payload it is an IdempotencyViolation. Outbox entries
// are inserted as by InsertAll.
func (s *Store) PutRaw(ctx context.Context, rec ir.RawDataRecord, events ...ir.OutboxEntry) error {
	return s.inTx(ctx, "PutRaw", func(tx *sql.Tx) error {
		if err := putRaw(ctx, tx, rec); err != nil {
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

func putRaw(ctx context.Context, tx *sql.Tx, rec ir.RawDataRecord) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO raw_data
		(tenant_id, entity_key, version, schema_id, schema_version, payload, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, rec.TenantID, rec.EntityKey, rec.Version, rec.SchemaID, rec.SchemaVersion, rec.Payload, rec.PayloadHash)
	if err != nil {
		return ivmerr.Storage("PutRaw", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var existing string
	err = tx.QueryRowContext(ctx, `
		SELECT payload_hash FROM raw_data
		WHERE tenant_id = ? AND entity_key = ? AND version = ?
	`, rec.TenantID, rec.EntityKey, rec.Version).Scan(&existing)
	if err != nil {
		return ivmerr.Storage("PutRaw", err)
	}
	if existing != rec.PayloadHash {
		return &ivmerr.Error{
			Code:    ivmerr.CodeIdempotency,
			Op:      "PutRaw",
			Message: "raw data version already written with different content",
			Details: map[string]string{"entity_key": rec.EntityKey, "version": ir.VersionString(rec.Version)},
		}
	}
	return nil
}

const rawColumns = `tenant_id, entity_key, version, schema_id, schema_version, payload, payload_hash`

func scanRaw(row interface{ Scan(...any) error }) (ir.RawDataRecord, error) {
	var rec ir.RawDataRecord
	err := row.Scan(&rec.TenantID, &rec.EntityKey, &rec.Version, &rec.SchemaID, &rec.SchemaVersion, &rec.Payload, &rec.PayloadHash)
	return rec, err
}

// Get returns one raw data version.
func (s *Store) Get(ctx context.Context, tenantID, entityKey string, version int64) (ir.RawDataRecord, error) {
	rec, err := scanRaw(s.db.QueryRowContext(ctx, `
		SELECT `+rawColumns+` FROM raw_data
		WHERE tenant_id = ? AND entity_key = ? AND version = ?
	`, tenantID, entityKey, version))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RawDataRecord{}, ivmerr.NotFound("raw data %s@%d not found", entityKey, version)
	}
	if err != nil {
		return ir.RawDataRecord{}, ivmerr.Storage("Get", err)
	}
	return rec, nil
}

// GetLatest returns the highest raw data version of an entity.
func (s *Store) GetLatest(ctx context.Context, tenantID, entityKey string) (ir.RawDataRecord, error) {
	rec, err := scanRaw(s.db.QueryRowContext(ctx, `
		SELECT `+rawColumns+` FROM raw_data
		WHERE tenant_id = ? AND entity_key = ?
		ORDER BY version DESC
		LIMIT 1
	`, tenantID, entityKey))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RawDataRecord{}, ivmerr.NotFound("raw data %s not found", entityKey)
	}
	if err != nil {
		return ir.RawDataRecord{}, ivmerr.Storage("GetLatest", err)
	}
	return rec, nil
}

// GetPrevious returns the highest version below version, used to diff a
// new version against its predecessor.
func (s *Store) GetPrevious(ctx context.Context, tenantID, entityKey string, version int64) (ir.RawDataRecord, error) {
	rec, err := scanRaw(s.db.QueryRowContext(ctx, `
		SELECT `+rawColumns+` FROM raw_data
		WHERE tenant_id = ? AND entity_key = ? AND version < ?
		ORDER BY version DESC
		LIMIT 1
	`, tenantID, entityKey, version))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RawDataRecord{}, ivmerr.NotFound("no raw data for %s before version %d", entityKey, version)
	}
	if err != nil {
		return ir.RawDataRecord{}, ivmerr.Storage("GetPrevious", err)
	}
	return rec, nil
}

// BatchGetLatest returns the latest version of every key that exists, in
// one query. Missing keys are absent from the map.
func (s *Store) BatchGetLatest(ctx context.Context, tenantID string, keys []string) (map[string]ir.RawDataRecord, error) {
	out := make(map[string]ir.RawDataRecord, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, tenantID)
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rawColumns+` FROM raw_data r
		WHERE r.tenant_id = ? AND r.entity_key IN (`+placeholders(len(keys))+`)
		  AND r.version = (
			SELECT MAX(version) FROM raw_data
			WHERE tenant_id = r.tenant_id AND entity_key = r.entity_key
		  )
		ORDER BY r.entity_key
	`, args...)
	if err != nil {
		return nil, ivmerr.Storage("BatchGetLatest", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRaw(rows)
		if err != nil {
			return nil, ivmerr.Storage("BatchGetLatest", err)
		}
		out[rec.EntityKey] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, ivmerr.Storage("BatchGetLatest", err)
	}
	return out, nil
}

// LatestRawVersion returns the highest stored version of an entity, or 0
// when none exists.
func (s *Store) LatestRawVersion(ctx context.Context, tenantID, entityKey string) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM raw_data WHERE tenant_id = ? AND entity_key = ?
	`, tenantID, entityKey).Scan(&v)
	if err != nil {
		return 0, ivmerr.Storage("LatestRawVersion", err)
	}
	return v.Int64, nil
}
