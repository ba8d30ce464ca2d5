package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

const outboxColumns = `seq, id, idempotency_key, aggregate_type, aggregate_id, event_type, payload, status,
	priority, entity_version, created_at, claimed_at, claimed_by, retry_count, failure_reason`

func scanEntry(row interface{ Scan(...any) error }) (ir.OutboxEntry, error) {
	var e ir.OutboxEntry
	var status string
	var entityVersion, claimedAt sql.NullInt64
	var claimedBy, reason sql.NullString
	var createdAt int64
	err := row.Scan(&e.Seq, &e.ID, &e.IdempotencyKey, &e.AggregateType, &e.AggregateID, &e.EventType,
		&e.Payload, &status, &e.Priority, &entityVersion, &createdAt, &claimedAt, &claimedBy,
		&e.RetryCount, &reason)
	if err != nil {
		return ir.OutboxEntry{}, err
	}
	e.Status = ir.OutboxStatus(status)
	e.CreatedAt = fromMillis(createdAt)
	if entityVersion.Valid {
		v := entityVersion.Int64
		e.EntityVersion = &v
	}
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		e.ClaimedAt = &t
	}
	e.ClaimedBy = claimedBy.String
	if reason.Valid {
		r := reason.String
		e.FailureReason = &r
	}
	return e, nil
}

func collectEntries(rows *sql.Rows, op string) ([]ir.OutboxEntry, error) {
	defer rows.Close()
	out := []ir.OutboxEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, ivmerr.Storage(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, ivmerr.Storage(op, err)
	}
	return out, nil
}

// Insert adds one PENDING entry and returns it with its store-assigned Seq.
// A duplicate idempotency key is an IdempotencyViolation.
func (s *Store) Insert(ctx context.Context, e ir.OutboxEntry) (ir.OutboxEntry, error) {
	var out ir.OutboxEntry
	err := s.inTx(ctx, "Insert", func(tx *sql.Tx) error {
		var err error
		out, err = s.insertEntry(ctx, tx, e)
		return err
	})
	return out, err
}

// InsertAll adds every entry or none of them.
func (s *Store) InsertAll(ctx context.Context, entries []ir.OutboxEntry) ([]ir.OutboxEntry, error) {
	out := make([]ir.OutboxEntry, 0, len(entries))
	err := s.inTx(ctx, "InsertAll", func(tx *sql.Tx) error {
		for _, e := range entries {
			inserted, err := s.insertEntry(ctx, tx, e)
			if err != nil {
				return err
			}
			out = append(out, inserted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) insertEntry(ctx context.Context, tx *sql.Tx, e ir.OutboxEntry) (ir.OutboxEntry, error) {
	if e.ID == "" || e.IdempotencyKey == "" {
		return ir.OutboxEntry{}, ivmerr.Validation("outbox entry requires id and idempotency key")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.CreatedAt = fromMillis(toMillis(e.CreatedAt))
	e.Status = ir.OutboxPending
	e.ClaimedAt = nil
	e.ClaimedBy = ""

	var entityVersion sql.NullInt64
	if e.EntityVersion != nil {
		entityVersion = sql.NullInt64{Int64: *e.EntityVersion, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO outbox
		(id, idempotency_key, aggregate_type, aggregate_id, event_type, payload, status,
		 priority, entity_version, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.IdempotencyKey, e.AggregateType, e.AggregateID, e.EventType, e.Payload,
		string(ir.OutboxPending), e.Priority, entityVersion, toMillis(e.CreatedAt), e.RetryCount)
	if err != nil {
		if isUniqueViolation(err, "idempotency_key") {
			return ir.OutboxEntry{}, ivmerr.Idempotency(e.IdempotencyKey)
		}
		return ir.OutboxEntry{}, ivmerr.Storage("Insert", err)
	}
	e.Seq, err = res.LastInsertId()
	if err != nil {
		return ir.OutboxEntry{}, ivmerr.Storage("Insert", err)
	}
	return e, nil
}

// GetEntry returns one entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (ir.OutboxEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ir.OutboxEntry{}, ivmerr.NotFound("outbox entry %s not found", id)
	}
	if err != nil {
		return ir.OutboxEntry{}, ivmerr.Storage("GetEntry", err)
	}
	return e, nil
}

// Claim marks up to limit PENDING entries PROCESSING for workerID, oldest
// first. An empty eventType claims any type.
func (s *Store) Claim(ctx context.Context, limit int, eventType, workerID string) ([]ir.OutboxEntry, error) {
	query := `
		SELECT seq FROM outbox
		WHERE status = 'PENDING' AND (? = '' OR event_type = ?)
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`
	return s.claim(ctx, "Claim", workerID, query, eventType, eventType, limit)
}

// ClaimByPriority claims like Claim but prefers lower priority numbers.
func (s *Store) ClaimByPriority(ctx context.Context, limit int, workerID string) ([]ir.OutboxEntry, error) {
	query := `
		SELECT seq FROM outbox
		WHERE status = 'PENDING'
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT ?`
	return s.claim(ctx, "ClaimByPriority", workerID, query, limit)
}

// ClaimWithOrdering claims by priority while serializing each aggregate:
// an entry is claimable only when its aggregate has nothing PROCESSING and
// no PENDING or FAILED entry with a lower entity version (ties go to the
// earlier insert). At most one entry per aggregate is claimed per call.
func (s *Store) ClaimWithOrdering(ctx context.Context, limit int, workerID string) ([]ir.OutboxEntry, error) {
	query := `
		SELECT o.seq FROM outbox o
		WHERE o.status = 'PENDING'
		  AND NOT EXISTS (
			SELECT 1 FROM outbox p
			WHERE p.aggregate_id = o.aggregate_id AND p.seq <> o.seq
			  AND (
				p.status = 'PROCESSING'
				OR (p.status IN ('PENDING', 'FAILED')
				    AND COALESCE(p.entity_version, 0) < COALESCE(o.entity_version, 0))
				OR (p.status = 'PENDING'
				    AND COALESCE(p.entity_version, 0) = COALESCE(o.entity_version, 0)
				    AND p.seq < o.seq)
			  )
		  )
		ORDER BY o.priority ASC, o.created_at ASC, o.seq ASC
		LIMIT ?`
	return s.claim(ctx, "ClaimWithOrdering", workerID, query, limit)
}

// claim selects candidate seqs with query and marks them PROCESSING in the
// same transaction.
func (s *Store) claim(ctx context.Context, op, workerID, query string, args ...any) ([]ir.OutboxEntry, error) {
	if workerID == "" {
		return nil, ivmerr.Validation("%s: worker id is required", op)
	}

	var claimed []ir.OutboxEntry
	err := s.inTx(ctx, op, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return ivmerr.Storage(op, err)
		}
		var seqs []any
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				rows.Close()
				return ivmerr.Storage(op, err)
			}
			seqs = append(seqs, seq)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return ivmerr.Storage(op, err)
		}
		if len(seqs) == 0 {
			return nil
		}

		updateArgs := append([]any{toMillis(s.now()), workerID}, seqs...)
		_, err = tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'PROCESSING', claimed_at = ?, claimed_by = ?
			WHERE status = 'PENDING' AND seq IN (`+placeholders(len(seqs))+`)
		`, updateArgs...)
		if err != nil {
			return ivmerr.Storage(op, err)
		}

		rows, err = tx.QueryContext(ctx, `
			SELECT `+outboxColumns+` FROM outbox
			WHERE seq IN (`+placeholders(len(seqs))+`) AND claimed_by = ? AND status = 'PROCESSING'
			ORDER BY priority ASC, created_at ASC, seq ASC
		`, append(seqs, workerID)...)
		if err != nil {
			return ivmerr.Storage(op, err)
		}
		claimed, err = collectEntries(rows, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = []ir.OutboxEntry{}
	}
	return claimed, nil
}

// ReleaseExpiredClaims returns entries PROCESSING for longer than maxAge
// to PENDING, recovering from crashed workers. Returns the number released.
func (s *Store) ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := toMillis(s.now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'PENDING', claimed_at = NULL, claimed_by = NULL
		WHERE status = 'PROCESSING' AND claimed_at < ?
	`, cutoff)
	return affected(res, err, "ReleaseExpiredClaims")
}

// MarkProcessed acknowledges entries workerID holds in PROCESSING. An
// entry whose claim expired and passed to another worker is left alone.
// Returns the number marked.
func (s *Store) MarkProcessed(ctx context.Context, workerID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{toMillis(s.now()), workerID}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'PROCESSED', processed_at = ?
		WHERE status = 'PROCESSING' AND claimed_by = ? AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	return affected(res, err, "MarkProcessed")
}

// MarkFailed records a failed attempt by workerID: the entry becomes
// FAILED, its claim is cleared and its retry count incremented. Returns
// NotFound when workerID no longer holds the claim.
func (s *Store) MarkFailed(ctx context.Context, workerID, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'FAILED', claimed_at = NULL, claimed_by = NULL,
		    retry_count = retry_count + 1, failure_reason = ?
		WHERE id = ? AND status = 'PROCESSING' AND claimed_by = ?
	`, reason, id, workerID)
	n, err := affected(res, err, "MarkFailed")
	if err != nil {
		return err
	}
	if n == 0 {
		return ivmerr.NotFound("outbox entry %s is not PROCESSING under %s", id, workerID)
	}
	return nil
}

// Retry returns FAILED entries whose retry count has not exceeded maxRetry
// to PENDING. Returns the number re-queued.
func (s *Store) Retry(ctx context.Context, maxRetry int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'PENDING'
		WHERE status = 'FAILED' AND retry_count <= ?
	`, maxRetry)
	return affected(res, err, "Retry")
}

// MoveToDLQ parks FAILED or PENDING entries whose retry count exceeds
// maxRetry. Returns the number moved.
func (s *Store) MoveToDLQ(ctx context.Context, maxRetry int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = 'DLQ', claimed_at = NULL, claimed_by = NULL
		WHERE status IN ('FAILED', 'PENDING') AND retry_count > ?
	`, maxRetry)
	return affected(res, err, "MoveToDLQ")
}

// FindDLQ lists dead-lettered entries in insertion order.
func (s *Store) FindDLQ(ctx context.Context, limit int) ([]ir.OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = 'DLQ'
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, ivmerr.Storage("FindDLQ", err)
	}
	return collectEntries(rows, "FindDLQ")
}

// ReplayFromDLQ returns a dead-lettered entry to PENDING with its retry
// count and failure reason reset.
func (s *Store) ReplayFromDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET status = 'PENDING', retry_count = 0, failure_reason = NULL,
		    claimed_at = NULL, claimed_by = NULL
		WHERE id = ? AND status = 'DLQ'
	`, id)
	n, err := affected(res, err, "ReplayFromDLQ")
	if err != nil {
		return err
	}
	if n == 0 {
		return ivmerr.NotFound("outbox entry %s is not in the DLQ", id)
	}
	return nil
}

// FindPendingWithCursor pages PENDING entries in insertion order. Pass the
// returned cursor to get the next page; it is 0 when no rows remain.
// Seq is assigned monotonically on insert, so pages never repeat or skip a
// row that was pending when the page was read.
func (s *Store) FindPendingWithCursor(ctx context.Context, afterSeq int64, limit int) ([]ir.OutboxEntry, int64, error) {
	if limit <= 0 {
		return nil, 0, ivmerr.Validation("FindPendingWithCursor: limit must be positive, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox
		WHERE status = 'PENDING' AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit+1)
	if err != nil {
		return nil, 0, ivmerr.Storage("FindPendingWithCursor", err)
	}
	entries, err := collectEntries(rows, "FindPendingWithCursor")
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(entries) > limit {
		entries = entries[:limit]
		next = entries[limit-1].Seq
	}
	return entries, next, nil
}

// CleanupProcessed deletes PROCESSED entries acknowledged more than
// olderThan ago. Returns the number deleted.
func (s *Store) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := toMillis(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = 'PROCESSED' AND processed_at < ?
	`, cutoff)
	return affected(res, err, "CleanupProcessed")
}

// CountByStatus returns the number of entries in each status. Statuses
// with no entries are present with a zero count.
func (s *Store) CountByStatus(ctx context.Context) (map[ir.OutboxStatus]int, error) {
	out := map[ir.OutboxStatus]int{
		ir.OutboxPending:    0,
		ir.OutboxProcessing: 0,
		ir.OutboxProcessed:  0,
		ir.OutboxFailed:     0,
		ir.OutboxDLQ:        0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, ivmerr.Storage("CountByStatus", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, ivmerr.Storage("CountByStatus", err)
		}
		out[ir.OutboxStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, ivmerr.Storage("CountByStatus", err)
	}
	return out, nil
}

func affected(res sql.Result, err error, op string) (int, error) {
	if err != nil {
		return 0, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, ivmerr.Storage(op, err)
	}
	return int(n), nil
}
