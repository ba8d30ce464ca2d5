package outbox

import (
	"context"
	"time"

	"github.com/roach88/ivm/internal/ir"
)

// Queue is the durable store behind the outbox. Implemented by
// store.Store.
//
// Claim variants atomically move PENDING entries to PROCESSING; no entry
// is ever held by two workers at once.
type Queue interface {
	Insert(ctx context.Context, e ir.OutboxEntry) (ir.OutboxEntry, error)
	InsertAll(ctx context.Context, entries []ir.OutboxEntry) ([]ir.OutboxEntry, error)

	Claim(ctx context.Context, limit int, eventType, workerID string) ([]ir.OutboxEntry, error)
	ClaimByPriority(ctx context.Context, limit int, workerID string) ([]ir.OutboxEntry, error)
	ClaimWithOrdering(ctx context.Context, limit int, workerID string) ([]ir.OutboxEntry, error)

	ReleaseExpiredClaims(ctx context.Context, maxAge time.Duration) (int, error)
	MarkProcessed(ctx context.Context, workerID string, ids []string) (int, error)
	MarkFailed(ctx context.Context, workerID, id, reason string) error
	Retry(ctx context.Context, maxRetry int) (int, error)
	MoveToDLQ(ctx context.Context, maxRetry int) (int, error)

	FindDLQ(ctx context.Context, limit int) ([]ir.OutboxEntry, error)
	ReplayFromDLQ(ctx context.Context, id string) error
	FindPendingWithCursor(ctx context.Context, afterSeq int64, limit int) ([]ir.OutboxEntry, int64, error)
	CleanupProcessed(ctx context.Context, olderThan time.Duration) (int, error)
	CountByStatus(ctx context.Context) (map[ir.OutboxStatus]int, error)
}
