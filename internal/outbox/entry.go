package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/ivm/internal/ir"
)

// Event types carried by the pipeline.
const (
	EventRawDataIngested = "RAW_DATA_INGESTED"
	EventEntityChanged   = "ENTITY_CHANGED"
	EventFanoutDeferred  = "FANOUT_DEFERRED"
)

// EntryOption customizes an entry built by NewEntry.
type EntryOption func(*ir.OutboxEntry)

// WithPriority sets the claim priority. Lower numbers are claimed first.
func WithPriority(p int) EntryOption {
	return func(e *ir.OutboxEntry) {
		e.Priority = p
	}
}

// WithEntityVersion sets the aggregate version used for ordered claims.
func WithEntityVersion(v int64) EntryOption {
	return func(e *ir.OutboxEntry) {
		e.EntityVersion = &v
	}
}

// WithID overrides the generated entry id.
func WithID(id string) EntryOption {
	return func(e *ir.OutboxEntry) {
		e.ID = id
	}
}

// NewEntry builds a PENDING entry whose payload is the canonical JSON of
// payload and whose idempotency key is derived from (aggregateID,
// eventType, payload). Two entries announcing the same fact therefore
// collide on insert.
func NewEntry(aggregateType, aggregateID, eventType string, payload any, opts ...EntryOption) (ir.OutboxEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("outbox entry payload: %w", err)
	}
	data, err := ir.Canonicalize(raw)
	if err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("outbox entry payload: %w", err)
	}
	key, err := ir.IdempotencyKey(aggregateID, eventType, data)
	if err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("outbox entry idempotency key: %w", err)
	}

	e := ir.OutboxEntry{
		ID:             UUIDv7Generator{}.Generate(),
		IdempotencyKey: key,
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        string(data),
		Status:         ir.OutboxPending,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}
