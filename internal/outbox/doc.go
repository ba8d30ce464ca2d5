// Package outbox delivers durable facts to in-process handlers.
//
// Entries are written to a Queue (the SQLite store in production) in the
// same transaction as the state change they announce. A Coordinator runs N
// workers, each in an independent poll, claim, dispatch, ack loop, plus a
// janitor that recovers expired claims, re-queues retryable failures and
// parks exhausted entries in the DLQ.
//
// Entry lifecycle:
//
//	PENDING -> PROCESSING -> PROCESSED
//	                      -> FAILED -> PENDING (retry) | DLQ
//	DLQ -> PENDING (manual replay)
//
// Delivery is at-least-once. Handlers must be idempotent; the pipeline's
// handlers are, because raw versions and slices are immutable and every
// follow-on entry carries a deterministic idempotency key.
package outbox
