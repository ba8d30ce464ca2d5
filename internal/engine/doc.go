// Package engine is the incremental view maintenance pipeline.
//
// It wires the store, the slicer, the changeset builder and the fanout
// workflow behind outbox handlers:
//
//	Ingest ──► raw_data + RAW_DATA_INGESTED            (one transaction)
//	RAW_DATA_INGESTED ──► diff against previous version
//	                  ──► slices + index rows + ENTITY_CHANGED (one transaction)
//	ENTITY_CHANGED ──► fanout: re-slice downstream entities at version+1
//	                  ──► raw copy + slices + index rows + ENTITY_CHANGED (one transaction)
//	FANOUT_DEFERRED ──► fanout of one dependency with the breaker bypassed
//
// # Structural Idempotency
//
// Outbox delivery is at-least-once, so every handler may run twice for the
// same entry. Idempotency is structural, not a special replay mode; the
// same code path handles first delivery and redelivery.
//
// Three mechanisms enforce it:
//
// 1. Immutable versions
//
//	raw_data PRIMARY KEY (tenant_id, entity_key, version)
//	slices   PRIMARY KEY (tenant_id, entity_key, version, slice_type)
//
// Rewriting a version with the same hash is a no-op; a different hash is
// rejected.
//
// 2. Deterministic idempotency keys
//
//	key := ir.IdempotencyKey(aggregateID, eventType, canonicalPayload)
//
// A follow-on entry produced twice collides on insert, which rolls back
// the transaction that carried it. The handler treats that collision as
// "already done".
//
// 3. Deterministic slicing
//
// Slicing the same raw version under the same rule set yields
// byte-identical slices and hashes, so a redelivered handler rebuilds
// exactly what the first delivery stored.
package engine
