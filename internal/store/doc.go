// Package store provides SQLite-backed durable storage for the IVM core.
//
// One database holds every collaborator store the core talks to:
//   - raw_data: immutable entity versions, keyed by (tenant, entity key, version)
//   - slices: one row per (entity key, version, slice type)
//   - inverted_index: forward and reverse index rows, replaced whenever the
//     slice that produced them is rebuilt
//   - outbox: durable, claimable facts awaiting processing
//
// # Critical Patterns
//
// Claim atomicity
//   - Claims select and mark rows inside one transaction on the single
//     pooled connection, so no two workers can claim the same entry
//   - The UPDATE re-checks status = 'PENDING'
//
// Deterministic query results
//   - Every multi-row query has a total ORDER BY ending in a unique column
//
// Idempotency
//   - outbox.idempotency_key is UNIQUE; a duplicate insert is an
//     IdempotencyViolation and batch inserts roll back as a whole
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
