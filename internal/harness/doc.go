// Package harness runs YAML conformance scenarios against the ivm engine.
//
// A scenario loads a contracts directory, drives the engine through a
// sequence of ingest, delete, reslice, clock and drain steps, and then
// asserts on the stored slices, index rows and outbox. Each run uses a
// fresh SQLite database and a fake clock, so the final state is
// deterministic and can be compared against a golden snapshot.
//
// # Scenario Format
//
//	name: brand_rename
//	description: "Renaming a brand re-slices its products"
//	contracts: contracts
//	tenant: t1
//	fanout:
//	  circuit_action: ASYNC
//	  default_max_fanout: 10
//	steps:
//	  - ingest: BRAND#t1#b1
//	    version: 1
//	    payload: {name: Acme}
//	  - drain: true
//	  - advance: 1m
//	  - delete: PRODUCT#t1#p1
//	    version: 2
//	    reason: recalled
//	  - ingest: PRODUCT#t1#p2
//	    version: 1
//	    payload: {title: Boot}
//	    expect_error: IDEMPOTENCY_VIOLATION
//	assertions:
//	  - type: slice
//	    key: PRODUCT#t1#p1
//	    slice: CORE
//	    version: 2
//	    data: {brand_name: Acme}
//	  - type: index_count
//	    index: product_by_brand
//	    value: b1
//	    count: 1
//
// Paths in contracts are relative to the scenario file.
//
// # Assertion Types
//
//   - slice: the latest slice of a type exists, optionally at a version and
//     containing the given data fields
//   - tombstone: every latest slice of an entity is a tombstone
//   - index_count: the number of index rows for (index, value)
//   - outbox_count: the number of outbox entries by event type and status
//   - no_drift: rebuilding the entity reproduces its stored slice hashes
package harness
