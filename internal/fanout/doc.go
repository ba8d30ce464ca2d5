// Package fanout re-slices downstream entities after an upstream entity
// changes.
//
// A change to a brand must refresh every product that joins or indexes
// that brand. The workflow infers those dependencies from the active rule
// sets, counts the affected targets through the reverse index, and pages
// through them in bounded batches, re-slicing each target at its next
// version.
//
// Guards against fanout storms:
//   - a time-windowed dedup cache drops repeated requests for one entity
//   - a circuit breaker refuses dependencies with more targets than their
//     max fanout (SKIP, ERROR or ASYNC)
//   - a process-wide semaphore bounds in-flight dependency fanouts
//   - a rate limiter and an inter-batch delay apply backpressure
//   - a per-dependency timeout abandons work, counting the rest as failed
//
// One failing target or dependency never aborts its siblings.
package fanout
