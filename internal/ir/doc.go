// Package ir provides the canonical value and record types for the IVM core.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal. This keeps the
// canonical representation the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Every derived record (slice, index entry, change set) is a pure function
//     of payload content and rule set content
//   - Canonical JSON (RFC 8785 key order, NFC strings) is the only
//     serialization used for hashing
//   - Hashes are SHA-256 with domain separation, hex encoded
//   - All JSON tags use snake_case
package ir
