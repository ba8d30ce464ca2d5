// Package slicer applies rule sets to raw entity payloads.
//
// A rule set declares slice definitions; each definition resolves its joins
// through the join executor, merges the joined payloads into the working
// document under each join's name, and applies a build rule (PassThrough or
// MapFields). Output data is canonical JSON, hashed together with the rule
// set identity. Every slice is then indexed with the rule set's index specs.
//
// Slicing is a pure function of the raw record content, the rule set and
// the joined records: running it twice yields byte-identical slices.
package slicer
