// Package contract defines rule set contracts and the sources that resolve
// them.
//
// A RuleSet is the versioned, externally registered definition of how one
// entity type is sliced, joined, indexed and impact-mapped. Rule sets are
// immutable once loaded; nothing in the core mutates them at runtime.
//
// Sources are fail-closed: a rule set that does not validate, or whose
// status is not ACTIVE, is never returned to a caller.
//
// Contract files are read from a directory and may be written in CUE
// (a package whose rule_sets field maps names to rule sets) or YAML (one rule
// set per file).
package contract
