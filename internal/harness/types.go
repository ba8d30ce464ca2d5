package harness

import (
	"encoding/json"

	"github.com/roach88/ivm/internal/ir"
)

// StepOutcome records what one step did.
type StepOutcome struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	// Target is the entity key, or the duration for advance steps.
	Target string `json:"target,omitempty"`
	// Processed is the number of outbox entries a drain step handled.
	Processed int `json:"processed,omitempty"`
	// Error is the error code the step failed with, if any.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool `json:"pass"`

	Steps []StepOutcome `json:"steps"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final store state.
	State *Snapshot `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepOutcome{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot is the deterministic final state of a scenario run. Outbox
// ids, timestamps and slice hashes are left out.
type Snapshot struct {
	Scenario string           `json:"scenario"`
	Entities []EntitySnapshot `json:"entities"`
	// Outbox counts entries by event type, then status.
	Outbox map[string]map[ir.OutboxStatus]int `json:"outbox"`
}

// EntitySnapshot holds the latest slices and index rows of one entity.
type EntitySnapshot struct {
	Key    string          `json:"key"`
	Slices []SliceSnapshot `json:"slices"`
	Index  []IndexSnapshot `json:"index,omitempty"`
}

// SliceSnapshot is one latest slice.
type SliceSnapshot struct {
	Type      ir.SliceType    `json:"type"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
	Tombstone *ir.Tombstone   `json:"tombstone,omitempty"`
}

// IndexSnapshot is one index row produced by an entity.
type IndexSnapshot struct {
	Type      string       `json:"type"`
	Value     string       `json:"value"`
	Target    string       `json:"target"`
	SliceType ir.SliceType `json:"slice_type"`
	Tombstone bool         `json:"tombstone,omitempty"`
}
