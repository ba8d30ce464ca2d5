package fanout

import (
	"context"
	"time"

	"github.com/roach88/ivm/internal/ir"
)

// Status is the outcome of a fanout run or of one dependency.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialFailure Status = "PARTIAL_FAILURE"
	StatusFailed         Status = "FAILED"
	StatusSkipped        Status = "SKIPPED"
	// StatusAsyncQueued marks a dependency deferred by the circuit breaker.
	StatusAsyncQueued Status = "ASYNC_QUEUED"
	// StatusRunning is only observed on in-flight jobs.
	StatusRunning Status = "RUNNING"
)

// CircuitAction decides what happens to a dependency whose target count
// exceeds its max fanout.
type CircuitAction string

const (
	// CircuitSkip counts every target as skipped.
	CircuitSkip CircuitAction = "SKIP"
	// CircuitError counts every target as failed.
	CircuitError CircuitAction = "ERROR"
	// CircuitAsync hands the dependency to the AsyncQueue.
	CircuitAsync CircuitAction = "ASYNC"
)

// Request asks for the downstream dependents of one changed entity to be
// re-sliced.
type Request struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityKey  string `json:"entity_key"`
	Version    int64  `json:"version"`

	// IndexType restricts the run to one dependency. Set on deferred runs.
	IndexType string `json:"index_type,omitempty"`

	// Deferred marks a run replayed from the async queue. Deferred runs
	// bypass the dedup cache and the circuit breaker.
	Deferred bool `json:"deferred,omitempty"`
}

// Dependency links a downstream rule set to an upstream entity type
// through a reverse index.
type Dependency struct {
	RuleSetID      string `json:"rule_set_id"`
	RuleSetVersion string `json:"rule_set_version"`
	DownstreamType string `json:"downstream_type"`
	UpstreamType   string `json:"upstream_type"`

	// IndexType is the reverse index holding the downstream entities.
	IndexType string `json:"index_type"`

	// Via lists where the dependency was declared: "join:<name>" and
	// "index:<type>".
	Via []string `json:"via"`

	// MaxFanout is the circuit breaker threshold. Zero means the
	// workflow default.
	MaxFanout int `json:"max_fanout"`
}

// DependencyResult is the outcome of one dependency.
type DependencyResult struct {
	Dependency Dependency    `json:"dependency"`
	Status     Status        `json:"status"`
	Targets    int           `json:"targets"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Deferred   int           `json:"deferred"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Result aggregates a fanout run.
type Result struct {
	JobID        string             `json:"job_id,omitempty"`
	Status       Status             `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Processed    int                `json:"processed"`
	Skipped      int                `json:"skipped"`
	Failed       int                `json:"failed"`
	Deferred     int                `json:"deferred"`
	Dependencies []DependencyResult `json:"dependencies,omitempty"`
}

// IndexStore answers reverse-index lookups. Implemented by store.Store.
type IndexStore interface {
	CountByIndexType(ctx context.Context, tenantID, indexType, value string) (int, error)
	QueryByIndexType(ctx context.Context, tenantID, indexType, value string, limit int, cursor string) (ir.IndexPage, error)
}

// Reslicer rebuilds one downstream entity at its next version.
type Reslicer interface {
	Reslice(ctx context.Context, tenantID, entityKey string) error
}

// AsyncQueue defers a tripped dependency for later, out-of-band
// processing.
type AsyncQueue interface {
	DeferFanout(ctx context.Context, req Request, dep Dependency) error
}
