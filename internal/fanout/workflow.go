package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/index"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// Config tunes a Workflow.
type Config struct {
	Enabled bool
	// BatchSize is the reverse-index page size.
	BatchSize int
	// BatchDelay is the pause between pages.
	BatchDelay time.Duration
	// RatePerSecond caps re-slices per second across the workflow. Zero
	// disables the limiter.
	RatePerSecond float64
	// MaxConcurrent bounds in-flight dependency fanouts process-wide.
	MaxConcurrent int64
	// DependencyTimeout bounds one dependency's fanout. Targets not reached
	// in time count as failed.
	DependencyTimeout time.Duration
	DedupWindow       time.Duration
	DedupMaxEntries   int
	CircuitAction     CircuitAction
	// DefaultMaxFanout applies to dependencies that declare none. Zero
	// means unbounded.
	DefaultMaxFanout int
	MaxJobs          int
}

// DefaultConfig returns the workflow defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		BatchSize:         100,
		BatchDelay:        50 * time.Millisecond,
		MaxConcurrent:     8,
		DependencyTimeout: 5 * time.Minute,
		DedupWindow:       30 * time.Second,
		DedupMaxEntries:   10000,
		CircuitAction:     CircuitSkip,
		DefaultMaxFanout:  10000,
		MaxJobs:           DefaultMaxJobs,
	}
}

// Workflow runs fanout requests.
//
// Thread-safety: Run is safe for concurrent use; the dedup cache,
// breaker, semaphore and job registry are shared across calls.
type Workflow struct {
	catalog  contract.Catalog
	index    IndexStore
	reslicer Reslicer
	async    AsyncQueue
	cfg      Config

	dedup   *dedupCache
	breaker *breaker
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	jobs    *jobRegistry

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the workflow's logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = l
	}
}

// WithClock sets the time source of the dedup window and job registry.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// WithAsyncQueue sets the queue used by the ASYNC circuit action.
func WithAsyncQueue(q AsyncQueue) Option {
	return func(w *Workflow) {
		w.async = q
	}
}

// WithJobIDs sets the job id source.
func WithJobIDs(newID func() string) Option {
	return func(w *Workflow) {
		w.newID = newID
	}
}

// New creates a workflow. Non-positive sizes fall back to DefaultConfig.
func New(catalog contract.Catalog, idx IndexStore, reslicer Reslicer, cfg Config, opts ...Option) *Workflow {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.CircuitAction == "" {
		cfg.CircuitAction = def.CircuitAction
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	w := &Workflow{
		catalog:  catalog,
		index:    idx,
		reslicer: reslicer,
		cfg:      cfg,
		dedup:    newDedupCache(cfg.DedupWindow, cfg.DedupMaxEntries),
		breaker:  newBreaker(cfg.CircuitAction, cfg.DefaultMaxFanout),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:  limiter,
		jobs:     newJobRegistry(cfg.MaxJobs),
		now:      time.Now,
		newID:    func() string { return uuid.Must(uuid.NewV7()).String() },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dependencies returns the downstream dependencies on upstreamType.
func (w *Workflow) Dependencies(ctx context.Context, upstreamType string) ([]Dependency, error) {
	ruleSets, err := w.catalog.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rule sets: %w", err)
	}
	return InferDependencies(ruleSets, upstreamType), nil
}

// Jobs returns a snapshot of in-flight and recent runs, oldest first.
func (w *Workflow) Jobs() []Job {
	return w.jobs.snapshot()
}

// TripCount returns how often dependencies on indexType tripped the
// circuit breaker.
func (w *Workflow) TripCount(indexType string) int {
	return w.breaker.tripCount(indexType)
}

// LastTrip returns the most recent circuit breaker refusal.
func (w *Workflow) LastTrip() (Trip, bool) {
	return w.breaker.lastTrip()
}

// ResetDedup forgets every recently seen entity.
func (w *Workflow) ResetDedup() {
	w.dedup.reset()
}

func dedupKey(req Request) string {
	return req.TenantID + "\x00" + strings.ToLower(req.EntityType) + "\x00" + req.EntityKey
}

// Run fans out one upstream change.
//
// An error is returned only when the run cannot start: an invalid request
// or a rule set catalog failure. Dependency and target failures are
// reported in the Result counts. A run that returns an error is not
// remembered by the dedup window, so a retry of the same request runs.
func (w *Workflow) Run(ctx context.Context, req Request) (res Result, err error) {
	if req.TenantID == "" || req.EntityType == "" || req.EntityKey == "" {
		return Result{}, ivmerr.Validation("fanout request requires tenant, entity type and entity key")
	}

	if !w.cfg.Enabled {
		return w.skip("disabled"), nil
	}
	if !req.Deferred && w.dedup.check(dedupKey(req), w.now()) {
		dedupSkips.Inc()
		w.logger.Debug("fanout skipped: duplicate within window",
			"tenant", req.TenantID,
			"entity_key", req.EntityKey)
		return w.skip("duplicate"), nil
	}
	if !req.Deferred {
		defer func() {
			if err != nil {
				w.dedup.forget(dedupKey(req))
			}
		}()
	}

	value := index.Normalize(ir.EntityIDOf(req.EntityKey))
	if value == "" {
		return Result{}, ivmerr.Validation("fanout entity key %q has no id", req.EntityKey)
	}

	deps, err := w.Dependencies(ctx, req.EntityType)
	if err != nil {
		return Result{}, err
	}
	if req.IndexType != "" {
		var only []Dependency
		for _, d := range deps {
			if d.IndexType == req.IndexType {
				only = append(only, d)
			}
		}
		deps = only
	}

	jobID := w.newID()
	w.jobs.start(jobID, req, w.now())

	results := make([]DependencyResult, len(deps))
	var wg sync.WaitGroup
	for i, dep := range deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = w.runDependency(ctx, req, dep, value)
		}()
	}
	wg.Wait()

	res = aggregate(results)
	res.JobID = jobID
	w.jobs.finish(jobID, res, w.now())
	runsTotal.WithLabelValues(string(res.Status)).Inc()

	w.logger.Info("fanout finished",
		"job", jobID,
		"tenant", req.TenantID,
		"entity_key", req.EntityKey,
		"status", res.Status,
		"processed", res.Processed,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"deferred", res.Deferred)
	return res, nil
}

func (w *Workflow) skip(reason string) Result {
	runsTotal.WithLabelValues(string(StatusSkipped)).Inc()
	return Result{Status: StatusSkipped, Reason: reason}
}

// aggregate folds dependency results into a run result.
func aggregate(results []DependencyResult) Result {
	res := Result{Dependencies: results}
	if len(results) == 0 {
		res.Status = StatusSuccess
		res.Reason = "no dependencies"
		return res
	}

	allSkipped := true
	for _, r := range results {
		res.Processed += r.Processed
		res.Skipped += r.Skipped
		res.Failed += r.Failed
		res.Deferred += r.Deferred
		if r.Status != StatusSkipped {
			allSkipped = false
		}
	}

	switch {
	case allSkipped:
		res.Status = StatusSkipped
	case res.Failed == 0 && !anyFailed(results):
		res.Status = StatusSuccess
	case res.Processed > 0:
		res.Status = StatusPartialFailure
	default:
		res.Status = StatusFailed
	}
	return res
}

func anyFailed(results []DependencyResult) bool {
	for _, r := range results {
		if r.Status == StatusFailed || r.Status == StatusPartialFailure {
			return true
		}
	}
	return false
}

// runDependency fans out one dependency. It never returns an error:
// failures degrade to counts so sibling dependencies proceed.
func (w *Workflow) runDependency(ctx context.Context, req Request, dep Dependency, value string) (res DependencyResult) {
	start := time.Now()
	res = DependencyResult{Dependency: dep}

	ctx, span := tracer.Start(ctx, "fanout.dependency",
		trace.WithAttributes(
			attribute.String("fanout.tenant", req.TenantID),
			attribute.String("fanout.entity_key", req.EntityKey),
			attribute.String("fanout.index_type", dep.IndexType),
			attribute.String("fanout.downstream_type", dep.DownstreamType),
		))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.String("fanout.status", string(res.Status)),
			attribute.Int("fanout.processed", res.Processed),
			attribute.Int("fanout.failed", res.Failed),
		)
		if res.Error != "" {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()

		targetsTotal.WithLabelValues("processed").Add(float64(res.Processed))
		targetsTotal.WithLabelValues("skipped").Add(float64(res.Skipped))
		targetsTotal.WithLabelValues("failed").Add(float64(res.Failed))
		targetsTotal.WithLabelValues("deferred").Add(float64(res.Deferred))
	}()

	count, err := w.index.CountByIndexType(ctx, req.TenantID, dep.IndexType, value)
	if err != nil {
		w.logger.Warn("fanout count failed",
			"tenant", req.TenantID,
			"entity_key", req.EntityKey,
			"index_type", dep.IndexType,
			"error", err)
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	res.Targets = count
	if count == 0 {
		res.Status = StatusSuccess
		return res
	}

	if !req.Deferred {
		if ok, action := w.breaker.allow(dep, value, count, w.now()); !ok {
			circuitTrips.WithLabelValues(string(action)).Inc()
			w.logger.Warn("fanout circuit open",
				"tenant", req.TenantID,
				"entity_key", req.EntityKey,
				"index_type", dep.IndexType,
				"targets", count,
				"max_fanout", w.breaker.limit(dep),
				"action", action)
			return w.trip(ctx, req, dep, res, action)
		}
	}

	if w.cfg.DependencyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.DependencyTimeout)
		defer cancel()
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		res.Failed = count
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("waiting for fanout slot: %v", err)
		return res
	}
	inflight.Inc()
	defer func() {
		inflight.Dec()
		w.sem.Release(1)
	}()

	abandoned := w.page(ctx, req, dep, value, &res)
	if abandoned != nil {
		if remaining := count - res.Processed - res.Failed - res.Skipped; remaining > 0 {
			res.Failed += remaining
		}
		res.Error = abandoned.Error()
		w.logger.Warn("fanout dependency abandoned",
			"tenant", req.TenantID,
			"entity_key", req.EntityKey,
			"index_type", dep.IndexType,
			"processed", res.Processed,
			"failed", res.Failed,
			"error", abandoned)
	}

	switch {
	case res.Failed == 0:
		res.Status = StatusSuccess
	case res.Processed > 0:
		res.Status = StatusPartialFailure
	default:
		res.Status = StatusFailed
	}
	return res
}

// trip applies the circuit action to a refused dependency.
func (w *Workflow) trip(ctx context.Context, req Request, dep Dependency, res DependencyResult, action CircuitAction) DependencyResult {
	reason := fmt.Sprintf("circuit open: %d targets exceed max fanout %d", res.Targets, w.breaker.limit(dep))
	switch action {
	case CircuitError:
		res.Status = StatusFailed
		res.Failed = res.Targets
		res.Error = reason
	case CircuitAsync:
		if w.async == nil {
			res.Status = StatusFailed
			res.Failed = res.Targets
			res.Error = reason + ": no async queue configured"
			return res
		}
		deferred := req
		deferred.IndexType = dep.IndexType
		deferred.Deferred = true
		if err := w.async.DeferFanout(ctx, deferred, dep); err != nil {
			res.Status = StatusFailed
			res.Failed = res.Targets
			res.Error = fmt.Sprintf("%s: defer: %v", reason, err)
			return res
		}
		res.Status = StatusAsyncQueued
		res.Deferred = res.Targets
	default:
		res.Status = StatusSkipped
		res.Skipped = res.Targets
		res.Error = reason
	}
	return res
}

// page walks the reverse index and re-slices every target. It returns a
// non-nil error when the walk stopped early.
func (w *Workflow) page(ctx context.Context, req Request, dep Dependency, value string, res *DependencyResult) error {
	cursor := ""
	for {
		page, err := w.index.QueryByIndexType(ctx, req.TenantID, dep.IndexType, value, w.cfg.BatchSize, cursor)
		if err != nil {
			return fmt.Errorf("query %s: %w", dep.IndexType, err)
		}

		for _, target := range page.Targets {
			if target.EntityKey == req.EntityKey {
				res.Skipped++
				continue
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.reslicer.Reslice(ctx, req.TenantID, target.EntityKey); err != nil {
				res.Failed++
				w.logger.Warn("fanout target failed",
					"tenant", req.TenantID,
					"upstream", req.EntityKey,
					"target", target.EntityKey,
					"error", err)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return err
				}
				continue
			}
			res.Processed++
		}

		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor

		if w.cfg.BatchDelay > 0 {
			t := time.NewTimer(w.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}
