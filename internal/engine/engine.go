package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/fanout"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
	"github.com/roach88/ivm/internal/outbox"
	"github.com/roach88/ivm/internal/slicer"
	"github.com/roach88/ivm/internal/store"
)

// DeferredPriority is the claim priority of FANOUT_DEFERRED entries.
// Deferred fanouts are large by definition, so they yield to fresh
// ingests (priority 0).
const DeferredPriority = 10

// IngestedEvent is the payload of RAW_DATA_INGESTED.
type IngestedEvent struct {
	TenantID  string `json:"tenant_id"`
	EntityKey string `json:"entity_key"`
	Version   int64  `json:"version"`
	Deleted   bool   `json:"deleted,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ChangedEvent is the payload of ENTITY_CHANGED.
type ChangedEvent struct {
	TenantID           string         `json:"tenant_id"`
	EntityType         string         `json:"entity_type"`
	EntityKey          string         `json:"entity_key"`
	Version            int64          `json:"version"`
	ChangeSetID        string         `json:"change_set_id"`
	ChangeType         ir.ChangeType  `json:"change_type"`
	ImpactedSliceTypes []ir.SliceType `json:"impacted_slice_types"`
}

// Engine runs the pipeline.
//
// Thread-safety: all methods are safe for concurrent use. Handlers are
// invoked concurrently by outbox workers.
type Engine struct {
	store   *store.Store
	catalog contract.Catalog
	slicer  *slicer.Slicer
	fanout  *fanout.Workflow
	logger  *slog.Logger

	fanoutCfg fanout.Config
	now       func() time.Time
	notify    func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFanoutConfig sets the fanout workflow configuration.
func WithFanoutConfig(cfg fanout.Config) Option {
	return func(e *Engine) {
		e.fanoutCfg = cfg
	}
}

// WithClock sets the time source of the fanout dedup window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine over st, resolving rule sets through catalog.
func New(st *store.Store, catalog contract.Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		catalog:   catalog,
		logger:    slog.Default(),
		fanoutCfg: fanout.DefaultConfig(),
		now:       time.Now,
		notify:    func() {},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.slicer = slicer.New(contract.NewCachedSource(catalog, 0), st, slicer.WithLogger(e.logger))
	e.fanout = fanout.New(catalog, st, e, e.fanoutCfg,
		fanout.WithLogger(e.logger),
		fanout.WithClock(e.now),
		fanout.WithAsyncQueue(e))
	return e
}

// Fanout returns the engine's fanout workflow.
func (e *Engine) Fanout() *fanout.Workflow {
	return e.fanout
}

// Register binds the pipeline handlers to c. Writes made by the engine
// wake c's idle workers.
func (e *Engine) Register(c *outbox.Coordinator) {
	c.Register(outbox.EventRawDataIngested, outbox.HandlerFunc(e.handleIngested))
	c.Register(outbox.EventEntityChanged, outbox.HandlerFunc(e.handleChanged))
	c.Register(outbox.EventFanoutDeferred, outbox.HandlerFunc(e.handleDeferred))
	e.notify = c.Notify
}

// Ingest stores a raw data version and announces it, in one transaction.
//
// Re-ingesting an identical version is a no-op. Ingesting a version that
// already exists with different content is an IdempotencyViolation. A
// version older than the latest is sliced and kept as history; the index
// keeps following the newest slices.
func (e *Engine) Ingest(ctx context.Context, rec ir.RawDataRecord) error {
	parsed, err := ir.ParseEntityKey(rec.EntityKey)
	if err != nil {
		return ivmerr.Validation("ingest: %v", err)
	}
	if parsed.TenantID != rec.TenantID {
		return ivmerr.Validation("ingest: key %s belongs to tenant %q, record says %q", rec.EntityKey, parsed.TenantID, rec.TenantID)
	}
	if rec.Version <= 0 {
		return ivmerr.Validation("ingest: %s version must be positive, got %d", rec.EntityKey, rec.Version)
	}

	entry, err := outbox.NewEntry(ir.EntityTypeOf(rec.EntityKey), rec.EntityKey, outbox.EventRawDataIngested,
		IngestedEvent{TenantID: rec.TenantID, EntityKey: rec.EntityKey, Version: rec.Version},
		outbox.WithEntityVersion(rec.Version))
	if err != nil {
		return err
	}

	err = e.store.PutRaw(ctx, rec, entry)
	if ivmerr.IsIdempotency(err) && e.alreadyIngested(ctx, rec) {
		e.logger.Debug("ingest: version already stored",
			"tenant", rec.TenantID,
			"entity_key", rec.EntityKey,
			"version", rec.Version)
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info("raw data ingested",
		"tenant", rec.TenantID,
		"entity_key", rec.EntityKey,
		"version", rec.Version)
	e.notify()
	return nil
}

func (e *Engine) alreadyIngested(ctx context.Context, rec ir.RawDataRecord) bool {
	existing, err := e.store.Get(ctx, rec.TenantID, rec.EntityKey, rec.Version)
	return err == nil && existing.PayloadHash == rec.PayloadHash
}

// Delete announces the logical deletion of an entity at version. The
// handler writes tombstone slices for every slice type.
func (e *Engine) Delete(ctx context.Context, tenantID, entityKey string, version int64, reason string) error {
	parsed, err := ir.ParseEntityKey(entityKey)
	if err != nil {
		return ivmerr.Validation("delete: %v", err)
	}
	if parsed.TenantID != tenantID {
		return ivmerr.Validation("delete: key %s belongs to tenant %q, not %q", entityKey, parsed.TenantID, tenantID)
	}

	latest, err := e.store.LatestRawVersion(ctx, tenantID, entityKey)
	if err != nil {
		return err
	}
	if latest == 0 {
		return ivmerr.NotFound("delete: no raw data for %s", entityKey)
	}
	if version <= latest {
		return ivmerr.Validation("delete: version %d of %s must be above the latest version %d", version, entityKey, latest)
	}

	entry, err := outbox.NewEntry(ir.EntityTypeOf(entityKey), entityKey, outbox.EventRawDataIngested,
		IngestedEvent{TenantID: tenantID, EntityKey: entityKey, Version: version, Deleted: true, Reason: reason},
		outbox.WithEntityVersion(version))
	if err != nil {
		return err
	}
	if _, err := e.store.Insert(ctx, entry); err != nil && !ivmerr.IsIdempotency(err) {
		return err
	}
	e.notify()
	return nil
}

// DeferFanout enqueues a FANOUT_DEFERRED entry. It implements
// fanout.AsyncQueue.
func (e *Engine) DeferFanout(ctx context.Context, req fanout.Request, dep fanout.Dependency) error {
	entry, err := outbox.NewEntry(req.EntityType, req.EntityKey, outbox.EventFanoutDeferred, req,
		outbox.WithPriority(DeferredPriority),
		outbox.WithEntityVersion(req.Version))
	if err != nil {
		return err
	}
	if _, err := e.store.Insert(ctx, entry); err != nil {
		if ivmerr.IsIdempotency(err) {
			return nil
		}
		return err
	}
	e.logger.Info("fanout deferred",
		"tenant", req.TenantID,
		"entity_key", req.EntityKey,
		"index_type", dep.IndexType)
	e.notify()
	return nil
}
