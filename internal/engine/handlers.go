package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/ivm/internal/changeset"
	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/fanout"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
	"github.com/roach88/ivm/internal/outbox"
	"github.com/roach88/ivm/internal/slicer"
)

// handleIngested turns a RAW_DATA_INGESTED entry into slices:
//
//  1. Diff the version against its predecessor (or its absence)
//  2. Map changed paths to impacted slice types
//  3. Slice, re-slice partially, or tombstone
//  4. Persist slices, index rows and ENTITY_CHANGED in one transaction
func (e *Engine) handleIngested(ctx context.Context, entry ir.OutboxEntry) error {
	var ev IngestedEvent
	if err := json.Unmarshal([]byte(entry.Payload), &ev); err != nil {
		return ivmerr.Validation("decode %s payload: %v", entry.EventType, err)
	}

	entityType := ir.EntityTypeOf(ev.EntityKey)
	rs, err := e.catalog.ResolveEntityType(ctx, entityType)
	if ivmerr.IsNotFound(err) {
		e.logger.Warn("no active rule set for entity type, nothing to slice",
			"entity_type", entityType,
			"entity_key", ev.EntityKey)
		return nil
	}
	if err != nil {
		return err
	}

	cs, res, err := e.derive(ctx, ev, rs)
	if err != nil {
		return err
	}
	if len(res.Slices) == 0 {
		e.logger.Debug("no slices impacted",
			"entity_key", ev.EntityKey,
			"version", ev.Version,
			"change_type", cs.ChangeType)
		return nil
	}

	changed, err := outbox.NewEntry(entityType, ev.EntityKey, outbox.EventEntityChanged, ChangedEvent{
		TenantID:           ev.TenantID,
		EntityType:         entityType,
		EntityKey:          ev.EntityKey,
		Version:            ev.Version,
		ChangeSetID:        cs.ID,
		ChangeType:         cs.ChangeType,
		ImpactedSliceTypes: sliceTypesOf(res.Slices),
	}, outbox.WithEntityVersion(ev.Version))
	if err != nil {
		return err
	}

	err = e.store.PutSlices(ctx, res.Slices, res.IndexEntries, changed)
	if ivmerr.IsIdempotency(err) {
		// Redelivery after a crash between commit and acknowledgement.
		e.logger.Info("slices already committed",
			"entity_key", ev.EntityKey,
			"version", ev.Version)
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info("entity sliced",
		"tenant", ev.TenantID,
		"entity_key", ev.EntityKey,
		"version", ev.Version,
		"change_type", cs.ChangeType,
		"slices", len(res.Slices),
		"index_entries", len(res.IndexEntries))
	e.notify()
	return nil
}

// derive computes the change set of ev and the slices it requires.
func (e *Engine) derive(ctx context.Context, ev IngestedEvent, rs *contract.RuleSet) (ir.ChangeSet, slicer.Result, error) {
	in := changeset.Input{
		TenantID:   ev.TenantID,
		EntityType: ir.EntityTypeOf(ev.EntityKey),
		EntityKey:  ev.EntityKey,
		ToVersion:  ev.Version,
	}

	prev, err := e.store.GetPrevious(ctx, ev.TenantID, ev.EntityKey, ev.Version)
	switch {
	case ivmerr.IsNotFound(err):
	case err != nil:
		return ir.ChangeSet{}, slicer.Result{}, err
	default:
		in.FromVersion = prev.Version
		in.From = []byte(prev.Payload)
	}

	var cur ir.RawDataRecord
	if !ev.Deleted {
		cur, err = e.store.Get(ctx, ev.TenantID, ev.EntityKey, ev.Version)
		if err != nil {
			return ir.ChangeSet{}, slicer.Result{}, err
		}
		in.To = []byte(cur.Payload)

		// An entity coming back after a delete is rebuilt from scratch:
		// diffing against the pre-delete payload would leave unimpacted
		// slices tombstoned.
		tombstoned, err := e.tombstoned(ctx, ev.TenantID, ev.EntityKey)
		if err != nil {
			return ir.ChangeSet{}, slicer.Result{}, err
		}
		if tombstoned {
			in.From, in.FromVersion = nil, 0
		}
	} else if in.From == nil {
		return ir.ChangeSet{}, slicer.Result{}, ivmerr.NotFound("delete %s: no raw data to delete", ev.EntityKey)
	}

	cs, err := changeset.Build(in)
	if err != nil {
		return ir.ChangeSet{}, slicer.Result{}, err
	}
	cs, err = changeset.Apply(cs, rs)
	if err != nil {
		return ir.ChangeSet{}, slicer.Result{}, err
	}

	ref := rs.Ref()
	var res slicer.Result
	switch cs.ChangeType {
	case ir.ChangeCreate:
		res, err = e.slicer.Slice(ctx, cur, ref)
	case ir.ChangeUpdate:
		res, err = e.slicer.SlicePartial(ctx, cur, ref, cs.ImpactedSliceTypes)
	case ir.ChangeDelete:
		res, err = e.slicer.Tombstone(ctx, ev.TenantID, ev.EntityKey, ev.Version, ref, ev.Reason)
	case ir.ChangeNoChange:
	default:
		err = ivmerr.Invariant("engine.derive", nil, "unknown change type %q", cs.ChangeType)
	}
	return cs, res, err
}

func (e *Engine) tombstoned(ctx context.Context, tenantID, entityKey string) (bool, error) {
	latest, err := e.store.LatestSlices(ctx, tenantID, entityKey)
	if err != nil {
		return false, err
	}
	for _, sl := range latest {
		if sl.Tombstone != nil {
			return true, nil
		}
	}
	return false, nil
}

// handleChanged fans an ENTITY_CHANGED entry out to downstream dependents.
// Target failures are reported in the fanout result, not retried here:
// retrying the entry would re-slice every target that succeeded.
func (e *Engine) handleChanged(ctx context.Context, entry ir.OutboxEntry) error {
	var ev ChangedEvent
	if err := json.Unmarshal([]byte(entry.Payload), &ev); err != nil {
		return ivmerr.Validation("decode %s payload: %v", entry.EventType, err)
	}
	return e.runFanout(ctx, fanout.Request{
		TenantID:   ev.TenantID,
		EntityType: ev.EntityType,
		EntityKey:  ev.EntityKey,
		Version:    ev.Version,
	})
}

// handleDeferred replays a fanout the circuit breaker handed to the queue.
func (e *Engine) handleDeferred(ctx context.Context, entry ir.OutboxEntry) error {
	var req fanout.Request
	if err := json.Unmarshal([]byte(entry.Payload), &req); err != nil {
		return ivmerr.Validation("decode %s payload: %v", entry.EventType, err)
	}
	req.Deferred = true
	return e.runFanout(ctx, req)
}

func (e *Engine) runFanout(ctx context.Context, req fanout.Request) error {
	res, err := e.fanout.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("fanout %s: %w", req.EntityKey, err)
	}
	if res.Status == fanout.StatusFailed || res.Status == fanout.StatusPartialFailure {
		e.logger.Warn("fanout incomplete",
			"job", res.JobID,
			"entity_key", req.EntityKey,
			"status", res.Status,
			"failed", res.Failed)
	}
	return nil
}

func sliceTypesOf(slices []ir.SliceRecord) []ir.SliceType {
	out := make([]ir.SliceType, 0, len(slices))
	for _, sl := range slices {
		out = append(out, sl.SliceType)
	}
	return out
}
