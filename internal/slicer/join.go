package slicer

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// RawStore is the raw-data collaborator. Records are keyed by
// (tenant, entity key); Get and GetLatest return an ivmerr NotFound error
// when nothing matches.
type RawStore interface {
	Get(ctx context.Context, tenantID, entityKey string, version int64) (ir.RawDataRecord, error)
	GetLatest(ctx context.Context, tenantID, entityKey string) (ir.RawDataRecord, error)

	// BatchGetLatest returns the latest record for every key that exists.
	// Missing keys are absent from the map, not an error.
	BatchGetLatest(ctx context.Context, tenantID string, keys []string) (map[string]ir.RawDataRecord, error)
}

// ExecuteJoins resolves every join spec against doc, the parsed payload of
// raw, with a single BatchGetLatest call, and returns the projected target
// payloads by join name.
//
// A required join whose source value is missing or not a scalar, or whose
// target does not exist, fails the whole call with a JoinError. Optional
// joins in the same situation are left out of the result.
func ExecuteJoins(ctx context.Context, store RawStore, raw ir.RawDataRecord, doc ir.IRObject, specs []contract.JoinSpec) (map[string]ir.IRObject, error) {
	if len(specs) == 0 {
		return map[string]ir.IRObject{}, nil
	}

	ctx, span := tracer.Start(ctx, "slicer.ExecuteJoins", trace.WithAttributes(
		attribute.String("ivm.entity_key", raw.EntityKey),
		attribute.Int("ivm.join_count", len(specs)),
	))
	defer span.End()

	keys := make(map[string]string, len(specs)) // join name -> target key
	for _, spec := range specs {
		key, ok, err := targetKey(raw, doc, spec)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !ok {
			joinLookups.WithLabelValues("skipped").Inc()
			continue
		}
		keys[spec.Name] = key
	}

	out := make(map[string]ir.IRObject, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	unique := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			unique = append(unique, k)
		}
	}
	sort.Strings(unique)

	records, err := store.BatchGetLatest(ctx, raw.TenantID, unique)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if ivmerr.CodeOf(err) != "" {
			return nil, err
		}
		return nil, ivmerr.Storage("BatchGetLatest", err)
	}

	for _, spec := range specs {
		key, ok := keys[spec.Name]
		if !ok {
			continue
		}
		rec, found := records[key]
		if !found {
			joinLookups.WithLabelValues("missing").Inc()
			if spec.Required {
				err := ivmerr.Join(spec.Name, "required join target %s not found", key)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			continue
		}
		payload, err := ir.ParseObject([]byte(rec.Payload))
		if err != nil {
			return nil, ivmerr.Invariant("ExecuteJoins", err, "join %q: target %s payload", spec.Name, key)
		}
		out[spec.Name] = project(payload, spec.Projection)
		joinLookups.WithLabelValues("resolved").Inc()
	}

	span.SetAttributes(attribute.Int("ivm.joins_resolved", len(out)))
	return out, nil
}

// targetKey extracts the join's source scalar and interpolates the target
// key pattern. ok is false when an optional join has nothing to look up.
func targetKey(raw ir.RawDataRecord, doc ir.IRObject, spec contract.JoinSpec) (key string, ok bool, err error) {
	sel, err := ir.ParseSelector(spec.SourceFieldPath)
	if err != nil {
		return "", false, ivmerr.Validation("join %q: %v", spec.Name, err)
	}

	var value string
	if v, found := sel.Lookup(doc); found {
		value, ok = ir.Scalar(v)
	}
	if !ok || strings.TrimSpace(value) == "" {
		if spec.Required {
			return "", false, ivmerr.Join(spec.Name, "source field %s is missing or not a scalar", spec.SourceFieldPath)
		}
		return "", false, nil
	}

	key = strings.NewReplacer(
		"{tenantId}", raw.TenantID,
		"{value}", value,
		"{entityType}", strings.ToUpper(spec.TargetEntityType),
	).Replace(spec.TargetKeyPattern)
	return key, true, nil
}

// project applies an include or exclude projection to a joined payload.
func project(payload ir.IRObject, p *contract.Projection) ir.IRObject {
	if p == nil {
		return payload
	}
	switch p.Mode {
	case contract.ProjectionInclude:
		out := make(ir.IRObject, len(p.Fields))
		for _, f := range p.Fields {
			if v, ok := payload[f]; ok {
				out[f] = v
			}
		}
		return out
	case contract.ProjectionExclude:
		out := payload.Clone()
		for _, f := range p.Fields {
			delete(out, f)
		}
		return out
	default:
		return payload
	}
}
