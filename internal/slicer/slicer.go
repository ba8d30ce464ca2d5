package slicer

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/index"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// Result is the output of one slicing run, ordered by slice type.
type Result struct {
	Slices       []ir.SliceRecord
	IndexEntries []ir.InvertedIndexEntry
}

// Slicer builds slices for raw records.
//
// Thread-safety: a Slicer holds no mutable state and is safe for concurrent
// use if its collaborators are.
type Slicer struct {
	contracts contract.Source
	raw       RawStore
	indexer   *index.Builder
	logger    *slog.Logger
}

// Option configures a Slicer.
type Option func(*Slicer)

// WithLogger sets the slicer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Slicer) {
		s.logger = l
	}
}

// New creates a slicer reading rule sets from contracts and join targets
// from raw.
func New(contracts contract.Source, raw RawStore, opts ...Option) *Slicer {
	s := &Slicer{
		contracts: contracts,
		raw:       raw,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.indexer = index.NewBuilder(s.logger)
	return s
}

// Slice builds every slice the rule set declares.
func (s *Slicer) Slice(ctx context.Context, raw ir.RawDataRecord, ref contract.Ref) (Result, error) {
	return s.run(ctx, raw, ref, nil, "full")
}

// SlicePartial rebuilds only the impacted slice types. Naming a slice type
// the rule set does not declare is a validation error.
func (s *Slicer) SlicePartial(ctx context.Context, raw ir.RawDataRecord, ref contract.Ref, impacted []ir.SliceType) (Result, error) {
	if len(impacted) == 0 {
		return Result{}, nil
	}
	want := make(map[ir.SliceType]bool, len(impacted))
	for _, t := range impacted {
		want[t] = true
	}
	return s.run(ctx, raw, ref, want, "partial")
}

func (s *Slicer) run(ctx context.Context, raw ir.RawDataRecord, ref contract.Ref, only map[ir.SliceType]bool, mode string) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "slicer.Slice", trace.WithAttributes(
		attribute.String("ivm.tenant", raw.TenantID),
		attribute.String("ivm.entity_key", raw.EntityKey),
		attribute.Int64("ivm.version", raw.Version),
		attribute.String("ivm.rule_set", ref.String()),
		attribute.String("ivm.mode", mode),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			sliceErrors.WithLabelValues(string(ivmerr.CodeOf(err))).Inc()
		}
		span.End()
	}()

	rs, err := s.contracts.LoadRuleSet(ctx, ref.ID, ref.Version)
	if err != nil {
		return Result{}, err
	}

	defs, err := selectDefinitions(rs, only)
	if err != nil {
		return Result{}, err
	}

	doc, err := ir.ParseObject([]byte(raw.Payload))
	if err != nil {
		return Result{}, ivmerr.Invariant("slice", err, "payload of %s@%d", raw.EntityKey, raw.Version)
	}

	// Slices sharing a join list share one lookup.
	joined := make(map[string]map[string]ir.IRObject)

	for _, def := range defs {
		specs := rs.JoinsFor(def)
		sig := joinSignature(specs)
		joins, ok := joined[sig]
		if !ok {
			joins, err = ExecuteJoins(ctx, s.raw, raw, doc, specs)
			if err != nil {
				return Result{}, err
			}
			joined[sig] = joins
		}

		working := doc
		if len(joins) > 0 {
			working = doc.Clone()
			for name, payload := range joins {
				working[name] = payload
			}
		}

		data, err := applyBuildRule(def, working)
		if err != nil {
			return Result{}, err
		}

		slice, err := newSlice(raw, rs, def.Type, data, nil)
		if err != nil {
			return Result{}, err
		}

		entries, err := s.indexer.Build(slice, rs.Indexes, rs.EntityType)
		if err != nil {
			return Result{}, err
		}

		res.Slices = append(res.Slices, slice)
		res.IndexEntries = append(res.IndexEntries, entries...)
		slicesProduced.WithLabelValues(string(def.Type), mode).Inc()
	}

	span.SetAttributes(
		attribute.Int("ivm.slices", len(res.Slices)),
		attribute.Int("ivm.index_entries", len(res.IndexEntries)),
	)
	s.logger.Debug("sliced entity",
		"tenant", raw.TenantID,
		"entity_key", raw.EntityKey,
		"version", raw.Version,
		"mode", mode,
		"slices", len(res.Slices),
	)
	return res, nil
}

// Tombstone produces a tombstoned slice of every declared type for a
// deleted entity. Tombstoned slices carry empty data and no index entries.
func (s *Slicer) Tombstone(ctx context.Context, tenantID, entityKey string, version int64, ref contract.Ref, reason string) (Result, error) {
	rs, err := s.contracts.LoadRuleSet(ctx, ref.ID, ref.Version)
	if err != nil {
		return Result{}, err
	}
	defs, err := selectDefinitions(rs, nil)
	if err != nil {
		return Result{}, err
	}

	raw := ir.RawDataRecord{TenantID: tenantID, EntityKey: entityKey, Version: version}
	tomb := &ir.Tombstone{IsDeleted: true, DeletedAtVersion: version, DeleteReason: reason}

	var res Result
	for _, def := range defs {
		slice, err := newSlice(raw, rs, def.Type, ir.IRObject{}, tomb)
		if err != nil {
			return Result{}, err
		}
		res.Slices = append(res.Slices, slice)
		slicesProduced.WithLabelValues(string(def.Type), "tombstone").Inc()
	}
	return res, nil
}

// selectDefinitions returns the definitions to build, sorted by slice type.
func selectDefinitions(rs *contract.RuleSet, only map[ir.SliceType]bool) ([]contract.SliceDefinition, error) {
	var defs []contract.SliceDefinition
	for _, def := range rs.Slices {
		if only == nil || only[def.Type] {
			defs = append(defs, def)
		}
	}
	if only != nil && len(defs) != len(only) {
		var unknown []string
		for t := range only {
			if _, ok := rs.Slice(t); !ok {
				unknown = append(unknown, string(t))
			}
		}
		sort.Strings(unknown)
		return nil, ivmerr.Validation("rule set %s does not declare slice types %v", rs.Ref(), unknown)
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs, nil
}

// joinSignature keys the per-run join cache. Every JoinSpec field takes
// part: specs differing only in Required or Projection must not share a
// result.
func joinSignature(specs []contract.JoinSpec) string {
	var b strings.Builder
	for _, j := range specs {
		for _, part := range []string{j.Name, j.SourceFieldPath, j.TargetEntityType, j.TargetKeyPattern, strconv.FormatBool(j.Required)} {
			b.WriteString(part)
			b.WriteByte(0)
		}
		if p := j.Projection; p != nil {
			b.WriteString(string(p.Mode))
			for _, f := range p.Fields {
				b.WriteByte(1)
				b.WriteString(f)
			}
		}
		b.WriteByte(0)
	}
	return b.String()
}

// applyBuildRule dispatches over the closed set of build rules.
func applyBuildRule(def contract.SliceDefinition, doc ir.IRObject) (ir.IRObject, error) {
	switch rule := def.BuildRule.(type) {
	case contract.PassThrough:
		if rule.Whole() {
			return doc.Clone(), nil
		}
		out := make(ir.IRObject, len(rule.Fields))
		for _, f := range rule.Fields {
			if v, ok := doc[f]; ok {
				out[f] = ir.CloneValue(v)
			}
		}
		return out, nil

	case contract.MapFields:
		out := make(ir.IRObject, len(rule.Mappings))
		for _, m := range rule.Mappings {
			sel, err := ir.ParseSelector(m.Source)
			if err != nil {
				return nil, ivmerr.Invariant("applyBuildRule", err, "slice %s: mapping %q", def.Type, m.Target)
			}
			var value ir.IRValue
			if sel.HasWildcard() {
				matches := sel.Select(doc)
				arr := make(ir.IRArray, len(matches))
				for i, v := range matches {
					arr[i] = ir.CloneValue(v)
				}
				value = arr
			} else {
				v, ok := sel.Lookup(doc)
				if !ok {
					continue
				}
				value = ir.CloneValue(v)
			}
			if err := ir.SetPath(out, m.Target, value); err != nil {
				return nil, ivmerr.Invariant("applyBuildRule", err, "slice %s: mapping %q", def.Type, m.Target)
			}
		}
		return out, nil

	default:
		return nil, ivmerr.Invariant("applyBuildRule", nil, "slice %s: unsupported build rule %T", def.Type, def.BuildRule)
	}
}

// tombstoneHashInput distinguishes a tombstone from a slice whose projected
// data happens to be empty.
func tombstoneHashInput(t *ir.Tombstone) ir.IRObject {
	return ir.IRObject{
		"tombstone": ir.IRObject{
			"is_deleted":         ir.IRBool(t.IsDeleted),
			"deleted_at_version": ir.IRInt(t.DeletedAtVersion),
			"delete_reason":      ir.IRString(t.DeleteReason),
		},
	}
}

func newSlice(raw ir.RawDataRecord, rs *contract.RuleSet, sliceType ir.SliceType, data ir.IRObject, tomb *ir.Tombstone) (ir.SliceRecord, error) {
	canonical, err := ir.MarshalCanonical(data)
	if err != nil {
		return ir.SliceRecord{}, ivmerr.Invariant("newSlice", err, "slice %s of %s", sliceType, raw.EntityKey)
	}

	hashInput := canonical
	if tomb != nil {
		hashInput, err = ir.MarshalCanonical(tombstoneHashInput(tomb))
		if err != nil {
			return ir.SliceRecord{}, ivmerr.Invariant("newSlice", err, "tombstone %s of %s", sliceType, raw.EntityKey)
		}
	}

	return ir.SliceRecord{
		TenantID:       raw.TenantID,
		EntityKey:      raw.EntityKey,
		Version:        raw.Version,
		SliceType:      sliceType,
		Data:           string(canonical),
		Hash:           ir.SliceHash(sliceType, hashInput, rs.ID, rs.Version),
		RuleSetID:      rs.ID,
		RuleSetVersion: rs.Version,
		Tombstone:      tomb,
	}, nil
}
