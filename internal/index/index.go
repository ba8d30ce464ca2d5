// Package index derives inverted index entries from slices.
//
// Every index spec yields forward entries (the entity indexed by its own
// values, for search). A spec that declares References additionally yields
// reverse entries keyed by the referenced upstream entity's id; the fanout
// workflow reads those to find downstream entities to re-slice.
package index

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// ReverseIndexType names the reverse index linking downstream entities to
// the upstream entity they reference, e.g. "product_by_brand".
func ReverseIndexType(downstream, upstream string) string {
	return strings.ToLower(downstream) + "_by_" + strings.ToLower(upstream)
}

// Normalize trims and lower-cases an index value.
func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// Builder builds index entries. The zero value is not usable; call
// NewBuilder.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a builder that reports key-format fallbacks to logger.
// A nil logger uses slog.Default().
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build derives index entries for one slice with the package default
// builder.
func Build(slice ir.SliceRecord, specs []contract.IndexSpec, entityType string) ([]ir.InvertedIndexEntry, error) {
	return NewBuilder(nil).Build(slice, specs, entityType)
}

// Build derives index entries for one slice.
//
// Specs restricted to another slice type are ignored. Entries are returned
// in spec order, then by index type and value; duplicate (type, value)
// pairs within one slice collapse to one entry. Blank values produce no
// entry. A reverse entry whose referenced id is blank is skipped while the
// forward entry is kept.
func (b *Builder) Build(slice ir.SliceRecord, specs []contract.IndexSpec, entityType string) ([]ir.InvertedIndexEntry, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	data, err := ir.ParseJSON([]byte(slice.Data))
	if err != nil {
		return nil, ivmerr.Invariant("index.Build", err, "slice %s/%s is not valid JSON", slice.EntityKey, slice.SliceType)
	}

	var out []ir.InvertedIndexEntry
	for _, spec := range specs {
		if spec.SliceType != "" && spec.SliceType != slice.SliceType {
			continue
		}
		sel, err := ir.ParseSelector(spec.Selector)
		if err != nil {
			return nil, ivmerr.Validation("index %q: %v", spec.Type, err)
		}

		var entries []ir.InvertedIndexEntry
		seen := make(map[string]bool)
		add := func(e ir.InvertedIndexEntry) {
			k := e.IndexType + "\x00" + e.IndexValue
			if seen[k] {
				return
			}
			seen[k] = true
			entries = append(entries, e)
		}

		for _, match := range sel.Select(data) {
			raw, ok := ir.Scalar(match)
			if !ok {
				continue
			}
			value := Normalize(raw)
			if value == "" {
				continue
			}
			add(b.forward(slice, spec, value))

			if spec.References == "" {
				continue
			}
			if rev, ok := b.reverse(slice, spec, entityType, raw); ok {
				add(rev)
			}
		}

		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].IndexType != entries[j].IndexType {
				return entries[i].IndexType < entries[j].IndexType
			}
			return entries[i].IndexValue < entries[j].IndexValue
		})
		out = append(out, entries...)
	}
	return out, nil
}

func (b *Builder) forward(slice ir.SliceRecord, spec contract.IndexSpec, value string) ir.InvertedIndexEntry {
	return ir.InvertedIndexEntry{
		TenantID:        slice.TenantID,
		RefEntityKey:    slice.EntityKey,
		RefVersion:      slice.Version,
		TargetEntityKey: slice.EntityKey,
		TargetVersion:   slice.Version,
		IndexType:       spec.Type,
		IndexValue:      value,
		SliceType:       slice.SliceType,
		SliceHash:       slice.Hash,
		Tombstone:       slice.Tombstone != nil,
	}
}

func (b *Builder) reverse(slice ir.SliceRecord, spec contract.IndexSpec, entityType, raw string) (ir.InvertedIndexEntry, bool) {
	id := b.referencedID(slice, spec, strings.TrimSpace(raw))
	if strings.TrimSpace(id) == "" {
		return ir.InvertedIndexEntry{}, false
	}
	return ir.InvertedIndexEntry{
		TenantID:        slice.TenantID,
		RefEntityKey:    slice.EntityKey,
		RefVersion:      slice.Version,
		TargetEntityKey: ir.EntityKey(spec.References, slice.TenantID, id),
		IndexType:       ReverseIndexType(entityType, spec.References),
		IndexValue:      Normalize(id),
		SliceType:       slice.SliceType,
		SliceHash:       slice.Hash,
		Tombstone:       slice.Tombstone != nil,
	}, true
}

// referencedID extracts the upstream id from a value that is either a bare
// id or a full TYPE#tenant#id key.
func (b *Builder) referencedID(slice ir.SliceRecord, spec contract.IndexSpec, value string) string {
	if !strings.Contains(value, "#") {
		return value
	}
	if parts := strings.SplitN(value, "#", 3); len(parts) == 3 {
		return parts[2]
	}
	// Kept as the id so the entry still resolves, but the value is probably
	// a malformed key from upstream.
	b.logger.Warn("reverse index value is not a composite key, using whole value",
		"tenant", slice.TenantID,
		"entity_key", slice.EntityKey,
		"index_type", spec.Type,
		"references", spec.References,
		"value", value,
	)
	return value
}
