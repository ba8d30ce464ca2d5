// Package changeset diffs entity versions and maps the diff to the slice
// types that must be rebuilt.
package changeset

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

var changeSetsBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ivm_changeset_built_total",
	Help: "Change sets built by change type",
}, []string{"change_type"})

// Input identifies two versions of one entity. From is nil for a create and
// To is nil for a delete.
type Input struct {
	TenantID    string
	EntityType  string
	EntityKey   string
	FromVersion int64
	ToVersion   int64
	From        []byte
	To          []byte
}

// Build classifies the change between two payload versions and, for an
// update, computes the changed JSON pointer paths with the content hash of
// each changed subtree. Inputs differing only in key order or whitespace
// produce identical change sets.
//
// Creates and deletes carry no changed paths; every slice is rebuilt or
// tombstoned for them.
func Build(in Input) (ir.ChangeSet, error) {
	if in.From == nil && in.To == nil {
		return ir.ChangeSet{}, ivmerr.Validation("changeset %s: both payloads are absent", in.EntityKey)
	}

	cs := ir.ChangeSet{
		TenantID:     in.TenantID,
		EntityType:   in.EntityType,
		EntityKey:    in.EntityKey,
		FromVersion:  in.FromVersion,
		ToVersion:    in.ToVersion,
		ChangedPaths: []ir.ChangedPath{},
	}

	var from, to ir.IRValue
	var fromCanon, toCanon []byte
	var err error
	if in.From != nil {
		if from, fromCanon, err = parse(in.From); err != nil {
			return ir.ChangeSet{}, ivmerr.Validation("changeset %s: from payload: %v", in.EntityKey, err)
		}
	}
	if in.To != nil {
		if to, toCanon, err = parse(in.To); err != nil {
			return ir.ChangeSet{}, ivmerr.Validation("changeset %s: to payload: %v", in.EntityKey, err)
		}
	}

	switch {
	case in.From == nil:
		cs.ChangeType = ir.ChangeCreate
		cs.PayloadHash = ir.PayloadHash(toCanon)
	case in.To == nil:
		cs.ChangeType = ir.ChangeDelete
		cs.PayloadHash = ir.PayloadHash(fromCanon)
	case bytes.Equal(fromCanon, toCanon):
		cs.ChangeType = ir.ChangeNoChange
		cs.PayloadHash = ir.PayloadHash(toCanon)
	default:
		cs.ChangeType = ir.ChangeUpdate
		cs.PayloadHash = ir.PayloadHash(toCanon)
		paths, err := Diff(from, to)
		if err != nil {
			return ir.ChangeSet{}, err
		}
		cs.ChangedPaths = paths
	}

	cs.ID, err = ir.ChangeSetID(cs.TenantID, cs.EntityType, cs.EntityKey, cs.FromVersion, cs.ToVersion, cs.ChangeType, cs.ChangedPaths, cs.PayloadHash)
	if err != nil {
		return ir.ChangeSet{}, ivmerr.Invariant("changeset.Build", err, "computing id for %s", cs.EntityKey)
	}
	changeSetsBuilt.WithLabelValues(string(cs.ChangeType)).Inc()
	return cs, nil
}

func parse(data []byte) (ir.IRValue, []byte, error) {
	v, err := ir.ParseJSON(data)
	if err != nil {
		return nil, nil, err
	}
	canon, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, nil, err
	}
	return v, canon, nil
}

// Diff returns the sorted, deduplicated JSON pointer paths at which a and b
// differ. Objects are compared key by key; arrays element by element when
// their lengths match, otherwise the array itself is the changed path. Any
// other difference, including a type change, marks the pointer where it
// occurs. Each path's hash is the content hash of the subtree in b, or of
// null when the subtree was removed.
func Diff(a, b ir.IRValue) ([]ir.ChangedPath, error) {
	d := differ{seen: make(map[string]bool)}
	if err := d.walk("", a, b); err != nil {
		return nil, err
	}
	sort.Slice(d.out, func(i, j int) bool { return d.out[i].Path < d.out[j].Path })
	if d.out == nil {
		return []ir.ChangedPath{}, nil
	}
	return d.out, nil
}

type differ struct {
	seen map[string]bool
	out  []ir.ChangedPath
}

func (d *differ) emit(path string, newValue ir.IRValue) error {
	if path == "" {
		path = "/"
	}
	if d.seen[path] {
		return nil
	}
	if newValue == nil {
		newValue = ir.IRNull{}
	}
	h, err := ir.ValueHash(newValue)
	if err != nil {
		return ivmerr.Invariant("changeset.Diff", err, "hashing %s", path)
	}
	d.seen[path] = true
	d.out = append(d.out, ir.ChangedPath{Path: path, Hash: h})
	return nil
}

func (d *differ) walk(path string, a, b ir.IRValue) error {
	switch av := a.(type) {
	case ir.IRObject:
		bv, ok := b.(ir.IRObject)
		if !ok {
			return d.emit(path, b)
		}
		keys := make(map[string]struct{}, len(av)+len(bv))
		for k := range av {
			keys[k] = struct{}{}
		}
		for k := range bv {
			keys[k] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			child := ir.JoinPointer(path, k)
			x, inA := av[k]
			y, inB := bv[k]
			switch {
			case !inB:
				if err := d.emit(child, nil); err != nil {
					return err
				}
			case !inA:
				if err := d.emit(child, y); err != nil {
					return err
				}
			default:
				if err := d.walk(child, x, y); err != nil {
					return err
				}
			}
		}
		return nil

	case ir.IRArray:
		bv, ok := b.(ir.IRArray)
		if !ok || len(av) != len(bv) {
			return d.emit(path, b)
		}
		for i := range av {
			if err := d.walk(ir.JoinPointer(path, strconv.Itoa(i)), av[i], bv[i]); err != nil {
				return err
			}
		}
		return nil

	default:
		equal, err := sameValue(a, b)
		if err != nil {
			return ivmerr.Invariant("changeset.Diff", err, "comparing %s", path)
		}
		if !equal {
			return d.emit(path, b)
		}
		return nil
	}
}

func sameValue(a, b ir.IRValue) (bool, error) {
	ca, err := ir.MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	cb, err := ir.MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

// Calculate maps a change set to the slice types it impacts.
//
// A watched path matches a changed path when it equals it or is a prefix of
// it on a segment boundary: "/brand" matches "/brand/name" but not
// "/brandnew". A trailing slash on the watched path is ignored and "/"
// matches everything. Matching is case-sensitive.
//
// Any changed path that no watched path matches fails the whole calculation
// with an UnmappedChangePath error listing every such path. Creates and
// deletes impact every declared slice type; NO_CHANGE impacts none.
func Calculate(cs ir.ChangeSet, rs *contract.RuleSet) (map[ir.SliceType]ir.ImpactDetail, error) {
	out := make(map[ir.SliceType]ir.ImpactDetail)

	switch cs.ChangeType {
	case ir.ChangeNoChange:
		return out, nil
	case ir.ChangeCreate, ir.ChangeDelete:
		for _, t := range rs.SliceTypes() {
			out[t] = ir.ImpactDetail{SliceType: t, Paths: []string{}}
		}
		return out, nil
	case ir.ChangeUpdate:
	default:
		return nil, ivmerr.Validation("changeset %s: unknown change type %q", cs.ID, cs.ChangeType)
	}

	triggered := make(map[ir.SliceType]map[string]struct{})
	var unmapped []string

	for _, cp := range cs.ChangedPaths {
		matched := false
		for sliceType, watched := range rs.ImpactMap {
			for _, w := range watched {
				if !PrefixMatch(w, cp.Path) {
					continue
				}
				matched = true
				if triggered[sliceType] == nil {
					triggered[sliceType] = make(map[string]struct{})
				}
				triggered[sliceType][cp.Path] = struct{}{}
				break
			}
		}
		if !matched {
			unmapped = append(unmapped, cp.Path)
		}
	}

	if len(unmapped) > 0 {
		return nil, ivmerr.UnmappedChangePath(unmapped)
	}

	for sliceType, set := range triggered {
		paths := make([]string, 0, len(set))
		for p := range set {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		out[sliceType] = ir.ImpactDetail{SliceType: sliceType, Paths: paths}
	}
	return out, nil
}

// PrefixMatch reports whether watched covers changed on a path-segment
// boundary.
func PrefixMatch(watched, changed string) bool {
	w := strings.TrimRight(watched, "/")
	if w == "" {
		return true
	}
	return changed == w || strings.HasPrefix(changed, w+"/")
}

// Apply runs Calculate and records the result on a copy of cs.
func Apply(cs ir.ChangeSet, rs *contract.RuleSet) (ir.ChangeSet, error) {
	impact, err := Calculate(cs, rs)
	if err != nil {
		return ir.ChangeSet{}, err
	}
	cs.ImpactedSliceTypes = make([]ir.SliceType, 0, len(impact))
	cs.ImpactMap = make(map[ir.SliceType][]string, len(impact))
	for t, detail := range impact {
		cs.ImpactedSliceTypes = append(cs.ImpactedSliceTypes, t)
		cs.ImpactMap[t] = detail.Paths
	}
	sort.Slice(cs.ImpactedSliceTypes, func(i, j int) bool { return cs.ImpactedSliceTypes[i] < cs.ImpactedSliceTypes[j] })
	return cs, nil
}
