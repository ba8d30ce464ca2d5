package fanout

import (
	"sort"
	"strings"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/index"
)

// InferDependencies finds every downstream rule set that depends on
// upstreamType, either through a join whose target is that type or an
// index whose References names it. Only the highest ACTIVE version per
// downstream entity type is considered. Joins and indexes of one rule set
// collapse into a single dependency on its reverse index; the smallest
// declared max fanout wins.
//
// The result is ordered by downstream type.
func InferDependencies(ruleSets []*contract.RuleSet, upstreamType string) []Dependency {
	upstream := strings.ToLower(upstreamType)

	latest := make(map[string]*contract.RuleSet)
	for _, rs := range ruleSets {
		if rs.Status != contract.StatusActive {
			continue
		}
		t := strings.ToLower(rs.EntityType)
		if cur, ok := latest[t]; !ok || contract.CompareVersions(rs.Version, cur.Version) > 0 {
			latest[t] = rs
		}
	}

	types := make([]string, 0, len(latest))
	for t := range latest {
		types = append(types, t)
	}
	sort.Strings(types)

	var deps []Dependency
	for _, downstream := range types {
		rs := latest[downstream]
		var via []string
		maxFanout := 0

		seenJoin := make(map[string]bool)
		for _, j := range allJoins(rs) {
			if seenJoin[j.Name] || !strings.EqualFold(j.TargetEntityType, upstream) {
				continue
			}
			seenJoin[j.Name] = true
			via = append(via, "join:"+j.Name)
		}
		for _, spec := range rs.Indexes {
			if !strings.EqualFold(spec.References, upstream) {
				continue
			}
			via = append(via, "index:"+spec.Type)
			if spec.MaxFanout > 0 && (maxFanout == 0 || spec.MaxFanout < maxFanout) {
				maxFanout = spec.MaxFanout
			}
		}
		if len(via) == 0 {
			continue
		}
		sort.Strings(via)

		deps = append(deps, Dependency{
			RuleSetID:      rs.ID,
			RuleSetVersion: rs.Version,
			DownstreamType: downstream,
			UpstreamType:   upstream,
			IndexType:      index.ReverseIndexType(downstream, upstream),
			Via:            via,
			MaxFanout:      maxFanout,
		})
	}
	return deps
}

func allJoins(rs *contract.RuleSet) []contract.JoinSpec {
	joins := append([]contract.JoinSpec(nil), rs.Joins...)
	for _, def := range rs.Slices {
		joins = append(joins, def.Joins...)
	}
	return joins
}
