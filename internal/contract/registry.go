package contract

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/ivm/internal/ivmerr"
)

// Source resolves a rule set by id and version.
// Implementations must reject rule sets that are not ACTIVE.
type Source interface {
	LoadRuleSet(ctx context.Context, id, version string) (*RuleSet, error)
}

// Catalog is a Source that can also enumerate active rule sets. The fanout
// workflow uses it to find downstream rule sets that depend on an upstream
// entity type; the pipeline uses it to route raw data to its rule set.
type Catalog interface {
	Source
	ListActive(ctx context.Context) ([]*RuleSet, error)
	ResolveEntityType(ctx context.Context, entityType string) (*RuleSet, error)
}

// Registry is an in-memory Catalog.
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	ruleSets map[Ref]*RuleSet
}

// NewRegistry creates a registry pre-populated with rule sets.
// Returns the first registration error.
func NewRegistry(ruleSets ...*RuleSet) (*Registry, error) {
	r := &Registry{ruleSets: make(map[Ref]*RuleSet)}
	for _, rs := range ruleSets {
		if err := r.Register(rs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a rule set. Registering the same id@version twice is a
// validation error; rule sets are never replaced in place.
func (r *Registry) Register(rs *RuleSet) error {
	if err := Validate(rs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ruleSets[rs.Ref()]; exists {
		return ivmerr.Validation("rule set %s already registered", rs.Ref())
	}
	r.ruleSets[rs.Ref()] = rs
	return nil
}

// LoadRuleSet implements Source.
func (r *Registry) LoadRuleSet(_ context.Context, id, version string) (*RuleSet, error) {
	r.mu.RLock()
	rs, ok := r.ruleSets[Ref{ID: id, Version: version}]
	r.mu.RUnlock()

	if !ok {
		return nil, ivmerr.NotFound("rule set %s@%s not found", id, version)
	}
	if err := checkActive(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// ListActive returns every ACTIVE rule set ordered by id, then version.
func (r *Registry) ListActive(_ context.Context) ([]*RuleSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RuleSet, 0, len(r.ruleSets))
	for _, rs := range r.ruleSets {
		if rs.Status == StatusActive {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out, nil
}

// ResolveEntityType returns the highest-versioned ACTIVE rule set for an
// entity type. Entity types compare case-insensitively.
func (r *Registry) ResolveEntityType(ctx context.Context, entityType string) (*RuleSet, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var best *RuleSet
	for _, rs := range active {
		if !strings.EqualFold(rs.EntityType, entityType) {
			continue
		}
		if best == nil || CompareVersions(rs.Version, best.Version) > 0 {
			best = rs
		}
	}
	if best == nil {
		return nil, ivmerr.NotFound("no ACTIVE rule set for entity type %q", entityType)
	}
	return best, nil
}

// All returns every registered rule set regardless of status, ordered by
// id then version. Used by tooling that reports on drafts.
func (r *Registry) All() []*RuleSet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*RuleSet, 0, len(r.ruleSets))
	for _, rs := range r.ruleSets {
		out = append(out, rs)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return CompareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

// CompareVersions orders dotted version strings numerically segment by
// segment ("1.10.0" > "1.9.3"). Non-numeric segments compare as strings.
func CompareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
