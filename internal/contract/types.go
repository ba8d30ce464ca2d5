package contract

import (
	"fmt"

	"github.com/roach88/ivm/internal/ir"
)

// Status is the lifecycle state of a rule set.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusDeprecated Status = "DEPRECATED"
	StatusArchived   Status = "ARCHIVED"
)

// Ref identifies one version of a rule set.
type Ref struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// String renders id@version.
func (r Ref) String() string {
	return r.ID + "@" + r.Version
}

// RuleSet is a loaded, validated contract for one entity type.
type RuleSet struct {
	ID         string
	Version    string
	Status     Status
	EntityType string

	// ImpactMap maps each slice type to the JSON pointer prefixes that, when
	// changed, require recomputing that slice.
	ImpactMap map[ir.SliceType][]string

	// Joins are rule-set level joins. They participate in fanout inference
	// and apply to every slice that does not declare its own joins.
	Joins []JoinSpec

	Slices  []SliceDefinition
	Indexes []IndexSpec
}

// Ref returns the id/version pair of the rule set.
func (rs *RuleSet) Ref() Ref {
	return Ref{ID: rs.ID, Version: rs.Version}
}

// SliceTypes returns slice types in declaration order.
func (rs *RuleSet) SliceTypes() []ir.SliceType {
	out := make([]ir.SliceType, len(rs.Slices))
	for i, s := range rs.Slices {
		out[i] = s.Type
	}
	return out
}

// Slice returns the definition for a slice type.
func (rs *RuleSet) Slice(t ir.SliceType) (SliceDefinition, bool) {
	for _, s := range rs.Slices {
		if s.Type == t {
			return s, true
		}
	}
	return SliceDefinition{}, false
}

// JoinsFor returns the joins a slice build resolves: the slice's own joins
// when it declares any, otherwise the rule-set level joins.
func (rs *RuleSet) JoinsFor(def SliceDefinition) []JoinSpec {
	if len(def.Joins) > 0 {
		return def.Joins
	}
	return rs.Joins
}

// SliceKind distinguishes ordinary slices from derived ones. It is carried
// through for consumers and does not change how the slice is built.
type SliceKind string

const (
	SliceKindStandard SliceKind = "STANDARD"
	SliceKindDerived  SliceKind = "DERIVED"
)

// SliceDefinition declares one slice type.
type SliceDefinition struct {
	Type      ir.SliceType
	Kind      SliceKind
	BuildRule BuildRule
	Joins     []JoinSpec
}

// BuildRule is a closed variant: PassThrough or MapFields.
// Consumers switch exhaustively over the concrete types.
type BuildRule interface {
	buildRule() // Sealed - only PassThrough and MapFields implement it
	fmt.Stringer
}

// PassThrough copies the named top-level fields, or the whole document when
// Fields is ["*"].
type PassThrough struct {
	Fields []string
}

func (PassThrough) buildRule() {}

func (p PassThrough) String() string {
	return fmt.Sprintf("PassThrough%v", p.Fields)
}

// Whole reports whether the rule copies the entire document.
func (p PassThrough) Whole() bool {
	for _, f := range p.Fields {
		if f == "*" {
			return true
		}
	}
	return false
}

// FieldMapping projects one source selector to one target field.
type FieldMapping struct {
	Target string
	Source string
}

// MapFields renames/projects source selectors (dot paths, [*] wildcards) to
// target field names. Mappings are kept sorted by target.
type MapFields struct {
	Mappings []FieldMapping
}

func (MapFields) buildRule() {}

func (m MapFields) String() string {
	return fmt.Sprintf("MapFields(%d)", len(m.Mappings))
}

// ProjectionMode selects which fields of a joined payload are kept.
type ProjectionMode string

const (
	ProjectionInclude ProjectionMode = "include"
	ProjectionExclude ProjectionMode = "exclude"
)

// Projection narrows a joined payload.
type Projection struct {
	Mode   ProjectionMode
	Fields []string
}

// JoinSpec declares a lookup of a foreign entity referenced by the payload.
type JoinSpec struct {
	Name             string
	SourceFieldPath  string
	TargetEntityType string

	// TargetKeyPattern builds the foreign entity key. Supported tokens:
	// {tenantId}, {value}, {entityType}.
	TargetKeyPattern string

	Required   bool
	Projection *Projection
}

// IndexSpec declares one inverted index derived from slice data.
type IndexSpec struct {
	Type     string
	Selector string

	// SliceType restricts the index to one slice's data. Empty applies the
	// spec to every slice whose data yields a value.
	SliceType ir.SliceType

	// References names the upstream entity type the value points to. When
	// set, a reverse entry is emitted for fanout resolution.
	References string

	// MaxFanout bounds how many downstream entities one upstream change may
	// re-slice inline. Zero means the workflow default.
	MaxFanout int
}
