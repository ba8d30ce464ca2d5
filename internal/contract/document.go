package contract

import (
	"sort"

	"github.com/roach88/ivm/internal/ir"
)

// Document is the on-disk shape of a rule set, shared by the CUE and YAML
// loaders. Decode into a Document, then call Compile.
type Document struct {
	ID         string              `json:"id" yaml:"id" validate:"required"`
	Version    string              `json:"version" yaml:"version" validate:"required"`
	Status     string              `json:"status" yaml:"status" validate:"required,oneof=DRAFT ACTIVE DEPRECATED ARCHIVED"`
	EntityType string              `json:"entity_type" yaml:"entity_type" validate:"required,excludesall=#"`
	ImpactMap  map[string][]string `json:"impact_map" yaml:"impact_map" validate:"dive,keys,required,endkeys,dive,required,startswith=/"`
	Joins      []JoinDocument      `json:"joins,omitempty" yaml:"joins,omitempty" validate:"dive"`
	Slices     []SliceDocument     `json:"slices" yaml:"slices" validate:"required,min=1,dive"`
	Indexes    []IndexDocument     `json:"indexes,omitempty" yaml:"indexes,omitempty" validate:"dive"`
}

// SliceDocument is the on-disk shape of a slice definition.
type SliceDocument struct {
	Type      string            `json:"type" yaml:"type" validate:"required"`
	Kind      string            `json:"kind,omitempty" yaml:"kind,omitempty" validate:"omitempty,oneof=STANDARD DERIVED"`
	BuildRule BuildRuleDocument `json:"build_rule" yaml:"build_rule"`
	Joins     []JoinDocument    `json:"joins,omitempty" yaml:"joins,omitempty" validate:"dive"`
}

// BuildRuleDocument is the tagged on-disk form of a build rule.
type BuildRuleDocument struct {
	Kind     string            `json:"kind" yaml:"kind" validate:"required,oneof=PASS_THROUGH MAP_FIELDS"`
	Fields   []string          `json:"fields,omitempty" yaml:"fields,omitempty" validate:"required_if=Kind PASS_THROUGH,dive,required"`
	Mappings map[string]string `json:"mappings,omitempty" yaml:"mappings,omitempty" validate:"required_if=Kind MAP_FIELDS,dive,keys,required,endkeys,required"`
}

// JoinDocument is the on-disk form of a join spec.
type JoinDocument struct {
	Name             string              `json:"name" yaml:"name" validate:"required"`
	SourceFieldPath  string              `json:"source_field_path" yaml:"source_field_path" validate:"required"`
	TargetEntityType string              `json:"target_entity_type" yaml:"target_entity_type" validate:"required,excludesall=#"`
	TargetKeyPattern string              `json:"target_key_pattern" yaml:"target_key_pattern" validate:"required,contains={value}"`
	Required         bool                `json:"required" yaml:"required"`
	Projection       *ProjectionDocument `json:"projection,omitempty" yaml:"projection,omitempty"`
}

// ProjectionDocument is the on-disk form of a join projection.
type ProjectionDocument struct {
	Mode   string   `json:"mode" yaml:"mode" validate:"required,oneof=include exclude"`
	Fields []string `json:"fields" yaml:"fields" validate:"required,min=1,dive,required"`
}

// IndexDocument is the on-disk form of an index spec.
type IndexDocument struct {
	Type       string `json:"type" yaml:"type" validate:"required"`
	Selector   string `json:"selector" yaml:"selector" validate:"required"`
	SliceType  string `json:"slice_type,omitempty" yaml:"slice_type,omitempty"`
	References string `json:"references,omitempty" yaml:"references,omitempty" validate:"omitempty,excludesall=#"`
	MaxFanout  int    `json:"max_fanout,omitempty" yaml:"max_fanout,omitempty" validate:"gte=0"`
}

// Compile validates the document and converts it into a RuleSet.
func Compile(doc Document) (*RuleSet, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	rs := &RuleSet{
		ID:         doc.ID,
		Version:    doc.Version,
		Status:     Status(doc.Status),
		EntityType: doc.EntityType,
		ImpactMap:  make(map[ir.SliceType][]string, len(doc.ImpactMap)),
		Joins:      compileJoins(doc.Joins),
	}
	for k, paths := range doc.ImpactMap {
		rs.ImpactMap[ir.SliceType(k)] = append([]string(nil), paths...)
	}
	for _, s := range doc.Slices {
		kind := SliceKind(s.Kind)
		if kind == "" {
			kind = SliceKindStandard
		}
		rs.Slices = append(rs.Slices, SliceDefinition{
			Type:      ir.SliceType(s.Type),
			Kind:      kind,
			BuildRule: compileBuildRule(s.BuildRule),
			Joins:     compileJoins(s.Joins),
		})
	}
	for _, idx := range doc.Indexes {
		rs.Indexes = append(rs.Indexes, IndexSpec{
			Type:       idx.Type,
			Selector:   idx.Selector,
			SliceType:  ir.SliceType(idx.SliceType),
			References: idx.References,
			MaxFanout:  idx.MaxFanout,
		})
	}

	if err := validateSemantics(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func compileBuildRule(doc BuildRuleDocument) BuildRule {
	switch doc.Kind {
	case "MAP_FIELDS":
		mappings := make([]FieldMapping, 0, len(doc.Mappings))
		for target, source := range doc.Mappings {
			mappings = append(mappings, FieldMapping{Target: target, Source: source})
		}
		sort.Slice(mappings, func(i, j int) bool { return mappings[i].Target < mappings[j].Target })
		return MapFields{Mappings: mappings}
	default:
		return PassThrough{Fields: append([]string(nil), doc.Fields...)}
	}
}

func compileJoins(docs []JoinDocument) []JoinSpec {
	if len(docs) == 0 {
		return nil
	}
	out := make([]JoinSpec, len(docs))
	for i, d := range docs {
		out[i] = JoinSpec{
			Name:             d.Name,
			SourceFieldPath:  d.SourceFieldPath,
			TargetEntityType: d.TargetEntityType,
			TargetKeyPattern: d.TargetKeyPattern,
			Required:         d.Required,
		}
		if d.Projection != nil {
			out[i].Projection = &Projection{
				Mode:   ProjectionMode(d.Projection.Mode),
				Fields: append([]string(nil), d.Projection.Fields...),
			}
		}
	}
	return out
}
