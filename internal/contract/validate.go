package contract

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// patternToken matches {name} placeholders in a target key pattern.
var patternToken = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// knownPatternTokens are the placeholders the join executor interpolates.
var knownPatternTokens = map[string]bool{
	"tenantId":   true,
	"value":      true,
	"entityType": true,
}

// validateDocument runs struct-tag validation and converts the result into
// one ValidationError listing every failing field.
func validateDocument(doc Document) error {
	err := validate.Struct(doc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ivmerr.Validation("rule set %s@%s: %v", doc.ID, doc.Version, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("%s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param())
		}
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return ivmerr.Validation("rule set %s@%s: %s", doc.ID, doc.Version, strings.Join(msgs, "; "))
}

// Validate checks a rule set built in code: slice types are unique and
// have build rules, impact map keys and index slice types are declared,
// and join names and key patterns are well formed. It does not check
// status; loading does.
func Validate(rs *RuleSet) error {
	if rs == nil {
		return ivmerr.Validation("nil rule set")
	}
	return validateSemantics(rs)
}

// validateSemantics checks cross-field rules struct tags cannot express.
func validateSemantics(rs *RuleSet) error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	declared := make(map[ir.SliceType]bool, len(rs.Slices))
	for _, s := range rs.Slices {
		if declared[s.Type] {
			fail("slice type %q declared twice", s.Type)
		}
		declared[s.Type] = true

		switch rule := s.BuildRule.(type) {
		case PassThrough:
			for _, f := range rule.Fields {
				if f != "*" && strings.ContainsAny(f, ".[]/") {
					fail("slice %q: pass-through field %q must be a top-level name", s.Type, f)
				}
			}
		case MapFields:
			for _, m := range rule.Mappings {
				if _, err := ir.ParseSelector(m.Source); err != nil {
					fail("slice %q: mapping %q: %v", s.Type, m.Target, err)
				}
				if strings.ContainsAny(m.Target, "[]/") || strings.HasPrefix(m.Target, ".") || strings.HasSuffix(m.Target, ".") {
					fail("slice %q: mapping target %q must be a dotted field name", s.Type, m.Target)
				}
			}
		default:
			fail("slice %q: unsupported build rule %T", s.Type, s.BuildRule)
		}

		validateJoins(fmt.Sprintf("slice %q", s.Type), s.Joins, fail)
	}
	validateJoins("rule set", rs.Joins, fail)

	for sliceType := range rs.ImpactMap {
		if !declared[sliceType] {
			fail("impact map references undeclared slice type %q", sliceType)
		}
	}

	indexTypes := make(map[string]bool, len(rs.Indexes))
	for _, idx := range rs.Indexes {
		if indexTypes[idx.Type] {
			fail("index type %q declared twice", idx.Type)
		}
		indexTypes[idx.Type] = true
		if _, err := ir.ParseSelector(idx.Selector); err != nil {
			fail("index %q: %v", idx.Type, err)
		}
		if idx.SliceType != "" && !declared[idx.SliceType] {
			fail("index %q references undeclared slice type %q", idx.Type, idx.SliceType)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return ivmerr.Validation("rule set %s@%s: %s", rs.ID, rs.Version, strings.Join(problems, "; "))
}

func validateJoins(scope string, joins []JoinSpec, fail func(string, ...any)) {
	names := make(map[string]bool, len(joins))
	for _, j := range joins {
		if names[j.Name] {
			fail("%s: join %q declared twice", scope, j.Name)
		}
		names[j.Name] = true
		if _, err := ir.ParseSelector(j.SourceFieldPath); err != nil {
			fail("%s: join %q: %v", scope, j.Name, err)
		}
		for _, m := range patternToken.FindAllStringSubmatch(j.TargetKeyPattern, -1) {
			if !knownPatternTokens[m[1]] {
				fail("%s: join %q: unknown pattern token {%s}", scope, j.Name, m[1])
			}
		}
	}
}

// checkActive rejects any rule set whose status is not ACTIVE.
func checkActive(rs *RuleSet) error {
	if rs.Status != StatusActive {
		return ivmerr.Validation("rule set %s is %s, not ACTIVE", rs.Ref(), rs.Status)
	}
	return nil
}
