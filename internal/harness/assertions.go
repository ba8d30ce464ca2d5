package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ivm/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Subject)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure
// messages. An empty result means all assertions held.
func EvaluateAssertions(ctx context.Context, h *Harness, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertSlice:
			err = h.assertSlice(ctx, a)
		case AssertTombstone:
			err = h.assertTombstone(ctx, a)
		case AssertIndexCount:
			err = h.assertIndexCount(ctx, a)
		case AssertOutboxCount:
			err = h.assertOutboxCount(ctx, a)
		case AssertNoDrift:
			err = h.assertNoDrift(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return failures
}

func (h *Harness) latestByType(ctx context.Context, key string) (map[ir.SliceType]ir.SliceRecord, error) {
	slices, err := h.store.LatestSlices(ctx, h.tenant, key)
	if err != nil {
		return nil, err
	}
	out := make(map[ir.SliceType]ir.SliceRecord, len(slices))
	for _, sl := range slices {
		out[sl.SliceType] = sl
	}
	return out, nil
}

func (h *Harness) assertSlice(ctx context.Context, a Assertion) error {
	subject := fmt.Sprintf("%s/%s", a.Key, a.Slice)
	slices, err := h.latestByType(ctx, a.Key)
	if err != nil {
		return err
	}
	sl, ok := slices[a.Slice]
	if !ok {
		return &AssertionError{Type: AssertSlice, Subject: subject, Expected: "slice present", Actual: "no slice"}
	}
	if sl.Tombstone != nil && sl.Tombstone.IsDeleted {
		return &AssertionError{Type: AssertSlice, Subject: subject, Expected: "live slice",
			Actual: fmt.Sprintf("tombstone at version %d", sl.Version)}
	}
	if a.Version != 0 && sl.Version != a.Version {
		return &AssertionError{Type: AssertSlice, Subject: subject,
			Expected: fmt.Sprintf("version %d", a.Version), Actual: fmt.Sprintf("version %d", sl.Version)}
	}
	if len(a.Data) == 0 {
		return nil
	}

	var actual map[string]any
	if err := json.Unmarshal([]byte(sl.Data), &actual); err != nil {
		return fmt.Errorf("%s: slice data is not an object: %w", subject, err)
	}
	if field, ok := matchFields(actual, a.Data); !ok {
		return &AssertionError{Type: AssertSlice, Subject: subject,
			Expected: fmt.Sprintf("%s = %s", field, encode(a.Data[field])),
			Actual:   sl.Data}
	}
	return nil
}

func (h *Harness) assertTombstone(ctx context.Context, a Assertion) error {
	slices, err := h.latestByType(ctx, a.Key)
	if err != nil {
		return err
	}
	if len(slices) == 0 {
		return &AssertionError{Type: AssertTombstone, Subject: a.Key, Expected: "tombstoned slices", Actual: "no slices"}
	}
	var live []string
	for t, sl := range slices {
		if sl.Tombstone == nil || !sl.Tombstone.IsDeleted {
			live = append(live, string(t))
		}
	}
	if len(live) > 0 {
		sort.Strings(live)
		return &AssertionError{Type: AssertTombstone, Subject: a.Key, Expected: "every slice tombstoned",
			Actual: "live: " + strings.Join(live, ", ")}
	}
	return nil
}

func (h *Harness) assertIndexCount(ctx context.Context, a Assertion) error {
	n, err := h.store.CountByIndexType(ctx, h.tenant, a.Index, a.Value)
	if err != nil {
		return err
	}
	if n != *a.Count {
		return &AssertionError{Type: AssertIndexCount, Subject: a.Index + "=" + a.Value,
			Expected: fmt.Sprintf("%d entities", *a.Count), Actual: fmt.Sprintf("%d entities", n)}
	}
	return nil
}

func (h *Harness) assertOutboxCount(ctx context.Context, a Assertion) error {
	counts, err := h.outboxCounts(ctx)
	if err != nil {
		return err
	}
	n := 0
	for eventType, byStatus := range counts {
		if a.EventType != "" && eventType != a.EventType {
			continue
		}
		for status, c := range byStatus {
			if a.Status != "" && string(status) != a.Status {
				continue
			}
			n += c
		}
	}
	if n != *a.Count {
		subject := strings.TrimSpace(a.EventType + " " + a.Status)
		return &AssertionError{Type: AssertOutboxCount, Subject: subject,
			Expected: fmt.Sprintf("%d entries", *a.Count), Actual: fmt.Sprintf("%d entries", n)}
	}
	return nil
}

func (h *Harness) assertNoDrift(ctx context.Context, a Assertion) error {
	drift, err := h.engine.Verify(ctx, h.tenant, a.Key)
	if err != nil {
		return err
	}
	if len(drift) == 0 {
		return nil
	}
	parts := make([]string, 0, len(drift))
	for _, d := range drift {
		parts = append(parts, fmt.Sprintf("%s@%d", d.SliceType, d.Version))
	}
	return &AssertionError{Type: AssertNoDrift, Subject: a.Key, Expected: "no drift",
		Actual: "drifted: " + strings.Join(parts, ", ")}
}

// matchFields reports whether every expected field equals the actual one,
// returning the first mismatching field name otherwise. Values compare by
// their JSON encoding so YAML integers match JSON numbers.
func matchFields(actual, expected map[string]any) (string, bool) {
	fields := make([]string, 0, len(expected))
	for f := range expected {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		got, ok := actual[f]
		if !ok || encode(got) != encode(expected[f]) {
			return f, false
		}
	}
	return "", true
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	canonical, err := ir.Canonicalize(b)
	if err != nil {
		return string(b)
	}
	return string(canonical)
}
