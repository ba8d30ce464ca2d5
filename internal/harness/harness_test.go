package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ivm/internal/ir"
)

func TestScenarios(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := Run(context.Background(), s)
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
			assert.Len(t, result.Steps, len(s.Steps))
		})
	}
}

func TestGoldenSnapshot(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/brand_ingest.yaml")
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
}

func TestRunIsDeterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/brand_rename_fanout.yaml")
	require.NoError(t, err)

	first, err := Run(context.Background(), s)
	require.NoError(t, err)
	second, err := Run(context.Background(), s)
	require.NoError(t, err)

	a, err := RenderSnapshot(first.State)
	require.NoError(t, err)
	b, err := RenderSnapshot(second.State)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_UnexpectedStepErrorStopsExecution(t *testing.T) {
	s := &Scenario{
		Name:      "stops",
		Contracts: "testdata/contracts",
		Tenant:    "t1",
		Steps: []Step{
			{Delete: "PRODUCT#t1#missing", Version: 1},
			{Ingest: "PRODUCT#t1#p1", Version: 1, Payload: map[string]any{"title": "Shoe"}},
		},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, "NOT_FOUND", result.Steps[0].Error)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Empty(t, result.State.Outbox)
}

func TestRun_ExpectedErrorMismatch(t *testing.T) {
	s := &Scenario{
		Name:      "mismatch",
		Contracts: "testdata/contracts",
		Tenant:    "t1",
		Steps: []Step{
			{Ingest: "BRAND#t1#b1", Version: 1, Payload: map[string]any{"name": "Acme"}, ExpectError: "VALIDATION"},
		},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected error VALIDATION, got success")
}

func TestRun_FailingAssertions(t *testing.T) {
	one := 1
	s := &Scenario{
		Name:      "failing",
		Contracts: "testdata/contracts",
		Tenant:    "t1",
		Steps: []Step{
			{Ingest: "BRAND#t1#b1", Version: 1, Payload: map[string]any{"name": "Acme"}},
		},
		Assertions: []Assertion{
			{Type: AssertSlice, Key: "BRAND#t1#b1", Slice: "CORE", Data: map[string]any{"name": "Other"}},
			{Type: AssertSlice, Key: "BRAND#t1#b1", Slice: "CORE", Version: 2},
			{Type: AssertSlice, Key: "BRAND#t1#b1", Slice: "PRICE"},
			{Type: AssertTombstone, Key: "BRAND#t1#b1"},
			{Type: AssertIndexCount, Index: "product_by_brand", Value: "b1", Count: &one},
			{Type: AssertOutboxCount, Status: string(ir.OutboxPending), Count: &one},
		},
	}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 6)
	assert.Contains(t, result.Errors[0], "name = \"Other\"")
	assert.Contains(t, result.Errors[1], "version 2")
	assert.Contains(t, result.Errors[2], "no slice")
	assert.Contains(t, result.Errors[3], "live: CORE")
	assert.Contains(t, result.Errors[4], "0 entities")
	assert.Contains(t, result.Errors[5], "0 entries")
}

func TestRun_MissingContracts(t *testing.T) {
	s := &Scenario{Name: "nope", Contracts: "testdata/none", Tenant: "t1", Steps: []Step{{Drain: true}}}
	_, err := Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load contracts")
}

func TestMatchFields(t *testing.T) {
	actual := map[string]any{"price": float64(100), "tags": []any{"a", "b"}, "title": "Shoe"}

	_, ok := matchFields(actual, map[string]any{"price": 100, "tags": []any{"a", "b"}})
	assert.True(t, ok)

	field, ok := matchFields(actual, map[string]any{"title": "Shoe", "price": 99})
	assert.False(t, ok)
	assert.Equal(t, "price", field)

	field, ok = matchFields(actual, map[string]any{"missing": nil})
	assert.False(t, ok)
	assert.Equal(t, "missing", field)
}
