package slicer

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
	"github.com/roach88/ivm/internal/testutil"
)

const productPayload = `{"title":"Shoe","price":1000,"currency":"EUR","brand_id":"b1","items":[{"sku":"S-1"},{"sku":"S-2"}]}`

var productRef = contract.Ref{ID: "product", Version: "1.0.0"}

func productRuleSet(required bool) *contract.RuleSet {
	return &contract.RuleSet{
		ID:         "product",
		Version:    "1.0.0",
		Status:     contract.StatusActive,
		EntityType: "product",
		ImpactMap: map[ir.SliceType][]string{
			"CORE":  {"/title", "/items", "/brand_id"},
			"FULL":  {"/"},
			"PRICE": {"/price", "/currency"},
		},
		Joins: []contract.JoinSpec{{
			Name:             "brand",
			SourceFieldPath:  "brand_id",
			TargetEntityType: "brand",
			TargetKeyPattern: "{entityType}#{tenantId}#{value}",
			Required:         required,
			Projection:       &contract.Projection{Mode: contract.ProjectionInclude, Fields: []string{"name"}},
		}},
		Slices: []contract.SliceDefinition{
			{Type: "PRICE", Kind: contract.SliceKindStandard, BuildRule: contract.PassThrough{Fields: []string{"price", "currency"}}},
			{Type: "CORE", Kind: contract.SliceKindStandard, BuildRule: contract.MapFields{Mappings: []contract.FieldMapping{
				{Target: "brand.name", Source: "brand.name"},
				{Target: "skus", Source: "items[*].sku"},
				{Target: "title", Source: "title"},
			}}},
			{Type: "FULL", Kind: contract.SliceKindDerived, BuildRule: contract.PassThrough{Fields: []string{"*"}}},
		},
		Indexes: []contract.IndexSpec{
			{Type: "sku", Selector: "skus[*]", SliceType: "CORE"},
			{Type: "brand", Selector: "brand_id", SliceType: "FULL", References: "brand"},
		},
	}
}

type fixture struct {
	raw     *testutil.MemoryRawStore
	slicer  *Slicer
	product ir.RawDataRecord
}

func newFixture(t *testing.T, rs *contract.RuleSet) *fixture {
	t.Helper()
	reg, err := contract.NewRegistry(rs)
	require.NoError(t, err)

	raw := testutil.NewMemoryRawStore()
	raw.PutJSON("t1", "BRAND#t1#b1", 1, `{"name":"Acme","country":"DE"}`)
	product := raw.PutJSON("t1", "PRODUCT#t1#p1", 1, productPayload)

	return &fixture{raw: raw, slicer: New(reg, raw), product: product}
}

func render(res Result) []byte {
	var b strings.Builder
	for _, s := range res.Slices {
		fmt.Fprintf(&b, "slice %s %s\n", s.SliceType, s.Data)
	}
	for _, e := range res.IndexEntries {
		fmt.Fprintf(&b, "index %s %s=%s target=%s\n", e.SliceType, e.IndexType, e.IndexValue, e.TargetEntityKey)
	}
	return []byte(b.String())
}

func TestSliceGolden(t *testing.T) {
	f := newFixture(t, productRuleSet(false))

	res, err := f.slicer.Slice(context.Background(), f.product, productRef)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "product_full_slice", render(res))
}

func TestSliceCarriesRuleSetIdentity(t *testing.T) {
	f := newFixture(t, productRuleSet(false))

	res, err := f.slicer.Slice(context.Background(), f.product, productRef)
	require.NoError(t, err)
	require.Len(t, res.Slices, 3)

	for _, s := range res.Slices {
		assert.Equal(t, "product", s.RuleSetID)
		assert.Equal(t, "1.0.0", s.RuleSetVersion)
		assert.Equal(t, int64(1), s.Version)
		assert.Equal(t, ir.SliceHash(s.SliceType, []byte(s.Data), "product", "1.0.0"), s.Hash)
		assert.Nil(t, s.Tombstone)
	}
}

func TestSliceFetchesJoinsInOneBatch(t *testing.T) {
	f := newFixture(t, productRuleSet(false))

	_, err := f.slicer.Slice(context.Background(), f.product, productRef)
	require.NoError(t, err)

	assert.Equal(t, 1, f.raw.BatchCalls())
}

func TestSliceDeterministicAcrossKeyOrder(t *testing.T) {
	f := newFixture(t, productRuleSet(false))
	reordered := f.raw.PutJSON("t1", "PRODUCT#t1#p2", 1,
		`{"items":[{"sku":"S-1"},{"sku":"S-2"}], "brand_id":"b1", "currency":"EUR", "price":1000, "title":"Shoe"}`)
	reordered.EntityKey = f.product.EntityKey

	a, err := f.slicer.Slice(context.Background(), f.product, productRef)
	require.NoError(t, err)
	b, err := f.slicer.Slice(context.Background(), reordered, productRef)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestSlicePartialOnlyImpactedTypes(t *testing.T) {
	f := newFixture(t, productRuleSet(false))

	res, err := f.slicer.SlicePartial(context.Background(), f.product, productRef, []ir.SliceType{"PRICE"})
	require.NoError(t, err)

	require.Len(t, res.Slices, 1)
	assert.Equal(t, ir.SliceType("PRICE"), res.Slices[0].SliceType)
	assert.Equal(t, `{"currency":"EUR","price":1000}`, res.Slices[0].Data)
	assert.Empty(t, res.IndexEntries)

	full, err := f.slicer.Slice(context.Background(), f.product, productRef)
	require.NoError(t, err)
	assert.Equal(t, full.Slices[2], res.Slices[0], "partial and full builds agree")
}

func TestSlicePartialRejectsUndeclaredType(t *testing.T) {
	f := newFixture(t, productRuleSet(false))

	_, err := f.slicer.SlicePartial(context.Background(), f.product, productRef, []ir.SliceType{"PRICE", "MEDIA"})
	require.Error(t, err)
	assert.True(t, ivmerr.IsValidation(err))
	assert.Contains(t, err.Error(), "MEDIA")
}

func TestSliceRequiredJoinMissingFailsClosed(t *testing.T) {
	f := newFixture(t, productRuleSet(true))
	orphan := f.raw.PutJSON("t1", "PRODUCT#t1#p3", 1, `{"title":"Shoe","brand_id":"gone"}`)

	res, err := f.slicer.Slice(context.Background(), orphan, productRef)
	require.Error(t, err)
	assert.True(t, ivmerr.IsJoin(err))
	assert.Empty(t, res.Slices)

	noSource := f.raw.PutJSON("t1", "PRODUCT#t1#p4", 1, `{"title":"Shoe"}`)
	_, err = f.slicer.Slice(context.Background(), noSource, productRef)
	assert.True(t, ivmerr.IsJoin(err))
}

func TestSliceJoinsAreNotSharedAcrossDifferingSpecs(t *testing.T) {
	optional := productRuleSet(false).Joins[0]
	required := optional
	required.Required = true
	wide := optional
	wide.Projection = &contract.Projection{Mode: contract.ProjectionInclude, Fields: []string{"name", "country"}}

	t.Run("required slice fails closed", func(t *testing.T) {
		rs := productRuleSet(false)
		rs.Slices[1].Joins = []contract.JoinSpec{optional}
		rs.Slices[0].Joins = []contract.JoinSpec{required}
		f := newFixture(t, rs)
		orphan := f.raw.PutJSON("t1", "PRODUCT#t1#p3", 1, `{"title":"Shoe","brand_id":"gone"}`)

		res, err := f.slicer.Slice(context.Background(), orphan, productRef)
		require.Error(t, err)
		assert.True(t, ivmerr.IsJoin(err), "got %v", err)
		assert.Empty(t, res.Slices)
	})

	t.Run("each slice gets its own projection", func(t *testing.T) {
		rs := productRuleSet(false)
		rs.Slices[1].Joins = []contract.JoinSpec{optional}
		rs.Slices[2].Joins = []contract.JoinSpec{wide}
		f := newFixture(t, rs)

		res, err := f.slicer.Slice(context.Background(), f.product, productRef)
		require.NoError(t, err)
		byType := map[ir.SliceType]string{}
		for _, sl := range res.Slices {
			byType[sl.SliceType] = sl.Data
		}
		assert.Contains(t, byType["FULL"], `"brand":{"country":"DE","name":"Acme"}`)
		assert.Contains(t, byType["CORE"], `"brand":{"name":"Acme"}`)
	})
}

func TestSliceOptionalJoinMissingIsSkipped(t *testing.T) {
	f := newFixture(t, productRuleSet(false))
	orphan := f.raw.PutJSON("t1", "PRODUCT#t1#p3", 1, `{"title":"Shoe","brand_id":"gone"}`)

	res, err := f.slicer.SlicePartial(context.Background(), orphan, productRef, []ir.SliceType{"CORE"})
	require.NoError(t, err)
	require.Len(t, res.Slices, 1)
	assert.Equal(t, `{"skus":[],"title":"Shoe"}`, res.Slices[0].Data)
}

func TestSliceRejectsInactiveRuleSet(t *testing.T) {
	rs := productRuleSet(false)
	rs.Status = contract.StatusDeprecated
	f := newFixture(t, rs)

	_, err := f.slicer.Slice(context.Background(), f.product, productRef)
	require.Error(t, err)
	assert.True(t, ivmerr.IsValidation(err))
}

func TestSliceInvalidPayloadIsInvariantViolation(t *testing.T) {
	f := newFixture(t, productRuleSet(false))
	bad := f.product
	bad.Payload = `{"title":`

	_, err := f.slicer.Slice(context.Background(), bad, productRef)
	require.Error(t, err)
	assert.True(t, ivmerr.IsInvariant(err))
}

func TestSliceHashChangesWithRuleSetVersion(t *testing.T) {
	v1 := productRuleSet(false)
	v2 := productRuleSet(false)
	v2.Version = "1.1.0"

	reg, err := contract.NewRegistry(v1, v2)
	require.NoError(t, err)
	raw := testutil.NewMemoryRawStore()
	raw.PutJSON("t1", "BRAND#t1#b1", 1, `{"name":"Acme"}`)
	product := raw.PutJSON("t1", "PRODUCT#t1#p1", 1, productPayload)
	s := New(reg, raw)

	a, err := s.SlicePartial(context.Background(), product, v1.Ref(), []ir.SliceType{"PRICE"})
	require.NoError(t, err)
	b, err := s.SlicePartial(context.Background(), product, v2.Ref(), []ir.SliceType{"PRICE"})
	require.NoError(t, err)

	assert.Equal(t, a.Slices[0].Data, b.Slices[0].Data)
	assert.NotEqual(t, a.Slices[0].Hash, b.Slices[0].Hash)
}

func TestTombstone(t *testing.T) {
	f := newFixture(t, productRuleSet(false))

	res, err := f.slicer.Tombstone(context.Background(), "t1", "PRODUCT#t1#p1", 2, productRef, "deleted upstream")
	require.NoError(t, err)
	require.Len(t, res.Slices, 3)
	assert.Empty(t, res.IndexEntries)

	for _, s := range res.Slices {
		assert.Equal(t, "{}", s.Data)
		require.NotNil(t, s.Tombstone)
		assert.True(t, s.Tombstone.IsDeleted)
		assert.Equal(t, int64(2), s.Tombstone.DeletedAtVersion)
		assert.Equal(t, "deleted upstream", s.Tombstone.DeleteReason)
		assert.NotEqual(t, ir.SliceHash(s.SliceType, []byte("{}"), "product", "1.0.0"), s.Hash,
			"tombstone hash differs from an empty slice")
	}
}

func TestExecuteJoinsProjection(t *testing.T) {
	raw := testutil.NewMemoryRawStore()
	raw.PutJSON("t1", "BRAND#t1#b1", 1, `{"name":"Acme","country":"DE","secret":"x"}`)
	product := raw.PutJSON("t1", "PRODUCT#t1#p1", 1, `{"brand_id":"b1","vendor":"b1"}`)
	doc, err := ir.ParseObject([]byte(product.Payload))
	require.NoError(t, err)

	specs := []contract.JoinSpec{
		{Name: "brand", SourceFieldPath: "brand_id", TargetEntityType: "brand", TargetKeyPattern: "BRAND#{tenantId}#{value}"},
		{Name: "vendor", SourceFieldPath: "vendor", TargetEntityType: "brand", TargetKeyPattern: "BRAND#{tenantId}#{value}",
			Projection: &contract.Projection{Mode: contract.ProjectionExclude, Fields: []string{"secret"}}},
		{Name: "maker", SourceFieldPath: "maker_id", TargetEntityType: "brand", TargetKeyPattern: "BRAND#{tenantId}#{value}"},
	}

	got, err := ExecuteJoins(context.Background(), raw, product, doc, specs)
	require.NoError(t, err)

	assert.Equal(t, map[string]ir.IRObject{
		"brand":  {"name": ir.IRString("Acme"), "country": ir.IRString("DE"), "secret": ir.IRString("x")},
		"vendor": {"name": ir.IRString("Acme"), "country": ir.IRString("DE")},
	}, got)
	assert.Equal(t, 1, raw.BatchCalls())
}

func TestExecuteJoinsRequiredNonScalarSource(t *testing.T) {
	raw := testutil.NewMemoryRawStore()
	product := raw.PutJSON("t1", "PRODUCT#t1#p1", 1, `{"brand_id":{"nested":true}}`)
	doc, err := ir.ParseObject([]byte(product.Payload))
	require.NoError(t, err)

	_, err = ExecuteJoins(context.Background(), raw, product, doc, []contract.JoinSpec{{
		Name: "brand", SourceFieldPath: "brand_id", TargetEntityType: "brand",
		TargetKeyPattern: "BRAND#{tenantId}#{value}", Required: true,
	}})
	require.Error(t, err)
	assert.True(t, ivmerr.IsJoin(err))
	assert.Equal(t, 0, raw.BatchCalls(), "no lookup when a required source is unusable")
}
