package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/ir"
	"github.com/roach88/ivm/internal/ivmerr"
)

func input(from, to string) Input {
	in := Input{
		TenantID:    "t1",
		EntityType:  "product",
		EntityKey:   "PRODUCT#t1#p1",
		FromVersion: 1,
		ToVersion:   2,
	}
	if from != "" {
		in.From = []byte(from)
	}
	if to != "" {
		in.To = []byte(to)
	}
	return in
}

func ruleSet(impact map[ir.SliceType][]string) *contract.RuleSet {
	rs := &contract.RuleSet{ID: "product", Version: "1.0.0", Status: contract.StatusActive, EntityType: "product", ImpactMap: impact}
	for t := range impact {
		rs.Slices = append(rs.Slices, contract.SliceDefinition{Type: t, BuildRule: contract.PassThrough{Fields: []string{"*"}}})
	}
	return rs
}

func TestBuildChangeTypes(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		want     ir.ChangeType
	}{
		{"create", "", `{"a":1}`, ir.ChangeCreate},
		{"delete", `{"a":1}`, "", ir.ChangeDelete},
		{"no change despite key order", `{"a":1,"b":2}`, `{ "b": 2, "a": 1 }`, ir.ChangeNoChange},
		{"update", `{"a":1}`, `{"a":2}`, ir.ChangeUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := Build(input(tt.from, tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cs.ChangeType)
			assert.Len(t, cs.ID, 64)
			if tt.want != ir.ChangeUpdate {
				assert.Empty(t, cs.ChangedPaths)
			}
		})
	}
}

func TestBuildRejectsMissingAndInvalidPayloads(t *testing.T) {
	_, err := Build(input("", ""))
	assert.True(t, ivmerr.IsValidation(err))

	_, err = Build(input(`{"a":`, `{"a":1}`))
	assert.True(t, ivmerr.IsValidation(err))
}

func TestTitleChangeImpactsOnlyCore(t *testing.T) {
	cs, err := Build(input(`{"title":"Old","price":1000}`, `{"title":"New","price":1000}`))
	require.NoError(t, err)

	assert.Equal(t, ir.ChangeUpdate, cs.ChangeType)
	assert.Equal(t, []string{"/title"}, cs.Paths())

	rs := ruleSet(map[ir.SliceType][]string{"CORE": {"/title"}, "PRICE": {"/price"}})
	applied, err := Apply(cs, rs)
	require.NoError(t, err)

	assert.Equal(t, []ir.SliceType{"CORE"}, applied.ImpactedSliceTypes)
	assert.Equal(t, map[ir.SliceType][]string{"CORE": {"/title"}}, applied.ImpactMap)
	assert.Equal(t, cs.ID, applied.ID, "impact data does not change identity")
}

func TestDiffPaths(t *testing.T) {
	tests := []struct {
		name     string
		from, to string
		want     []string
	}{
		{"nested leaf", `{"brand":{"name":"A","id":1}}`, `{"brand":{"name":"B","id":1}}`, []string{"/brand/name"}},
		{"added and removed keys", `{"a":1,"b":2}`, `{"b":2,"c":3}`, []string{"/a", "/c"}},
		{"array element", `{"items":[{"sku":"x"},{"sku":"y"}]}`, `{"items":[{"sku":"x"},{"sku":"z"}]}`, []string{"/items/1/sku"}},
		{"array length", `{"items":[1,2]}`, `{"items":[1,2,3]}`, []string{"/items"}},
		{"type change", `{"a":{"b":1}}`, `{"a":"flat"}`, []string{"/a"}},
		{"escaped key", `{"a/b":1,"c~d":1}`, `{"a/b":2,"c~d":2}`, []string{"/a~1b", "/c~0d"}},
		{"int vs float same value", `{"p":2}`, `{"p":2.0,"q":1}`, []string{"/q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, err := Build(input(tt.from, tt.to))
			require.NoError(t, err)
			assert.Equal(t, tt.want, cs.Paths())
		})
	}
}

func TestDiffHashesNewSubtree(t *testing.T) {
	cs, err := Build(input(`{"a":1,"b":{"x":1}}`, `{"b":{"x":2}}`))
	require.NoError(t, err)
	require.Len(t, cs.ChangedPaths, 2)

	nullHash, err := ir.ValueHash(ir.IRNull{})
	require.NoError(t, err)
	twoHash, err := ir.ValueHash(ir.IRInt(2))
	require.NoError(t, err)

	assert.Equal(t, ir.ChangedPath{Path: "/a", Hash: nullHash}, cs.ChangedPaths[0])
	assert.Equal(t, ir.ChangedPath{Path: "/b/x", Hash: twoHash}, cs.ChangedPaths[1])
}

func TestBuildIDIndependentOfKeyOrder(t *testing.T) {
	a, err := Build(input(`{"a":1,"b":{"c":1,"d":2}}`, `{"a":2,"b":{"c":1,"d":3}}`))
	require.NoError(t, err)
	b, err := Build(input(`{"b":{"d":2,"c":1},"a":1}`, `{"b":{"d":3,"c":1},"a":2}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestBuildIDChangesWithVersion(t *testing.T) {
	in := input(`{"a":1}`, `{"a":2}`)
	a, err := Build(in)
	require.NoError(t, err)
	in.ToVersion = 3
	b, err := Build(in)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestPrefixMatch(t *testing.T) {
	tests := []struct {
		watched, changed string
		want             bool
	}{
		{"/brand", "/brand/name", true},
		{"/brand", "/brand", true},
		{"/brand", "/brandnew", false},
		{"/brand/", "/brand/name", true},
		{"/brand/", "/brandnew", false},
		{"/", "/anything/at/all", true},
		{"/Brand", "/brand/name", false},
		{"/brand/name", "/brand", false},
	}
	for _, tt := range tests {
		t.Run(tt.watched+"|"+tt.changed, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefixMatch(tt.watched, tt.changed))
		})
	}
}

func update(paths ...string) ir.ChangeSet {
	cs := ir.ChangeSet{ChangeType: ir.ChangeUpdate}
	for _, p := range paths {
		cs.ChangedPaths = append(cs.ChangedPaths, ir.ChangedPath{Path: p})
	}
	return cs
}

func TestCalculateFailsClosedOnUnmappedPaths(t *testing.T) {
	rs := ruleSet(map[ir.SliceType][]string{"CORE": {"/title"}})

	_, err := Calculate(update("/title", "/stock", "/brandnew"), rs)
	require.Error(t, err)
	assert.True(t, ivmerr.IsUnmappedChangePath(err))

	var e *ivmerr.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{"/brandnew", "/stock"}, e.Paths)
}

func TestCalculateAccumulatesDistinctPaths(t *testing.T) {
	rs := ruleSet(map[ir.SliceType][]string{
		"CORE":  {"/brand", "/brand/name", "/title"},
		"BRAND": {"/brand/"},
		"ALL":   {"/"},
	})

	got, err := Calculate(update("/brand/name", "/title", "/brand/id"), rs)
	require.NoError(t, err)

	assert.Equal(t, map[ir.SliceType]ir.ImpactDetail{
		"CORE":  {SliceType: "CORE", Paths: []string{"/brand/id", "/brand/name", "/title"}},
		"BRAND": {SliceType: "BRAND", Paths: []string{"/brand/id", "/brand/name"}},
		"ALL":   {SliceType: "ALL", Paths: []string{"/brand/id", "/brand/name", "/title"}},
	}, got)
}

func TestCalculateOrderIndependent(t *testing.T) {
	a := ruleSet(map[ir.SliceType][]string{"CORE": {"/title", "/brand"}, "PRICE": {"/price"}})
	b := ruleSet(map[ir.SliceType][]string{"PRICE": {"/price"}, "CORE": {"/brand", "/title"}})

	x, err := Calculate(update("/price", "/brand/name", "/title"), a)
	require.NoError(t, err)
	y, err := Calculate(update("/title", "/price", "/brand/name"), b)
	require.NoError(t, err)

	assert.Equal(t, x, y)
}

func TestCalculateCreateAndNoChange(t *testing.T) {
	rs := ruleSet(map[ir.SliceType][]string{"CORE": {"/title"}, "PRICE": {"/price"}})

	created, err := Calculate(ir.ChangeSet{ChangeType: ir.ChangeCreate}, rs)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	none, err := Calculate(ir.ChangeSet{ChangeType: ir.ChangeNoChange}, rs)
	require.NoError(t, err)
	assert.Empty(t, none)
}
