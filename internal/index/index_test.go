package index

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ivm/internal/contract"
	"github.com/roach88/ivm/internal/ir"
)

func productSlice(data string) ir.SliceRecord {
	return ir.SliceRecord{
		TenantID:  "t1",
		EntityKey: "PRODUCT#t1#p1",
		Version:   3,
		SliceType: "CORE",
		Data:      data,
		Hash:      "h",
	}
}

func TestBuildForwardEntriesNormalized(t *testing.T) {
	slice := productSlice(`{"tags":["  Red ","blue","RED",""],"title":"Shoe"}`)
	specs := []contract.IndexSpec{{Type: "tag", Selector: "tags[*]"}}

	entries, err := Build(slice, specs, "product")
	require.NoError(t, err)

	var values []string
	for _, e := range entries {
		values = append(values, e.IndexValue)
		assert.Equal(t, "tag", e.IndexType)
		assert.Equal(t, "PRODUCT#t1#p1", e.TargetEntityKey)
		assert.Equal(t, "PRODUCT#t1#p1", e.RefEntityKey)
		assert.Equal(t, int64(3), e.RefVersion)
	}
	assert.Equal(t, []string{"blue", "red"}, values)
}

func TestBuildReverseEntryKeyedByUpstreamID(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"bare id", "B-42", "b-42"},
		{"composite key", "BRAND#t1#B-42", "b-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slice := productSlice(`{"brand_id":"` + tt.value + `"}`)
			specs := []contract.IndexSpec{{Type: "brand", Selector: "brand_id", References: "brand"}}

			entries, err := Build(slice, specs, "product")
			require.NoError(t, err)
			require.Len(t, entries, 2)

			forward, reverse := entries[0], entries[1]
			assert.Equal(t, "brand", forward.IndexType)
			assert.Equal(t, Normalize(tt.value), forward.IndexValue)

			assert.Equal(t, "product_by_brand", reverse.IndexType)
			assert.Equal(t, tt.want, reverse.IndexValue)
			assert.Equal(t, "BRAND#t1#B-42", reverse.TargetEntityKey)
			assert.Equal(t, "PRODUCT#t1#p1", reverse.RefEntityKey)
		})
	}
}

func TestBuildSkipsReverseEntryWithBlankID(t *testing.T) {
	slice := productSlice(`{"brand_id":"BRAND#t1#"}`)
	specs := []contract.IndexSpec{{Type: "brand", Selector: "brand_id", References: "brand"}}

	entries, err := Build(slice, specs, "product")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "brand", entries[0].IndexType)
}

func TestBuildCompositeFallbackWarns(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(slog.New(slog.NewTextHandler(&buf, nil)))

	slice := productSlice(`{"brand_id":"BRAND#b7"}`)
	specs := []contract.IndexSpec{{Type: "brand", Selector: "brand_id", References: "brand"}}

	entries, err := b.Build(slice, specs, "product")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "brand#b7", entries[1].IndexValue)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "not a composite key")
}

func TestBuildHonorsSliceTypeFilter(t *testing.T) {
	slice := productSlice(`{"title":"Shoe"}`)
	specs := []contract.IndexSpec{
		{Type: "title", Selector: "title", SliceType: "CORE"},
		{Type: "title_price", Selector: "title", SliceType: "PRICE"},
	}

	entries, err := Build(slice, specs, "product")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "title", entries[0].IndexType)
}

func TestBuildDeterministicAcrossKeyOrder(t *testing.T) {
	specs := []contract.IndexSpec{
		{Type: "sku", Selector: "items[*].sku"},
		{Type: "brand", Selector: "brand_id", References: "brand"},
	}
	a, err := Build(productSlice(`{"brand_id":"b1","items":[{"sku":"Z"},{"sku":"a"}]}`), specs, "product")
	require.NoError(t, err)
	b, err := Build(productSlice(`{"items":[{"sku":"Z"},{"sku":"a"}],"brand_id":"b1"}`), specs, "product")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	require.Len(t, a, 4)
	assert.Equal(t, []string{"sku", "sku", "brand", "product_by_brand"},
		[]string{a[0].IndexType, a[1].IndexType, a[2].IndexType, a[3].IndexType})
	assert.Equal(t, "a", a[0].IndexValue)
}

func TestBuildMarksTombstonedEntries(t *testing.T) {
	slice := productSlice(`{"title":"Shoe"}`)
	slice.Tombstone = &ir.Tombstone{IsDeleted: true, DeletedAtVersion: 3}

	entries, err := Build(slice, []contract.IndexSpec{{Type: "title", Selector: "title"}}, "product")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tombstone)
}

func TestBuildRejectsInvalidSliceData(t *testing.T) {
	_, err := Build(productSlice(`{nope`), []contract.IndexSpec{{Type: "t", Selector: "t"}}, "product")
	require.Error(t, err)
}

func TestReverseIndexType(t *testing.T) {
	assert.Equal(t, "product_by_brand", ReverseIndexType("PRODUCT", "Brand"))
}
