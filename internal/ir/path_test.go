package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseObject(t *testing.T, s string) IRObject {
	t.Helper()
	obj, err := ParseObject([]byte(s))
	require.NoError(t, err)
	return obj
}

func TestSelectorSelect(t *testing.T) {
	doc := mustParseObject(t, `{
		"title": "Shoe",
		"brand": {"id": "b1", "name": "Acme"},
		"items": [{"sku": "s1"}, {"sku": "s2"}, {"nosku": true}],
		"tags": ["a", "b"],
		"matrix": [[1, 2], [3]]
	}`)

	tests := []struct {
		name string
		path string
		want []IRValue
	}{
		{"top level", "title", []IRValue{IRString("Shoe")}},
		{"nested", "brand.name", []IRValue{IRString("Acme")}},
		{"root marker", "$.brand.id", []IRValue{IRString("b1")}},
		{"pointer form", "/brand/id", []IRValue{IRString("b1")}},
		{"wildcard field", "items[*].sku", []IRValue{IRString("s1"), IRString("s2")}},
		{"wildcard scalars", "tags[*]", []IRValue{IRString("a"), IRString("b")}},
		{"index", "items[1].sku", []IRValue{IRString("s2")}},
		{"nested wildcard", "matrix[*][*]", []IRValue{IRInt(1), IRInt(2), IRInt(3)}},
		{"missing key", "brand.missing", nil},
		{"index out of range", "items[9].sku", nil},
		{"wildcard on object", "brand[*]", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Select(doc))
		})
	}
}

func TestParseSelectorErrors(t *testing.T) {
	for _, path := range []string{"", "$", "a..b", "a[", "a[x]", "a[-1]", "a[*]b", "/"} {
		t.Run(path, func(t *testing.T) {
			_, err := ParseSelector(path)
			require.Error(t, err)
		})
	}
}

func TestSelectorHasWildcard(t *testing.T) {
	assert.True(t, MustParseSelector("items[*].sku").HasWildcard())
	assert.False(t, MustParseSelector("items[0].sku").HasWildcard())
}

func TestSetPathCreatesIntermediateObjects(t *testing.T) {
	obj := IRObject{}
	require.NoError(t, SetPath(obj, "brand.name", IRString("Acme")))
	require.NoError(t, SetPath(obj, "brand.id", IRString("b1")))

	assert.Equal(t, IRObject{"brand": IRObject{"name": IRString("Acme"), "id": IRString("b1")}}, obj)
}

func TestSetPathRejectsNonObjectParent(t *testing.T) {
	obj := IRObject{"brand": IRString("flat")}
	require.Error(t, SetPath(obj, "brand.name", IRString("Acme")))
	require.Error(t, SetPath(obj, "items[0]", IRString("x")))
}

func TestPointerEscaping(t *testing.T) {
	p := JoinPointer(JoinPointer("", "a/b"), "c~d")
	assert.Equal(t, "/a~1b/c~0d", p)
	assert.Equal(t, []string{"a/b", "c~d"}, SplitPointer(p))
	assert.Nil(t, SplitPointer("/"))
}
