package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKeyRoundTrip(t *testing.T) {
	key := EntityKey("product", "t1", "p-1")
	assert.Equal(t, "PRODUCT#t1#p-1", key)

	parsed, err := ParseEntityKey(key)
	require.NoError(t, err)
	assert.Equal(t, ParsedKey{EntityType: "PRODUCT", TenantID: "t1", ID: "p-1"}, parsed)
	assert.Equal(t, "product", EntityTypeOf(key))
	assert.Equal(t, "p-1", EntityIDOf(key))
}

func TestParseEntityKeyIDMayContainSeparator(t *testing.T) {
	parsed, err := ParseEntityKey("SKU#t1#a#b")
	require.NoError(t, err)
	assert.Equal(t, "a#b", parsed.ID)
}

func TestParseEntityKeyRejectsBareIDs(t *testing.T) {
	for _, key := range []string{"p1", "BRAND#t1", "#t1#x", "BRAND#t1#"} {
		t.Run(key, func(t *testing.T) {
			_, err := ParseEntityKey(key)
			require.Error(t, err)
			assert.Equal(t, "", EntityIDOf(key))
		})
	}
}
