package ivmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHelpersSeeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("build slice: %w", Join("brand", "target %s not found", "BRAND#t1#b1"))

	assert.True(t, IsJoin(err))
	assert.False(t, IsValidation(err))
	assert.Equal(t, CodeJoin, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
	assert.False(t, IsStorage(nil))
}

func TestUnmappedChangePathCarriesSortedDistinctPaths(t *testing.T) {
	err := UnmappedChangePath([]string{"/z", "/a", "/z"})

	assert.Equal(t, []string{"/a", "/z"}, err.Paths)
	assert.Contains(t, err.Error(), "/a")
	assert.Contains(t, err.Error(), "/z")
	assert.True(t, IsUnmappedChangePath(err))
}

func TestStorageUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("insert", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, "STORAGE: insert: store failure: disk full", err.Error())
}

func TestIdempotencyDetails(t *testing.T) {
	err := Idempotency("k1")
	assert.True(t, IsIdempotency(err))
	assert.Equal(t, "k1", err.Details["idempotency_key"])
}

func TestInvariantMessage(t *testing.T) {
	err := Invariant("slice", errors.New("bad json"), "parse payload for %s", "PRODUCT#t1#p1")
	assert.Equal(t, "INVARIANT_VIOLATION: slice: parse payload for PRODUCT#t1#p1: bad json", err.Error())
	assert.True(t, IsInvariant(err))
	assert.True(t, IsNotFound(NotFound("x")))
}
