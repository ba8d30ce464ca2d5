package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ivm/internal/ir"
)

func TestNewEntryIsDeterministicPerFact(t *testing.T) {
	a, err := NewEntry("product", "PRODUCT#t1#p1", EventRawDataIngested, map[string]any{"version": 2, "tenant_id": "t1"})
	require.NoError(t, err)
	b, err := NewEntry("product", "PRODUCT#t1#p1", EventRawDataIngested, map[string]any{"tenant_id": "t1", "version": 2})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID, "ids are unique")
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey, "same fact, same key")
	assert.Equal(t, `{"tenant_id":"t1","version":2}`, a.Payload)
	assert.Equal(t, ir.OutboxPending, a.Status)
	assert.Nil(t, a.EntityVersion)
}

func TestNewEntryOptions(t *testing.T) {
	e, err := NewEntry("product", "PRODUCT#t1#p1", EventEntityChanged, map[string]any{},
		WithID("fixed"), WithPriority(3), WithEntityVersion(7))
	require.NoError(t, err)

	assert.Equal(t, "fixed", e.ID)
	assert.Equal(t, 3, e.Priority)
	require.NotNil(t, e.EntityVersion)
	assert.Equal(t, int64(7), *e.EntityVersion)
}

func TestNewEntryKeyDependsOnEventType(t *testing.T) {
	a, err := NewEntry("product", "PRODUCT#t1#p1", EventRawDataIngested, map[string]any{"v": 1})
	require.NoError(t, err)
	b, err := NewEntry("product", "PRODUCT#t1#p1", EventEntityChanged, map[string]any{"v": 1})
	require.NoError(t, err)
	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
}

func TestNewEntryRejectsUnencodablePayload(t *testing.T) {
	_, err := NewEntry("product", "PRODUCT#t1#p1", EventEntityChanged, make(chan int))
	require.Error(t, err)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7GeneratorIsSortable(t *testing.T) {
	gen := UUIDv7Generator{}
	first := gen.Generate()
	second := gen.Generate()

	assert.Len(t, first, 36)
	assert.NotEqual(t, first, second)
	assert.LessOrEqual(t, first, second)
}
