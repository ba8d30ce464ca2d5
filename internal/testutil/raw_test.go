package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ivm/internal/ivmerr"
)

func TestMemoryRawStore_LatestAndBatch(t *testing.T) {
	s := NewMemoryRawStore()
	ctx := context.Background()

	s.PutJSON("t1", "BRAND#t1#b1", 1, `{"name":"Old"}`)
	s.PutJSON("t1", "BRAND#t1#b1", 2, `{"name":"New"}`)

	latest, err := s.GetLatest(ctx, "t1", "BRAND#t1#b1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, `{"name":"New"}`, latest.Payload)

	v1, err := s.Get(ctx, "t1", "BRAND#t1#b1", 1)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Old"}`, v1.Payload)

	got, err := s.BatchGetLatest(ctx, "t1", []string{"BRAND#t1#b1", "BRAND#t1#missing"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, s.BatchCalls())

	_, err = s.GetLatest(ctx, "t2", "BRAND#t1#b1")
	assert.True(t, ivmerr.IsNotFound(err), "tenants are isolated")
}
