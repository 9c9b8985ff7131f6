package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/storefront/internal/port"
)

func TestMemoryCache_GenerationGuard(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	_, gen, err := cache.Get(ctx, port.PartitionSearch, "k")
	require.ErrorIs(t, err, port.ErrCacheMiss)

	require.NoError(t, cache.Invalidate(ctx, port.PartitionSearch))
	require.NoError(t, cache.Put(ctx, port.PartitionSearch, "k", []byte("stale"), gen))
	assert.Equal(t, 0, cache.Len(port.PartitionSearch))

	_, gen, _ = cache.Get(ctx, port.PartitionSearch, "k")
	require.NoError(t, cache.Put(ctx, port.PartitionSearch, "k", []byte("fresh"), gen))

	value, _, err := cache.Get(ctx, port.PartitionSearch, "k")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(value))
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	raw := []byte("abc")
	require.NoError(t, cache.Put(ctx, port.PartitionLookup, "k", raw, 0))
	raw[0] = 'x'

	value, _, err := cache.Get(ctx, port.PartitionLookup, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(value))
}

func TestMemoryCache_InvalidateIsPerPartition(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, port.PartitionLookup, "k", []byte("1"), 0))
	require.NoError(t, cache.Put(ctx, port.PartitionCategories, "k", []byte("1"), 0))

	require.NoError(t, cache.Invalidate(ctx, port.PartitionCategories))

	assert.Equal(t, 1, cache.Len(port.PartitionLookup))
	assert.Equal(t, 0, cache.Len(port.PartitionCategories))
}

func TestMemoryIdempotency_ClaimExpires(t *testing.T) {
	idem := NewMemoryIdempotency(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idem.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := idem.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = idem.Claim(ctx, "k")
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = idem.Claim(ctx, "k")
	assert.True(t, ok)

	require.NoError(t, idem.Release(ctx, "k"))
	ok, _ = idem.Claim(ctx, "k")
	assert.True(t, ok)
}
