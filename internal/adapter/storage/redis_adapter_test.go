package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/storefront/internal/port"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// newTestRedisAdapter isolates each test under its own key prefix.
func newTestRedisAdapter(t *testing.T) (*RedisAdapter, *redis.Client) {
	client := getRedisClient(t)
	prefix := "storefront-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})
	return NewRedisAdapter(client, prefix), client
}

func TestRedisCache_MissThenHit(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	_, gen, err := adapter.Get(ctx, port.PartitionListings, "page=0;size=20")
	require.ErrorIs(t, err, port.ErrCacheMiss)

	require.NoError(t, adapter.Put(ctx, port.PartitionListings, "page=0;size=20", []byte(`{"content":[]}`), gen))

	value, _, err := adapter.Get(ctx, port.PartitionListings, "page=0;size=20")
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":[]}`, string(value))
}

func TestRedisCache_PutAfterInvalidateIsDropped(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	// Setup: a reader observes the generation, then a writer invalidates
	_, gen, err := adapter.Get(ctx, port.PartitionLookup, "p1")
	require.ErrorIs(t, err, port.ErrCacheMiss)
	require.NoError(t, adapter.Invalidate(ctx, port.PartitionLookup))

	// Test: the stale fill must not land
	require.NoError(t, adapter.Put(ctx, port.PartitionLookup, "p1", []byte(`"stale"`), gen))

	_, newGen, err := adapter.Get(ctx, port.PartitionLookup, "p1")
	require.ErrorIs(t, err, port.ErrCacheMiss)
	assert.Equal(t, gen+1, newGen)
}

func TestRedisCache_InvalidateOnlyNamedPartitions(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	for _, p := range []string{port.PartitionListings, port.PartitionCategories} {
		_, gen, _ := adapter.Get(ctx, p, "k")
		require.NoError(t, adapter.Put(ctx, p, "k", []byte(`1`), gen))
	}

	require.NoError(t, adapter.Invalidate(ctx, port.PartitionListings))

	_, _, err := adapter.Get(ctx, port.PartitionListings, "k")
	assert.ErrorIs(t, err, port.ErrCacheMiss)
	_, _, err = adapter.Get(ctx, port.PartitionCategories, "k")
	assert.NoError(t, err)
}

func TestRedisCache_ResetDropsEverything(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	partitions := []string{port.PartitionListings, port.PartitionLookup, port.PartitionSearch, port.PartitionCategories}
	for _, p := range partitions {
		_, gen, _ := adapter.Get(ctx, p, "k")
		require.NoError(t, adapter.Put(ctx, p, "k", []byte(`1`), gen))
	}

	require.NoError(t, adapter.Reset(ctx))

	for _, p := range partitions {
		_, _, err := adapter.Get(ctx, p, "k")
		assert.ErrorIs(t, err, port.ErrCacheMiss, p)
	}
}

func TestClaim_Success(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	// First call should succeed
	ok, err := adapter.Claim(ctx, "add:user-1:key-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second call should fail (key exists)
	ok, err = adapter.Claim(ctx, "add:user-1:key-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Released keys can be claimed again
	require.NoError(t, adapter.Release(ctx, "add:user-1:key-1"))
	ok, err = adapter.Claim(ctx, "add:user-1:key-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaim_SetsTTL(t *testing.T) {
	adapter, client := newTestRedisAdapter(t)
	ctx := context.Background()

	_, err := adapter.Claim(ctx, "ttl-key")
	require.NoError(t, err)

	ttl, err := client.TTL(ctx, adapter.idempotencyKey("ttl-key")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, DefaultIdempotencyTTL-time.Minute)
}

func TestClaim_Concurrent(t *testing.T) {
	adapter, _ := newTestRedisAdapter(t)
	ctx := context.Background()

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.Claim(ctx, "concurrent-idem")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), successCount.Load())
}
