package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/storefront/internal/adapter/storage"
	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// blockingRepo holds ListCategories until release is closed or its ctx ends.
type blockingRepo struct {
	port.CatalogRepository
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (r *blockingRepo) ListCategories(ctx context.Context) ([]string, error) {
	if r.calls.Add(1) == 1 {
		close(r.started)
	}
	select {
	case <-r.release:
		return r.CatalogRepository.ListCategories(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// flakyCache fails the next Invalidate calls while failures is positive.
type flakyCache struct {
	*storage.MemoryCache
	failures atomic.Int32
}

func (c *flakyCache) Invalidate(ctx context.Context, partitions ...string) error {
	if c.failures.Add(-1) >= 0 {
		return errCacheDown
	}
	return c.MemoryCache.Invalidate(ctx, partitions...)
}

func TestCachedRead_CancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	store := storage.NewMemoryStore()
	repo := &blockingRepo{CatalogRepository: store, started: make(chan struct{}), release: make(chan struct{})}
	svc := NewCatalogService(repo, storage.NewMemoryCache(), nil, testLogger)

	_, err := svc.CreateProduct(context.Background(), productInput("Desk", "office", 90, 1))
	require.NoError(t, err)

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.ListCategories(first)
		firstErr <- err
	}()

	select {
	case <-repo.started:
	case <-time.After(time.Second):
		t.Fatal("store read never started")
	}

	type result struct {
		categories []string
		err        error
	}
	second := make(chan result, 1)
	go func() {
		categories, err := svc.ListCategories(context.Background())
		second <- result{categories, err}
	}()
	// let the second caller join the in-flight load
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(repo.release)
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, []string{"office"}, res.categories)
	case <-time.After(time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestCatalog_FailedInvalidationNeverServesInactive(t *testing.T) {
	store := storage.NewMemoryStore()
	repo := &countingRepo{CatalogRepository: store}
	cache := &flakyCache{MemoryCache: storage.NewMemoryCache()}
	svc := NewCatalogService(repo, cache, nil, testLogger)
	ctx := context.Background()

	p, err := svc.CreateProduct(ctx, productInput("Rug", "home", 40, 3))
	require.NoError(t, err)

	listed, err := svc.ListProducts(ctx, domain.PageRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Content, 1)
	require.Equal(t, int32(1), repo.lists.Load())

	// The delete's invalidation fails, and so does the first retry
	cache.failures.Store(2)
	require.NoError(t, svc.DeleteProduct(ctx, p.ID))

	listed, err = svc.ListProducts(ctx, domain.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, listed.Content)
	assert.Equal(t, int32(2), repo.lists.Load())

	// The retried invalidation succeeds and the cache is trusted again
	listed, err = svc.ListProducts(ctx, domain.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, listed.Content)
	assert.Equal(t, int32(3), repo.lists.Load())

	listed, err = svc.ListProducts(ctx, domain.PageRequest{})
	require.NoError(t, err)
	assert.Empty(t, listed.Content)
	assert.Equal(t, int32(3), repo.lists.Load())
}
