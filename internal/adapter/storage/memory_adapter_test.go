package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

func newTestMemoryStore() *MemoryStore {
	store := NewMemoryStore()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	store.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return store
}

func TestMemoryStore_SearchAndPaging(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	for i, name := range []string{"Red Shirt", "Blue Shirt", "Green Hat"} {
		p := &domain.Product{
			Name:     name,
			Price:    decimal.NewFromInt(int64(10 * (i + 1))),
			Stock:    1,
			Category: "apparel",
			Active:   true,
		}
		require.NoError(t, store.CreateProduct(ctx, p))
	}

	page, err := store.ListActiveProducts(ctx, domain.PageRequest{Page: 1, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Content, 1)
	assert.Equal(t, "Green Hat", page.Content[0].Name)

	name := "SHIRT"
	minPrice := decimal.NewFromInt(15)
	result, err := store.SearchProducts(ctx, domain.SearchFilter{Name: &name, MinPrice: &minPrice}, domain.PageRequest{Size: 10})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "Blue Shirt", result.Content[0].Name)

	beyond, err := store.ListActiveProducts(ctx, domain.PageRequest{Page: 5, Size: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond.Content)
	assert.NotNil(t, beyond.Content)
}

func TestMemoryStore_UpdateKeepsReserved(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	p := &domain.Product{Name: "Lamp", Stock: 5, Category: "home", Active: true}
	require.NoError(t, store.CreateProduct(ctx, p))
	require.NoError(t, store.Reserve(ctx, p.ID, 2))

	p.Stock = 10
	p.Reserved = 0
	require.NoError(t, store.UpdateProduct(ctx, p))

	got, err := store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Stock)
	assert.Equal(t, 2, got.Reserved)
	assert.Equal(t, 8, got.Available())
}

func TestMemoryStore_Reserve_Concurrent(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	initialStock := 20
	p := &domain.Product{Name: "Console", Stock: initialStock, Category: "games", Active: true}
	require.NoError(t, store.CreateProduct(ctx, p))

	var successCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Reserve(ctx, p.ID, 1)
			if err == nil {
				successCount.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(initialStock), successCount.Load())
	got, _ := store.GetProduct(ctx, p.ID)
	assert.Equal(t, initialStock, got.Reserved)
}

func TestMemoryStore_ReserveInactive(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	p := &domain.Product{Name: "Old", Stock: 3, Category: "misc", Active: false}
	require.NoError(t, store.CreateProduct(ctx, p))

	assert.ErrorIs(t, store.Reserve(ctx, p.ID, 1), domain.ErrNotFound)
	assert.ErrorIs(t, store.Reserve(ctx, "missing", 1), domain.ErrNotFound)
	assert.ErrorIs(t, store.Reserve(ctx, p.ID, 0), domain.ErrValidation)
}

func TestMemoryStore_CartLockRollsBackOnError(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	var itemID string
	err := store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
		item := &domain.CartItem{ProductID: "p1", Quantity: 1}
		if err := tx.SaveItem(ctx, item); err != nil {
			return err
		}
		itemID = item.ID
		return nil
	})
	require.NoError(t, err)

	err = store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
		require.NoError(t, tx.DeleteItem(ctx, itemID))
		require.NoError(t, tx.SaveItem(ctx, &domain.CartItem{ProductID: "p2", Quantity: 4}))
		return errors.New("write failed")
	})
	require.Error(t, err)

	cart, err := store.GetOrCreateCart(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, itemID, cart.Items[0].ID)

	owner, err := store.FindItemOwner(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", owner)
}

func TestMemoryStore_CartLockSerializesSameUser(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
		return tx.SaveItem(ctx, &domain.CartItem{ProductID: "p1", Quantity: 1})
	}))

	// Each increment reads and writes under the lock; no update may be lost.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
				item := *tx.Cart().ItemByProduct("p1")
				item.Quantity++
				return tx.SaveItem(ctx, &item)
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	cart, err := store.GetOrCreateCart(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 51, cart.Items[0].Quantity)
}

func TestMemoryStore_CartLockCancelledContext(t *testing.T) {
	store := newTestMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	err := store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
		cancel()
		return tx.SaveItem(ctx, &domain.CartItem{ProductID: "p1", Quantity: 1})
	})
	require.ErrorIs(t, err, context.Canceled)

	cart, err := store.GetOrCreateCart(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, cart.Items)
}

func TestMemoryStore_CartLockUndoesReservations(t *testing.T) {
	store := newTestMemoryStore()
	ctx := context.Background()

	p := &domain.Product{Name: "Lamp", Stock: 5, Category: "home", Active: true}
	require.NoError(t, store.CreateProduct(ctx, p))

	err := store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
		require.NoError(t, tx.Reserve(ctx, p.ID, 2))
		require.NoError(t, tx.Reserve(ctx, p.ID, 1))
		return errors.New("write failed")
	})
	require.Error(t, err)

	got, err := store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Reserved)

	err = store.WithCartLock(ctx, "user-1", func(ctx context.Context, tx port.CartTx) error {
		if err := tx.Reserve(ctx, p.ID, 2); err != nil {
			return err
		}
		read, err := tx.GetProducts(ctx, []string{p.ID, "missing"})
		require.NoError(t, err)
		require.Len(t, read, 1)
		assert.Equal(t, 2, read[p.ID].Reserved)
		return tx.SaveItem(ctx, &domain.CartItem{ProductID: p.ID, Quantity: 2})
	})
	require.NoError(t, err)

	got, err = store.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Reserved)
}
