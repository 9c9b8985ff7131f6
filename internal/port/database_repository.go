package port

import (
	"context"

	"github.com/rl1809/storefront/internal/core/domain"
)

type CatalogRepository interface {
	// GetProduct returns the product regardless of its active flag, or
	// domain.ErrNotFound.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)

	// GetProducts returns the products found among ids, keyed by id.
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)

	ListActiveProducts(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Product], error)

	SearchProducts(ctx context.Context, filter domain.SearchFilter, page domain.PageRequest) (domain.Page[domain.Product], error)

	// ListCategories returns the distinct categories of active products, sorted.
	ListCategories(ctx context.Context) ([]string, error)

	CreateProduct(ctx context.Context, product *domain.Product) error

	// UpdateProduct saves every field except Reserved and CreatedAt.
	UpdateProduct(ctx context.Context, product *domain.Product) error
}

// StockLedger is the only way cart operations touch stock.
type StockLedger interface {
	// Reserve atomically holds quantity units of an active product.
	// Returns domain.ErrInsufficientStock or domain.ErrNotFound.
	Reserve(ctx context.Context, productID string, quantity int) error

	// Release returns held units to the product.
	Release(ctx context.Context, productID string, quantity int) error
}

type CartRepository interface {
	// GetOrCreateCart returns the user's cart with its items, creating an
	// empty cart on first access.
	GetOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error)

	// FindItemOwner returns the user owning the cart that holds itemID, or
	// domain.ErrNotFound.
	FindItemOwner(ctx context.Context, itemID string) (string, error)

	// WithCartLock runs fn while holding the user's cart row exclusively.
	// Writes and reservations made through tx are committed only if fn
	// returns nil.
	WithCartLock(ctx context.Context, userID string, fn func(ctx context.Context, tx CartTx) error) error
}

// CartTx is the view of a locked cart handed to WithCartLock callbacks.
type CartTx interface {
	Cart() *domain.Cart

	// SaveItem inserts the item when its ID is empty, otherwise updates the quantity.
	SaveItem(ctx context.Context, item *domain.CartItem) error

	DeleteItem(ctx context.Context, itemID string) error

	// GetProduct and GetProducts read products through the cart transaction.
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)

	// Reserve holds stock as part of the transaction. The hold is undone
	// when the transaction does not commit. Same errors as StockLedger.Reserve.
	Reserve(ctx context.Context, productID string, quantity int) error
}

type EventPublisher interface {
	PublishCatalogEvent(ctx context.Context, event domain.CatalogEvent) error
}
