package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// MemoryStore keeps products and carts in process memory. Each product and
// each cart has its own lock, so reservations on different products and
// mutations of different carts never contend.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[string]*memProduct
	carts     map[string]*memCart // by user id
	itemOwner map[string]string   // cart item id -> user id
	now       func() time.Time
}

type memProduct struct {
	mu      sync.Mutex
	product domain.Product
}

type memCart struct {
	mu   sync.Mutex
	cart domain.Cart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[string]*memProduct),
		carts:     make(map[string]*memCart),
		itemOwner: make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ port.CatalogRepository = (*MemoryStore)(nil)
	_ port.StockLedger       = (*MemoryStore)(nil)
	_ port.CartRepository    = (*MemoryStore)(nil)
)

func (m *MemoryStore) lookup(id string) *memProduct {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.products[id]
}

func (m *MemoryStore) snapshot() []domain.Product {
	m.mu.RLock()
	records := make([]*memProduct, 0, len(m.products))
	for _, rec := range m.products {
		records = append(records, rec)
	}
	m.mu.RUnlock()

	out := make([]domain.Product, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		out = append(out, rec.product)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	rec := m.lookup(id)
	if rec == nil {
		return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	rec.mu.Lock()
	p := rec.product
	rec.mu.Unlock()
	return &p, nil
}

func (m *MemoryStore) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		rec := m.lookup(id)
		if rec == nil {
			continue
		}
		rec.mu.Lock()
		out[id] = rec.product
		rec.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) ListActiveProducts(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Product], error) {
	return m.SearchProducts(ctx, domain.SearchFilter{}, page)
}

func (m *MemoryStore) SearchProducts(ctx context.Context, filter domain.SearchFilter, page domain.PageRequest) (domain.Page[domain.Product], error) {
	var matched []domain.Product
	for _, p := range m.snapshot() {
		if filter.Matches(p) {
			matched = append(matched, p)
		}
	}

	total := int64(len(matched))
	start := min(page.Offset(), len(matched))
	end := min(start+page.Size, len(matched))
	return domain.NewPage(slices.Clone(matched[start:end]), page, total), nil
}

func (m *MemoryStore) ListCategories(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	categories := []string{}
	for _, p := range m.snapshot() {
		if !p.Active {
			continue
		}
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		categories = append(categories, p.Category)
	}
	sort.Strings(categories)
	return categories, nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, product *domain.Product) error {
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	now := m.now()
	product.CreatedAt = now
	product.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[product.ID]; ok {
		return fmt.Errorf("product %s already exists", product.ID)
	}
	m.products[product.ID] = &memProduct{product: *product}
	return nil
}

func (m *MemoryStore) UpdateProduct(ctx context.Context, product *domain.Product) error {
	rec := m.lookup(product.ID)
	if rec == nil {
		return fmt.Errorf("product %s: %w", product.ID, domain.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	product.CreatedAt = rec.product.CreatedAt
	product.Reserved = rec.product.Reserved
	product.UpdatedAt = m.now()
	rec.product = *product
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity must be positive", domain.ErrValidation)
	}
	rec := m.lookup(productID)
	if rec == nil {
		return fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.product.Active {
		return fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	if rec.product.Reserved+quantity > rec.product.Stock {
		return fmt.Errorf("product %s: %w", productID, domain.ErrInsufficientStock)
	}
	rec.product.Reserved += quantity
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return nil
	}
	rec := m.lookup(productID)
	if rec == nil {
		return fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.product.Reserved = max(rec.product.Reserved-quantity, 0)
	return nil
}

func (m *MemoryStore) cartFor(userID string) *memCart {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.carts[userID]
	if !ok {
		now := m.now()
		c = &memCart{cart: domain.Cart{
			ID:        uuid.NewString(),
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}}
		m.carts[userID] = c
	}
	return c
}

func cloneCart(c domain.Cart) domain.Cart {
	c.Items = slices.Clone(c.Items)
	return c
}

func (m *MemoryStore) GetOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error) {
	c := m.cartFor(userID)
	c.mu.Lock()
	defer c.mu.Unlock()
	cart := cloneCart(c.cart)
	return &cart, nil
}

func (m *MemoryStore) FindItemOwner(ctx context.Context, itemID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.itemOwner[itemID]
	if !ok {
		return "", fmt.Errorf("cart item %s: %w", itemID, domain.ErrNotFound)
	}
	return owner, nil
}

func (m *MemoryStore) WithCartLock(ctx context.Context, userID string, fn func(ctx context.Context, tx port.CartTx) error) error {
	c := m.cartFor(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &memCartTx{store: m, cart: cloneCart(c.cart), now: m.now}
	err := fn(ctx, tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tx.rollback()
		return err
	}

	if tx.dirty {
		tx.cart.UpdatedAt = m.now()
	}
	c.cart = tx.cart

	m.mu.Lock()
	for _, id := range tx.added {
		m.itemOwner[id] = userID
	}
	for _, id := range tx.removed {
		delete(m.itemOwner, id)
	}
	m.mu.Unlock()
	return nil
}

// memCartTx buffers writes on a private copy of the cart; WithCartLock
// publishes the copy only when the callback succeeds. Reservations hit the
// product immediately and are returned by rollback.
type memCartTx struct {
	store   *MemoryStore
	cart    domain.Cart
	added   []string
	removed []string
	holds   []memHold
	dirty   bool
	now     func() time.Time
}

type memHold struct {
	productID string
	quantity  int
}

func (t *memCartTx) rollback() {
	for _, h := range t.holds {
		_ = t.store.Release(context.Background(), h.productID, h.quantity)
	}
	t.holds = nil
}

func (t *memCartTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return t.store.GetProduct(ctx, id)
}

func (t *memCartTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return t.store.GetProducts(ctx, ids)
}

func (t *memCartTx) Reserve(ctx context.Context, productID string, quantity int) error {
	if err := t.store.Reserve(ctx, productID, quantity); err != nil {
		return err
	}
	t.holds = append(t.holds, memHold{productID: productID, quantity: quantity})
	return nil
}

func (t *memCartTx) Cart() *domain.Cart {
	return &t.cart
}

func (t *memCartTx) SaveItem(ctx context.Context, item *domain.CartItem) error {
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: cart item quantity must be positive", domain.ErrValidation)
	}
	now := t.now()
	t.dirty = true

	if item.ID == "" {
		if t.cart.ItemByProduct(item.ProductID) != nil {
			return fmt.Errorf("cart %s already holds product %s", t.cart.ID, item.ProductID)
		}
		item.ID = uuid.NewString()
		item.CartID = t.cart.ID
		item.CreatedAt = now
		item.UpdatedAt = now
		t.cart.Items = append(t.cart.Items, *item)
		t.added = append(t.added, item.ID)
		return nil
	}

	existing := t.cart.Item(item.ID)
	if existing == nil {
		return fmt.Errorf("cart item %s: %w", item.ID, domain.ErrNotFound)
	}
	existing.Quantity = item.Quantity
	existing.UpdatedAt = now
	*item = *existing
	return nil
}

func (t *memCartTx) DeleteItem(ctx context.Context, itemID string) error {
	idx := slices.IndexFunc(t.cart.Items, func(it domain.CartItem) bool { return it.ID == itemID })
	if idx < 0 {
		return fmt.Errorf("cart item %s: %w", itemID, domain.ErrNotFound)
	}
	t.cart.Items = slices.Delete(t.cart.Items, idx, idx+1)
	t.removed = append(t.removed, itemID)
	t.dirty = true
	return nil
}
