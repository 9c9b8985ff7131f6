package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLCartAdapter stores carts and cart items. Mutations run inside a
// transaction holding the cart row with SELECT ... FOR UPDATE, which
// serializes concurrent requests on the same cart only. Product reads and
// stock reservations made during a mutation use the same transaction, so a
// mutation never needs a second pooled connection.
type MySQLCartAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLCartAdapter(db *sql.DB) *MySQLCartAdapter {
	return &MySQLCartAdapter{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

var _ port.CartRepository = (*MySQLCartAdapter)(nil)

func (m *MySQLCartAdapter) ensureCart(ctx context.Context, q queryer, userID string) error {
	now := m.now()
	_, err := q.ExecContext(ctx, `
		INSERT IGNORE INTO carts (id, user_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert cart: %w", err)
	}
	return nil
}

func (m *MySQLCartAdapter) loadCart(ctx context.Context, q queryer, userID string, forUpdate bool) (*domain.Cart, error) {
	query := `SELECT id, user_id, created_at, updated_at FROM carts WHERE user_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var cart domain.Cart
	err := q.QueryRowContext(ctx, query, userID).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, cart_id, product_id, quantity, created_at, updated_at
		FROM cart_items WHERE cart_id = ?
		ORDER BY created_at, id`, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it domain.CartItem
		if err := rows.Scan(&it.ID, &it.CartID, &it.ProductID, &it.Quantity, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, it)
	}
	return &cart, rows.Err()
}

func (m *MySQLCartAdapter) GetOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error) {
	if err := m.ensureCart(ctx, m.db, userID); err != nil {
		return nil, err
	}
	return m.loadCart(ctx, m.db, userID, false)
}

func (m *MySQLCartAdapter) FindItemOwner(ctx context.Context, itemID string) (string, error) {
	var owner string
	err := m.db.QueryRowContext(ctx, `
		SELECT c.user_id
		FROM cart_items i JOIN carts c ON c.id = i.cart_id
		WHERE i.id = ?`, itemID,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("cart item %s: %w", itemID, domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query cart item owner: %w", err)
	}
	return owner, nil
}

func (m *MySQLCartAdapter) WithCartLock(ctx context.Context, userID string, fn func(ctx context.Context, tx port.CartTx) error) error {
	// The first lock the transaction takes on the cart row must be FOR UPDATE.
	// INSERT IGNORE on an existing row takes a shared lock, so it runs in autocommit.
	if err := m.ensureCart(ctx, m.db, userID); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cart, err := m.loadCart(ctx, tx, userID, true)
	if err != nil {
		return err
	}

	cartTx := &mysqlCartTx{tx: tx, cart: cart, now: m.now}
	if err := fn(ctx, cartTx); err != nil {
		return err
	}

	if cartTx.dirty {
		if _, err := tx.ExecContext(ctx, `UPDATE carts SET updated_at = ? WHERE id = ?`, m.now(), cart.ID); err != nil {
			return fmt.Errorf("touch cart: %w", err)
		}
	}

	return tx.Commit()
}

type mysqlCartTx struct {
	tx    *sql.Tx
	cart  *domain.Cart
	dirty bool
	now   func() time.Time
}

func (t *mysqlCartTx) Cart() *domain.Cart {
	return t.cart
}

func (t *mysqlCartTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *mysqlCartTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(ctx, t.tx, ids)
}

func (t *mysqlCartTx) Reserve(ctx context.Context, productID string, quantity int) error {
	return reserveStock(ctx, t.tx, productID, quantity)
}

func (t *mysqlCartTx) SaveItem(ctx context.Context, item *domain.CartItem) error {
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: cart item quantity must be positive", domain.ErrValidation)
	}
	now := t.now()

	if item.ID == "" {
		item.ID = uuid.NewString()
		item.CartID = t.cart.ID
		item.CreatedAt = now
		item.UpdatedAt = now
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO cart_items (id, cart_id, product_id, quantity, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			item.ID, item.CartID, item.ProductID, item.Quantity, item.CreatedAt, item.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert cart item: %w", err)
		}
		t.cart.Items = append(t.cart.Items, *item)
		t.dirty = true
		return nil
	}

	existing := t.cart.Item(item.ID)
	if existing == nil {
		return fmt.Errorf("cart item %s: %w", item.ID, domain.ErrNotFound)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE cart_items SET quantity = ?, updated_at = ? WHERE id = ? AND cart_id = ?`,
		item.Quantity, now, item.ID, t.cart.ID,
	)
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}
	existing.Quantity = item.Quantity
	existing.UpdatedAt = now
	*item = *existing
	t.dirty = true
	return nil
}

func (t *mysqlCartTx) DeleteItem(ctx context.Context, itemID string) error {
	idx := slices.IndexFunc(t.cart.Items, func(it domain.CartItem) bool { return it.ID == itemID })
	if idx < 0 {
		return fmt.Errorf("cart item %s: %w", itemID, domain.ErrNotFound)
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM cart_items WHERE id = ? AND cart_id = ?`, itemID, t.cart.ID); err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	t.cart.Items = slices.Delete(t.cart.Items, idx, idx+1)
	t.dirty = true
	return nil
}
