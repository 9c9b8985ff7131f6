package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/storefront/internal/core/domain"
	"github.com/rl1809/storefront/internal/port"
)

const productColumns = `id, name, description, price, stock, reserved, category, image_url, rating, active, created_at, updated_at`

// MySQLAdapter is the catalog store and the stock ledger. Reservations are
// conditional updates on the product row, so the check and the increment of
// reserved are a single statement.
type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

var (
	_ port.CatalogRepository = (*MySQLAdapter)(nil)
	_ port.StockLedger       = (*MySQLAdapter)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.Reserved,
		&p.Category, &p.ImageURL, &p.Rating, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return getProduct(ctx, m.db, id)
}

func (m *MySQLAdapter) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(ctx, m.db, ids)
}

func getProduct(ctx context.Context, q queryer, id string) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func getProducts(ctx context.Context, q queryer, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListActiveProducts(ctx context.Context, page domain.PageRequest) (domain.Page[domain.Product], error) {
	return m.SearchProducts(ctx, domain.SearchFilter{}, page)
}

// escapeLike escapes the LIKE wildcards of a user supplied substring.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (m *MySQLAdapter) SearchProducts(ctx context.Context, filter domain.SearchFilter, page domain.PageRequest) (domain.Page[domain.Product], error) {
	conds := []string{"active = TRUE"}
	var args []any

	if filter.Category != nil {
		conds = append(conds, "category = ?")
		args = append(args, *filter.Category)
	}
	if filter.Name != nil {
		conds = append(conds, "LOWER(name) LIKE ?")
		args = append(args, "%"+escapeLike(strings.ToLower(*filter.Name))+"%")
	}
	if filter.MinPrice != nil {
		conds = append(conds, "price >= ?")
		args = append(args, *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		conds = append(conds, "price <= ?")
		args = append(args, *filter.MaxPrice)
	}
	if filter.MinRating != nil {
		conds = append(conds, "rating >= ?")
		args = append(args, *filter.MinRating)
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return domain.Page[domain.Product]{}, fmt.Errorf("count products: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products`+where+` ORDER BY created_at, id LIMIT ? OFFSET ?`,
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return domain.Page[domain.Product]{}, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return domain.Page[domain.Product]{}, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return domain.Page[domain.Product]{}, err
	}
	return domain.NewPage(products, page, total), nil
}

func (m *MySQLAdapter) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM products WHERE active = TRUE ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	categories := []string{}
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (m *MySQLAdapter) CreateProduct(ctx context.Context, p *domain.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := m.now()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Price, p.Stock,
		p.Category, p.ImageURL, p.Rating, p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	p.Reserved = 0
	return nil
}

func (m *MySQLAdapter) UpdateProduct(ctx context.Context, p *domain.Product) error {
	p.UpdatedAt = m.now()
	result, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, description = ?, price = ?, stock = ?, category = ?,
		    image_url = ?, rating = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Description, p.Price, p.Stock, p.Category,
		p.ImageURL, p.Rating, p.Active, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("product %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

func (m *MySQLAdapter) Reserve(ctx context.Context, productID string, quantity int) error {
	return reserveStock(ctx, m.db, productID, quantity)
}

// reserveStock runs on q so a cart transaction can hold stock together with
// its cart writes.
func reserveStock(ctx context.Context, q queryer, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity must be positive", domain.ErrValidation)
	}

	result, err := q.ExecContext(ctx, `
		UPDATE products
		SET reserved = reserved + ?
		WHERE id = ? AND active = TRUE AND reserved + ? <= stock`,
		quantity, productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	var active bool
	err = q.QueryRowContext(ctx, `SELECT active FROM products WHERE id = ?`, productID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !active) {
		return fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query product: %w", err)
	}
	return fmt.Errorf("product %s: %w", productID, domain.ErrInsufficientStock)
}

func (m *MySQLAdapter) Release(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return nil
	}

	_, err := m.db.ExecContext(ctx, `
		UPDATE products
		SET reserved = GREATEST(reserved - ?, 0)
		WHERE id = ?`,
		quantity, productID,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	return nil
}
