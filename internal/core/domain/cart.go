package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID        string
	UserID    string
	Items     []CartItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ItemByProduct returns the item holding productID, or nil.
func (c *Cart) ItemByProduct(productID string) *CartItem {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i]
		}
	}
	return nil
}

// Item returns the item with the given id, or nil.
func (c *Cart) Item(itemID string) *CartItem {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return &c.Items[i]
		}
	}
	return nil
}

type CartItem struct {
	ID        string
	CartID    string
	ProductID string
	Quantity  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartView is the read model returned by every cart operation.
type CartView struct {
	ID         string          `json:"id"`
	Items      []CartItemView  `json:"items"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	TotalItems int             `json:"totalItems"`
}

type CartItemView struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"productId"`
	ProductName     string          `json:"productName"`
	ProductPrice    decimal.Decimal `json:"productPrice"`
	ProductImageURL string          `json:"productImageUrl"`
	Quantity        int             `json:"quantity"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Available       bool            `json:"available"`
}

// NewCartView builds the view of cart from the products it references.
// Items whose product is missing from products are skipped.
func NewCartView(cart Cart, products map[string]Product) CartView {
	view := CartView{
		ID:         cart.ID,
		Items:      make([]CartItemView, 0, len(cart.Items)),
		TotalPrice: decimal.Zero,
	}
	for _, item := range cart.Items {
		p, ok := products[item.ProductID]
		if !ok {
			continue
		}
		subtotal := p.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		view.Items = append(view.Items, CartItemView{
			ID:              item.ID,
			ProductID:       p.ID,
			ProductName:     p.Name,
			ProductPrice:    p.Price,
			ProductImageURL: p.ImageURL,
			Quantity:        item.Quantity,
			Subtotal:        subtotal,
			Available:       p.Active && p.Stock >= item.Quantity,
		})
		view.TotalPrice = view.TotalPrice.Add(subtotal)
		view.TotalItems += item.Quantity
	}
	return view
}
