package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Reserved    int             `json:"-"` // units held by carts
	Category    string          `json:"category"`
	ImageURL    string          `json:"imageUrl"`
	Rating      decimal.Decimal `json:"rating"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Available reports how many units can still be reserved.
func (p Product) Available() int {
	if p.Reserved >= p.Stock {
		return 0
	}
	return p.Stock - p.Reserved
}

// ProductInput carries the mutable fields of a product for create and update.
type ProductInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Category    string          `json:"category"`
	ImageURL    string          `json:"imageUrl"`
}

// SearchFilter holds the optional product search criteria. A nil field means
// the criterion is absent.
type SearchFilter struct {
	Category  *string          `json:"category,omitempty"`
	Name      *string          `json:"name,omitempty"`
	MinPrice  *decimal.Decimal `json:"minPrice,omitempty"`
	MaxPrice  *decimal.Decimal `json:"maxPrice,omitempty"`
	MinRating *decimal.Decimal `json:"minRating,omitempty"`
}

// Matches applies the filter to an active product the same way the SQL search does.
func (f SearchFilter) Matches(p Product) bool {
	if !p.Active {
		return false
	}
	if f.Category != nil && p.Category != *f.Category {
		return false
	}
	if f.Name != nil && !containsFold(p.Name, *f.Name) {
		return false
	}
	if f.MinPrice != nil && p.Price.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && p.Price.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.MinRating != nil && p.Rating.LessThan(*f.MinRating) {
		return false
	}
	return true
}
