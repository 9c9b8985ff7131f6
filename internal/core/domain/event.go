package domain

import "time"

type CatalogEventType string

const (
	CatalogEventCreated  CatalogEventType = "product_created"
	CatalogEventUpdated  CatalogEventType = "product_updated"
	CatalogEventDeleted  CatalogEventType = "product_deleted"
	CatalogEventRestored CatalogEventType = "product_restored"
	CatalogEventStock    CatalogEventType = "stock_updated"
)

// CatalogEvent announces a catalog mutation and the cache partitions it
// invalidated, so other instances can drop the same partitions.
type CatalogEvent struct {
	Type       CatalogEventType `json:"type"`
	ProductID  string           `json:"productId"`
	Partitions []string         `json:"partitions"`
	Origin     string           `json:"origin"`
	OccurredAt time.Time        `json:"occurredAt"`
}
