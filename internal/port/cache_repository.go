package port

import (
	"context"
	"errors"
)

// Catalog cache partitions. Every mutation invalidates the partitions whose
// contents it could change.
const (
	PartitionListings   = "listings"
	PartitionLookup     = "lookup"
	PartitionSearch     = "search"
	PartitionCategories = "categories"
)

var ErrCacheMiss = errors.New("cache miss")

type CatalogCache interface {
	// Get returns the cached value, or ErrCacheMiss together with the partition
	// generation to hand back to Put.
	Get(ctx context.Context, partition, key string) ([]byte, uint64, error)

	// Put stores value only if the partition has not been invalidated since
	// generation was observed.
	Put(ctx context.Context, partition, key string, value []byte, generation uint64) error

	// Invalidate drops every entry of the given partitions.
	Invalidate(ctx context.Context, partitions ...string) error
}

type IdempotencyStore interface {
	// Claim sets key if absent, returns false if it already exists
	Claim(ctx context.Context, key string) (bool, error)

	// Release removes a claim so the request can be retried
	Release(ctx context.Context, key string) error
}
