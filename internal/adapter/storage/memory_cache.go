package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rl1809/storefront/internal/port"
)

// MemoryCache is the process-local catalog cache. Each partition carries a
// generation that Invalidate bumps; Put refuses values computed under an
// older generation.
type MemoryCache struct {
	mu         sync.RWMutex
	partitions map[string]*cachePartition
}

type cachePartition struct {
	generation uint64
	entries    map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{partitions: make(map[string]*cachePartition)}
}

var _ port.CatalogCache = (*MemoryCache)(nil)

func (c *MemoryCache) Get(ctx context.Context, partition, key string) ([]byte, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.partitions[partition]
	if !ok {
		return nil, 0, port.ErrCacheMiss
	}
	value, ok := p.entries[key]
	if !ok {
		return nil, p.generation, port.ErrCacheMiss
	}
	return slices.Clone(value), p.generation, nil
}

func (c *MemoryCache) Put(ctx context.Context, partition, key string, value []byte, generation uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.partitions[partition]
	if !ok {
		p = &cachePartition{entries: make(map[string][]byte)}
		c.partitions[partition] = p
	}
	if p.generation != generation {
		return nil
	}
	p.entries[key] = slices.Clone(value)
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, partitions ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range partitions {
		p, ok := c.partitions[name]
		if !ok {
			p = &cachePartition{}
			c.partitions[name] = p
		}
		p.generation++
		p.entries = make(map[string][]byte)
	}
	return nil
}

// Len reports the number of cached entries in a partition.
func (c *MemoryCache) Len(partition string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.partitions[partition]; ok {
		return len(p.entries)
	}
	return 0
}

// MemoryIdempotency is the in-process counterpart of the Redis SETNX claim.
type MemoryIdempotency struct {
	mu     sync.Mutex
	ttl    time.Duration
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{
		ttl:    ttl,
		claims: make(map[string]time.Time),
		now:    time.Now,
	}
}

var _ port.IdempotencyStore = (*MemoryIdempotency)(nil)

func (m *MemoryIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expires, ok := m.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.claims[key] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryIdempotency) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, key)
	return nil
}
