package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/storefront/internal/port"
)

const (
	defaultKeyPrefix      = "storefront"
	DefaultIdempotencyTTL = 24 * time.Hour
)

// putIfGenerationScript stores a cache entry only while the partition
// generation still equals the one observed on the miss.
var putIfGenerationScript = redis.NewScript(`
local gen = redis.call('GET', KEYS[2])
if not gen then
	gen = '0'
end

if gen ~= ARGV[1] then
	return 0
end

redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// RedisAdapter stores catalog cache partitions as hashes next to a
// generation counter per partition, and idempotency claims as plain keys.
type RedisAdapter struct {
	client *redis.Client
	prefix string
}

func NewRedisAdapter(client *redis.Client, prefix string) *RedisAdapter {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisAdapter{client: client, prefix: prefix}
}

var (
	_ port.CatalogCache     = (*RedisAdapter)(nil)
	_ port.IdempotencyStore = (*RedisAdapter)(nil)
)

func (r *RedisAdapter) entriesKey(partition string) string {
	return r.prefix + ":cache:" + partition
}

func (r *RedisAdapter) generationKey(partition string) string {
	return r.prefix + ":gen:" + partition
}

func (r *RedisAdapter) idempotencyKey(key string) string {
	return r.prefix + ":idem:" + key
}

func (r *RedisAdapter) Get(ctx context.Context, partition, key string) ([]byte, uint64, error) {
	value, err := r.client.HGet(ctx, r.entriesKey(partition), key).Bytes()
	if err == nil {
		return value, 0, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, 0, err
	}

	gen, err := r.client.Get(ctx, r.generationKey(partition)).Uint64()
	if errors.Is(err, redis.Nil) {
		return nil, 0, port.ErrCacheMiss
	}
	if err != nil {
		return nil, 0, err
	}
	return nil, gen, port.ErrCacheMiss
}

func (r *RedisAdapter) Put(ctx context.Context, partition, key string, value []byte, generation uint64) error {
	keys := []string{r.entriesKey(partition), r.generationKey(partition)}
	return putIfGenerationScript.Run(ctx, r.client, keys, strconv.FormatUint(generation, 10), key, value).Err()
}

func (r *RedisAdapter) Invalidate(ctx context.Context, partitions ...string) error {
	if len(partitions) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range partitions {
			pipe.Incr(ctx, r.generationKey(p))
			pipe.Del(ctx, r.entriesKey(p))
		}
		return nil
	})
	return err
}

// Reset drops every catalog partition; called on startup so cached entries
// never outlive the process that filled them.
func (r *RedisAdapter) Reset(ctx context.Context) error {
	return r.Invalidate(ctx,
		port.PartitionListings,
		port.PartitionLookup,
		port.PartitionSearch,
		port.PartitionCategories,
	)
}

func (r *RedisAdapter) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.idempotencyKey(key), 1, DefaultIdempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.idempotencyKey(key)).Err()
}
