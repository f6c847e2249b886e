// Package rediscache holds the Redis-backed pieces of the orchestration
// layer: the computed-result cache, the per-key single-flight submit
// lock, and the engine submission limiter.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soilwatch/erosionflow/internal/domain"
)

// DefaultTTL is how long a computed result stays trusted. Expired
// entries are treated as misses and recomputed, never served stale.
const DefaultTTL = 30 * 24 * time.Hour

const cachePrefix = "erosion:result:"

// ErrMiss is returned by Get for absent or expired entries. Expiry is
// lazy: an expired entry is indistinguishable from one that never
// existed.
var ErrMiss = errors.New("cache miss")

// ResultCache stores computed result payloads keyed by the composite
// record key. There is no eviction beyond TTL; ClearAll is the
// operator-triggered purge.
type ResultCache interface {
	Get(ctx context.Context, key domain.RecordKey) ([]byte, error)
	Put(ctx context.Context, key domain.RecordKey, payload []byte, ttl time.Duration) error
	ClearAll(ctx context.Context) (int64, error)
}

type resultCache struct {
	client *redis.Client
}

// NewResultCache creates a Redis-backed ResultCache.
func NewResultCache(client *redis.Client) ResultCache {
	return &resultCache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// CacheKey renders the deterministic redis key for a record key. No
// random salts: the string is the sole dedup identity and must be
// stable across process restarts.
func CacheKey(key domain.RecordKey) string {
	return cachePrefix + key.String()
}

func (c *resultCache) Get(ctx context.Context, key domain.RecordKey) ([]byte, error) {
	data, err := c.client.Get(ctx, CacheKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("redis get result for %s: %w", key, err)
	}
	return data, nil
}

func (c *resultCache) Put(ctx context.Context, key domain.RecordKey, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := c.client.Set(ctx, CacheKey(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis put result for %s: %w", key, err)
	}
	return nil
}

// ClearAll removes every cached result by prefix scan and returns the
// number of entries purged.
func (c *resultCache) ClearAll(ctx context.Context) (int64, error) {
	var purged int64
	iter := c.client.Scan(ctx, 0, cachePrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return purged, fmt.Errorf("redis del %s: %w", iter.Val(), err)
		}
		purged++
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("redis scan results: %w", err)
	}
	return purged, nil
}
