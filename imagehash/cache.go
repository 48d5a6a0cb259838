package imagehash

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores computed hashes by image URL
type Cache interface {
	Get(ctx context.Context, url string) (Hashes, bool)
	Set(ctx context.Context, url string, hashes Hashes)
}

const cacheKeyPrefix = "imagehash:"

// RedisCache is a Cache backed by Redis. Only successful hashes are stored,
// so failed fetches are retried on the next lookup.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a Redis-backed hash cache
func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

// Get returns cached hashes for url
func (c *RedisCache) Get(ctx context.Context, url string) (Hashes, bool) {
	raw, err := c.rdb.Get(ctx, cacheKeyPrefix+url).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("hash cache get failed", zap.String("url", url), zap.Error(err))
		}
		return Hashes{}, false
	}

	var hashes Hashes
	if err := json.Unmarshal(raw, &hashes); err != nil || hashes.IsEmpty() || !hashes.Valid() {
		return Hashes{}, false
	}
	return hashes, true
}

// Set stores non-empty hashes for url
func (c *RedisCache) Set(ctx context.Context, url string, hashes Hashes) {
	if hashes.IsEmpty() {
		return
	}
	raw, err := json.Marshal(hashes)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKeyPrefix+url, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("hash cache set failed", zap.String("url", url), zap.Error(err))
	}
}

// MemoryCache is an in-process Cache, used when Redis is not configured
type MemoryCache struct {
	mu     sync.RWMutex
	hashes map[string]Hashes
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{hashes: make(map[string]Hashes)}
}

// Get returns cached hashes for url
func (c *MemoryCache) Get(_ context.Context, url string) (Hashes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashes[url]
	return h, ok
}

// Set stores non-empty hashes for url
func (c *MemoryCache) Set(_ context.Context, url string, hashes Hashes) {
	if hashes.IsEmpty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashes[url] = hashes
}
