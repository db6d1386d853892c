package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rae-backend/internal/domain"
)

// redisKeyPrefix namespaces context-cache entries so scoped invalidation can
// pattern-match without touching unrelated keys in a shared database.
const redisKeyPrefix = "rae:context:"

// RedisCache is a ContextCache shared across service replicas. Expiry is
// delegated to the server, so Sweep is a no-op and eviction counts reflect
// only what this process observed.
type RedisCache struct {
	client     *redis.Client
	defaultTTL time.Duration
	logger     *zap.Logger

	hits   uint64
	misses uint64
}

var _ ContextCache = (*RedisCache)(nil)

// NewRedisClient builds a client for the shared cache store.
func NewRedisClient(addr, password string, db, poolSize int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
}

// NewRedisCache wraps client as a ContextCache. defaultTTL applies to Put
// calls that pass a non-positive TTL.
func NewRedisCache(client *redis.Client, defaultTTL time.Duration, logger *zap.Logger) *RedisCache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &RedisCache{
		client:     client,
		defaultTTL: defaultTTL,
		logger:     logger,
	}
}

func (c *RedisCache) Get(ctx context.Context, key Key) (*domain.RetrievalResult, bool) {
	data, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("context cache read failed", zap.Error(err))
		}
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}

	var result domain.RetrievalResult
	if err := json.Unmarshal(data, &result); err != nil {
		c.logger.Warn("context cache entry corrupt, dropping",
			zap.String("key", key.Fingerprint), zap.Error(err))
		c.client.Del(ctx, redisKey(key))
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	return &result, true
}

func (c *RedisCache) Put(ctx context.Context, key Key, result *domain.RetrievalResult, ttl time.Duration) {
	if result == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("context cache entry not serializable", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		c.logger.Warn("context cache write failed", zap.Error(err))
	}
}

// PutIfAbsent stores result under key only when absent, using SET NX so the
// check and write are atomic across replicas.
func (c *RedisCache) PutIfAbsent(ctx context.Context, key Key, result *domain.RetrievalResult, ttl time.Duration) bool {
	if result == nil {
		return false
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("context cache entry not serializable", zap.Error(err))
		return false
	}
	ok, err := c.client.SetNX(ctx, redisKey(key), data, ttl).Result()
	if err != nil {
		c.logger.Warn("context cache write failed", zap.Error(err))
		return false
	}
	return ok
}

func (c *RedisCache) Invalidate(ctx context.Context, tenantID, projectID string) int {
	pattern := redisKeyPrefix + tenantID + ":"
	if projectID != "" {
		pattern += projectID + ":"
	}
	pattern += "*"

	removed := 0
	iter := c.client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("context cache invalidation scan failed", zap.Error(err))
	}
	if removed > 0 {
		c.logger.Debug("context cache invalidated",
			zap.String("tenant_id", tenantID),
			zap.String("project_id", projectID),
			zap.Int("entries", removed))
	}
	return removed
}

func (c *RedisCache) Stats(ctx context.Context) Stats {
	size := 0
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		size++
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn("context cache stats scan failed", zap.Error(err))
	}

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    size,
		HitRate: hitRate,
	}
}

// Sweep is a no-op: the server expires entries itself.
func (c *RedisCache) Sweep(ctx context.Context) int {
	return 0
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func redisKey(k Key) string {
	return redisKeyPrefix + k.TenantID + ":" + k.ProjectID + ":" + k.Fingerprint
}
