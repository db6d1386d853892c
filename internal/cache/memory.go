package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"rae-backend/internal/domain"
)

type memoryEntry struct {
	result    *domain.RetrievalResult
	tenantID  string
	projectID string
	expiresAt time.Time
}

// MemoryCache is a per-process ContextCache backed by an LRU with TTL.
// Capacity is counted in entries; the LRU discards the least recently used
// entry when full.
type MemoryCache struct {
	mu         sync.Mutex
	lru        *lru.Cache[string, *memoryEntry]
	defaultTTL time.Duration
	logger     *zap.Logger

	// Counters are atomic so Stats never blocks cache traffic.
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

var _ ContextCache = (*MemoryCache)(nil)

// NewMemoryCache builds an in-process cache holding up to capacity entries.
// defaultTTL applies to Put calls that pass a non-positive TTL.
func NewMemoryCache(capacity int, defaultTTL time.Duration, logger *zap.Logger) (*MemoryCache, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	l, err := lru.New[string, *memoryEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryCache{
		lru:        l,
		defaultTTL: defaultTTL,
		logger:     logger,
	}, nil
}

// Get returns the cached result for key, dropping and missing on entries
// whose TTL has elapsed.
func (c *MemoryCache) Get(ctx context.Context, key Key) (*domain.RetrievalResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.lru.Get(key.String())
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	if time.Now().After(ent.expiresAt) {
		c.lru.Remove(key.String())
		atomic.AddUint64(&c.expired, 1)
		atomic.AddUint64(&c.misses, 1)
		return nil, false
	}
	atomic.AddUint64(&c.hits, 1)
	return ent.result, true
}

// Put stores result under key for ttl, or the cache default when ttl <= 0.
func (c *MemoryCache) Put(ctx context.Context, key Key, result *domain.RetrievalResult, ttl time.Duration) {
	if result == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	ent := &memoryEntry{
		result:    result,
		tenantID:  key.TenantID,
		projectID: key.ProjectID,
		expiresAt: time.Now().Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Add(key.String(), ent) {
		atomic.AddUint64(&c.evictions, 1)
	}
}

// PutIfAbsent stores result only when key has no live entry, reporting
// whether the write happened.
func (c *MemoryCache) PutIfAbsent(ctx context.Context, key Key, result *domain.RetrievalResult, ttl time.Duration) bool {
	if result == nil {
		return false
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.lru.Peek(key.String()); ok && time.Now().Before(ent.expiresAt) {
		return false
	}
	ent := &memoryEntry{
		result:    result,
		tenantID:  key.TenantID,
		projectID: key.ProjectID,
		expiresAt: time.Now().Add(ttl),
	}
	if c.lru.Add(key.String(), ent) {
		atomic.AddUint64(&c.evictions, 1)
	}
	return true
}

// Invalidate removes every entry belonging to the tenant, narrowed to one
// project when projectID is non-empty.
func (c *MemoryCache) Invalidate(ctx context.Context, tenantID, projectID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		ent, ok := c.lru.Peek(k)
		if !ok || ent.tenantID != tenantID {
			continue
		}
		if projectID != "" && ent.projectID != projectID {
			continue
		}
		c.lru.Remove(k)
		removed++
	}
	if removed > 0 {
		c.logger.Debug("context cache invalidated",
			zap.String("tenant_id", tenantID),
			zap.String("project_id", projectID),
			zap.Int("entries", removed))
	}
	return removed
}

// Stats returns a snapshot of the counters.
func (c *MemoryCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()

	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Size:      size,
		Evictions: atomic.LoadUint64(&c.evictions),
		Expired:   atomic.LoadUint64(&c.expired),
		HitRate:   hitRate,
	}
}

// Sweep removes entries whose TTL has elapsed. The background sweeper calls
// this periodically so expired entries do not linger until touched.
func (c *MemoryCache) Sweep(ctx context.Context) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, k := range c.lru.Keys() {
		ent, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if now.After(ent.expiresAt) {
			c.lru.Remove(k)
			atomic.AddUint64(&c.expired, 1)
			removed++
		}
	}
	return removed
}

// Close implements ContextCache. The in-process cache holds no resources.
func (c *MemoryCache) Close() error {
	return nil
}
