// Package cache provides the context cache: a fingerprint-keyed store for
// synthesized retrieval results with TTL expiry and scoped invalidation.
//
// Two backends implement the same contract. MemoryCache is a per-process LRU
// suitable for single-node deployments and tests. RedisCache shares entries
// across replicas and delegates expiry to the server.
package cache

import (
	"context"
	"time"

	"rae-backend/internal/domain"
)

// Key addresses one cache entry. TenantID and ProjectID are kept alongside
// the fingerprint so entries can be invalidated by scope without decoding
// the hash.
type Key struct {
	TenantID    string
	ProjectID   string
	Fingerprint string
}

// String renders the composite cache key.
func (k Key) String() string {
	return k.TenantID + "/" + k.ProjectID + "/" + k.Fingerprint
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Size      int     `json:"size"`
	Evictions uint64  `json:"evictions"`
	Expired   uint64  `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
}

// ContextCache stores synthesized retrieval results keyed by query
// fingerprint. Implementations are safe for concurrent use. Put and
// Invalidate are best-effort: backend failures are logged, never surfaced,
// so a degraded cache cannot fail a query.
type ContextCache interface {
	// Get returns the entry for key when present and not expired.
	Get(ctx context.Context, key Key) (*domain.RetrievalResult, bool)
	// Put stores result under key. ttl <= 0 selects the backend default.
	Put(ctx context.Context, key Key, result *domain.RetrievalResult, ttl time.Duration)
	// PutIfAbsent stores result only when no live entry exists for key. It
	// reports whether the entry was written; cache warming uses it so a
	// rebuild never clobbers a fresher result.
	PutIfAbsent(ctx context.Context, key Key, result *domain.RetrievalResult, ttl time.Duration) bool
	// Invalidate drops every entry for the tenant, or for one project when
	// projectID is non-empty. It returns the number of entries removed.
	Invalidate(ctx context.Context, tenantID, projectID string) int
	// Stats reports hit, miss, and eviction counters.
	Stats(ctx context.Context) Stats
	// Sweep proactively removes expired entries and returns the count.
	Sweep(ctx context.Context) int
	// Close releases backend resources.
	Close() error
}
