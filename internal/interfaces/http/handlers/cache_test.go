package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rae-backend/internal/cache"
	"rae-backend/internal/domain"
	"rae-backend/internal/interfaces/http/dto"
)

func putCacheEntry(f *fixture, tenantID, projectID, fingerprint string) {
	f.cache.Put(context.Background(),
		cache.Key{TenantID: tenantID, ProjectID: projectID, Fingerprint: fingerprint},
		&domain.RetrievalResult{}, time.Minute)
}

func TestCacheStatsRoute(t *testing.T) {
	t.Run("Should report the live entry count", func(t *testing.T) {
		f := newFixture(t)
		putCacheEntry(f, "t1", "p1", "fp-1")

		rec := httptest.NewRecorder()
		f.caches.Stats(rec, newRequest(t, http.MethodGet, "/v1/cache/stats", nil, principalFor("t1", "p1")))
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var stats cache.Stats
		decodeAs(t, rec, &stats)
		assert.Equal(t, 1, stats.Size)
	})

	t.Run("Should refuse a request without a principal", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.caches.Stats(rec, newRequest(t, http.MethodGet, "/v1/cache/stats", nil, nil))
		assertAPIError(t, rec, http.StatusUnauthorized, "TENANT_MISSING")
	})
}

func TestCacheRebuildRoute(t *testing.T) {
	t.Run("Should replay logged queries into the cache", func(t *testing.T) {
		f := newFixture(t)
		f.storeMemory(t, "t1", "p1", "episodic", "Postgres connection pooling fixed the checkout outage")
		require.NoError(t, f.queries.Append(context.Background(), &domain.QueryRecord{
			TenantID:  "t1",
			ProjectID: "p1",
			Query:     "postgres connection pooling outage",
		}))

		rec := httptest.NewRecorder()
		f.caches.Rebuild(rec, newRequest(t, http.MethodPost, "/v1/cache/rebuild",
			map[string]any{}, principalFor("t1", "p1")))
		require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

		var msg dto.MessageResponse
		decodeAs(t, rec, &msg)
		assert.Equal(t, "cache rebuild scheduled", msg.Message)

		require.Eventually(t, func() bool {
			return f.cache.Stats(context.Background()).Size >= 1
		}, 2*time.Second, 10*time.Millisecond, "warm never filled the cache")
	})

	t.Run("Should reject a limit beyond the ceiling", func(t *testing.T) {
		f := newFixture(t)
		rec := httptest.NewRecorder()
		f.caches.Rebuild(rec, newRequest(t, http.MethodPost, "/v1/cache/rebuild",
			map[string]any{"limit": 101}, principalFor("t1", "p1")))
		assertAPIError(t, rec, http.StatusBadRequest, "VALIDATION_FAILED")
	})
}

func TestCacheInvalidateRoute(t *testing.T) {
	t.Run("Should drop only the named project's entries", func(t *testing.T) {
		f := newFixture(t)
		putCacheEntry(f, "t1", "p1", "fp-1")
		putCacheEntry(f, "t1", "p2", "fp-2")
		putCacheEntry(f, "t2", "p1", "fp-3")

		rec := httptest.NewRecorder()
		f.caches.Invalidate(rec, newRequest(t, http.MethodPost, "/v1/cache/invalidate",
			map[string]any{"project": "p1"}, principalFor("t1", "p1")))
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var res dto.CacheInvalidateResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, 1, res.Invalidated)

		ctx := context.Background()
		_, ok := f.cache.Get(ctx, cache.Key{TenantID: "t1", ProjectID: "p2", Fingerprint: "fp-2"})
		assert.True(t, ok, "sibling project entry must survive")
		_, ok = f.cache.Get(ctx, cache.Key{TenantID: "t2", ProjectID: "p1", Fingerprint: "fp-3"})
		assert.True(t, ok, "other tenant's entry must survive")
	})

	t.Run("Should drop the whole tenant without a project", func(t *testing.T) {
		f := newFixture(t)
		putCacheEntry(f, "t1", "p1", "fp-1")
		putCacheEntry(f, "t1", "p2", "fp-2")
		putCacheEntry(f, "t2", "p1", "fp-3")

		rec := httptest.NewRecorder()
		f.caches.Invalidate(rec, newRequest(t, http.MethodPost, "/v1/cache/invalidate",
			nil, principalFor("t1", "p1")))
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

		var res dto.CacheInvalidateResponse
		decodeAs(t, rec, &res)
		assert.Equal(t, 2, res.Invalidated)

		_, ok := f.cache.Get(context.Background(), cache.Key{TenantID: "t2", ProjectID: "p1", Fingerprint: "fp-3"})
		assert.True(t, ok, "other tenant's entry must survive")
	})
}
