package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	"rae-backend/internal/observability"
	"rae-backend/internal/repository"
	"rae-backend/internal/repository/sqlite"
	"rae-backend/internal/service/importance"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/service/reflection"
	"rae-backend/internal/vector"
)

const day = 24 * time.Hour

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedMemory(t *testing.T, memories *sqlite.MemoryRepository, tenantID, projectID, content string, imp float64) *domain.Memory {
	t.Helper()
	m, err := domain.NewMemory(tenantID, projectID, domain.LayerEpisodic, content, "test", nil, imp)
	require.NoError(t, err)
	require.NoError(t, memories.Create(context.Background(), m))
	return m
}

func TestDecaySweep(t *testing.T) {
	ctx := context.Background()

	importanceConfig := config.Importance{
		FrequencySaturation:   10,
		RecentQueryWindow:     20,
		HalfLifeDays:          30,
		StaleHalfLifeDays:     7,
		VeryStaleHalfLifeDays: 3,
		DecayRate:             0.995,
		StaleDecayRate:        0.99,
		VeryStaleDecayRate:    0.98,
		ArchiveThreshold:      0.05,
		ArchiveAgeDays:        90,
		PurgeAfterDays:        30,
	}

	t.Run("Should decay stale memories and leave fresh ones alone", func(t *testing.T) {
		store := newStore(t)
		memories := sqlite.NewMemoryRepository(store)
		svc := importance.NewService(
			memories,
			sqlite.NewGraphRepository(store),
			sqlite.NewQueryLogRepository(store),
			llm.NewHashEmbedder(32),
			importanceConfig,
			zap.NewNop(),
		)

		stale := seedMemory(t, memories, "t1", "p1", "untouched for weeks", 0.8)
		old := time.Now().UTC().Add(-40 * day)
		_, err := store.DB().Exec(
			`UPDATE memories SET created_at = ?, last_accessed_at = ? WHERE id = ?`,
			old, old, stale.ID,
		)
		require.NoError(t, err)

		fresh := seedMemory(t, memories, "t1", "p1", "touched today", 0.8)

		sweep := &decaySweep{importance: svc, elapsed: day, metrics: observability.NewCollector("rae"), logger: zap.NewNop()}
		sweep.run(ctx)

		decayed, err := memories.Get(ctx, "t1", stale.ID)
		require.NoError(t, err)
		assert.Less(t, decayed.Importance, 0.8)

		kept, err := memories.Get(ctx, "t1", fresh.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.8, kept.Importance, 1e-9)
	})
}

func TestArchiveSweep(t *testing.T) {
	ctx := context.Background()

	archive := func(t *testing.T, store *sqlite.Store, memories *sqlite.MemoryRepository, m *domain.Memory, archivedAt time.Time) {
		t.Helper()
		require.NoError(t, memories.SetConsolidationStatus(ctx, m.TenantID, []string{m.ID}, domain.StatusArchived))
		_, err := store.DB().Exec(`UPDATE memories SET archived_at = ? WHERE id = ?`, archivedAt.UTC(), m.ID)
		require.NoError(t, err)
	}

	t.Run("Should purge memories archived past retention together with their vectors", func(t *testing.T) {
		store := newStore(t)
		memories := sqlite.NewMemoryRepository(store)
		index, err := vector.NewSQLiteIndex(store.DB())
		require.NoError(t, err)
		embedder := llm.NewHashEmbedder(32)

		m := seedMemory(t, memories, "t1", "p1", "stale archived memory", 0.5)
		vec, err := embedder.Embed(ctx, m.Content)
		require.NoError(t, err)
		require.NoError(t, index.Upsert(ctx, "t1", "p1", m.ID, vec, vector.Payload{Layer: "episodic"}))

		archive(t, store, memories, m, time.Now().UTC().Add(-40*day))

		sweep := &archiveSweep{memories: memories, index: index, retainFor: 30 * day, metrics: observability.NewCollector("rae"), logger: zap.NewNop()}
		sweep.run(ctx)

		_, err = memories.Get(ctx, "t1", m.ID)
		assert.Error(t, err)

		hits, err := index.Search(ctx, "t1", "p1", vec, 5, domain.Filters{})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("Should keep recently archived memories", func(t *testing.T) {
		store := newStore(t)
		memories := sqlite.NewMemoryRepository(store)
		index, err := vector.NewSQLiteIndex(store.DB())
		require.NoError(t, err)

		m := seedMemory(t, memories, "t1", "p1", "recently archived", 0.5)
		archive(t, store, memories, m, time.Now().UTC().Add(-day))

		sweep := &archiveSweep{memories: memories, index: index, retainFor: 30 * day, metrics: observability.NewCollector("rae"), logger: zap.NewNop()}
		sweep.run(ctx)

		kept, err := memories.Get(ctx, "t1", m.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusArchived, kept.ConsolidationStatus)
	})
}

func TestCacheSweep(t *testing.T) {
	t.Run("Should drop expired entries", func(t *testing.T) {
		ctx := context.Background()
		contextCache, err := cache.NewMemoryCache(8, time.Minute, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = contextCache.Close() })

		key := cache.Key{TenantID: "t1", ProjectID: "p1", Fingerprint: "abc"}
		contextCache.Put(ctx, key, &domain.RetrievalResult{SynthesizedContext: "ctx"}, time.Millisecond)
		time.Sleep(10 * time.Millisecond)

		sweep := &cacheSweep{cache: contextCache, metrics: observability.NewCollector("rae"), logger: zap.NewNop()}
		sweep.run(ctx)

		assert.Zero(t, contextCache.Stats(ctx).Size)
	})
}

func TestReflectionSweep(t *testing.T) {
	ctx := context.Background()

	t.Run("Should consolidate eligible scopes and skip the rest", func(t *testing.T) {
		store := newStore(t)
		memories := sqlite.NewMemoryRepository(store)
		index, err := vector.NewSQLiteIndex(store.DB())
		require.NoError(t, err)
		contextCache, err := cache.NewMemoryCache(8, time.Minute, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = contextCache.Close() })

		provider := llm.NewMockProvider()
		provider.Enqueue(`{"summary": "The tenant keeps asking about rate limits.", "key_insights": ["Document the limits"], "reflection_type": "insight"}`)

		refl := reflection.NewService(
			memories, store, index, llm.NewHashEmbedder(32), provider,
			reflection.NewTimeBucketClusterer(24*time.Hour), contextCache,
			config.Reflection{
				MinEpisodes:           2,
				MaxMemories:           100,
				MinClusterSize:        2,
				TimeBucket:            config.Duration(24 * time.Hour),
				MinReflectionsForMeta: 5,
				ReflectiveImportance:  0.7,
			},
			zap.NewNop(),
		)

		seedMemory(t, memories, "t1", "p1", "asked about rate limits", 0.5)
		seedMemory(t, memories, "t1", "p1", "asked about limits again", 0.5)
		seedMemory(t, memories, "t2", "p2", "lone episode below the gate", 0.5)

		metrics := observability.NewCollector("rae")
		sweep := &reflectionSweep{memories: memories, reflection: refl, metrics: metrics, logger: zap.NewNop()}
		sweep.run(ctx)

		reflective, err := memories.List(ctx, repository.MemoryQuery{
			TenantID: "t1", ProjectID: "p1", Layer: domain.LayerReflective, Limit: 10,
		})
		require.NoError(t, err)
		require.Len(t, reflective, 1)
		assert.Contains(t, reflective[0].Content, "rate limits")

		remaining, err := memories.CountUnconsolidated(ctx, "t2", "p2")
		require.NoError(t, err)
		assert.EqualValues(t, 1, remaining)

		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SweepRuns.WithLabelValues("reflection-sweeper", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReflectionsCreated))
	})
}
