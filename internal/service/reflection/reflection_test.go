package reflection

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/repository/sqlite"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

const clusterReply = `{"summary": "The agent repeatedly preferred concise answers.", "key_insights": ["Keep replies short"], "reflection_type": "insight"}`

const metaReply = `{"summary": "Across reflections the agent favors brevity.", "key_insights": ["Brevity is a stable preference"], "reflection_type": "pattern"}`

func testConfig() config.Reflection {
	return config.Reflection{
		MinEpisodes:           4,
		MaxMemories:           100,
		MinClusterSize:        2,
		TimeBucket:            config.Duration(24 * time.Hour),
		MinReflectionsForMeta: 2,
		BucketSize:            2,
		ReflectiveImportance:  0.7,
		InjectionTokenBudget:  2000,
	}
}

type fixture struct {
	svc      *Service
	store    *sqlite.Store
	memories *sqlite.MemoryRepository
	index    *vector.SQLiteIndex
	provider *llm.MockProvider
	cache    *cache.MemoryCache
	embedder *llm.HashEmbedder
}

func newFixture(t *testing.T, clusterer Clusterer) *fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index, err := vector.NewSQLiteIndex(store.DB())
	require.NoError(t, err)

	contextCache, err := cache.NewMemoryCache(64, time.Minute, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = contextCache.Close() })

	f := &fixture{
		store:    store,
		memories: sqlite.NewMemoryRepository(store),
		index:    index,
		provider: llm.NewMockProvider(),
		cache:    contextCache,
		embedder: llm.NewHashEmbedder(32),
	}
	if clusterer == nil {
		clusterer = NewTimeBucketClusterer(24 * time.Hour)
	}
	f.svc = NewService(f.memories, store, f.index, f.embedder, f.provider,
		clusterer, f.cache, testConfig(), zap.NewNop())
	return f
}

func (f *fixture) storeEpisode(t *testing.T, content string, createdAt time.Time) *domain.Memory {
	t.Helper()
	m, err := domain.NewMemory("t1", "p1", domain.LayerEpisodic, content, "test", nil, 0.5)
	require.NoError(t, err)
	require.NoError(t, f.memories.Create(context.Background(), m))
	if !createdAt.IsZero() {
		_, err = f.store.DB().Exec(
			`UPDATE memories SET created_at = ?, last_accessed_at = ? WHERE id = ?`,
			createdAt.UTC(), createdAt.UTC(), m.ID,
		)
		require.NoError(t, err)
		m.CreatedAt = createdAt.UTC()
	}
	return m
}

func (f *fixture) reflectiveMemories(t *testing.T) []*domain.Memory {
	t.Helper()
	out, err := f.memories.List(context.Background(), repository.MemoryQuery{
		TenantID: "t1", ProjectID: "p1", Layer: domain.LayerReflective, Limit: 20,
	})
	require.NoError(t, err)
	return out
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("Should skip below the episode gate", func(t *testing.T) {
		f := newFixture(t, nil)
		f.storeEpisode(t, "lone episode", time.Time{})

		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Zero(t, res.ReflectionsCreated)
		assert.Zero(t, f.provider.CallCount())
	})

	t.Run("Should consolidate a cluster into a reflective memory", func(t *testing.T) {
		f := newFixture(t, nil)
		var parentIDs []string
		for i := 0; i < 6; i++ {
			m := f.storeEpisode(t, fmt.Sprintf("episode %d about short replies", i), time.Time{})
			parentIDs = append(parentIDs, m.ID)
		}
		f.provider.Enqueue(clusterReply)

		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Clusters)
		assert.Equal(t, 1, res.ReflectionsCreated)
		assert.Equal(t, 6, res.MemoriesConsolidated)
		assert.Zero(t, res.MetaInsights)

		reflections := f.reflectiveMemories(t)
		require.Len(t, reflections, 1)
		got := reflections[0]
		assert.ElementsMatch(t, parentIDs, got.ParentIDs)
		assert.Equal(t, domain.StatusConsolidated, got.ConsolidationStatus)
		assert.InDelta(t, 0.7, got.Importance, 1e-9)
		assert.Contains(t, got.Content, "concise answers")
		assert.Contains(t, got.Content, "Key insights:")
		assert.Contains(t, got.Tags, "reflection")
		assert.Contains(t, got.Tags, "insight")

		remaining, err := f.memories.CountUnconsolidated(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Zero(t, remaining)
	})

	t.Run("Should index the reflective memory for vector retrieval", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := 0; i < 4; i++ {
			f.storeEpisode(t, fmt.Sprintf("episode %d", i), time.Time{})
		}
		f.provider.Enqueue(clusterReply)

		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		require.Equal(t, 1, res.ReflectionsCreated)

		reflection := f.reflectiveMemories(t)[0]
		assert.Equal(t, reflection.ID, reflection.EmbeddingRef)

		vec, err := f.embedder.Embed(ctx, reflection.Content)
		require.NoError(t, err)
		hits, err := f.index.Search(ctx, "t1", "p1", vec, 5, domain.Filters{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, reflection.ID, hits[0].ID)
	})

	t.Run("Should aggregate enough reflections into a meta-insight", func(t *testing.T) {
		f := newFixture(t, nil)
		base := time.Now().UTC().Add(-96 * time.Hour)
		f.storeEpisode(t, "older episode one", base)
		f.storeEpisode(t, "older episode two", base.Add(30*time.Minute))
		f.storeEpisode(t, "newer episode one", base.Add(48*time.Hour))
		f.storeEpisode(t, "newer episode two", base.Add(49*time.Hour))
		f.provider.Enqueue(clusterReply, clusterReply, metaReply)

		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Clusters)
		assert.Equal(t, 2, res.ReflectionsCreated)
		assert.Equal(t, 1, res.MetaInsights)
		require.Len(t, res.ReflectionIDs, 3)

		var meta *domain.Memory
		for _, m := range f.reflectiveMemories(t) {
			for _, tag := range m.Tags {
				if tag == "meta_insight" {
					meta = m
				}
			}
		}
		require.NotNil(t, meta)
		assert.ElementsMatch(t, res.ReflectionIDs[:2], meta.ParentIDs)
		assert.Contains(t, meta.Content, "favors brevity")
	})

	t.Run("Should skip failed clusters and keep parents raw", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := 0; i < 4; i++ {
			f.storeEpisode(t, fmt.Sprintf("episode %d", i), time.Time{})
		}
		f.provider.Fail(apperrors.DependencyUnavailable(apperrors.CodeServiceUnavailable, "model down").Build())

		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.ClustersFailed)
		assert.Zero(t, res.ReflectionsCreated)

		remaining, err := f.memories.CountUnconsolidated(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.EqualValues(t, 4, remaining)
	})

	t.Run("Should treat an empty verdict as a failed cluster", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := 0; i < 4; i++ {
			f.storeEpisode(t, fmt.Sprintf("episode %d", i), time.Time{})
		}
		// No enqueued response: the mock answers {} and the summary is empty.
		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.ClustersFailed)
		assert.Zero(t, res.ReflectionsCreated)
	})

	t.Run("Should invalidate the context cache after writing", func(t *testing.T) {
		f := newFixture(t, nil)
		key := cache.Key{TenantID: "t1", ProjectID: "p1", Fingerprint: "stale"}
		f.cache.Put(ctx, key, &domain.RetrievalResult{}, time.Minute)
		for i := 0; i < 4; i++ {
			f.storeEpisode(t, fmt.Sprintf("episode %d", i), time.Time{})
		}
		f.provider.Enqueue(clusterReply)

		_, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)

		_, ok := f.cache.Get(ctx, key)
		assert.False(t, ok)
	})

	t.Run("Should leave small clusters unconsolidated", func(t *testing.T) {
		f := newFixture(t, nil)
		base := time.Now().UTC().Add(-10 * 24 * time.Hour)
		// Four lone episodes, each in its own day bucket.
		for i := 0; i < 4; i++ {
			f.storeEpisode(t, fmt.Sprintf("scattered episode %d", i), base.Add(time.Duration(i)*48*time.Hour))
		}

		res, err := f.svc.Run(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Equal(t, 4, res.Clusters)
		assert.Equal(t, 4, res.ClustersSkipped)
		assert.Zero(t, res.ReflectionsCreated)
		assert.Zero(t, f.provider.CallCount())
	})
}

func TestEmbeddingClusterer(t *testing.T) {
	ctx := context.Background()
	embedder := llm.NewHashEmbedder(32)

	mem := func(content string) *domain.Memory {
		m, err := domain.NewMemory("t1", "p1", domain.LayerEpisodic, content, "test", nil, 0.5)
		require.NoError(t, err)
		return m
	}

	t.Run("Should group identical content together", func(t *testing.T) {
		c := NewEmbeddingClusterer(embedder, 0.9)
		a := mem("user prefers dark mode themes")
		b := mem("user prefers dark mode themes")
		d := mem("completely different topic entirely")

		clusters, err := c.Cluster(ctx, []*domain.Memory{a, b, d})
		require.NoError(t, err)

		var total int
		for _, cluster := range clusters {
			total += len(cluster)
		}
		assert.Equal(t, 3, total)
		assert.Equal(t, a.ID, clusters[0][0].ID)
		require.GreaterOrEqual(t, len(clusters[0]), 2)
		assert.Equal(t, b.ID, clusters[0][1].ID)
	})

	t.Run("Should default an out-of-range threshold", func(t *testing.T) {
		c := NewEmbeddingClusterer(embedder, 7)
		assert.InDelta(t, defaultSimilarityThreshold, c.threshold, 1e-9)
	})

	t.Run("Should report its capability name", func(t *testing.T) {
		assert.Equal(t, "embedding", NewEmbeddingClusterer(embedder, 0).Name())
	})
}

func TestTimeBucketClusterer(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	mem := func(createdAt time.Time) *domain.Memory {
		m, err := domain.NewMemory("t1", "p1", domain.LayerEpisodic, "episode", "test", nil, 0.5)
		require.NoError(t, err)
		m.CreatedAt = createdAt
		return m
	}

	t.Run("Should split on the window boundary", func(t *testing.T) {
		c := NewTimeBucketClusterer(24 * time.Hour)
		clusters, err := c.Cluster(ctx, []*domain.Memory{
			mem(base),
			mem(base.Add(time.Hour)),
			mem(base.Add(24 * time.Hour)),
			mem(base.Add(25 * time.Hour)),
		})
		require.NoError(t, err)
		require.Len(t, clusters, 2)
		assert.Len(t, clusters[0], 2)
		assert.Len(t, clusters[1], 2)
	})

	t.Run("Should handle an empty input", func(t *testing.T) {
		c := NewTimeBucketClusterer(0)
		clusters, err := c.Cluster(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, clusters)
	})

	t.Run("Should report its capability name", func(t *testing.T) {
		assert.Equal(t, "time_bucket", NewTimeBucketClusterer(0).Name())
	})
}

func TestHierarchical(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fold buckets level by level into one summary", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := 0; i < 5; i++ {
			f.storeEpisode(t, fmt.Sprintf("episode number %d", i), time.Time{})
		}
		f.provider.Enqueue(`{"summary": "condensed"}`)

		res, err := f.svc.Hierarchical(ctx, "t1", "p1", 0)
		require.NoError(t, err)
		assert.Equal(t, "condensed", res.Summary)
		assert.Equal(t, 5, res.Stats.Memories)
		assert.Equal(t, 3, res.Stats.Buckets)
		assert.Equal(t, 3, res.Stats.Levels)
		assert.Equal(t, 6, res.Stats.Summaries)
	})

	t.Run("Should feed episodes to the model oldest first", func(t *testing.T) {
		f := newFixture(t, nil)
		base := time.Now().UTC().Add(-3 * time.Hour)
		f.storeEpisode(t, "first thing that happened", base)
		f.storeEpisode(t, "second thing that happened", base.Add(time.Hour))
		f.storeEpisode(t, "third thing that happened", base.Add(2*time.Hour))
		f.provider.Enqueue(`{"summary": "one pass"}`)

		// Bucket size 2 splits three episodes across two calls; widen the
		// fold to a single bucket so the prompt order is observable.
		f.svc.cfg.BucketSize = 10

		res, err := f.svc.Hierarchical(ctx, "t1", "p1", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Stats.Levels)

		reqs := f.provider.Requests()
		require.Len(t, reqs, 1)
		first := strings.Index(reqs[0].Prompt, "first thing")
		third := strings.Index(reqs[0].Prompt, "third thing")
		require.GreaterOrEqual(t, first, 0)
		require.GreaterOrEqual(t, third, 0)
		assert.Less(t, first, third)
	})

	t.Run("Should return an empty result for an empty scope", func(t *testing.T) {
		f := newFixture(t, nil)
		res, err := f.svc.Hierarchical(ctx, "t1", "p1", 0)
		require.NoError(t, err)
		assert.Empty(t, res.Summary)
		assert.Zero(t, res.Stats.Memories)
		assert.Zero(t, res.Stats.Levels)
	})

	t.Run("Should propagate provider failures", func(t *testing.T) {
		f := newFixture(t, nil)
		f.storeEpisode(t, "episode", time.Time{})
		f.provider.Fail(apperrors.DependencyUnavailable(apperrors.CodeServiceUnavailable, "model down").Build())

		_, err := f.svc.Hierarchical(ctx, "t1", "p1", 0)
		assert.True(t, apperrors.IsDependencyUnavailable(err))
	})

	t.Run("Should reject an empty model summary", func(t *testing.T) {
		f := newFixture(t, nil)
		f.storeEpisode(t, "episode", time.Time{})
		// Default mock reply {} parses but carries no summary.
		_, err := f.svc.Hierarchical(ctx, "t1", "p1", 0)
		assert.True(t, apperrors.IsKind(err, apperrors.KindProviderOutputInvalid))
	})
}

func TestRenderReflection(t *testing.T) {
	t.Run("Should append insights as bullets", func(t *testing.T) {
		got := renderReflection(&reflectionVerdict{
			Summary:     "  The agent favors brevity.  ",
			KeyInsights: []string{"Keep replies short", "  ", "Avoid repetition"},
		})
		want := "The agent favors brevity.\n\nKey insights:\n- Keep replies short\n- Avoid repetition"
		assert.Equal(t, want, got)
	})

	t.Run("Should omit the insight block when empty", func(t *testing.T) {
		got := renderReflection(&reflectionVerdict{Summary: "Just a summary."})
		assert.Equal(t, "Just a summary.", got)
	})
}

func TestNormalizeReflectionType(t *testing.T) {
	assert.Equal(t, "insight", normalizeReflectionType(" Insight "))
	assert.Equal(t, "pattern", normalizeReflectionType("PATTERN"))
	assert.Equal(t, "summary", normalizeReflectionType("prophecy"))
	assert.Equal(t, "summary", normalizeReflectionType(""))
}
