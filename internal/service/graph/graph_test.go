package graph

import (
	"context"
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

const extractionReply = `{
  "triples": [
    {"subject": "AuthService", "predicate": "depends_on", "object": "EncryptionService", "confidence": 0.9, "source_index": 1}
  ],
  "entities": ["AuthService", "EncryptionService"]
}`

type fixture struct {
	svc      *Service
	store    *sqlite.Store
	memories *sqlite.MemoryRepository
	graphs   *sqlite.GraphRepository
	index    *vector.SQLiteIndex
	provider *llm.MockProvider
	cache    *cache.MemoryCache
	embedder *llm.HashEmbedder
}

func newFixture(t *testing.T) *fixture {
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
		graphs:   sqlite.NewGraphRepository(store),
		index:    index,
		provider: llm.NewMockProvider(),
		cache:    contextCache,
		embedder: llm.NewHashEmbedder(32),
	}
	f.svc = NewService(
		f.memories, f.graphs, store, f.index, f.embedder, f.provider, f.cache,
		config.Extraction{BatchSize: 5, MinConfidence: 0.5, Concurrency: 2},
		zap.NewNop(),
	)
	return f
}

func (f *fixture) storeMemory(t *testing.T, tenantID, projectID, content string) *domain.Memory {
	t.Helper()
	m, err := domain.NewMemory(tenantID, projectID, domain.LayerEpisodic, content, "test", nil, 0.6)
	require.NoError(t, err)
	require.NoError(t, f.memories.Create(context.Background(), m))
	return m
}

func (f *fixture) embed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := f.embedder.Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func TestExtract(t *testing.T) {
	ctx := context.Background()

	t.Run("Should extract triples and store the graph", func(t *testing.T) {
		f := newFixture(t)
		m1 := f.storeMemory(t, "t1", "p1", "AuthService depends on EncryptionService for token sealing")
		f.storeMemory(t, "t1", "p1", "The deploy pipeline promotes builds to staging first")
		f.provider.Enqueue(extractionReply)

		res, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)

		assert.Equal(t, 1, res.Stats.TriplesCount)
		assert.Equal(t, 2, res.Stats.EntitiesCount)
		assert.Equal(t, 2, res.Stats.MemoriesProcessed)
		assert.Equal(t, 0, res.Stats.BatchesFailed)
		require.Len(t, res.Triples, 1)
		assert.Equal(t, "depends_on", res.Triples[0].Predicate)

		node, err := f.graphs.GetNodeByNodeID(ctx, "t1", "p1", "authservice")
		require.NoError(t, err)
		assert.Equal(t, "AuthService", node.Label)
		assert.Contains(t, node.SourceMemoryIDs(), m1.ID)

		edges, err := f.graphs.ListEdges(ctx, repository.EdgeQuery{TenantID: "t1", ProjectID: "p1", Relation: "depends_on"})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.InDelta(t, 0.9, edges[0].Confidence(), 1e-9)
		assert.Equal(t, m1.ID, edges[0].Properties["source_memory_id"])

		remaining, err := f.memories.CountUnconsolidated(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.Zero(t, remaining)
	})

	t.Run("Should score stored nodes with pagerank", func(t *testing.T) {
		f := newFixture(t)
		f.storeMemory(t, "t1", "p1", "AuthService depends on EncryptionService")
		f.provider.Enqueue(extractionReply)

		_, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)

		node, err := f.graphs.GetNodeByNodeID(ctx, "t1", "p1", "encryptionservice")
		require.NoError(t, err)
		assert.Greater(t, node.PageRankScore(), 0.0)
	})

	t.Run("Should index node labels for semantic matching", func(t *testing.T) {
		f := newFixture(t)
		f.storeMemory(t, "t1", "p1", "AuthService depends on EncryptionService")
		f.provider.Enqueue(extractionReply)

		_, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)

		hits, err := f.index.Search(ctx, "t1", vector.NodeNamespace("p1"),
			f.embed(t, "AuthService"), 1, domain.Filters{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "authservice", hits[0].ID)
	})

	t.Run("Should invalidate the context cache after storing", func(t *testing.T) {
		f := newFixture(t)
		key := cache.Key{TenantID: "t1", ProjectID: "p1", Fingerprint: "stale"}
		f.cache.Put(ctx, key, &domain.RetrievalResult{}, time.Minute)

		f.storeMemory(t, "t1", "p1", "AuthService depends on EncryptionService")
		f.provider.Enqueue(extractionReply)
		_, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)

		_, ok := f.cache.Get(ctx, key)
		assert.False(t, ok)
	})

	t.Run("Should drop triples below the confidence floor", func(t *testing.T) {
		f := newFixture(t)
		f.storeMemory(t, "t1", "p1", "CacheLayer fronts the primary store")
		f.provider.Enqueue(`{
			"triples": [
				{"subject": "CacheLayer", "predicate": "fronts", "object": "PrimaryStore", "confidence": 0.9, "source_index": 1},
				{"subject": "CacheLayer", "predicate": "replaces", "object": "PrimaryStore", "confidence": 0.3, "source_index": 1}
			],
			"entities": []
		}`)

		res, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)
		require.Len(t, res.Triples, 1)
		assert.Equal(t, "fronts", res.Triples[0].Predicate)

		edges, err := f.graphs.ListEdges(ctx, repository.EdgeQuery{TenantID: "t1", ProjectID: "p1"})
		require.NoError(t, err)
		assert.Len(t, edges, 1)
	})

	t.Run("Should retry once on malformed model output", func(t *testing.T) {
		f := newFixture(t)
		f.storeMemory(t, "t1", "p1", "AuthService depends on EncryptionService")
		f.provider.Enqueue("this is not json", extractionReply)

		res, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5,
		})
		require.NoError(t, err)
		assert.Len(t, res.Triples, 1)
		assert.Equal(t, 2, f.provider.CallCount())
	})

	t.Run("Should skip failed batches and keep their memories raw", func(t *testing.T) {
		f := newFixture(t)
		f.storeMemory(t, "t1", "p1", "first episode")
		f.storeMemory(t, "t1", "p1", "second episode")
		f.provider.Fail(apperrors.DependencyUnavailable(apperrors.CodeServiceUnavailable, "model down").Build())

		res, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Stats.BatchesFailed)
		assert.Empty(t, res.Triples)
		assert.Zero(t, res.Stats.MemoriesProcessed)

		remaining, err := f.memories.CountUnconsolidated(ctx, "t1", "p1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, remaining)
	})

	t.Run("Should attribute triples to the indexed source memory", func(t *testing.T) {
		f := newFixture(t)
		first := f.storeMemory(t, "t1", "p1", "unrelated first episode")
		m2 := f.storeMemory(t, "t1", "p1", "Scheduler signals the Worker pool")
		// Pin batch order: episodes are fetched oldest first.
		_, err := f.store.DB().Exec(`UPDATE memories SET created_at = ? WHERE id = ?`,
			time.Now().UTC().Add(-time.Hour), first.ID)
		require.NoError(t, err)
		f.provider.Enqueue(`{
			"triples": [{"subject": "Scheduler", "predicate": "signals", "object": "Worker", "confidence": 0.8, "source_index": 2}],
			"entities": []
		}`)

		_, err = f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 0.5, AutoStore: true,
		})
		require.NoError(t, err)

		edges, err := f.graphs.ListEdges(ctx, repository.EdgeQuery{TenantID: "t1", ProjectID: "p1", Relation: "signals"})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, m2.ID, edges[0].Properties["source_memory_id"])

		node, err := f.graphs.GetNodeByNodeID(ctx, "t1", "p1", "scheduler")
		require.NoError(t, err)
		assert.Equal(t, []string{m2.ID}, node.SourceMemoryIDs())
	})

	t.Run("Should return an empty result when nothing is unconsolidated", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.svc.Extract(ctx, ExtractionRequest{TenantID: "t1", ProjectID: "p1"})
		require.NoError(t, err)
		assert.Empty(t, res.Triples)
		assert.Empty(t, res.Entities)
		assert.Zero(t, f.provider.CallCount())
	})

	t.Run("Should reject an out-of-range confidence floor", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Extract(ctx, ExtractionRequest{
			TenantID: "t1", ProjectID: "p1", MinConfidence: 1.5,
		})
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestNeighborhood(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	api, err := f.graphs.UpsertNode(ctx, "t1", "p1", "api", "API", nil)
	require.NoError(t, err)
	db, err := f.graphs.UpsertNode(ctx, "t1", "p1", "db", "Database", nil)
	require.NoError(t, err)
	cacheNode, err := f.graphs.UpsertNode(ctx, "t1", "p1", "cache", "Cache", nil)
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", api, db, "depends_on", nil)
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", db, cacheNode, "reads_from", nil)
	require.NoError(t, err)

	t.Run("Should return direct neighbors at depth one", func(t *testing.T) {
		res, err := f.svc.Neighborhood(ctx, "t1", "p1", "api", 1, "", 0)
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 2)
		assert.Len(t, res.Edges, 1)
		assert.Equal(t, "api", res.Nodes[0].NodeID)
	})

	t.Run("Should reach two hops at depth two", func(t *testing.T) {
		res, err := f.svc.Neighborhood(ctx, "t1", "p1", "api", 2, "", 0)
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 3)
		assert.Len(t, res.Edges, 2)
	})

	t.Run("Should narrow traversal to one relation", func(t *testing.T) {
		res, err := f.svc.Neighborhood(ctx, "t1", "p1", "api", 2, "reads_from", 0)
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 1)
		assert.Empty(t, res.Edges)
	})

	t.Run("Should honor the node limit", func(t *testing.T) {
		res, err := f.svc.Neighborhood(ctx, "t1", "p1", "api", 2, "", 2)
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 2)
	})

	t.Run("Should reject depth outside one through five", func(t *testing.T) {
		_, err := f.svc.Neighborhood(ctx, "t1", "p1", "api", 0, "", 0)
		assert.True(t, apperrors.IsValidation(err))
		_, err = f.svc.Neighborhood(ctx, "t1", "p1", "api", 6, "", 0)
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("Should surface not found for an unknown node", func(t *testing.T) {
		_, err := f.svc.Neighborhood(ctx, "t1", "p1", "ghost", 1, "", 0)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("Should not cross tenants", func(t *testing.T) {
		_, err := f.svc.Neighborhood(ctx, "t2", "p1", "api", 1, "", 0)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestSubgraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.graphs.UpsertNode(ctx, "t1", "p1", "alpha", "Alpha", nil)
	require.NoError(t, err)
	b, err := f.graphs.UpsertNode(ctx, "t1", "p1", "beta", "Beta", nil)
	require.NoError(t, err)
	_, err = f.graphs.UpsertNode(ctx, "t1", "p1", "gamma", "Gamma", nil)
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", a, b, "linked_to", nil)
	require.NoError(t, err)

	t.Run("Should union reachable components and skip unknown roots", func(t *testing.T) {
		res, err := f.svc.Subgraph(ctx, "t1", "p1", []string{"alpha", "ghost", "gamma"}, 1, 0)
		require.NoError(t, err)
		assert.Len(t, res.Nodes, 3)
		assert.Len(t, res.Edges, 1)
	})

	t.Run("Should return an empty slice when no root exists", func(t *testing.T) {
		res, err := f.svc.Subgraph(ctx, "t1", "p1", []string{"ghost", "phantom"}, 1, 0)
		require.NoError(t, err)
		assert.Empty(t, res.Nodes)
		assert.Empty(t, res.Edges)
	})

	t.Run("Should validate depth", func(t *testing.T) {
		_, err := f.svc.Subgraph(ctx, "t1", "p1", []string{"alpha"}, 9, 0)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestExpandFromMemories(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m1 := f.storeMemory(t, "t1", "p1", "AuthService handles login")
	m2 := f.storeMemory(t, "t1", "p1", "EncryptionService rotates keys")

	auth, err := f.graphs.UpsertNode(ctx, "t1", "p1", "authservice", "AuthService",
		map[string]any{"source_memory_ids": []string{m1.ID}})
	require.NoError(t, err)
	enc, err := f.graphs.UpsertNode(ctx, "t1", "p1", "encryptionservice", "EncryptionService",
		map[string]any{"source_memory_ids": []string{m2.ID}})
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", auth, enc, "depends_on", nil)
	require.NoError(t, err)

	t.Run("Should score seeds at one and neighbors by proximity", func(t *testing.T) {
		exp, err := f.svc.ExpandFromMemories(ctx, "t1", "p1", []string{m1.ID}, 2, 10)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, exp.Scores[m1.ID], 1e-9)
		assert.InDelta(t, 0.5, exp.Scores[m2.ID], 1e-9)
		assert.Equal(t, 2, exp.Summary.GraphNodes)
		assert.Equal(t, 1, exp.Summary.GraphEdges)
		assert.Equal(t, 1, exp.Summary.SeedMemories)
		assert.Contains(t, exp.Summary.Entities, "EncryptionService")
	})

	t.Run("Should count only seeds that resolve to nodes", func(t *testing.T) {
		exp, err := f.svc.ExpandFromMemories(ctx, "t1", "p1", []string{m1.ID, "no-such-memory"}, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, exp.Summary.SeedMemories)
	})

	t.Run("Should return an empty expansion without seed nodes", func(t *testing.T) {
		exp, err := f.svc.ExpandFromMemories(ctx, "t1", "p1", []string{"no-such-memory"}, 2, 10)
		require.NoError(t, err)
		assert.Empty(t, exp.Scores)
		assert.Zero(t, exp.Summary.GraphNodes)
	})

	t.Run("Should clamp depth to the traversal ceiling", func(t *testing.T) {
		exp, err := f.svc.ExpandFromMemories(ctx, "t1", "p1", []string{m1.ID}, 9, 10)
		require.NoError(t, err)
		assert.Equal(t, 5, exp.Summary.Depth)
	})

	t.Run("Should cap scored memories at the limit", func(t *testing.T) {
		exp, err := f.svc.ExpandFromMemories(ctx, "t1", "p1", []string{m1.ID}, 2, 1)
		require.NoError(t, err)
		assert.Len(t, exp.Scores, 1)
		assert.InDelta(t, 1.0, exp.Scores[m1.ID], 1e-9)
	})
}

func TestRecomputePageRank(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	hub, err := f.graphs.UpsertNode(ctx, "t1", "p1", "hub", "Hub", nil)
	require.NoError(t, err)
	left, err := f.graphs.UpsertNode(ctx, "t1", "p1", "left", "Left", nil)
	require.NoError(t, err)
	right, err := f.graphs.UpsertNode(ctx, "t1", "p1", "right", "Right", nil)
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", left, hub, "feeds", nil)
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", right, hub, "feeds", nil)
	require.NoError(t, err)

	t.Run("Should rank the pointed-at node highest", func(t *testing.T) {
		require.NoError(t, f.svc.RecomputePageRank(ctx, "t1", "p1"))

		hubNode, err := f.graphs.GetNodeByNodeID(ctx, "t1", "p1", "hub")
		require.NoError(t, err)
		leftNode, err := f.graphs.GetNodeByNodeID(ctx, "t1", "p1", "left")
		require.NoError(t, err)
		rightNode, err := f.graphs.GetNodeByNodeID(ctx, "t1", "p1", "right")
		require.NoError(t, err)

		assert.Greater(t, hubNode.PageRankScore(), leftNode.PageRankScore())
		assert.InDelta(t, leftNode.PageRankScore(), rightNode.PageRankScore(), 1e-9)

		total := hubNode.PageRankScore() + leftNode.PageRankScore() + rightNode.PageRankScore()
		assert.InDelta(t, 1.0, total, 1e-6)
	})

	t.Run("Should be a no-op for an empty scope", func(t *testing.T) {
		assert.NoError(t, f.svc.RecomputePageRank(ctx, "t1", "empty"))
	})
}

func TestGraphQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m1 := f.storeMemory(t, "t1", "p1", "AuthService depends on EncryptionService for token sealing")
	require.NoError(t, f.index.Upsert(ctx, "t1", "p1", m1.ID, f.embed(t, m1.Content), vector.Payload{
		Layer:     string(m1.Layer),
		CreatedAt: m1.CreatedAt,
	}))

	auth, err := f.graphs.UpsertNode(ctx, "t1", "p1", "authservice", "AuthService",
		map[string]any{"source_memory_ids": []string{m1.ID}})
	require.NoError(t, err)
	enc, err := f.graphs.UpsertNode(ctx, "t1", "p1", "encryptionservice", "EncryptionService", nil)
	require.NoError(t, err)
	_, err = f.graphs.InsertEdge(ctx, "t1", "p1", auth, enc, "depends_on", nil)
	require.NoError(t, err)

	t.Run("Should return seeds, traversal and a synthesized context", func(t *testing.T) {
		res, err := f.svc.Query(ctx, QueryRequest{
			TenantID: "t1", ProjectID: "p1",
			Query: "What does AuthService depend on?", K: 5, Depth: 2,
		})
		require.NoError(t, err)

		require.Len(t, res.Matches, 1)
		assert.Equal(t, m1.ID, res.Matches[0].Memory.ID)
		assert.Greater(t, res.Matches[0].Score, 0.0)

		assert.Len(t, res.Nodes, 2)
		assert.Len(t, res.Edges, 1)
		assert.Equal(t, 1, res.Summary.SeedMemories)
		assert.GreaterOrEqual(t, res.Summary.GraphNodes, 2)

		assert.True(t, strings.Contains(res.SynthesizedContext, "### Graph Context"))
		assert.True(t, strings.Contains(res.SynthesizedContext, "EncryptionService"))
	})

	t.Run("Should reject an empty query", func(t *testing.T) {
		_, err := f.svc.Query(ctx, QueryRequest{TenantID: "t1", ProjectID: "p1", Query: "   "})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("Should validate requested depth", func(t *testing.T) {
		_, err := f.svc.Query(ctx, QueryRequest{
			TenantID: "t1", ProjectID: "p1", Query: "anything", Depth: 7,
		})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("Should return empty matches for a scope with no vectors", func(t *testing.T) {
		res, err := f.svc.Query(ctx, QueryRequest{
			TenantID: "t1", ProjectID: "vacant", Query: "anything",
		})
		require.NoError(t, err)
		assert.Empty(t, res.Matches)
		assert.Zero(t, res.Summary.GraphNodes)
	})
}
