// Package graph builds and serves the per-project knowledge graph: triple
// extraction from episodic memories, breadth-first traversal, GraphRAG
// querying, and PageRank maintenance.
package graph

import (
	"context"

	"go.uber.org/zap"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

// Service owns all knowledge-graph operations for a deployment. Extraction
// writes through the graph repository inside transactions; traversal reads
// are plain repository calls.
type Service struct {
	memories repository.MemoryRepository
	graph    repository.GraphRepository
	tx       repository.TxManager
	index    vector.Index
	embedder llm.EmbeddingProvider
	provider llm.Provider
	cache    cache.ContextCache
	cfg      config.Extraction
	logger   *zap.Logger
}

// NewService wires the graph service. cache may be nil when no context cache
// is deployed; invalidation is then skipped.
func NewService(
	memories repository.MemoryRepository,
	graph repository.GraphRepository,
	tx repository.TxManager,
	index vector.Index,
	embedder llm.EmbeddingProvider,
	provider llm.Provider,
	contextCache cache.ContextCache,
	cfg config.Extraction,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		memories: memories,
		graph:    graph,
		tx:       tx,
		index:    index,
		embedder: embedder,
		provider: provider,
		cache:    contextCache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Stats reports node/edge counts and relation distribution for the scope.
func (s *Service) Stats(ctx context.Context, tenantID, projectID string) (*domain.GraphStats, error) {
	return s.graph.Stats(ctx, tenantID, projectID)
}

// Nodes lists graph nodes, optionally ordered by stored PageRank.
func (s *Service) Nodes(ctx context.Context, q repository.NodeQuery) ([]*domain.GraphNode, error) {
	return s.graph.ListNodes(ctx, q)
}

// Edges lists graph edges, optionally narrowed to one relation.
func (s *Service) Edges(ctx context.Context, q repository.EdgeQuery) ([]*domain.GraphEdge, error) {
	return s.graph.ListEdges(ctx, q)
}
