package importance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

// Factors is the per-factor breakdown behind one importance score.
type Factors struct {
	Recency       float64 `json:"recency"`
	Frequency     float64 `json:"frequency"`
	Centrality    float64 `json:"centrality"`
	Relevance     float64 `json:"relevance"`
	Override      float64 `json:"override"`
	Consolidation float64 `json:"consolidation"`
}

// Service scores memories from weighted factors. Centrality comes from the
// knowledge graph, relevance from the recent query log.
type Service struct {
	memories repository.MemoryRepository
	graph    repository.GraphRepository
	queries  repository.QueryLogRepository
	embedder llm.EmbeddingProvider
	cfg      config.Importance
	logger   *zap.Logger
}

// NewService wires the scoring dependencies.
func NewService(
	memories repository.MemoryRepository,
	graph repository.GraphRepository,
	queries repository.QueryLogRepository,
	embedder llm.EmbeddingProvider,
	cfg config.Importance,
	logger *zap.Logger,
) *Service {
	return &Service{
		memories: memories,
		graph:    graph,
		queries:  queries,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Score computes the weighted importance of m at the given instant, together
// with the factor breakdown.
func (s *Service) Score(ctx context.Context, m *domain.Memory, now time.Time) (float64, Factors, error) {
	var f Factors
	f.Recency = RecencyFactor(m.CreatedAt, m.LastAccessedAt, now, s.cfg)
	f.Frequency = FrequencyFactor(m.UsageCount, s.cfg.FrequencySaturation)

	centrality, err := s.centrality(ctx, m)
	if err != nil {
		return 0, f, err
	}
	f.Centrality = centrality

	relevance, err := s.relevance(ctx, m)
	if err != nil {
		return 0, f, err
	}
	f.Relevance = relevance

	f.Override = 0.5
	if m.UserImportanceOverride != nil {
		f.Override = *m.UserImportanceOverride
	}
	if m.ConsolidationStatus == domain.StatusConsolidated {
		f.Consolidation = 1
	}

	score := s.cfg.RecencyWeight*f.Recency +
		s.cfg.FrequencyWeight*f.Frequency +
		s.cfg.CentralityWeight*f.Centrality +
		s.cfg.RelevanceWeight*f.Relevance +
		s.cfg.OverrideWeight*f.Override +
		s.cfg.ConsolidationWeight*f.Consolidation
	return clamp01(score), f, nil
}

// Rescore computes and persists the memory's importance, auditing the change.
func (s *Service) Rescore(ctx context.Context, m *domain.Memory, now time.Time) (float64, error) {
	score, _, err := s.Score(ctx, m, now)
	if err != nil {
		return 0, err
	}
	if err := s.memories.UpdateImportance(ctx, m.TenantID, m.ID, score, "rescore"); err != nil {
		return 0, fmt.Errorf("persist importance: %w", err)
	}
	return score, nil
}

// centrality is the normalized PageRank of the memory's primary entity: the
// highest-ranked node whose source_memory_ids references m, scaled by the
// project's top PageRank so the factor lands in [0, 1].
func (s *Service) centrality(ctx context.Context, m *domain.Memory) (float64, error) {
	nodes, err := s.graph.NodesForMemory(ctx, m.TenantID, m.ProjectID, m.ID)
	if err != nil {
		return 0, fmt.Errorf("nodes for memory: %w", err)
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	primary := nodes[0].PageRankScore()
	if primary <= 0 {
		return 0, nil
	}

	top, err := s.graph.ListNodes(ctx, repository.NodeQuery{
		TenantID:  m.TenantID,
		ProjectID: m.ProjectID,
		OrderBy:   repository.NodeOrderPageRank,
		Limit:     1,
	})
	if err != nil {
		return 0, fmt.Errorf("top pagerank: %w", err)
	}
	if len(top) == 0 {
		return 0, nil
	}
	max := top[0].PageRankScore()
	if max <= 0 {
		return 0, nil
	}
	return clamp01(primary / max), nil
}

// relevance is the best normalized similarity between the memory content and
// the scope's recent query embeddings.
func (s *Service) relevance(ctx context.Context, m *domain.Memory) (float64, error) {
	recent, err := s.queries.Recent(ctx, m.TenantID, m.ProjectID, s.cfg.RecentQueryWindow)
	if err != nil {
		return 0, fmt.Errorf("recent queries: %w", err)
	}
	if len(recent) == 0 {
		return 0, nil
	}

	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		// A memory that cannot be embedded simply contributes no relevance.
		s.logger.Debug("embedding for relevance failed", zap.String("memory_id", m.ID), zap.Error(err))
		return 0, nil
	}

	best := 0.0
	for _, rec := range recent {
		if len(rec.Embedding) != len(vec) {
			continue
		}
		sim := vector.NormalizeScore(vector.CosineSimilarity(vec, rec.Embedding))
		if sim > best {
			best = sim
		}
	}
	return best, nil
}
