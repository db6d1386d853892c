// Package reflection consolidates episodic memories into reflective ones:
// clustered insight generation on a schedule and hierarchical map-reduce
// summaries on demand.
package reflection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

const reflectionConcurrency = 4

const reflectionSystemPrompt = `You distill an agent's episodic memories into one reflection.
You receive numbered episodes with their dates. Respond with JSON only:
{"summary": "...", "key_insights": ["..."], "reflection_type": "insight"}
reflection_type is one of "insight", "pattern" or "summary". The summary is
two to four sentences capturing what the episodes collectively show.
key_insights are short standalone statements an agent can act on later.`

const metaInsightSystemPrompt = `You aggregate several reflections from the same project into one
meta-insight. Respond with JSON only:
{"summary": "...", "key_insights": ["..."], "reflection_type": "pattern"}
Surface what the reflections have in common and what changed over time.`

type reflectionVerdict struct {
	Summary        string   `json:"summary"`
	KeyInsights    []string `json:"key_insights"`
	ReflectionType string   `json:"reflection_type"`
}

// Service runs the reflection pipeline. The clusterer is injected as a
// capability: embedding-based when an embedding provider is configured,
// time-bucket otherwise.
type Service struct {
	memories  repository.MemoryRepository
	tx        repository.TxManager
	index     vector.Index
	embedder  llm.EmbeddingProvider
	provider  llm.Provider
	clusterer Clusterer
	cache     cache.ContextCache
	cfg       config.Reflection
	logger    *zap.Logger
}

// NewService wires the pipeline. cache may be nil; invalidation is then
// skipped.
func NewService(
	memories repository.MemoryRepository,
	tx repository.TxManager,
	index vector.Index,
	embedder llm.EmbeddingProvider,
	provider llm.Provider,
	clusterer Clusterer,
	contextCache cache.ContextCache,
	cfg config.Reflection,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		memories:  memories,
		tx:        tx,
		index:     index,
		embedder:  embedder,
		provider:  provider,
		clusterer: clusterer,
		cache:     contextCache,
		cfg:       cfg,
		logger:    logger,
	}
}

// RunResult reports one pipeline invocation.
type RunResult struct {
	Skipped              bool     `json:"skipped"`
	Clusters             int      `json:"clusters"`
	ClustersSkipped      int      `json:"clusters_skipped"`
	ClustersFailed       int      `json:"clusters_failed"`
	ReflectionsCreated   int      `json:"reflections_created"`
	MetaInsights         int      `json:"meta_insights"`
	MemoriesConsolidated int      `json:"memories_consolidated"`
	ReflectionIDs        []string `json:"reflection_ids,omitempty"`
}

// Run consolidates the scope's raw episodes into reflective memories. Below
// the minimum-episode gate the run is skipped. Each qualifying cluster gets
// one model call; cluster failures are skipped and counted while the run
// still succeeds. A reflective memory and its parents' status flip commit in
// one transaction. Enough reflections in one run also produce a meta-insight
// whose parents are the reflections themselves.
func (s *Service) Run(ctx context.Context, tenantID, projectID string) (*RunResult, error) {
	minEpisodes := s.cfg.MinEpisodes
	if minEpisodes <= 0 {
		minEpisodes = 20
	}
	count, err := s.memories.CountUnconsolidated(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	result := &RunResult{}
	if count < int64(minEpisodes) {
		result.Skipped = true
		s.logger.Debug("reflection below episode gate",
			zap.String("tenant_id", tenantID),
			zap.String("project_id", projectID),
			zap.Int64("unconsolidated", count),
			zap.Int("min_episodes", minEpisodes),
		)
		return result, nil
	}

	maxMemories := s.cfg.MaxMemories
	if maxMemories <= 0 {
		maxMemories = 100
	}
	episodes, err := s.memories.FindUnconsolidatedEpisodes(ctx, tenantID, projectID, time.Time{}, maxMemories)
	if err != nil {
		return nil, err
	}

	clusters, err := s.clusterer.Cluster(ctx, episodes)
	if err != nil {
		return nil, err
	}
	result.Clusters = len(clusters)

	minCluster := s.cfg.MinClusterSize
	if minCluster <= 0 {
		minCluster = 5
	}
	var eligible [][]*domain.Memory
	for _, cluster := range clusters {
		if len(cluster) < minCluster {
			result.ClustersSkipped++
			continue
		}
		eligible = append(eligible, cluster)
	}

	reflections := make([]*domain.Memory, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reflectionConcurrency)
	for i, cluster := range eligible {
		g.Go(func() error {
			reflection, err := s.reflectCluster(gctx, tenantID, projectID, cluster)
			if err != nil {
				return err
			}
			reflections[i] = reflection
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var created []*domain.Memory
	for _, reflection := range reflections {
		if reflection == nil {
			result.ClustersFailed++
			continue
		}
		created = append(created, reflection)
		result.ReflectionsCreated++
		result.MemoriesConsolidated += len(reflection.ParentIDs)
		result.ReflectionIDs = append(result.ReflectionIDs, reflection.ID)
	}

	minMeta := s.cfg.MinReflectionsForMeta
	if minMeta <= 0 {
		minMeta = 5
	}
	if len(created) >= minMeta {
		meta, err := s.metaInsight(ctx, tenantID, projectID, created)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result.MetaInsights = 1
			result.ReflectionIDs = append(result.ReflectionIDs, meta.ID)
		}
	}

	if result.ReflectionsCreated > 0 && s.cache != nil {
		s.cache.Invalidate(ctx, tenantID, projectID)
	}
	s.logger.Info("reflection run completed",
		zap.String("tenant_id", tenantID),
		zap.String("project_id", projectID),
		zap.Int("clusters", result.Clusters),
		zap.Int("reflections", result.ReflectionsCreated),
		zap.Int("meta_insights", result.MetaInsights),
		zap.Int("clusters_failed", result.ClustersFailed),
	)
	return result, nil
}

// reflectCluster turns one cluster into a reflective memory. Provider
// failures return (nil, nil) so the run can skip the cluster; storage and
// context errors propagate.
func (s *Service) reflectCluster(ctx context.Context, tenantID, projectID string, cluster []*domain.Memory) (*domain.Memory, error) {
	var sb strings.Builder
	sb.WriteString("Episodes:\n")
	for i, m := range cluster {
		fmt.Fprintf(&sb, "%d. (%s) %s\n", i+1, m.CreatedAt.Format("2006-01-02"), flatten(m.Content))
	}

	verdict, err := s.completeReflection(ctx, reflectionSystemPrompt, sb.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("reflection cluster failed",
			zap.Int("cluster_size", len(cluster)),
			zap.Error(err),
		)
		return nil, nil
	}

	parentIDs := make([]string, len(cluster))
	for i, m := range cluster {
		parentIDs[i] = m.ID
	}
	reflection, err := s.buildReflective(tenantID, projectID, verdict, parentIDs)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.memories.Create(ctx, reflection); err != nil {
			return err
		}
		return s.memories.SetConsolidationStatus(ctx, tenantID, parentIDs, domain.StatusConsolidated)
	})
	if err != nil {
		return nil, err
	}

	s.indexReflection(ctx, reflection)
	return reflection, nil
}

// metaInsight aggregates this run's reflections into one memory whose
// parents are the reflection IDs. Provider failures skip it with a warning.
func (s *Service) metaInsight(ctx context.Context, tenantID, projectID string, reflections []*domain.Memory) (*domain.Memory, error) {
	var sb strings.Builder
	sb.WriteString("Reflections:\n")
	for i, m := range reflections {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, flatten(m.Content))
	}

	verdict, err := s.completeReflection(ctx, metaInsightSystemPrompt, sb.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("meta-insight generation failed", zap.Error(err))
		return nil, nil
	}

	parentIDs := make([]string, len(reflections))
	for i, m := range reflections {
		parentIDs[i] = m.ID
	}
	meta, err := s.buildReflective(tenantID, projectID, verdict, parentIDs)
	if err != nil {
		return nil, err
	}
	meta.Tags = append(meta.Tags, "meta_insight")

	if err := s.memories.Create(ctx, meta); err != nil {
		return nil, err
	}
	s.indexReflection(ctx, meta)
	return meta, nil
}

func (s *Service) completeReflection(ctx context.Context, system, prompt string) (*reflectionVerdict, error) {
	req := llm.Request{System: system, Prompt: prompt, MaxTokens: 1024}
	var verdict reflectionVerdict
	_, err := s.provider.CompleteJSON(ctx, req, &verdict)
	if err != nil && apperrors.IsKind(err, apperrors.KindProviderOutputInvalid) {
		verdict = reflectionVerdict{}
		_, err = s.provider.CompleteJSON(ctx, req, &verdict)
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(verdict.Summary) == "" {
		return nil, apperrors.ProviderOutputInvalid(apperrors.CodeProviderOutputInvalid,
			"model returned an empty reflection summary").Build()
	}
	return &verdict, nil
}

func (s *Service) buildReflective(tenantID, projectID string, verdict *reflectionVerdict, parentIDs []string) (*domain.Memory, error) {
	importance := s.cfg.ReflectiveImportance
	if importance <= 0 || importance > 1 {
		importance = 0.7
	}
	tags := []string{"reflection", normalizeReflectionType(verdict.ReflectionType)}
	m, err := domain.NewMemory(tenantID, projectID, domain.LayerReflective,
		renderReflection(verdict), "reflection", tags, importance)
	if err != nil {
		return nil, err
	}
	m.ParentIDs = parentIDs
	m.ConsolidationStatus = domain.StatusConsolidated
	return m, nil
}

// indexReflection embeds and indexes the new memory so the vector arm can
// find it. The memory is already durable; index failures only log.
func (s *Service) indexReflection(ctx context.Context, m *domain.Memory) {
	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		s.logger.Warn("reflection embedding failed", zap.String("memory_id", m.ID), zap.Error(err))
		return
	}
	if err := s.index.Upsert(ctx, m.TenantID, m.ProjectID, m.ID, vec, vector.Payload{
		Layer:     string(m.Layer),
		Tags:      m.Tags,
		CreatedAt: m.CreatedAt,
	}); err != nil {
		s.logger.Warn("reflection index write failed", zap.String("memory_id", m.ID), zap.Error(err))
		return
	}
	if err := s.memories.SetEmbeddingRef(ctx, m.TenantID, m.ID, m.ID); err != nil {
		s.logger.Warn("reflection embedding ref update failed", zap.String("memory_id", m.ID), zap.Error(err))
	}
}

func renderReflection(v *reflectionVerdict) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(v.Summary))
	var insights []string
	for _, insight := range v.KeyInsights {
		if trimmed := strings.TrimSpace(insight); trimmed != "" {
			insights = append(insights, trimmed)
		}
	}
	if len(insights) > 0 {
		sb.WriteString("\n\nKey insights:")
		for _, insight := range insights {
			sb.WriteString("\n- " + insight)
		}
	}
	return sb.String()
}

func normalizeReflectionType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "insight":
		return "insight"
	case "pattern":
		return "pattern"
	default:
		return "summary"
	}
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
