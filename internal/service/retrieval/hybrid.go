package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/importance"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

// graphSeedCount is how many top vector hits seed the graph traversal.
const graphSeedCount = 5

// SearchRequest describes one hybrid retrieval. K <= 0 is handled by the
// service (negative rejected, zero short-circuits); the HTTP layer applies
// the configured default before calling.
type SearchRequest struct {
	TenantID  string
	ProjectID string
	Query     string
	K         int
	Filters   domain.Filters

	// Profile selects a preset weight vector and skips the analyzer.
	Profile domain.WeightProfile

	UseGraph   bool
	GraphDepth int

	// Rerank overrides the configured default when non-nil.
	Rerank *bool

	// NoCache bypasses both the cache lookup and the cache write.
	NoCache bool

	// History carries recent conversation turns to the analyzer.
	History []string
}

// GraphExpansion is a traversal's contribution to fusion: a score per
// reached memory plus the summary reported to clients.
type GraphExpansion struct {
	Scores  map[string]float64
	Summary domain.TraversalSummary
}

// GraphTraverser expands a set of seed memories through the knowledge
// graph. The graph service implements it; the pipeline stays decoupled from
// traversal internals.
type GraphTraverser interface {
	ExpandFromMemories(ctx context.Context, tenantID, projectID string, seedIDs []string, depth, limit int) (*GraphExpansion, error)
}

// PipelineOptions carries the tuning the pipeline reads from configuration.
// Zero CacheTTL falls back to the cache backend default; zero
// NegativeCacheTTL falls back to one minute.
type PipelineOptions struct {
	Retrieval        config.Retrieval
	Importance       config.Importance
	CacheTTL         time.Duration
	NegativeCacheTTL time.Duration
	PipelineVersion  string
}

// Service is the hybrid retrieval pipeline: cache lookup, query analysis,
// parallel strategies, min-max normalization, weighted fusion,
// importance/recency modulation, optional rerank, access-stats update and
// context synthesis.
type Service struct {
	memories  repository.MemoryRepository
	graph     repository.GraphRepository
	queries   repository.QueryLogRepository
	index     vector.Index
	embedder  llm.EmbeddingProvider
	analyzer  *Analyzer
	traverser GraphTraverser
	reranker  Reranker
	cache     cache.ContextCache
	opts      PipelineOptions
	logger    *zap.Logger

	// versionOverride, when set, supersedes opts.PipelineVersion in cache
	// keys after a configuration hot reload.
	versionOverride atomic.Pointer[string]

	nowFn func() time.Time
}

// NewService wires the pipeline. contextCache may be nil to disable
// caching; traverser may be nil when no graph store is deployed, which
// turns every use_graph request into an empty expansion.
func NewService(
	memories repository.MemoryRepository,
	graph repository.GraphRepository,
	queries repository.QueryLogRepository,
	index vector.Index,
	embedder llm.EmbeddingProvider,
	analyzer *Analyzer,
	traverser GraphTraverser,
	reranker Reranker,
	contextCache cache.ContextCache,
	opts PipelineOptions,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NegativeCacheTTL <= 0 {
		opts.NegativeCacheTTL = time.Minute
	}
	return &Service{
		memories:  memories,
		graph:     graph,
		queries:   queries,
		index:     index,
		embedder:  embedder,
		analyzer:  analyzer,
		traverser: traverser,
		reranker:  reranker,
		cache:     contextCache,
		opts:      opts,
		logger:    logger,
		nowFn:     time.Now,
	}
}

// SetPipelineVersion swaps the cache fingerprint component after a config
// reload so entries keyed under the previous version stop matching.
func (s *Service) SetPipelineVersion(v string) {
	s.versionOverride.Store(&v)
}

func (s *Service) pipelineVersion() string {
	if v := s.versionOverride.Load(); v != nil {
		return *v
	}
	return s.opts.PipelineVersion
}

// Search runs the full pipeline for one query.
func (s *Service) Search(ctx context.Context, req SearchRequest) (*domain.RetrievalResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperrors.Validation(apperrors.CodeQueryEmpty, "query cannot be empty").Build()
	}
	if req.K < 0 {
		return nil, apperrors.Validation(apperrors.CodeInvalidK, "k cannot be negative").Build()
	}
	if req.K == 0 {
		return &domain.RetrievalResult{
			Results:  []domain.ScoredMemory{},
			Metadata: map[string]any{"candidates": 0},
		}, nil
	}

	now := s.nowFn().UTC()
	meta := make(map[string]any)

	k := req.K
	if max := s.opts.Retrieval.MaxK; max > 0 && k > max {
		k = max
		meta["k_clamped"] = true
	}
	depth := req.GraphDepth
	if depth <= 0 {
		depth = s.opts.Retrieval.DefaultGraphDepth
	}
	if max := s.opts.Retrieval.MaxGraphDepth; max > 0 && depth > max {
		depth = max
		meta["graph_depth_clamped"] = true
	}

	key := cache.NewKey(req.TenantID, req.ProjectID, query, req.Filters, now, s.pipelineVersion())
	if s.cache != nil && !req.NoCache {
		if cached, ok := s.cache.Get(ctx, key); ok {
			hit := *cached
			hit.CacheHit = true
			return &hit, nil
		}
	}

	var weights domain.StrategyWeights
	if req.Profile != "" {
		weights = ProfileWeights(req.Profile)
		meta["profile"] = string(req.Profile)
		meta["confidence"] = 1.0
	} else {
		analysis := s.analyzer.Analyze(ctx, query, req.History)
		weights = analysis.Weights
		meta["intent"] = string(analysis.Intent)
		meta["confidence"] = analysis.Confidence
	}
	if !req.UseGraph {
		weights = dropGraph(weights)
	}
	meta["weights"] = weightsMeta(weights)

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	fetchN := int(math.Ceil(float64(k) * s.opts.Retrieval.Oversample))
	if fetchN < k {
		fetchN = k
	}

	arms, err := s.runStrategies(ctx, req, query, qvec, weights, depth, fetchN)
	if err != nil {
		return nil, err
	}

	candidates := fuse(weights, arms)
	if err := s.materialize(ctx, req.TenantID, candidates); err != nil {
		return nil, err
	}
	scored := s.modulate(req.Filters, candidates, now)
	meta["candidates"] = len(scored)

	rerank := s.opts.Retrieval.EnableRerank
	if req.Rerank != nil {
		rerank = *req.Rerank
	}
	results, err := s.rank(ctx, query, scored, k, rerank)
	if err != nil {
		return nil, err
	}
	meta["rerank_applied"] = rerank && s.reranker != nil && len(scored) > k

	if len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Memory.ID
		}
		if err := s.memories.RecordAccess(ctx, req.TenantID, ids); err != nil {
			return nil, err
		}
	}

	s.appendQueryLog(ctx, req.TenantID, req.ProjectID, query, qvec, now)

	var graphStats *domain.TraversalSummary
	if req.UseGraph {
		graphStats = arms.summary
	}
	result := &domain.RetrievalResult{
		Results:            results,
		SynthesizedContext: BuildContext(results, graphStats, len(scored)),
		GraphStatistics:    graphStats,
		Metadata:           meta,
	}

	if s.cache != nil && !req.NoCache {
		ttl := s.opts.CacheTTL
		if len(results) == 0 {
			ttl = s.opts.NegativeCacheTTL
		}
		s.cache.PutIfAbsent(ctx, key, result, ttl)
	}

	s.logger.Debug("hybrid search complete",
		zap.String("tenant_id", req.TenantID),
		zap.String("project_id", req.ProjectID),
		zap.Int("results", len(results)),
		zap.Int("candidates", len(scored)),
		zap.Bool("use_graph", req.UseGraph))
	return result, nil
}

// strategyResults collects what each arm produced. Raw scores stay in their
// native ranges until normalization.
type strategyResults struct {
	raw     map[domain.Strategy]map[string]float64
	loaded  map[string]*domain.Memory
	summary *domain.TraversalSummary
}

// runStrategies executes vector, fulltext and semantic arms in parallel,
// then the graph arm, which needs the vector hits as seeds. Any arm error
// fails the query; only the analyzer degrades silently.
func (s *Service) runStrategies(
	ctx context.Context,
	req SearchRequest,
	query string,
	qvec []float32,
	weights domain.StrategyWeights,
	depth, fetchN int,
) (*strategyResults, error) {
	var (
		vectorMatches  []vector.Match
		fulltextHits   []repository.FulltextHit
		semanticScores map[string]float64
	)

	g, gctx := errgroup.WithContext(ctx)
	if weights[domain.StrategyVector] > 0 {
		g.Go(func() error {
			matches, err := s.index.Search(gctx, req.TenantID, req.ProjectID, qvec, fetchN, req.Filters)
			if err != nil {
				return err
			}
			vectorMatches = matches
			return nil
		})
	}
	if weights[domain.StrategyFulltext] > 0 {
		g.Go(func() error {
			hits, err := s.memories.SearchFulltext(gctx, req.TenantID, req.ProjectID, query, req.Filters, fetchN)
			if err != nil {
				return err
			}
			fulltextHits = hits
			return nil
		})
	}
	if weights[domain.StrategySemantic] > 0 {
		g.Go(func() error {
			scores, err := s.semanticNodeSearch(gctx, req.TenantID, req.ProjectID, qvec, fetchN)
			if err != nil {
				return err
			}
			semanticScores = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &strategyResults{
		raw:    make(map[domain.Strategy]map[string]float64, 4),
		loaded: make(map[string]*domain.Memory, len(fulltextHits)),
	}

	if len(vectorMatches) > 0 {
		m := make(map[string]float64, len(vectorMatches))
		for _, match := range vectorMatches {
			m[match.ID] = match.Score
		}
		out.raw[domain.StrategyVector] = m
	}
	if len(fulltextHits) > 0 {
		m := make(map[string]float64, len(fulltextHits))
		for _, hit := range fulltextHits {
			m[hit.Memory.ID] = hit.Score
			out.loaded[hit.Memory.ID] = hit.Memory
		}
		out.raw[domain.StrategyFulltext] = m
	}
	if len(semanticScores) > 0 {
		out.raw[domain.StrategySemantic] = semanticScores
	}

	// The graph arm runs whenever the caller asked for traversal, even at
	// weight zero, so graph statistics are always reported.
	if req.UseGraph {
		seeds := make([]string, 0, graphSeedCount)
		for _, match := range vectorMatches {
			seeds = append(seeds, match.ID)
			if len(seeds) == graphSeedCount {
				break
			}
		}
		summary := domain.TraversalSummary{Depth: depth, SeedMemories: len(seeds)}
		if len(seeds) > 0 && s.traverser != nil {
			exp, err := s.traverser.ExpandFromMemories(ctx, req.TenantID, req.ProjectID, seeds, depth, fetchN)
			if err != nil {
				return nil, err
			}
			if len(exp.Scores) > 0 {
				out.raw[domain.StrategyGraph] = exp.Scores
			}
			summary = exp.Summary
		}
		out.summary = &summary
	}

	return out, nil
}

// semanticNodeSearch finds graph nodes whose label embeddings are nearest
// the query, then scores the memories those nodes reference. Each memory
// takes the best score across its referencing nodes.
func (s *Service) semanticNodeSearch(ctx context.Context, tenantID, projectID string, qvec []float32, fetchN int) (map[string]float64, error) {
	matches, err := s.index.Search(ctx, tenantID, vector.NodeNamespace(projectID), qvec, fetchN, domain.Filters{})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	scores := make(map[string]float64)
	for _, match := range matches {
		node, err := s.graph.GetNodeByNodeID(ctx, tenantID, projectID, match.ID)
		if err != nil {
			// A label embedding can outlive its node; skip the orphan.
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, memID := range node.SourceMemoryIDs() {
			if match.Score > scores[memID] {
				scores[memID] = match.Score
			}
		}
	}
	return scores, nil
}

// candidate accumulates one memory's fusion state before materialization.
type candidate struct {
	id        string
	fused     float64
	breakdown map[domain.Strategy]float64
	memory    *domain.Memory
}

// fuse normalizes each arm min-max within its own candidate set and sums
// the weighted contributions per memory.
func fuse(weights domain.StrategyWeights, arms *strategyResults) map[string]*candidate {
	candidates := make(map[string]*candidate)
	for _, strat := range domain.AllStrategies {
		norm := minMaxNormalize(arms.raw[strat])
		if len(norm) == 0 {
			continue
		}
		w := weights[strat]
		for id, v := range norm {
			c, ok := candidates[id]
			if !ok {
				c = &candidate{id: id, breakdown: make(map[domain.Strategy]float64, 2), memory: arms.loaded[id]}
				candidates[id] = c
			}
			c.fused += w * v
			c.breakdown[strat] = v
		}
	}
	return candidates
}

// materialize batch-loads candidates the arms did not already carry.
func (s *Service) materialize(ctx context.Context, tenantID string, candidates map[string]*candidate) error {
	missing := make([]string, 0, len(candidates))
	for id, c := range candidates {
		if c.memory == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	fetched, err := s.memories.GetMany(ctx, tenantID, missing)
	if err != nil {
		return err
	}
	for id, m := range fetched {
		candidates[id].memory = m
	}
	return nil
}

// modulate turns fused candidates into final-scored memories, dropping
// archived rows, rows the index knew but the store no longer holds, and
// graph or semantic hits that fail the request filters.
func (s *Service) modulate(filters domain.Filters, candidates map[string]*candidate, now time.Time) []domain.ScoredMemory {
	cfg := s.opts.Retrieval
	out := make([]domain.ScoredMemory, 0, len(candidates))
	for _, c := range candidates {
		m := c.memory
		if m == nil || m.IsArchived() || !filters.Matches(m) {
			continue
		}
		recency := importance.RecencyFactor(m.CreatedAt, m.LastAccessedAt, now, s.opts.Importance)
		final := cfg.FusedWeight*c.fused + cfg.ImportanceWeight*m.EffectiveImportance() + cfg.RecencyWeight*recency
		out = append(out, domain.ScoredMemory{
			Memory:         m,
			FusedScore:     c.fused,
			FinalScore:     final,
			StrategyScores: c.breakdown,
		})
	}
	return out
}

// rank orders the scored set and applies the optional reranker: the pool is
// the top k*rerank_multiplier by fused score, the reranker picks and orders
// the top k, and fusion scores pass through untouched.
func (s *Service) rank(ctx context.Context, query string, scored []domain.ScoredMemory, k int, rerank bool) ([]domain.ScoredMemory, error) {
	if rerank && s.reranker != nil && len(scored) > k {
		pool := make([]domain.ScoredMemory, len(scored))
		copy(pool, scored)
		sortByFused(pool)
		if mult := s.opts.Retrieval.RerankMultiplier; mult > 0 && len(pool) > k*mult {
			pool = pool[:k*mult]
		}
		return s.reranker.Rerank(ctx, query, pool, k)
	}
	domain.SortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *Service) appendQueryLog(ctx context.Context, tenantID, projectID, query string, qvec []float32, now time.Time) {
	rec := &domain.QueryRecord{
		TenantID:  tenantID,
		ProjectID: projectID,
		Query:     query,
		Embedding: qvec,
		CreatedAt: now,
	}
	if err := s.queries.Append(ctx, rec); err != nil {
		s.logger.Warn("query log append failed", zap.Error(err))
		return
	}
	keep := s.opts.Importance.RecentQueryWindow
	if keep <= 0 {
		keep = 20
	}
	if err := s.queries.Prune(ctx, tenantID, projectID, keep); err != nil {
		s.logger.Warn("query log prune failed", zap.Error(err))
	}
}

// sortByFused orders by fused score with the same deterministic tie-break
// chain as the final sort.
func sortByFused(items []domain.ScoredMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.FusedScore != b.FusedScore {
			return a.FusedScore > b.FusedScore
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// minMaxNormalize maps raw scores into [0, 1] within the set. A set whose
// scores are all equal normalizes to 1.0 for every member: a lone candidate
// is still that strategy's best answer.
func minMaxNormalize(raw map[string]float64) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range raw {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make(map[string]float64, len(raw))
	if hi == lo {
		for id := range raw {
			out[id] = 1
		}
		return out
	}
	for id, v := range raw {
		out[id] = (v - lo) / (hi - lo)
	}
	return out
}

// dropGraph removes the graph strategy and renormalizes the remainder. A
// vector that was graph-only falls back to the speed preset shape.
func dropGraph(w domain.StrategyWeights) domain.StrategyWeights {
	out := make(domain.StrategyWeights, len(w))
	var sum float64
	for strat, v := range w {
		if strat == domain.StrategyGraph {
			continue
		}
		out[strat] = v
		sum += v
	}
	if sum <= 0 {
		return domain.StrategyWeights{
			domain.StrategyVector:   0.6,
			domain.StrategyFulltext: 0.4,
		}
	}
	return out.Normalize()
}

func weightsMeta(w domain.StrategyWeights) map[string]float64 {
	out := make(map[string]float64, len(w))
	for strat, v := range w {
		out[string(strat)] = v
	}
	return out
}
