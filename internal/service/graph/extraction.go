package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

const (
	defaultExtractionLimit = 100
	defaultBatchSize       = 5
	defaultConcurrency     = 4
)

const extractionSystemPrompt = `You extract a knowledge graph from an agent's memories.
You receive numbered memories. Respond with JSON only, no prose:
{
  "triples": [{"subject": "...", "predicate": "...", "object": "...", "confidence": 0.0, "source_index": 1}],
  "entities": ["..."]
}
Subjects and objects are concrete entities (services, people, tools, concepts).
Predicates are short relation labels such as "depends_on", "deployed_to" or
"prefers". Confidence in [0,1] reflects how directly the memory states the
relation. source_index is the number of the memory the triple came from.
List every distinct entity mentioned across the memories.`

// extractionVerdict is the provider's JSON reply. source_index is 1-based
// into the prompt's memory numbering.
type extractionVerdict struct {
	Triples []struct {
		Subject     string  `json:"subject"`
		Predicate   string  `json:"predicate"`
		Object      string  `json:"object"`
		Confidence  float64 `json:"confidence"`
		SourceIndex int     `json:"source_index"`
	} `json:"triples"`
	Entities []string `json:"entities"`
}

// ExtractionRequest selects which raw episodic memories to mine.
type ExtractionRequest struct {
	TenantID      string
	ProjectID     string
	Limit         int
	MinConfidence float64
	AutoStore     bool
}

// ExtractionStats counts the work one extraction run performed.
type ExtractionStats struct {
	MemoriesProcessed int `json:"memories_processed"`
	EntitiesCount     int `json:"entities_count"`
	TriplesCount      int `json:"triples_count"`
	BatchesFailed     int `json:"batches_failed"`
}

// ExtractionResult carries the surviving triples and entities plus run stats.
type ExtractionResult struct {
	Triples  []domain.Triple `json:"triples"`
	Entities []string        `json:"entities"`
	Stats    ExtractionStats `json:"statistics"`
}

// attributedTriple ties an extracted triple back to the memory it came from.
type attributedTriple struct {
	domain.Triple
	sourceMemoryID string
}

type extractionBatch struct {
	memories []*domain.Memory
	triples  []attributedTriple
	entities []string
	stored   bool
	failed   bool
}

// Extract mines unconsolidated episodic memories for triples and entities.
// Batches run concurrently; a provider failure skips its batch and is
// reported in the stats rather than failing the run. With AutoStore, each
// successful batch is persisted in one transaction and its memories marked
// consolidated, then node label embeddings, cache invalidation and a
// PageRank recompute follow.
func (s *Service) Extract(ctx context.Context, req ExtractionRequest) (*ExtractionResult, error) {
	if req.MinConfidence < 0 || req.MinConfidence > 1 {
		return nil, apperrors.Validation(apperrors.CodeInvalidInput,
			"min_confidence must be within [0, 1]").Build()
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultExtractionLimit
	}

	episodes, err := s.memories.FindUnconsolidatedEpisodes(ctx, req.TenantID, req.ProjectID, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	result := &ExtractionResult{Triples: []domain.Triple{}, Entities: []string{}}
	if len(episodes) == 0 {
		return result, nil
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batches := make([]*extractionBatch, 0, (len(episodes)+batchSize-1)/batchSize)
	for start := 0; start < len(episodes); start += batchSize {
		end := start + batchSize
		if end > len(episodes) {
			end = len(episodes)
		}
		batches = append(batches, &extractionBatch{memories: episodes[start:end]})
	}

	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, batch := range batches {
		g.Go(func() error {
			return s.extractBatch(gctx, req, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Aggregate in batch order so output is deterministic for a given
	// provider transcript.
	seenEntities := make(map[string]struct{})
	labels := make(map[string]string)
	storedAny := false
	for _, batch := range batches {
		if batch.failed {
			result.Stats.BatchesFailed++
			continue
		}
		result.Stats.MemoriesProcessed += len(batch.memories)
		if batch.stored {
			storedAny = true
		}
		for _, t := range batch.triples {
			result.Triples = append(result.Triples, t.Triple)
			labels[domain.NormalizeEntity(t.Subject)] = t.Subject
			labels[domain.NormalizeEntity(t.Object)] = t.Object
		}
		for _, e := range batch.entities {
			key := domain.NormalizeEntity(e)
			if _, ok := seenEntities[key]; ok {
				continue
			}
			seenEntities[key] = struct{}{}
			result.Entities = append(result.Entities, e)
			labels[key] = e
		}
	}
	result.Stats.TriplesCount = len(result.Triples)
	result.Stats.EntitiesCount = len(result.Entities)

	if req.AutoStore && storedAny {
		s.upsertLabelEmbeddings(ctx, req.TenantID, req.ProjectID, labels)
		if s.cache != nil {
			s.cache.Invalidate(ctx, req.TenantID, req.ProjectID)
		}
		if err := s.RecomputePageRank(ctx, req.TenantID, req.ProjectID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("graph extraction completed",
		zap.String("tenant_id", req.TenantID),
		zap.String("project_id", req.ProjectID),
		zap.Int("memories", result.Stats.MemoriesProcessed),
		zap.Int("triples", result.Stats.TriplesCount),
		zap.Int("entities", result.Stats.EntitiesCount),
		zap.Int("batches_failed", result.Stats.BatchesFailed),
	)
	return result, nil
}

// extractBatch runs one provider round trip and, with AutoStore, persists
// the batch. Provider failures mark the batch failed and return nil so other
// batches keep going; context and storage errors abort the run.
func (s *Service) extractBatch(ctx context.Context, req ExtractionRequest, batch *extractionBatch) error {
	verdict, err := s.completeExtraction(ctx, batch.memories)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("extraction batch failed",
			zap.Int("batch_size", len(batch.memories)),
			zap.Error(err),
		)
		batch.failed = true
		return nil
	}

	for _, t := range verdict.Triples {
		triple := domain.Triple{
			Subject:    strings.TrimSpace(t.Subject),
			Predicate:  strings.TrimSpace(t.Predicate),
			Object:     strings.TrimSpace(t.Object),
			Confidence: t.Confidence,
		}
		if !triple.Valid() || triple.Confidence < req.MinConfidence {
			continue
		}
		if domain.NormalizeEntity(triple.Subject) == "" || domain.NormalizeEntity(triple.Object) == "" {
			continue
		}
		source := batch.memories[0].ID
		if t.SourceIndex >= 1 && t.SourceIndex <= len(batch.memories) {
			source = batch.memories[t.SourceIndex-1].ID
		}
		batch.triples = append(batch.triples, attributedTriple{Triple: triple, sourceMemoryID: source})
	}
	for _, e := range verdict.Entities {
		if domain.NormalizeEntity(e) == "" {
			continue
		}
		batch.entities = append(batch.entities, strings.TrimSpace(e))
	}

	if req.AutoStore {
		if err := s.storeBatch(ctx, req, batch); err != nil {
			return err
		}
		batch.stored = true
	}
	return nil
}

// completeExtraction prompts the provider, retrying once when the reply is
// not parseable JSON.
func (s *Service) completeExtraction(ctx context.Context, memories []*domain.Memory) (*extractionVerdict, error) {
	var sb strings.Builder
	sb.WriteString("Memories:\n")
	for i, m := range memories {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, flattenContent(m.Content))
	}
	req := llm.Request{
		System:    extractionSystemPrompt,
		Prompt:    sb.String(),
		MaxTokens: 1024,
	}

	var verdict extractionVerdict
	_, err := s.provider.CompleteJSON(ctx, req, &verdict)
	if err != nil && apperrors.IsKind(err, apperrors.KindProviderOutputInvalid) {
		verdict = extractionVerdict{}
		_, err = s.provider.CompleteJSON(ctx, req, &verdict)
	}
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

// storeBatch persists one batch's nodes and edges and marks its memories
// consolidated, all within a single transaction.
func (s *Service) storeBatch(ctx context.Context, req ExtractionRequest, batch *extractionBatch) error {
	memoryIDs := make([]string, len(batch.memories))
	for i, m := range batch.memories {
		memoryIDs[i] = m.ID
	}

	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		// Standalone entities are attributed to the whole batch; the
		// repository unions source_memory_ids on upsert.
		for _, label := range batch.entities {
			nodeID := domain.NormalizeEntity(label)
			if _, err := s.graph.UpsertNode(ctx, req.TenantID, req.ProjectID, nodeID, label, map[string]any{
				"source_memory_ids": memoryIDs,
			}); err != nil {
				return err
			}
		}
		for _, t := range batch.triples {
			sourceProps := map[string]any{"source_memory_ids": []string{t.sourceMemoryID}}
			subjectID, err := s.graph.UpsertNode(ctx, req.TenantID, req.ProjectID,
				domain.NormalizeEntity(t.Subject), t.Subject, sourceProps)
			if err != nil {
				return err
			}
			objectID, err := s.graph.UpsertNode(ctx, req.TenantID, req.ProjectID,
				domain.NormalizeEntity(t.Object), t.Object, sourceProps)
			if err != nil {
				return err
			}
			if _, err := s.graph.InsertEdge(ctx, req.TenantID, req.ProjectID,
				subjectID, objectID, domain.NormalizeRelation(t.Predicate), map[string]any{
					"confidence":       t.Confidence,
					"source_memory_id": t.sourceMemoryID,
				}); err != nil {
				return err
			}
		}
		return s.memories.SetConsolidationStatus(ctx, req.TenantID, memoryIDs, domain.StatusConsolidated)
	})
}

// upsertLabelEmbeddings indexes node labels in the project's node namespace
// so retrieval's semantic arm can match entities by meaning. Failures are
// logged and skipped; the graph itself is already durable.
func (s *Service) upsertLabelEmbeddings(ctx context.Context, tenantID, projectID string, labels map[string]string) {
	namespace := vector.NodeNamespace(projectID)
	for nodeID, label := range labels {
		if nodeID == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, label)
		if err != nil {
			s.logger.Warn("node label embedding failed",
				zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		if err := s.index.Upsert(ctx, tenantID, namespace, nodeID, vec, vector.Payload{}); err != nil {
			s.logger.Warn("node label index write failed",
				zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}

func flattenContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
