package reflection

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/llm"
)

const hierarchicalDefaultLimit = 1000

const hierarchicalSystemPrompt = `You compress an agent's episode notes into one concise summary.
Respond with JSON only: {"summary": "..."}
Keep concrete facts, decisions and outcomes; drop filler. Three to six
sentences.`

type summaryVerdict struct {
	Summary string `json:"summary"`
}

// HierarchicalStats counts the fold.
type HierarchicalStats struct {
	Memories  int `json:"memories"`
	Buckets   int `json:"buckets"`
	Levels    int `json:"levels"`
	Summaries int `json:"summaries"`
}

// HierarchicalResult is the single summary a fold converges to.
type HierarchicalResult struct {
	Summary string            `json:"summary"`
	Stats   HierarchicalStats `json:"statistics"`
}

// Hierarchical map-reduces episodic memories into one summary: episodes are
// bucketed, each bucket summarized, and the summaries re-bucketed until one
// remains. It neither consumes nor produces cluster structures and leaves
// consolidation status untouched; it exists for large retrospectives.
func (s *Service) Hierarchical(ctx context.Context, tenantID, projectID string, limit int) (*HierarchicalResult, error) {
	bucketSize := s.cfg.BucketSize
	if bucketSize <= 1 {
		bucketSize = 10
	}
	if limit <= 0 {
		limit = hierarchicalDefaultLimit
	}

	episodes, err := s.memories.List(ctx, repository.MemoryQuery{
		TenantID:  tenantID,
		ProjectID: projectID,
		Layer:     domain.LayerEpisodic,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	result := &HierarchicalResult{}
	result.Stats.Memories = len(episodes)
	if len(episodes) == 0 {
		return result, nil
	}

	// List returns newest first; the fold reads chronologically.
	texts := make([]string, len(episodes))
	for i, m := range episodes {
		texts[len(episodes)-1-i] = flatten(m.Content)
	}
	result.Stats.Buckets = (len(texts) + bucketSize - 1) / bucketSize

	for {
		result.Stats.Levels++
		buckets := chunkStrings(texts, bucketSize)
		summaries := make([]string, len(buckets))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(reflectionConcurrency)
		level := result.Stats.Levels
		for i, bucket := range buckets {
			g.Go(func() error {
				summary, err := s.summarizeBucket(gctx, bucket, level)
				if err != nil {
					return err
				}
				summaries[i] = summary
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		result.Stats.Summaries += len(buckets)

		texts = summaries
		if len(texts) == 1 {
			break
		}
	}
	result.Summary = texts[0]
	return result, nil
}

func (s *Service) summarizeBucket(ctx context.Context, items []string, level int) (string, error) {
	var sb strings.Builder
	if level == 1 {
		sb.WriteString("Episodes:\n")
	} else {
		sb.WriteString("Partial summaries:\n")
	}
	for i, item := range items {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, item)
	}

	req := llm.Request{System: hierarchicalSystemPrompt, Prompt: sb.String(), MaxTokens: 512}
	var verdict summaryVerdict
	_, err := s.provider.CompleteJSON(ctx, req, &verdict)
	if err != nil && apperrors.IsKind(err, apperrors.KindProviderOutputInvalid) {
		verdict = summaryVerdict{}
		_, err = s.provider.CompleteJSON(ctx, req, &verdict)
	}
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(verdict.Summary)
	if summary == "" {
		return "", apperrors.ProviderOutputInvalid(apperrors.CodeProviderOutputInvalid,
			"model returned an empty summary").Build()
	}
	return summary, nil
}

func chunkStrings(items []string, size int) [][]string {
	chunks := make([][]string, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
