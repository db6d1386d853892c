package retrieval

import (
	"context"
	"sort"
	"strings"

	"rae-backend/internal/domain"
)

// Reranker reorders fused candidates against the original query and returns
// the top k. Implementations reorder only; candidate scores pass through
// unchanged so clients can still see the fusion breakdown.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []domain.ScoredMemory, k int) ([]domain.ScoredMemory, error)
	Name() string
}

// LexicalReranker ranks by query-term overlap: the fraction of distinct
// query terms appearing in the memory content. Cheap and deterministic; the
// default when no cross-encoder is configured.
type LexicalReranker struct{}

// NewLexicalReranker builds the term-overlap reranker.
func NewLexicalReranker() *LexicalReranker { return &LexicalReranker{} }

var _ Reranker = (*LexicalReranker)(nil)

func (r *LexicalReranker) Name() string { return "lexical" }

func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []domain.ScoredMemory, k int) ([]domain.ScoredMemory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 || k <= 0 {
		return nil, nil
	}

	terms := queryTerms(query)
	type ranked struct {
		item    domain.ScoredMemory
		overlap float64
	}
	items := make([]ranked, len(candidates))
	for i, c := range candidates {
		items[i] = ranked{item: c, overlap: termOverlap(terms, c.Memory.Content)}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if a.item.FusedScore != b.item.FusedScore {
			return a.item.FusedScore > b.item.FusedScore
		}
		if !a.item.Memory.CreatedAt.Equal(b.item.Memory.CreatedAt) {
			return a.item.Memory.CreatedAt.After(b.item.Memory.CreatedAt)
		}
		return a.item.Memory.ID < b.item.Memory.ID
	})

	if k > len(items) {
		k = len(items)
	}
	out := make([]domain.ScoredMemory, k)
	for i := 0; i < k; i++ {
		out[i] = items[i].item
	}
	return out, nil
}

// queryTerms returns the distinct lowercase terms of the query.
func queryTerms(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			terms[f] = struct{}{}
		}
	}
	return terms
}

// termOverlap returns the fraction of terms appearing in content.
func termOverlap(terms map[string]struct{}, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(content)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if _, ok := terms[f]; ok {
			present[f] = struct{}{}
		}
	}
	return float64(len(present)) / float64(len(terms))
}
