package domain

import (
	"sort"
	"time"
)

// Intent classifies what a query is trying to accomplish.
type Intent string

const (
	IntentFactual      Intent = "factual"
	IntentConceptual   Intent = "conceptual"
	IntentNavigational Intent = "navigational"
	IntentProcedural   Intent = "procedural"
	IntentExploratory  Intent = "exploratory"
	IntentRelational   Intent = "relational"
)

// ValidIntent reports whether s names a known intent.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentFactual, IntentConceptual, IntentNavigational,
		IntentProcedural, IntentExploratory, IntentRelational:
		return true
	}
	return false
}

// Strategy identifies one retrieval arm of the hybrid pipeline.
type Strategy string

const (
	StrategyVector   Strategy = "vector"
	StrategyFulltext Strategy = "fulltext"
	StrategyGraph    Strategy = "graph"
	StrategySemantic Strategy = "semantic"
)

// AllStrategies lists the strategies in their canonical order.
var AllStrategies = []Strategy{StrategyVector, StrategyFulltext, StrategyGraph, StrategySemantic}

// StrategyWeights is a weight vector over retrieval strategies. Weights sum
// to 1 after Normalize.
type StrategyWeights map[Strategy]float64

// Normalize scales the weights to sum to 1. Zero or negative totals produce
// a uniform distribution over the canonical strategies.
func (w StrategyWeights) Normalize() StrategyWeights {
	var sum float64
	for _, v := range w {
		if v > 0 {
			sum += v
		}
	}
	out := make(StrategyWeights, len(w))
	if sum <= 0 {
		share := 1.0 / float64(len(AllStrategies))
		for _, s := range AllStrategies {
			out[s] = share
		}
		return out
	}
	for s, v := range w {
		if v > 0 {
			out[s] = v / sum
		}
	}
	return out
}

// QueryAnalysis is the analyzer's verdict for one query.
type QueryAnalysis struct {
	Intent     Intent          `json:"intent"`
	Confidence float64         `json:"confidence"`
	Weights    StrategyWeights `json:"weights"`
}

// WeightProfile names an explicit preset the caller may request instead of
// running the analyzer.
type WeightProfile string

const (
	ProfileBalanced      WeightProfile = "balanced"
	ProfileQuality       WeightProfile = "quality"
	ProfileSpeed         WeightProfile = "speed"
	ProfileComprehensive WeightProfile = "comprehensive"
	ProfileExploratory   WeightProfile = "exploratory"
)

// ValidWeightProfile reports whether s names a known preset.
func ValidWeightProfile(s string) bool {
	switch WeightProfile(s) {
	case ProfileBalanced, ProfileQuality, ProfileSpeed, ProfileComprehensive, ProfileExploratory:
		return true
	}
	return false
}

// Filters narrows a retrieval or listing operation.
type Filters struct {
	Layer         Layer
	Tags          []string
	Source        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	MinImportance *float64
}

// Matches reports whether the memory satisfies every set filter. Tag
// filters require all listed tags; CreatedAfter is inclusive and
// CreatedBefore exclusive, mirroring the repository's SQL semantics.
func (f Filters) Matches(m *Memory) bool {
	if f.Layer != "" && m.Layer != f.Layer {
		return false
	}
	if f.Source != "" && m.Source != f.Source {
		return false
	}
	if f.CreatedAfter != nil && m.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !m.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.MinImportance != nil && m.EffectiveImportance() < *f.MinImportance {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range m.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScoredMemory is one retrieval candidate with its scoring breakdown.
type ScoredMemory struct {
	Memory *Memory

	// FusedScore is the weighted sum of per-strategy normalized scores.
	FusedScore float64
	// FinalScore modulates the fused score by importance and recency.
	FinalScore float64
	// StrategyScores holds the normalized per-strategy contributions.
	StrategyScores map[Strategy]float64
}

// SortScored orders candidates by final score descending with the
// deterministic tie-break chain: importance desc, created_at desc, id asc.
func SortScored(items []ScoredMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
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

// TraversalSummary reports what one GraphRAG expansion touched.
type TraversalSummary struct {
	GraphNodes   int      `json:"graph_nodes"`
	GraphEdges   int      `json:"graph_edges"`
	Depth        int      `json:"depth"`
	SeedMemories int      `json:"seed_memories"`
	Entities     []string `json:"entities,omitempty"`
}

// RetrievalResult is the hybrid pipeline's output for one query.
type RetrievalResult struct {
	Results            []ScoredMemory
	SynthesizedContext string
	GraphStatistics    *TraversalSummary
	Metadata           map[string]any
	CacheHit           bool
}

// QueryRecord is one logged retrieval, kept for the semantic-relevance
// importance factor.
type QueryRecord struct {
	ID        int64
	TenantID  string
	ProjectID string
	Query     string
	Embedding []float32
	CreatedAt time.Time
}
