package reflection

import (
	"context"
	"time"

	"rae-backend/internal/domain"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

// Clusterer groups episodes into candidate reflection clusters. Which
// implementation runs is decided once at startup; callers only know the
// capability, never the backing technique.
type Clusterer interface {
	Cluster(ctx context.Context, memories []*domain.Memory) ([][]*domain.Memory, error)
	Name() string
}

const defaultSimilarityThreshold = 0.75

// EmbeddingClusterer groups memories by embedding similarity: each
// unassigned memory seeds a cluster and absorbs every later memory whose
// cosine similarity to the seed clears the threshold. Greedy single-pass,
// deterministic for a fixed input order.
type EmbeddingClusterer struct {
	embedder  llm.EmbeddingProvider
	threshold float64
}

// NewEmbeddingClusterer builds the similarity clusterer. threshold outside
// (0, 1) selects the default.
func NewEmbeddingClusterer(embedder llm.EmbeddingProvider, threshold float64) *EmbeddingClusterer {
	if threshold <= 0 || threshold >= 1 {
		threshold = defaultSimilarityThreshold
	}
	return &EmbeddingClusterer{embedder: embedder, threshold: threshold}
}

func (c *EmbeddingClusterer) Name() string { return "embedding" }

func (c *EmbeddingClusterer) Cluster(ctx context.Context, memories []*domain.Memory) ([][]*domain.Memory, error) {
	vecs := make([][]float32, len(memories))
	for i, m := range memories {
		vec, err := c.embedder.Embed(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}

	assigned := make([]bool, len(memories))
	var clusters [][]*domain.Memory
	for i := range memories {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		cluster := []*domain.Memory{memories[i]}
		for j := i + 1; j < len(memories); j++ {
			if assigned[j] {
				continue
			}
			if vector.CosineSimilarity(vecs[i], vecs[j]) >= c.threshold {
				assigned[j] = true
				cluster = append(cluster, memories[j])
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters, nil
}

// TimeBucketClusterer is the rule-based substitute: consecutive memories
// sharing one time window form a cluster. Input is expected oldest first,
// which is how the pipeline fetches episodes.
type TimeBucketClusterer struct {
	window time.Duration
}

// NewTimeBucketClusterer builds the time-window clusterer. Non-positive
// windows select 24 hours.
func NewTimeBucketClusterer(window time.Duration) *TimeBucketClusterer {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &TimeBucketClusterer{window: window}
}

func (c *TimeBucketClusterer) Name() string { return "time_bucket" }

func (c *TimeBucketClusterer) Cluster(ctx context.Context, memories []*domain.Memory) ([][]*domain.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var clusters [][]*domain.Memory
	var current []*domain.Memory
	var bucketStart time.Time
	for _, m := range memories {
		if len(current) == 0 || m.CreatedAt.Sub(bucketStart) >= c.window {
			if len(current) > 0 {
				clusters = append(clusters, current)
			}
			current = []*domain.Memory{m}
			bucketStart = m.CreatedAt
			continue
		}
		current = append(current, m)
	}
	if len(current) > 0 {
		clusters = append(clusters, current)
	}
	return clusters, nil
}
