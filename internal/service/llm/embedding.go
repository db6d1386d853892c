package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	apperrors "rae-backend/internal/errors"
)

// EmbeddingProvider is the embedding port. Vectors from one provider
// instance always share the same dimension.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// HashEmbedder is a deterministic, dependency-free embedder: tokens hash
// into buckets, bucket counts are L2-normalized. Identical texts embed
// identically and texts sharing vocabulary land near each other, which is
// what retrieval ordering and the semantic-relevance factor need. It is the
// default provider; a remote embedder can be swapped in behind the same
// port.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder builds an embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

var _ EmbeddingProvider = (*HashEmbedder)(nil)

func (e *HashEmbedder) Dim() int { return e.dim }

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, apperrors.Validation(apperrors.CodeEmbeddingFailed, "cannot embed empty text").Build()
	}

	vec := make([]float32, e.dim)
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		bucket := int(h.Sum32()) % e.dim
		if bucket < 0 {
			bucket += e.dim
		}
		// Sign from a second hash bit keeps buckets from only growing,
		// which preserves angle information under collisions.
		if h.Sum32()&1 == 0 {
			vec[bucket]++
		} else {
			vec[bucket]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
