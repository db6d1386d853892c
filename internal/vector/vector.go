// Package vector defines the vector index port and its SQLite-backed
// implementation. Entries are namespaced by (tenant, project); scores are
// cosine similarity normalized into [0, 1].
package vector

import (
	"context"
	"math"
	"time"

	"rae-backend/internal/domain"
)

// Payload is the metadata stored alongside each vector so searches can
// pre-filter without hitting the relational store.
type Payload struct {
	Layer     string    `json:"layer"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is one search hit. Score is already normalized into [0, 1].
type Match struct {
	ID      string
	Score   float64
	Payload Payload
}

// Index is the vector store port. IDs are memory IDs; Upsert of an existing
// ID replaces its vector and payload.
type Index interface {
	Upsert(ctx context.Context, tenantID, projectID, id string, vec []float32, payload Payload) error
	Search(ctx context.Context, tenantID, projectID string, query []float32, k int, filters domain.Filters) ([]Match, error)
	Delete(ctx context.Context, tenantID, projectID, id string) error
	// DeleteNamespace drops every entry for the (tenant, project) scope.
	DeleteNamespace(ctx context.Context, tenantID, projectID string) error
}

// NodeNamespace maps a project to the index namespace holding graph node
// label embeddings, kept apart from memory vectors. Entry IDs in this
// namespace are canonical node IDs. Project identifiers never contain '#'.
func NodeNamespace(projectID string) string {
	return projectID + "#nodes"
}

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizeScore maps a cosine similarity from [-1, 1] into [0, 1].
func NormalizeScore(cos float64) float64 {
	s := (cos + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
