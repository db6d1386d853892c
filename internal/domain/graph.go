package domain

import (
	"strings"
	"time"
	"unicode"
)

// GraphNode is a distinct entity extracted from memory content. NodeID is
// the canonical normalized name, unique within (tenant, project); InternalID
// is the storage-assigned key used by edges and traversal.
type GraphNode struct {
	InternalID int64
	TenantID   string
	ProjectID  string
	NodeID     string
	Label      string
	Properties map[string]any
	CreatedAt  time.Time
}

// SourceMemoryIDs returns the properties' source_memory_ids list, if present.
func (n *GraphNode) SourceMemoryIDs() []string {
	raw, ok := n.Properties["source_memory_ids"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// PageRankScore returns the stored pagerank_score property, or 0.
func (n *GraphNode) PageRankScore() float64 {
	raw, ok := n.Properties["pagerank_score"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// GraphEdge is a directed relation between two nodes of the same tenant and
// project. (tenant, project, source, target, relation) is unique; duplicate
// inserts increment properties.observation_count instead of adding rows.
type GraphEdge struct {
	ID           int64
	TenantID     string
	ProjectID    string
	SourceNodeID int64
	TargetNodeID int64
	Relation     string
	Properties   map[string]any
	CreatedAt    time.Time
}

// Confidence returns the edge confidence property, defaulting to 0.
func (e *GraphEdge) Confidence() float64 {
	raw, ok := e.Properties["confidence"]
	if !ok {
		return 0
	}
	if v, ok := raw.(float64); ok {
		return v
	}
	return 0
}

// Triple is one extracted (subject, predicate, object) relation with the
// model's confidence in it.
type Triple struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// Valid reports whether the triple has all three members and a confidence
// within [0, 1].
func (t Triple) Valid() bool {
	return strings.TrimSpace(t.Subject) != "" &&
		strings.TrimSpace(t.Predicate) != "" &&
		strings.TrimSpace(t.Object) != "" &&
		t.Confidence >= 0 && t.Confidence <= 1
}

// GraphStats summarizes a tenant/project graph.
type GraphStats struct {
	NodeCount      int64            `json:"node_count"`
	EdgeCount      int64            `json:"edge_count"`
	RelationCounts map[string]int64 `json:"relation_counts"`
	AvgDegree      float64          `json:"avg_degree"`
}

// NormalizeEntity canonicalizes an entity name into its node_id form:
// lowercase, internal whitespace collapsed, punctuation stripped.
func NormalizeEntity(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeRelation lowercases and collapses a relation label.
func NormalizeRelation(relation string) string {
	return strings.Join(strings.Fields(strings.ToLower(relation)), " ")
}
