package dto

import (
	"time"

	"rae-backend/internal/domain"
	"rae-backend/internal/service/graph"
)

// MemoryDoc is the wire form of one memory.
type MemoryDoc struct {
	ID                     string     `json:"id"`
	TenantID               string     `json:"tenant_id"`
	ProjectID              string     `json:"project_id"`
	Layer                  string     `json:"layer"`
	Content                string     `json:"content"`
	Source                 string     `json:"source,omitempty"`
	Tags                   []string   `json:"tags,omitempty"`
	Importance             float64    `json:"importance"`
	UserImportanceOverride *float64   `json:"user_importance_override,omitempty"`
	EmbeddingRef           string     `json:"embedding_ref,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	LastAccessedAt         time.Time  `json:"last_accessed_at"`
	UsageCount             int64      `json:"usage_count"`
	ConsolidationStatus    string     `json:"consolidation_status"`
	ParentIDs              []string   `json:"parent_ids,omitempty"`
	ArchivedAt             *time.Time `json:"archived_at,omitempty"`
}

// NewMemoryDoc converts a domain memory to its wire form.
func NewMemoryDoc(m *domain.Memory) MemoryDoc {
	return MemoryDoc{
		ID:                     m.ID,
		TenantID:               m.TenantID,
		ProjectID:              m.ProjectID,
		Layer:                  string(m.Layer),
		Content:                m.Content,
		Source:                 m.Source,
		Tags:                   m.Tags,
		Importance:             m.Importance,
		UserImportanceOverride: m.UserImportanceOverride,
		EmbeddingRef:           m.EmbeddingRef,
		CreatedAt:              m.CreatedAt,
		LastAccessedAt:         m.LastAccessedAt,
		UsageCount:             m.UsageCount,
		ConsolidationStatus:    string(m.ConsolidationStatus),
		ParentIDs:              m.ParentIDs,
		ArchivedAt:             m.ArchivedAt,
	}
}

// StoreMemoryResponse answers POST /v1/memory/store.
type StoreMemoryResponse struct {
	ID string `json:"id"`
}

// MessageResponse is the body of operations that only confirm.
type MessageResponse struct {
	Message string `json:"message"`
}

// ListMemoriesResponse answers GET /v1/memory/list.
type ListMemoriesResponse struct {
	Memories []MemoryDoc `json:"memories"`
	Count    int         `json:"count"`
}

// ScoredMemoryDoc is one retrieval result: the memory plus its scores.
type ScoredMemoryDoc struct {
	MemoryDoc
	Score          float64            `json:"score"`
	FusedScore     float64            `json:"fused_score"`
	StrategyScores map[string]float64 `json:"strategy_scores,omitempty"`
}

// QueryMemoryResponse answers POST /v1/memory/query. SynthesizedContext and
// GraphStatistics appear only for use_graph requests.
type QueryMemoryResponse struct {
	Results            []ScoredMemoryDoc        `json:"results"`
	SynthesizedContext string                   `json:"synthesized_context,omitempty"`
	GraphStatistics    *domain.TraversalSummary `json:"graph_statistics,omitempty"`
	Metadata           map[string]any           `json:"metadata,omitempty"`
	CacheHit           bool                     `json:"cache_hit"`
}

// NewQueryMemoryResponse flattens the pipeline result into wire form. The
// graph block is withheld unless the caller asked for traversal.
func NewQueryMemoryResponse(res *domain.RetrievalResult, useGraph bool) QueryMemoryResponse {
	out := QueryMemoryResponse{
		Results:  make([]ScoredMemoryDoc, 0, len(res.Results)),
		Metadata: res.Metadata,
		CacheHit: res.CacheHit,
	}
	for _, sm := range res.Results {
		out.Results = append(out.Results, newScoredMemoryDoc(sm))
	}
	if useGraph {
		out.SynthesizedContext = res.SynthesizedContext
		out.GraphStatistics = res.GraphStatistics
	}
	return out
}

func newScoredMemoryDoc(sm domain.ScoredMemory) ScoredMemoryDoc {
	doc := ScoredMemoryDoc{
		MemoryDoc:  NewMemoryDoc(sm.Memory),
		Score:      sm.FinalScore,
		FusedScore: sm.FusedScore,
	}
	if len(sm.StrategyScores) > 0 {
		doc.StrategyScores = make(map[string]float64, len(sm.StrategyScores))
		for strat, v := range sm.StrategyScores {
			doc.StrategyScores[string(strat)] = v
		}
	}
	return doc
}

// GraphNodeDoc is the wire form of one graph node.
type GraphNodeDoc struct {
	InternalID    int64          `json:"internal_id"`
	NodeID        string         `json:"node_id"`
	Label         string         `json:"label"`
	Properties    map[string]any `json:"properties,omitempty"`
	PageRankScore float64        `json:"pagerank_score"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewGraphNodeDoc converts a domain node to its wire form.
func NewGraphNodeDoc(n *domain.GraphNode) GraphNodeDoc {
	return GraphNodeDoc{
		InternalID:    n.InternalID,
		NodeID:        n.NodeID,
		Label:         n.Label,
		Properties:    n.Properties,
		PageRankScore: n.PageRankScore(),
		CreatedAt:     n.CreatedAt,
	}
}

// GraphEdgeDoc is the wire form of one graph edge. Source and target carry
// the internal node IDs matching GraphNodeDoc.InternalID.
type GraphEdgeDoc struct {
	ID         int64          `json:"id"`
	Source     int64          `json:"source"`
	Target     int64          `json:"target"`
	Relation   string         `json:"relation"`
	Confidence float64        `json:"confidence"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewGraphEdgeDoc converts a domain edge to its wire form.
func NewGraphEdgeDoc(e *domain.GraphEdge) GraphEdgeDoc {
	return GraphEdgeDoc{
		ID:         e.ID,
		Source:     e.SourceNodeID,
		Target:     e.TargetNodeID,
		Relation:   e.Relation,
		Confidence: e.Confidence(),
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt,
	}
}

// NewGraphNodeDocs maps a node slice into wire form, never nil.
func NewGraphNodeDocs(nodes []*domain.GraphNode) []GraphNodeDoc {
	out := make([]GraphNodeDoc, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NewGraphNodeDoc(n))
	}
	return out
}

// NewGraphEdgeDocs maps an edge slice into wire form, never nil.
func NewGraphEdgeDocs(edges []*domain.GraphEdge) []GraphEdgeDoc {
	out := make([]GraphEdgeDoc, 0, len(edges))
	for _, e := range edges {
		out = append(out, NewGraphEdgeDoc(e))
	}
	return out
}

// GraphStatsResponse answers GET /v1/graph/stats.
type GraphStatsResponse struct {
	TotalNodes      int64              `json:"total_nodes"`
	TotalEdges      int64              `json:"total_edges"`
	UniqueRelations int                `json:"unique_relations"`
	Statistics      *domain.GraphStats `json:"statistics"`
}

// GraphNodesResponse answers GET /v1/graph/nodes.
type GraphNodesResponse struct {
	Nodes []GraphNodeDoc `json:"nodes"`
	Count int            `json:"count"`
}

// GraphEdgesResponse answers GET /v1/graph/edges.
type GraphEdgesResponse struct {
	Edges []GraphEdgeDoc `json:"edges"`
	Count int            `json:"count"`
}

// SubgraphResponse answers GET /v1/graph/subgraph.
type SubgraphResponse struct {
	Nodes      []GraphNodeDoc `json:"nodes"`
	Edges      []GraphEdgeDoc `json:"edges"`
	Statistics SubgraphStats  `json:"statistics"`
}

// SubgraphStats summarizes a traversal answer.
type SubgraphStats struct {
	NodeCount int `json:"node_count"`
	EdgeCount int `json:"edge_count"`
	Depth     int `json:"depth"`
}

// VectorMatchDoc is one seed hit of a GraphRAG query.
type VectorMatchDoc struct {
	Memory MemoryDoc `json:"memory"`
	Score  float64   `json:"score"`
}

// GraphQueryResponse answers POST /v1/graph/query.
type GraphQueryResponse struct {
	VectorMatches      []VectorMatchDoc         `json:"vector_matches"`
	GraphNodes         []GraphNodeDoc           `json:"graph_nodes"`
	GraphEdges         []GraphEdgeDoc           `json:"graph_edges"`
	SynthesizedContext string                   `json:"synthesized_context"`
	Statistics         *domain.TraversalSummary `json:"statistics"`
}

// NewGraphQueryResponse converts the traversal result into wire form.
func NewGraphQueryResponse(res *graph.QueryResult) GraphQueryResponse {
	out := GraphQueryResponse{
		VectorMatches:      make([]VectorMatchDoc, 0, len(res.Matches)),
		GraphNodes:         NewGraphNodeDocs(res.Nodes),
		GraphEdges:         NewGraphEdgeDocs(res.Edges),
		SynthesizedContext: res.SynthesizedContext,
		Statistics:         &res.Summary,
	}
	for _, m := range res.Matches {
		out.VectorMatches = append(out.VectorMatches, VectorMatchDoc{
			Memory: NewMemoryDoc(m.Memory),
			Score:  m.Score,
		})
	}
	return out
}

// CacheInvalidateResponse answers POST /v1/cache/invalidate.
type CacheInvalidateResponse struct {
	Invalidated int `json:"invalidated"`
}
