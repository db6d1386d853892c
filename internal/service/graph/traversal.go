package graph

import (
	"context"
	"fmt"
	"strings"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/retrieval"
)

const (
	// maxTraversalDepth bounds every walk; deeper frontiers on dense graphs
	// grow combinatorially and stop adding retrieval value.
	maxTraversalDepth     = 5
	defaultTraversalLimit = 100
	maxExpansionNodes     = 500
	maxSummaryEntities    = 10
	defaultQueryK         = 10
	defaultQueryDepth     = 2
)

// TraversalResult is a connected slice of the graph in traversal order.
type TraversalResult struct {
	Nodes []*domain.GraphNode
	Edges []*domain.GraphEdge
}

// visit pairs a node with the hop count at which the walk reached it.
type visit struct {
	node  *domain.GraphNode
	depth int
}

// Neighborhood walks breadth-first from one node, following both edge
// directions, optionally narrowed to a single relation label.
func (s *Service) Neighborhood(ctx context.Context, tenantID, projectID, nodeID string, depth int, relation string, limit int) (*TraversalResult, error) {
	if err := validateDepth(depth); err != nil {
		return nil, err
	}
	root, err := s.graph.GetNodeByNodeID(ctx, tenantID, projectID, nodeID)
	if err != nil {
		return nil, err
	}
	visits, edges, err := s.walk(ctx, tenantID, []*domain.GraphNode{root}, depth, relation, limit)
	if err != nil {
		return nil, err
	}
	return toResult(visits, edges), nil
}

// Subgraph unions the neighborhoods of several root nodes. Roots that do not
// exist in the caller's scope are skipped rather than failing the request, so
// the result for a partly stale root list is still useful.
func (s *Service) Subgraph(ctx context.Context, tenantID, projectID string, nodeIDs []string, depth, limit int) (*TraversalResult, error) {
	if err := validateDepth(depth); err != nil {
		return nil, err
	}
	roots := make([]*domain.GraphNode, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		node, err := s.graph.GetNodeByNodeID(ctx, tenantID, projectID, id)
		if err != nil {
			if apperrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		roots = append(roots, node)
	}
	if len(roots) == 0 {
		return &TraversalResult{Nodes: []*domain.GraphNode{}, Edges: []*domain.GraphEdge{}}, nil
	}
	visits, edges, err := s.walk(ctx, tenantID, roots, depth, "", limit)
	if err != nil {
		return nil, err
	}
	return toResult(visits, edges), nil
}

// ExpandFromMemories maps seed memories to their source nodes, walks outward,
// and scores every memory referenced along the way by proximity: 1/(1+depth),
// keeping the maximum when several nodes reference the same memory. Seeds
// score 1.0. This is the retrieval pipeline's graph arm.
func (s *Service) ExpandFromMemories(ctx context.Context, tenantID, projectID string, seedIDs []string, depth, limit int) (*retrieval.GraphExpansion, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}
	if limit <= 0 {
		limit = defaultTraversalLimit
	}

	roots, resolved, err := s.seedNodes(ctx, tenantID, projectID, seedIDs)
	if err != nil {
		return nil, err
	}

	expansion := &retrieval.GraphExpansion{Scores: make(map[string]float64)}
	expansion.Summary.Depth = depth
	expansion.Summary.SeedMemories = resolved
	if len(roots) == 0 {
		return expansion, nil
	}

	visits, edges, err := s.walk(ctx, tenantID, roots, depth, "", maxExpansionNodes)
	if err != nil {
		return nil, err
	}

	// Visits arrive in breadth-first order, so when the score map fills up
	// the nearest memories have already claimed their slots.
	for _, v := range visits {
		score := 1.0 / float64(1+v.depth)
		for _, memoryID := range v.node.SourceMemoryIDs() {
			if current, ok := expansion.Scores[memoryID]; ok {
				if score > current {
					expansion.Scores[memoryID] = score
				}
				continue
			}
			if len(expansion.Scores) >= limit {
				continue
			}
			expansion.Scores[memoryID] = score
		}
	}
	expansion.Summary.GraphNodes = len(visits)
	expansion.Summary.GraphEdges = len(edges)
	expansion.Summary.Entities = entityLabels(visits, maxSummaryEntities)
	return expansion, nil
}

// QueryRequest is a GraphRAG query: vector search for seeds, then traversal.
type QueryRequest struct {
	TenantID  string
	ProjectID string
	Query     string
	K         int
	Depth     int
}

// MemoryMatch is one vector hit with its normalized similarity.
type MemoryMatch struct {
	Memory *domain.Memory
	Score  float64
}

// QueryResult carries the seed matches, the traversed slice of the graph,
// and a synthesized context block describing both.
type QueryResult struct {
	Matches            []MemoryMatch
	Nodes              []*domain.GraphNode
	Edges              []*domain.GraphEdge
	SynthesizedContext string
	Summary            domain.TraversalSummary
}

// Query embeds the query text, takes the top-k vector matches as seeds, and
// expands them through the graph.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperrors.Validation(apperrors.CodeQueryEmpty, "query must not be empty").Build()
	}
	k := req.K
	if k <= 0 {
		k = defaultQueryK
	}
	depth := req.Depth
	if depth == 0 {
		depth = defaultQueryDepth
	}
	if err := validateDepth(depth); err != nil {
		return nil, err
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.index.Search(ctx, req.TenantID, req.ProjectID, embedding, k, domain.Filters{})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	loaded, err := s.memories.GetMany(ctx, req.TenantID, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]MemoryMatch, 0, len(hits))
	scored := make([]domain.ScoredMemory, 0, len(hits))
	seedIDs := make([]string, 0, len(hits))
	for _, h := range hits {
		m, ok := loaded[h.ID]
		if !ok {
			continue
		}
		matches = append(matches, MemoryMatch{Memory: m, Score: h.Score})
		scored = append(scored, domain.ScoredMemory{Memory: m, FusedScore: h.Score, FinalScore: h.Score})
		seedIDs = append(seedIDs, m.ID)
	}

	roots, resolved, err := s.seedNodes(ctx, req.TenantID, req.ProjectID, seedIDs)
	if err != nil {
		return nil, err
	}
	visits, edges, err := s.walk(ctx, req.TenantID, roots, depth, "", defaultTraversalLimit)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{
		Matches: matches,
		Edges:   edges,
		Summary: domain.TraversalSummary{
			GraphNodes:   len(visits),
			GraphEdges:   len(edges),
			Depth:        depth,
			SeedMemories: resolved,
			Entities:     entityLabels(visits, maxSummaryEntities),
		},
	}
	result.Nodes = make([]*domain.GraphNode, len(visits))
	for i, v := range visits {
		result.Nodes[i] = v.node
	}
	result.SynthesizedContext = retrieval.BuildContext(scored, &result.Summary, len(matches))
	return result, nil
}

// walk is the breadth-first core. Nodes are deduplicated by internal ID,
// edges by row ID; nodeLimit bounds how many nodes are visited. Visits come
// back in traversal order, roots first at depth zero.
func (s *Service) walk(ctx context.Context, tenantID string, roots []*domain.GraphNode, depth int, relation string, nodeLimit int) ([]visit, []*domain.GraphEdge, error) {
	if nodeLimit <= 0 {
		nodeLimit = defaultTraversalLimit
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	visited := make(map[int64]struct{}, len(roots))
	seenEdges := make(map[int64]struct{})
	var visits []visit
	var edges []*domain.GraphEdge

	for _, root := range roots {
		if _, ok := visited[root.InternalID]; ok {
			continue
		}
		if len(visits) >= nodeLimit {
			break
		}
		visited[root.InternalID] = struct{}{}
		visits = append(visits, visit{node: root})
	}

	// The visits slice doubles as the queue; appended neighbors extend it
	// in level order.
	for i := 0; i < len(visits); i++ {
		current := visits[i]
		if current.depth >= depth {
			continue
		}
		neighbors, err := s.graph.Neighbors(ctx, tenantID, current.node.InternalID, repository.DirectionBoth, relation, 0)
		if err != nil {
			return nil, nil, err
		}
		for _, nb := range neighbors {
			if _, ok := seenEdges[nb.Edge.ID]; !ok {
				seenEdges[nb.Edge.ID] = struct{}{}
				edges = append(edges, nb.Edge)
			}
			if _, ok := visited[nb.Node.InternalID]; ok {
				continue
			}
			if len(visits) >= nodeLimit {
				continue
			}
			visited[nb.Node.InternalID] = struct{}{}
			visits = append(visits, visit{node: nb.Node, depth: current.depth + 1})
		}
	}
	return visits, edges, nil
}

// seedNodes resolves memory IDs to the nodes that cite them, deduplicated by
// internal ID. The count reports how many IDs resolved to at least one node.
func (s *Service) seedNodes(ctx context.Context, tenantID, projectID string, memoryIDs []string) ([]*domain.GraphNode, int, error) {
	var roots []*domain.GraphNode
	seen := make(map[int64]struct{})
	resolved := 0
	for _, memoryID := range memoryIDs {
		nodes, err := s.graph.NodesForMemory(ctx, tenantID, projectID, memoryID)
		if err != nil {
			return nil, 0, err
		}
		if len(nodes) > 0 {
			resolved++
		}
		for _, n := range nodes {
			if _, ok := seen[n.InternalID]; ok {
				continue
			}
			seen[n.InternalID] = struct{}{}
			roots = append(roots, n)
		}
	}
	return roots, resolved, nil
}

func validateDepth(depth int) error {
	if depth < 1 || depth > maxTraversalDepth {
		return apperrors.Validation(apperrors.CodeInvalidGraphDepth,
			fmt.Sprintf("graph depth must be between 1 and %d", maxTraversalDepth)).Build()
	}
	return nil
}

func toResult(visits []visit, edges []*domain.GraphEdge) *TraversalResult {
	nodes := make([]*domain.GraphNode, len(visits))
	for i, v := range visits {
		nodes[i] = v.node
	}
	if edges == nil {
		edges = []*domain.GraphEdge{}
	}
	return &TraversalResult{Nodes: nodes, Edges: edges}
}

func entityLabels(visits []visit, limit int) []string {
	labels := make([]string, 0, limit)
	for _, v := range visits {
		if len(labels) >= limit {
			break
		}
		labels = append(labels, v.node.Label)
	}
	return labels
}
