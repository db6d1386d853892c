package handlers

import (
	"net/http"

	"go.uber.org/zap"

	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/interfaces/http/dto"
	"rae-backend/internal/observability"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/graph"
	"rae-backend/internal/service/reflection"
	"rae-backend/pkg/api"
)

// defaultSubgraphDepth applies when the subgraph route is called without an
// explicit depth.
const defaultSubgraphDepth = 2

// GraphHandler serves the /v1/graph routes. The hierarchical reflection
// route also answers under /v1/memory for callers that still use the old
// path; both bind to the same method.
type GraphHandler struct {
	graphs      *graph.Service
	reflections *reflection.Service
	metrics     *observability.Collector
	logger      *zap.Logger
}

// NewGraphHandler wires the graph handler.
func NewGraphHandler(
	graphs *graph.Service,
	reflections *reflection.Service,
	metrics *observability.Collector,
	logger *zap.Logger,
) *GraphHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphHandler{
		graphs:      graphs,
		reflections: reflections,
		metrics:     metrics,
		logger:      logger,
	}
}

// Extract handles POST /v1/graph/extract.
func (h *GraphHandler) Extract(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.ExtractGraphRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	project, err := resolveProject(principal, req.Project)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.graphs.Extract(r.Context(), graph.ExtractionRequest{
		TenantID:      principal.TenantID,
		ProjectID:     project,
		Limit:         req.Limit,
		MinConfidence: req.MinConfidence,
		AutoStore:     req.AutoStore,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	if req.AutoStore {
		h.metrics.GraphNodesCreated.Add(float64(res.Stats.EntitiesCount))
		h.metrics.GraphEdgesCreated.Add(float64(res.Stats.TriplesCount))
	}
	api.Success(w, http.StatusOK, res)
}

// Query handles POST /v1/graph/query: vector seeds expanded through the graph.
func (h *GraphHandler) Query(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.GraphQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	project, err := resolveProject(principal, req.Project)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.graphs.Query(r.Context(), graph.QueryRequest{
		TenantID:  principal.TenantID,
		ProjectID: project,
		Query:     req.Query,
		K:         req.K,
		Depth:     req.Depth,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, dto.NewGraphQueryResponse(res))
}

// Stats handles GET /v1/graph/stats.
func (h *GraphHandler) Stats(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	project, err := resolveProject(principal, r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	stats, err := h.graphs.Stats(r.Context(), principal.TenantID, project)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, dto.GraphStatsResponse{
		TotalNodes:      stats.NodeCount,
		TotalEdges:      stats.EdgeCount,
		UniqueRelations: len(stats.RelationCounts),
		Statistics:      stats,
	})
}

// Nodes handles GET /v1/graph/nodes. use_pagerank=true orders by the stored
// PageRank score instead of recency; min_pagerank_score drops nodes below
// the threshold.
func (h *GraphHandler) Nodes(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	project, err := resolveProject(principal, r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	usePageRank, err := queryBool(r, "use_pagerank")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	minPageRank, err := queryFloat(r, "min_pagerank_score")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	order := repository.NodeOrderRecency
	if usePageRank {
		order = repository.NodeOrderPageRank
	}
	nodes, err := h.graphs.Nodes(r.Context(), repository.NodeQuery{
		TenantID:    principal.TenantID,
		ProjectID:   project,
		MinPageRank: minPageRank,
		OrderBy:     order,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	docs := dto.NewGraphNodeDocs(nodes)
	api.Success(w, http.StatusOK, dto.GraphNodesResponse{Nodes: docs, Count: len(docs)})
}

// Edges handles GET /v1/graph/edges, optionally narrowed to one relation.
func (h *GraphHandler) Edges(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	project, err := resolveProject(principal, r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	edges, err := h.graphs.Edges(r.Context(), repository.EdgeQuery{
		TenantID:  principal.TenantID,
		ProjectID: project,
		Relation:  r.URL.Query().Get("relation"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	docs := dto.NewGraphEdgeDocs(edges)
	api.Success(w, http.StatusOK, dto.GraphEdgesResponse{Edges: docs, Count: len(docs)})
}

// Subgraph handles GET /v1/graph/subgraph. Roots outside the caller's scope
// are skipped, so the response never leaks whether a node ID exists for
// someone else.
func (h *GraphHandler) Subgraph(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	project, err := resolveProject(principal, r.URL.Query().Get("project"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	nodeIDs := queryCSV(r, "node_ids")
	if len(nodeIDs) == 0 {
		respondError(w, r, h.logger, apperrors.Validation(apperrors.CodeMissingField,
			"node_ids is required").WithDetails("parameter 'node_ids'").Build())
		return
	}
	depth, err := queryInt(r, "depth")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if depth == 0 {
		depth = defaultSubgraphDepth
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.graphs.Subgraph(r.Context(), principal.TenantID, project, nodeIDs, depth, limit)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	nodes := dto.NewGraphNodeDocs(res.Nodes)
	edges := dto.NewGraphEdgeDocs(res.Edges)
	api.Success(w, http.StatusOK, dto.SubgraphResponse{
		Nodes: nodes,
		Edges: edges,
		Statistics: dto.SubgraphStats{
			NodeCount: len(nodes),
			EdgeCount: len(edges),
			Depth:     depth,
		},
	})
}

// HierarchicalReflection handles POST /v1/graph/reflection/hierarchical and
// its /v1/memory alias.
func (h *GraphHandler) HierarchicalReflection(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.HierarchicalReflectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	project, err := resolveProject(principal, req.Project)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	res, err := h.reflections.Hierarchical(r.Context(), principal.TenantID, project, req.Limit)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, res)
}
