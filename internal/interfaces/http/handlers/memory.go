package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/config"
	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/interfaces/http/dto"
	"rae-backend/internal/observability"
	"rae-backend/internal/service/memory"
	"rae-backend/internal/service/retrieval"
	"rae-backend/pkg/api"
)

// defaultImportance is assigned when a store request omits the field.
const defaultImportance = 0.5

// MemoryHandler serves the /v1/memory routes.
type MemoryHandler struct {
	memories *memory.Service
	search   *retrieval.Service
	metrics  *observability.Collector
	defaults config.Retrieval
	logger   *zap.Logger
}

// NewMemoryHandler wires the memory handler.
func NewMemoryHandler(
	memories *memory.Service,
	search *retrieval.Service,
	metrics *observability.Collector,
	defaults config.Retrieval,
	logger *zap.Logger,
) *MemoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryHandler{
		memories: memories,
		search:   search,
		metrics:  metrics,
		defaults: defaults,
		logger:   logger,
	}
}

// Store handles POST /v1/memory/store.
func (h *MemoryHandler) Store(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.StoreMemoryRequest
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

	importance := defaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	m, err := h.memories.Store(r.Context(), memory.StoreRequest{
		TenantID:   principal.TenantID,
		ProjectID:  project,
		Content:    req.Content,
		Source:     req.Source,
		Layer:      req.Layer,
		Tags:       req.Tags,
		Importance: importance,
		Timestamp:  req.Timestamp,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	h.metrics.MemoriesStored.Inc()
	api.Success(w, http.StatusCreated, dto.StoreMemoryResponse{ID: m.ID})
}

// Get handles GET /v1/memory/get. A memory owned by another tenant answers
// the same 404 as one that never existed.
func (h *MemoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	memoryID := r.URL.Query().Get("memory_id")
	if memoryID == "" {
		respondError(w, r, h.logger, apperrors.Validation(apperrors.CodeMissingField,
			"memory_id is required").WithDetails("parameter 'memory_id'").Build())
		return
	}

	m, err := h.memories.Get(r.Context(), principal.TenantID, memoryID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, dto.NewMemoryDoc(m))
}

// Delete handles DELETE /v1/memory/delete.
func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	memoryID := r.URL.Query().Get("memory_id")
	if memoryID == "" {
		respondError(w, r, h.logger, apperrors.Validation(apperrors.CodeMissingField,
			"memory_id is required").WithDetails("parameter 'memory_id'").Build())
		return
	}

	found, err := h.memories.Delete(r.Context(), principal.TenantID, memoryID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if !found {
		respondError(w, r, h.logger, apperrors.NotFound(apperrors.CodeMemoryNotFound,
			"memory not found").Build())
		return
	}
	api.Success(w, http.StatusOK, dto.MessageResponse{Message: "memory deleted"})
}

// List handles GET /v1/memory/list.
func (h *MemoryHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
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
	req := dto.ListMemoriesRequest{
		Project: r.URL.Query().Get("project"),
		Layer:   r.URL.Query().Get("layer"),
		Tags:    queryCSV(r, "tags"),
		Source:  r.URL.Query().Get("source"),
		Limit:   limit,
		Offset:  offset,
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

	memories, err := h.memories.List(r.Context(), memory.ListRequest{
		TenantID:  principal.TenantID,
		ProjectID: project,
		Layer:     req.Layer,
		Tags:      req.Tags,
		Source:    req.Source,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	docs := make([]dto.MemoryDoc, 0, len(memories))
	for _, m := range memories {
		docs = append(docs, dto.NewMemoryDoc(m))
	}
	api.Success(w, http.StatusOK, dto.ListMemoriesResponse{Memories: docs, Count: len(docs)})
}

// SetImportance handles POST /v1/memory/importance. A null importance clears
// the user override, returning ranking to the computed score.
func (h *MemoryHandler) SetImportance(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.SetImportanceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	if err := h.memories.SetImportanceOverride(r.Context(), principal.TenantID, req.MemoryID, req.Importance); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	m, err := h.memories.Get(r.Context(), principal.TenantID, req.MemoryID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, dto.NewMemoryDoc(m))
}

// Query handles POST /v1/memory/query: the hybrid retrieval endpoint.
func (h *MemoryHandler) Query(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.QueryMemoryRequest
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
	filters, err := toFilters(req.Filters)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	k := req.K
	if k == 0 {
		k = h.defaults.DefaultK
	}
	if k <= 0 {
		k = 10
	}

	start := time.Now()
	res, err := h.search.Search(r.Context(), retrieval.SearchRequest{
		TenantID:   principal.TenantID,
		ProjectID:  project,
		Query:      req.Query,
		K:          k,
		Filters:    filters,
		Profile:    domain.WeightProfile(req.Profile),
		UseGraph:   req.UseGraph,
		GraphDepth: req.GraphDepth,
		Rerank:     req.Rerank,
		NoCache:    req.NoCache,
		History:    req.History,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	outcome := "miss"
	if res.CacheHit {
		outcome = "hit"
	}
	h.metrics.Queries.WithLabelValues(outcome).Inc()
	h.metrics.QueryDuration.Observe(time.Since(start).Seconds())

	api.Success(w, http.StatusOK, dto.NewQueryMemoryResponse(res, req.UseGraph))
}

// toFilters converts wire filters, resolving layer aliases at the boundary.
func toFilters(f dto.QueryFilters) (domain.Filters, error) {
	out := domain.Filters{
		Tags:          f.Tags,
		Source:        f.Source,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
		MinImportance: f.MinImportance,
	}
	if f.Layer != "" {
		layer, ok := domain.ParseLayer(f.Layer)
		if !ok {
			return domain.Filters{}, apperrors.Validation(apperrors.CodeInvalidLayer,
				"unknown layer "+f.Layer).WithDetails("field 'filters.layer'").Build()
		}
		out.Layer = layer
	}
	return out, nil
}
