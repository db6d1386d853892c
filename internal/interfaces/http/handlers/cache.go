package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/cache"
	"rae-backend/internal/config"
	"rae-backend/internal/interfaces/http/dto"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/retrieval"
	"rae-backend/pkg/api"
)

const (
	// defaultRebuildSeeds bounds how many logged queries a rebuild replays
	// when the request does not say.
	defaultRebuildSeeds = 20
	// rebuildTimeout bounds the detached warm run.
	rebuildTimeout = 30 * time.Second
)

// CacheHandler serves the /v1/cache routes.
type CacheHandler struct {
	cache    cache.ContextCache
	search   *retrieval.Service
	queryLog repository.QueryLogRepository
	defaults config.Retrieval
	logger   *zap.Logger
}

// NewCacheHandler wires the cache handler.
func NewCacheHandler(
	contextCache cache.ContextCache,
	search *retrieval.Service,
	queryLog repository.QueryLogRepository,
	defaults config.Retrieval,
	logger *zap.Logger,
) *CacheHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheHandler{
		cache:    contextCache,
		search:   search,
		queryLog: queryLog,
		defaults: defaults,
		logger:   logger,
	}
}

// Stats handles GET /v1/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r); !ok {
		return
	}
	api.Success(w, http.StatusOK, h.cache.Stats(r.Context()))
}

// Rebuild handles POST /v1/cache/rebuild. It replays the scope's most recent
// logged queries through the retrieval pipeline on a detached context; the
// pipeline fills cold keys with PutIfAbsent, so entries written since the
// log row are never overwritten. The request is acknowledged with 202 before
// the warm runs.
func (h *CacheHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.CacheRebuildRequest
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
	limit := req.Limit
	if limit <= 0 {
		limit = defaultRebuildSeeds
	}

	records, err := h.queryLog.Recent(r.Context(), principal.TenantID, project, limit)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	seeds := make([]string, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.Query]; dup {
			continue
		}
		seen[rec.Query] = struct{}{}
		seeds = append(seeds, rec.Query)
	}

	go h.warm(principal.TenantID, project, seeds)

	api.Success(w, http.StatusAccepted, dto.MessageResponse{Message: "cache rebuild scheduled"})
}

// warm replays seed queries so their results land in the cache.
func (h *CacheHandler) warm(tenantID, projectID string, seeds []string) {
	ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
	defer cancel()

	k := h.defaults.DefaultK
	if k <= 0 {
		k = 10
	}
	warmed := 0
	for _, query := range seeds {
		if ctx.Err() != nil {
			break
		}
		if _, err := h.search.Search(ctx, retrieval.SearchRequest{
			TenantID:  tenantID,
			ProjectID: projectID,
			Query:     query,
			K:         k,
		}); err != nil {
			h.logger.Warn("cache warm query failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			continue
		}
		warmed++
	}
	h.logger.Info("cache rebuild finished",
		zap.String("tenant_id", tenantID),
		zap.String("project_id", projectID),
		zap.Int("seeds", len(seeds)),
		zap.Int("warmed", warmed))
}

// Invalidate handles POST /v1/cache/invalidate. An empty project drops the
// whole tenant's entries.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	principal, ok := requireScope(w, r)
	if !ok {
		return
	}
	var req dto.CacheInvalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if err := dto.Validate(req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	removed := h.cache.Invalidate(r.Context(), principal.TenantID, req.Project)
	h.logger.Info("cache invalidated",
		zap.String("tenant_id", principal.TenantID),
		zap.String("project_id", req.Project),
		zap.Int("removed", removed))
	api.Success(w, http.StatusOK, dto.CacheInvalidateResponse{Invalidated: removed})
}
