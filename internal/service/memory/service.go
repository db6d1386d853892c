// Package memory implements the storage lifecycle for memories: validated
// creation with synchronous embedding, point reads, idempotent deletes that
// also clear the vector index, paged listings and user importance overrides.
//
// Access statistics are owned by the retrieval pipeline; a plain Get here
// never bumps usage_count or last_accessed_at.
package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
	"rae-backend/internal/service/llm"
	"rae-backend/internal/vector"
)

const defaultListLimit = 50

// Service owns memory writes and point reads.
type Service struct {
	memories repository.MemoryRepository
	index    vector.Index
	embedder llm.EmbeddingProvider
	logger   *zap.Logger
}

// NewService wires the memory service.
func NewService(
	memories repository.MemoryRepository,
	index vector.Index,
	embedder llm.EmbeddingProvider,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		memories: memories,
		index:    index,
		embedder: embedder,
		logger:   logger,
	}
}

// StoreRequest carries one memory to persist. Layer accepts full names and
// the two-letter agent aliases ("em", "sm", "rf"). Timestamp, when set,
// backdates created_at and last_accessed_at for replayed history.
type StoreRequest struct {
	TenantID   string
	ProjectID  string
	Content    string
	Source     string
	Layer      string
	Tags       []string
	Importance float64
	Timestamp  *time.Time
}

// Store persists a memory and embeds it for vector retrieval. The embedding
// is computed before the relational write, so an embedding-provider outage
// stores nothing. A vector-index failure after the write leaves embedding_ref
// empty and the memory reachable through fulltext until a later re-index.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*domain.Memory, error) {
	layer, ok := domain.ParseLayer(req.Layer)
	if !ok {
		return nil, apperrors.Validation(apperrors.CodeInvalidLayer,
			fmt.Sprintf("unknown layer %q", req.Layer)).
			WithDetails("expected one of: episodic, semantic, reflective (or em/sm/rf)").
			Build()
	}

	m, err := domain.NewMemory(req.TenantID, req.ProjectID, layer, req.Content, req.Source, req.Tags, req.Importance)
	if err != nil {
		return nil, err
	}
	if req.Timestamp != nil {
		ts := req.Timestamp.UTC()
		m.CreatedAt = ts
		m.LastAccessedAt = ts
	}

	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil {
		return nil, apperrors.DependencyUnavailable(apperrors.CodeEmbeddingFailed,
			"embedding provider unavailable").
			WithCause(err).
			Build()
	}

	if err := s.memories.Create(ctx, m); err != nil {
		return nil, err
	}

	payload := vector.Payload{
		Layer:     string(m.Layer),
		Tags:      m.Tags,
		CreatedAt: m.CreatedAt,
	}
	if err := s.index.Upsert(ctx, m.TenantID, m.ProjectID, m.ID, vec, payload); err != nil {
		s.logger.Warn("vector upsert failed, memory stored without embedding ref",
			zap.String("tenant_id", m.TenantID),
			zap.String("memory_id", m.ID),
			zap.Error(err))
		return m, nil
	}
	if err := s.memories.SetEmbeddingRef(ctx, m.TenantID, m.ID, m.ID); err != nil {
		s.logger.Warn("embedding ref not recorded",
			zap.String("tenant_id", m.TenantID),
			zap.String("memory_id", m.ID),
			zap.Error(err))
		return m, nil
	}
	m.EmbeddingRef = m.ID

	s.logger.Debug("memory stored",
		zap.String("tenant_id", m.TenantID),
		zap.String("project_id", m.ProjectID),
		zap.String("memory_id", m.ID),
		zap.String("layer", string(m.Layer)))
	return m, nil
}

// Get returns the memory when owned by the tenant. Reading through this path
// does not count as retrieval, so access stats are untouched.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*domain.Memory, error) {
	return s.memories.Get(ctx, tenantID, id)
}

// Delete removes the memory and its vector. Idempotent: a second delete of
// the same ID reports found=false without error. Vector cleanup failures are
// logged and swallowed; the relational row is already gone and the orphaned
// vector can never be resolved back into a result.
func (s *Service) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	m, err := s.memories.Get(ctx, tenantID, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	found, err := s.memories.Delete(ctx, tenantID, id)
	if err != nil {
		return false, err
	}
	if found {
		// Deleted by memory ID rather than embedding_ref: a vector whose
		// ref commit failed still lives under the memory ID.
		if err := s.index.Delete(ctx, tenantID, m.ProjectID, id); err != nil {
			s.logger.Warn("vector delete failed",
				zap.String("tenant_id", tenantID),
				zap.String("memory_id", id),
				zap.Error(err))
		}
	}
	return found, nil
}

// ListRequest narrows a memory listing. Layer is optional; when set it must
// parse. Limit defaults to 50.
type ListRequest struct {
	TenantID  string
	ProjectID string
	Layer     string
	Tags      []string
	Source    string
	Limit     int
	Offset    int
}

// List returns memories for the scope, newest first.
func (s *Service) List(ctx context.Context, req ListRequest) ([]*domain.Memory, error) {
	q := repository.MemoryQuery{
		TenantID:  req.TenantID,
		ProjectID: req.ProjectID,
		Limit:     req.Limit,
		Offset:    req.Offset,
	}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if req.Layer != "" {
		layer, ok := domain.ParseLayer(req.Layer)
		if !ok {
			return nil, apperrors.Validation(apperrors.CodeInvalidLayer,
				fmt.Sprintf("unknown layer %q", req.Layer)).Build()
		}
		q.Layer = layer
	}
	q.Filters = domain.Filters{Tags: req.Tags, Source: req.Source}
	return s.memories.List(ctx, q)
}

// SetImportanceOverride sets or clears the user importance override. The
// repository clamps into [0,1] and appends to the importance audit log.
func (s *Service) SetImportanceOverride(ctx context.Context, tenantID, id string, override *float64) error {
	return s.memories.SetUserOverride(ctx, tenantID, id, override)
}
