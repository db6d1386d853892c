package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"rae-backend/internal/domain"
	"rae-backend/internal/repository"
)

// QueryLogRepository implements repository.QueryLogRepository. The log is a
// small rolling window per (tenant, project); Prune keeps it bounded.
type QueryLogRepository struct {
	store *Store
}

// NewQueryLogRepository builds the repository over an open store.
func NewQueryLogRepository(store *Store) *QueryLogRepository {
	return &QueryLogRepository{store: store}
}

var _ repository.QueryLogRepository = (*QueryLogRepository)(nil)

func (r *QueryLogRepository) Append(ctx context.Context, rec *domain.QueryRecord) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO query_log (tenant_id, project_id, query, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.TenantID, rec.ProjectID, rec.Query, encodeFloats(rec.Embedding), ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append query log: %w", err)
	}
	return nil
}

func (r *QueryLogRepository) Recent(ctx context.Context, tenantID, projectID string, limit int) ([]*domain.QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT id, tenant_id, project_id, query, embedding, created_at
		FROM query_log
		WHERE tenant_id = ? AND project_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		tenantID, projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent queries: %w", err)
	}
	defer rows.Close()

	var out []*domain.QueryRecord
	for rows.Next() {
		var (
			rec  domain.QueryRecord
			blob []byte
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ProjectID, &rec.Query, &blob, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query record: %w", err)
		}
		rec.Embedding = decodeFloats(blob)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *QueryLogRepository) Prune(ctx context.Context, tenantID, projectID string, keep int) error {
	if keep <= 0 {
		keep = 20
	}
	_, err := r.store.q(ctx).ExecContext(ctx, `
		DELETE FROM query_log
		WHERE tenant_id = ? AND project_id = ? AND id NOT IN (
			SELECT id FROM query_log
			WHERE tenant_id = ? AND project_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`,
		tenantID, projectID, tenantID, projectID, keep,
	)
	if err != nil {
		return fmt.Errorf("prune query log: %w", err)
	}
	return nil
}

// encodeFloats packs a vector as little-endian float32 bytes.
func encodeFloats(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeFloats(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
