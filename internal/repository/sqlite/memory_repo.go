package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
)

const memoryColumns = `id, tenant_id, project_id, layer, content, source, tags, importance,
	user_importance_override, embedding_ref, created_at, last_accessed_at, usage_count,
	consolidation_status, parent_ids, archived_at`

// MemoryRepository implements repository.MemoryRepository on SQLite.
type MemoryRepository struct {
	store *Store
}

// NewMemoryRepository builds the repository over an open store.
func NewMemoryRepository(store *Store) *MemoryRepository {
	return &MemoryRepository{store: store}
}

var _ repository.MemoryRepository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(ctx context.Context, m *domain.Memory) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tags, err := json.Marshal(orEmpty(m.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	parents, err := json.Marshal(orEmpty(m.ParentIDs))
	if err != nil {
		return fmt.Errorf("encode parent ids: %w", err)
	}

	var override any
	if m.UserImportanceOverride != nil {
		override = *m.UserImportanceOverride
	}
	var archived any
	if m.ArchivedAt != nil {
		archived = m.ArchivedAt.UTC()
	}

	_, err = r.store.q(ctx).ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TenantID, m.ProjectID, string(m.Layer), m.Content, m.Source,
		string(tags), m.Importance, override, m.EmbeddingRef,
		m.CreatedAt.UTC(), m.LastAccessedAt.UTC(), m.UsageCount,
		string(m.ConsolidationStatus), string(parents), archived,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, tenantID, id string) (*domain.Memory, error) {
	var m *domain.Memory
	err := r.store.readRetry(ctx, func() error {
		row := r.store.q(ctx).QueryRowContext(ctx, `
			SELECT `+memoryColumns+` FROM memories WHERE tenant_id = ? AND id = ?`,
			tenantID, id,
		)
		var scanErr error
		m, scanErr = scanMemory(row)
		return scanErr
	})
	if err == sql.ErrNoRows {
		return nil, memoryNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

func (r *MemoryRepository) GetMany(ctx context.Context, tenantID string, ids []string) (map[string]*domain.Memory, error) {
	out := make(map[string]*domain.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	err := r.store.readRetry(ctx, func() error {
		rows, err := r.store.q(ctx).QueryContext(ctx, `
			SELECT `+memoryColumns+` FROM memories
			WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("get memories: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return fmt.Errorf("scan memory: %w", err)
			}
			out[m.ID] = m
		}
		return rows.Err()
	})
	return out, err
}

func (r *MemoryRepository) Delete(ctx context.Context, tenantID, id string) (bool, error) {
	res, err := r.store.q(ctx).ExecContext(ctx,
		`DELETE FROM memories WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *MemoryRepository) UpdateImportance(ctx context.Context, tenantID, id string, newImportance float64, reason string) error {
	newImportance = clamp01(newImportance)
	return r.store.WithinTx(ctx, func(ctx context.Context) error {
		var old float64
		err := r.store.q(ctx).QueryRowContext(ctx,
			`SELECT importance FROM memories WHERE tenant_id = ? AND id = ?`,
			tenantID, id,
		).Scan(&old)
		if err == sql.ErrNoRows {
			return memoryNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("read importance: %w", err)
		}
		if _, err := r.store.q(ctx).ExecContext(ctx,
			`UPDATE memories SET importance = ? WHERE tenant_id = ? AND id = ?`,
			newImportance, tenantID, id,
		); err != nil {
			return fmt.Errorf("update importance: %w", err)
		}
		if _, err := r.store.q(ctx).ExecContext(ctx, `
			INSERT INTO importance_audit (tenant_id, memory_id, old_importance, new_importance, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tenantID, id, old, newImportance, reason, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("append importance audit: %w", err)
		}
		return nil
	})
}

func (r *MemoryRepository) SetUserOverride(ctx context.Context, tenantID, id string, override *float64) error {
	return r.store.WithinTx(ctx, func(ctx context.Context) error {
		var (
			imp float64
			old sql.NullFloat64
		)
		err := r.store.q(ctx).QueryRowContext(ctx,
			`SELECT importance, user_importance_override FROM memories WHERE tenant_id = ? AND id = ?`,
			tenantID, id,
		).Scan(&imp, &old)
		if err == sql.ErrNoRows {
			return memoryNotFound(id)
		}
		if err != nil {
			return fmt.Errorf("read importance: %w", err)
		}

		var v any
		reason := "user_override_cleared"
		newVal := imp
		if override != nil {
			newVal = clamp01(*override)
			v = newVal
			reason = "user_override"
		}
		if _, err := r.store.q(ctx).ExecContext(ctx,
			`UPDATE memories SET user_importance_override = ? WHERE tenant_id = ? AND id = ?`,
			v, tenantID, id,
		); err != nil {
			return fmt.Errorf("set importance override: %w", err)
		}

		oldEffective := imp
		if old.Valid {
			oldEffective = old.Float64
		}
		if _, err := r.store.q(ctx).ExecContext(ctx, `
			INSERT INTO importance_audit (tenant_id, memory_id, old_importance, new_importance, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tenantID, id, oldEffective, newVal, reason, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("append importance audit: %w", err)
		}
		return nil
	})
}

func (r *MemoryRepository) SetEmbeddingRef(ctx context.Context, tenantID, id, ref string) error {
	res, err := r.store.q(ctx).ExecContext(ctx,
		`UPDATE memories SET embedding_ref = ? WHERE tenant_id = ? AND id = ?`,
		ref, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("set embedding ref: %w", err)
	}
	return requireRow(res, id)
}

func (r *MemoryRepository) RecordAccess(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, time.Now().UTC(), tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.store.q(ctx).ExecContext(ctx, `
		UPDATE memories SET usage_count = usage_count + 1, last_accessed_at = ?
		WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, q repository.MemoryQuery) ([]*domain.Memory, error) {
	where, args := memoryFilters("", q.TenantID, q.ProjectID, q.Layer, q.Filters, q.IncludeArchived)
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, q.Offset)

	var out []*domain.Memory
	err := r.store.readRetry(ctx, func() error {
		rows, err := r.store.q(ctx).QueryContext(ctx, `
			SELECT `+memoryColumns+` FROM memories
			WHERE `+strings.Join(where, " AND ")+`
			ORDER BY created_at DESC, id ASC
			LIMIT ? OFFSET ?`,
			args...,
		)
		if err != nil {
			return fmt.Errorf("list memories: %w", err)
		}
		defer rows.Close()
		out, err = collectMemories(rows)
		return err
	})
	return out, err
}

func (r *MemoryRepository) SearchFulltext(ctx context.Context, tenantID, projectID, query string, filters domain.Filters, limit int) ([]repository.FulltextHit, error) {
	match := ftsMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	where, args := memoryFilters("m.", tenantID, projectID, "", filters, false)
	full := append([]any{match}, args...)
	full = append(full, limit)

	var hits []repository.FulltextHit
	err := r.store.readRetry(ctx, func() error {
		// bm25 rank is negative, best first; negate so higher is better.
		rows, err := r.store.q(ctx).QueryContext(ctx, `
			SELECT `+prefixColumns("m", memoryColumns)+`, -memories_fts.rank AS score
			FROM memories_fts
			JOIN memories m ON m.rowid = memories_fts.rowid
			WHERE memories_fts MATCH ? AND `+strings.Join(where, " AND ")+`
			ORDER BY memories_fts.rank
			LIMIT ?`,
			full...,
		)
		if err != nil {
			return fmt.Errorf("fulltext search: %w", err)
		}
		defer rows.Close()

		hits = hits[:0]
		for rows.Next() {
			m, score, err := scanMemoryWithScore(rows)
			if err != nil {
				return fmt.Errorf("scan fulltext hit: %w", err)
			}
			hits = append(hits, repository.FulltextHit{Memory: m, Score: score})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (r *MemoryRepository) FindUnconsolidatedEpisodes(ctx context.Context, tenantID, projectID string, since time.Time, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE tenant_id = ? AND project_id = ? AND layer = ? AND consolidation_status = ?
		  AND created_at >= ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		tenantID, projectID, string(domain.LayerEpisodic), string(domain.StatusRaw),
		since.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find unconsolidated episodes: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (r *MemoryRepository) CountUnconsolidated(ctx context.Context, tenantID, projectID string) (int64, error) {
	var n int64
	err := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE tenant_id = ? AND project_id = ? AND layer = ? AND consolidation_status = ?`,
		tenantID, projectID, string(domain.LayerEpisodic), string(domain.StatusRaw),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unconsolidated: %w", err)
	}
	return n, nil
}

func (r *MemoryRepository) SetConsolidationStatus(ctx context.Context, tenantID string, ids []string, status domain.ConsolidationStatus) error {
	if len(ids) == 0 {
		return nil
	}
	var (
		set  string
		args []any
	)
	if status == domain.StatusArchived {
		set = `consolidation_status = ?, archived_at = ?`
		args = append(args, string(status), time.Now().UTC())
	} else {
		set = `consolidation_status = ?, archived_at = NULL`
		args = append(args, string(status))
	}
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.store.q(ctx).ExecContext(ctx, `
		UPDATE memories SET `+set+`
		WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("set consolidation status: %w", err)
	}
	return nil
}

func (r *MemoryRepository) ListDecayCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE consolidation_status != ? AND user_importance_override IS NULL
		  AND last_accessed_at < ?
		ORDER BY last_accessed_at ASC, id ASC
		LIMIT ?`,
		string(domain.StatusArchived), cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decay candidates: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (r *MemoryRepository) ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE consolidation_status = ? AND archived_at IS NOT NULL AND archived_at < ?
		ORDER BY archived_at ASC, id ASC
		LIMIT ?`,
		string(domain.StatusArchived), cutoff.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list archived: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (r *MemoryRepository) ListProjects(ctx context.Context) ([]repository.ProjectRef, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT DISTINCT tenant_id, project_id FROM memories
		WHERE layer = ? AND consolidation_status = ?
		ORDER BY tenant_id, project_id`,
		string(domain.LayerEpisodic), string(domain.StatusRaw),
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var refs []repository.ProjectRef
	for rows.Next() {
		var ref repository.ProjectRef
		if err := rows.Scan(&ref.TenantID, &ref.ProjectID); err != nil {
			return nil, fmt.Errorf("scan project ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// memoryFilters renders the shared WHERE fragments for listing and search.
// alias prefixes column references when the memories table is joined under
// a name. Range filters compare against the effective importance, so a user
// override participates in filtering the same way it does in scoring.
func memoryFilters(alias, tenantID, projectID string, layer domain.Layer, f domain.Filters, includeArchived bool) ([]string, []any) {
	where := []string{alias + "tenant_id = ?", alias + "project_id = ?"}
	args := []any{tenantID, projectID}

	if layer == "" {
		layer = f.Layer
	}
	if layer != "" {
		where = append(where, alias+"layer = ?")
		args = append(args, string(layer))
	}
	if !includeArchived {
		where = append(where, alias+"consolidation_status != ?")
		args = append(args, string(domain.StatusArchived))
	}
	for _, tag := range f.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each("+alias+"tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if f.Source != "" {
		where = append(where, alias+"source = ?")
		args = append(args, f.Source)
	}
	if f.CreatedAfter != nil {
		where = append(where, alias+"created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		where = append(where, alias+"created_at < ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.MinImportance != nil {
		where = append(where, "COALESCE("+alias+"user_importance_override, "+alias+"importance) >= ?")
		args = append(args, *f.MinImportance)
	}
	return where, args
}

// ftsMatchQuery quotes every token so user input can never be parsed as FTS5
// syntax, then ORs them for recall; bm25 ranking rewards multi-term matches.
func ftsMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc rowScanner) (*domain.Memory, error) {
	var (
		m             domain.Memory
		layer, status string
		tagsJSON      string
		parentsJSON   string
		override      sql.NullFloat64
		archived      sql.NullTime
	)
	err := sc.Scan(
		&m.ID, &m.TenantID, &m.ProjectID, &layer, &m.Content, &m.Source,
		&tagsJSON, &m.Importance, &override, &m.EmbeddingRef,
		&m.CreatedAt, &m.LastAccessedAt, &m.UsageCount,
		&status, &parentsJSON, &archived,
	)
	if err != nil {
		return nil, err
	}
	m.Layer = domain.Layer(layer)
	m.ConsolidationStatus = domain.ConsolidationStatus(status)
	if override.Valid {
		v := override.Float64
		m.UserImportanceOverride = &v
	}
	if archived.Valid {
		t := archived.Time
		m.ArchivedAt = &t
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(parentsJSON), &m.ParentIDs); err != nil {
		return nil, fmt.Errorf("decode parent ids: %w", err)
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	if len(m.ParentIDs) == 0 {
		m.ParentIDs = nil
	}
	return &m, nil
}

func scanMemoryWithScore(rows *sql.Rows) (*domain.Memory, float64, error) {
	var (
		m             domain.Memory
		layer, status string
		tagsJSON      string
		parentsJSON   string
		override      sql.NullFloat64
		archived      sql.NullTime
		score         float64
	)
	err := rows.Scan(
		&m.ID, &m.TenantID, &m.ProjectID, &layer, &m.Content, &m.Source,
		&tagsJSON, &m.Importance, &override, &m.EmbeddingRef,
		&m.CreatedAt, &m.LastAccessedAt, &m.UsageCount,
		&status, &parentsJSON, &archived, &score,
	)
	if err != nil {
		return nil, 0, err
	}
	m.Layer = domain.Layer(layer)
	m.ConsolidationStatus = domain.ConsolidationStatus(status)
	if override.Valid {
		v := override.Float64
		m.UserImportanceOverride = &v
	}
	if archived.Valid {
		t := archived.Time
		m.ArchivedAt = &t
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, 0, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(parentsJSON), &m.ParentIDs); err != nil {
		return nil, 0, fmt.Errorf("decode parent ids: %w", err)
	}
	return &m, score, nil
}

func collectMemories(rows *sql.Rows) ([]*domain.Memory, error) {
	var out []*domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func memoryNotFound(id string) error {
	return apperrors.NotFound(apperrors.CodeMemoryNotFound, "memory not found").
		WithResource("memory").
		WithDetails(fmt.Sprintf("id %q", id)).
		Build()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return memoryNotFound(id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
