package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"rae-backend/internal/domain"
	apperrors "rae-backend/internal/errors"
	"rae-backend/internal/repository"
)

const nodeColumns = `id, tenant_id, project_id, node_id, label, properties, created_at`
const edgeColumns = `id, tenant_id, project_id, source_node_id, target_node_id, relation, properties, created_at`

// GraphRepository implements repository.GraphRepository on SQLite. Node and
// edge properties live in a JSON column; merges happen in Go under a
// transaction because list union is not expressible in one statement.
type GraphRepository struct {
	store *Store
}

// NewGraphRepository builds the repository over an open store.
func NewGraphRepository(store *Store) *GraphRepository {
	return &GraphRepository{store: store}
}

var _ repository.GraphRepository = (*GraphRepository)(nil)

func (r *GraphRepository) UpsertNode(ctx context.Context, tenantID, projectID, nodeID, label string, properties map[string]any) (int64, error) {
	var internalID int64
	err := r.store.WithinTx(ctx, func(ctx context.Context) error {
		var (
			existingID    int64
			existingProps string
		)
		err := r.store.q(ctx).QueryRowContext(ctx, `
			SELECT id, properties FROM graph_nodes
			WHERE tenant_id = ? AND project_id = ? AND node_id = ?`,
			tenantID, projectID, nodeID,
		).Scan(&existingID, &existingProps)

		switch {
		case err == sql.ErrNoRows:
			props, mErr := json.Marshal(orEmptyMap(properties))
			if mErr != nil {
				return fmt.Errorf("encode node properties: %w", mErr)
			}
			res, iErr := r.store.q(ctx).ExecContext(ctx, `
				INSERT INTO graph_nodes (tenant_id, project_id, node_id, label, properties, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				tenantID, projectID, nodeID, label, string(props), time.Now().UTC(),
			)
			if iErr != nil {
				return fmt.Errorf("insert node: %w", iErr)
			}
			internalID, iErr = res.LastInsertId()
			return iErr

		case err != nil:
			return fmt.Errorf("lookup node: %w", err)

		default:
			merged, mErr := mergeJSONProperties(existingProps, properties)
			if mErr != nil {
				return mErr
			}
			if _, uErr := r.store.q(ctx).ExecContext(ctx, `
				UPDATE graph_nodes SET label = ?, properties = ? WHERE id = ?`,
				label, merged, existingID,
			); uErr != nil {
				return fmt.Errorf("update node: %w", uErr)
			}
			internalID = existingID
			return nil
		}
	})
	if err != nil {
		return 0, err
	}
	return internalID, nil
}

func (r *GraphRepository) InsertEdge(ctx context.Context, tenantID, projectID string, sourceID, targetID int64, relation string, properties map[string]any) (bool, error) {
	created := false
	err := r.store.WithinTx(ctx, func(ctx context.Context) error {
		props := orEmptyMap(properties)
		if _, ok := props["observation_count"]; !ok {
			props["observation_count"] = float64(1)
		}
		encoded, err := json.Marshal(props)
		if err != nil {
			return fmt.Errorf("encode edge properties: %w", err)
		}
		res, err := r.store.q(ctx).ExecContext(ctx, `
			INSERT INTO graph_edges (tenant_id, project_id, source_node_id, target_node_id, relation, properties, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, project_id, source_node_id, target_node_id, relation) DO NOTHING`,
			tenantID, projectID, sourceID, targetID, relation, string(encoded), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			created = true
			return nil
		}

		// Duplicate observation: bump the counter on the existing edge.
		var existingProps string
		err = r.store.q(ctx).QueryRowContext(ctx, `
			SELECT properties FROM graph_edges
			WHERE tenant_id = ? AND project_id = ? AND source_node_id = ? AND target_node_id = ? AND relation = ?`,
			tenantID, projectID, sourceID, targetID, relation,
		).Scan(&existingProps)
		if err != nil {
			return fmt.Errorf("lookup edge: %w", err)
		}
		existing := map[string]any{}
		if uErr := json.Unmarshal([]byte(existingProps), &existing); uErr != nil {
			return fmt.Errorf("decode edge properties: %w", uErr)
		}
		existing["observation_count"] = asFloat(existing["observation_count"]) + 1
		updated, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("encode edge properties: %w", err)
		}
		if _, err := r.store.q(ctx).ExecContext(ctx, `
			UPDATE graph_edges SET properties = ?
			WHERE tenant_id = ? AND project_id = ? AND source_node_id = ? AND target_node_id = ? AND relation = ?`,
			string(updated), tenantID, projectID, sourceID, targetID, relation,
		); err != nil {
			return fmt.Errorf("update edge: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *GraphRepository) GetNodeByNodeID(ctx context.Context, tenantID, projectID, nodeID string) (*domain.GraphNode, error) {
	row := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE tenant_id = ? AND project_id = ? AND node_id = ?`,
		tenantID, projectID, nodeID,
	)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nodeNotFound(nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (r *GraphRepository) GetNodeByInternalID(ctx context.Context, tenantID string, internalID int64) (*domain.GraphNode, error) {
	row := r.store.q(ctx).QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes WHERE tenant_id = ? AND id = ?`,
		tenantID, internalID,
	)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nodeNotFound(fmt.Sprintf("#%d", internalID))
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

func (r *GraphRepository) ListNodes(ctx context.Context, q repository.NodeQuery) ([]*domain.GraphNode, error) {
	where := []string{"tenant_id = ?", "project_id = ?"}
	args := []any{q.TenantID, q.ProjectID}
	if q.MinPageRank > 0 {
		where = append(where, "CAST(COALESCE(json_extract(properties, '$.pagerank_score'), 0) AS REAL) >= ?")
		args = append(args, q.MinPageRank)
	}

	order := "created_at DESC, id ASC"
	if q.OrderBy == repository.NodeOrderPageRank {
		order = "CAST(COALESCE(json_extract(properties, '$.pagerank_score'), 0) AS REAL) DESC, id ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, q.Offset)

	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *GraphRepository) ListEdges(ctx context.Context, q repository.EdgeQuery) ([]*domain.GraphEdge, error) {
	where := []string{"tenant_id = ?", "project_id = ?"}
	args := []any{q.TenantID, q.ProjectID}
	if q.Relation != "" {
		where = append(where, "relation = ?")
		args = append(args, q.Relation)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, q.Offset)

	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+edgeColumns+` FROM graph_edges
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []*domain.GraphEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (r *GraphRepository) Neighbors(ctx context.Context, tenantID string, internalID int64, direction repository.Direction, relationFilter string, limit int) ([]repository.Neighbor, error) {
	var out []repository.Neighbor

	collect := func(edgeCol, nodeCol string) error {
		where := []string{"e.tenant_id = ?", "e." + edgeCol + " = ?"}
		args := []any{tenantID, internalID}
		if relationFilter != "" {
			where = append(where, "e.relation = ?")
			args = append(args, relationFilter)
		}
		var batch []repository.Neighbor
		err := r.store.readRetry(ctx, func() error {
			rows, err := r.store.q(ctx).QueryContext(ctx, `
				SELECT `+prefixColumns("e", edgeColumns)+`, `+prefixColumns("n", nodeColumns)+`
				FROM graph_edges e
				JOIN graph_nodes n ON n.id = e.`+nodeCol+`
				WHERE `+strings.Join(where, " AND "),
				args...,
			)
			if err != nil {
				return fmt.Errorf("query neighbors: %w", err)
			}
			defer rows.Close()
			batch = batch[:0]
			for rows.Next() {
				nb, err := scanNeighbor(rows)
				if err != nil {
					return fmt.Errorf("scan neighbor: %w", err)
				}
				batch = append(batch, nb)
			}
			return rows.Err()
		})
		if err != nil {
			return err
		}
		out = append(out, batch...)
		return nil
	}

	if direction == repository.DirectionOut || direction == repository.DirectionBoth {
		if err := collect("source_node_id", "target_node_id"); err != nil {
			return nil, err
		}
	}
	if direction == repository.DirectionIn || direction == repository.DirectionBoth {
		if err := collect("target_node_id", "source_node_id"); err != nil {
			return nil, err
		}
	}

	// Deterministic traversal order regardless of insert order.
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Node.Label != b.Node.Label {
			return a.Node.Label < b.Node.Label
		}
		if a.Edge.Relation != b.Edge.Relation {
			return a.Edge.Relation < b.Edge.Relation
		}
		return a.Edge.CreatedAt.Before(b.Edge.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *GraphRepository) NodesForMemory(ctx context.Context, tenantID, projectID, memoryID string) ([]*domain.GraphNode, error) {
	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM graph_nodes
		WHERE tenant_id = ? AND project_id = ?
		  AND EXISTS (
			SELECT 1 FROM json_each(graph_nodes.properties, '$.source_memory_ids')
			WHERE json_each.value = ?
		  )
		ORDER BY CAST(COALESCE(json_extract(properties, '$.pagerank_score'), 0) AS REAL) DESC, id ASC`,
		tenantID, projectID, memoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("nodes for memory: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.GraphNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *GraphRepository) UpdateNodeProperties(ctx context.Context, tenantID string, internalID int64, properties map[string]any) error {
	return r.store.WithinTx(ctx, func(ctx context.Context) error {
		var existing string
		err := r.store.q(ctx).QueryRowContext(ctx,
			`SELECT properties FROM graph_nodes WHERE tenant_id = ? AND id = ?`,
			tenantID, internalID,
		).Scan(&existing)
		if err == sql.ErrNoRows {
			return nodeNotFound(fmt.Sprintf("#%d", internalID))
		}
		if err != nil {
			return fmt.Errorf("lookup node: %w", err)
		}
		merged, err := mergeJSONProperties(existing, properties)
		if err != nil {
			return err
		}
		if _, err := r.store.q(ctx).ExecContext(ctx,
			`UPDATE graph_nodes SET properties = ? WHERE tenant_id = ? AND id = ?`,
			merged, tenantID, internalID,
		); err != nil {
			return fmt.Errorf("update node properties: %w", err)
		}
		return nil
	})
}

func (r *GraphRepository) Stats(ctx context.Context, tenantID, projectID string) (*domain.GraphStats, error) {
	stats := &domain.GraphStats{RelationCounts: map[string]int64{}}

	err := r.store.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM graph_nodes WHERE tenant_id = ? AND project_id = ?`,
		tenantID, projectID,
	).Scan(&stats.NodeCount)
	if err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	err = r.store.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM graph_edges WHERE tenant_id = ? AND project_id = ?`,
		tenantID, projectID,
	).Scan(&stats.EdgeCount)
	if err != nil {
		return nil, fmt.Errorf("count edges: %w", err)
	}

	rows, err := r.store.q(ctx).QueryContext(ctx, `
		SELECT relation, COUNT(*) FROM graph_edges
		WHERE tenant_id = ? AND project_id = ?
		GROUP BY relation`,
		tenantID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("relation histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rel string
			n   int64
		)
		if err := rows.Scan(&rel, &n); err != nil {
			return nil, fmt.Errorf("scan relation count: %w", err)
		}
		stats.RelationCounts[rel] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.NodeCount > 0 {
		// Each edge contributes to the degree of both endpoints.
		stats.AvgDegree = float64(2*stats.EdgeCount) / float64(stats.NodeCount)
	}
	return stats, nil
}

// mergeJSONProperties merges incoming into the stored JSON object. Scalar
// values replace, lists union preserving the stored order.
func mergeJSONProperties(existingJSON string, incoming map[string]any) (string, error) {
	existing := map[string]any{}
	if existingJSON != "" {
		if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
			return "", fmt.Errorf("decode stored properties: %w", err)
		}
	}
	for k, v := range incoming {
		newList, newIsList := asList(v)
		oldList, oldIsList := asList(existing[k])
		if newIsList && oldIsList {
			existing[k] = unionLists(oldList, newList)
			continue
		}
		existing[k] = v
	}
	out, err := json.Marshal(existing)
	if err != nil {
		return "", fmt.Errorf("encode merged properties: %w", err)
	}
	return string(out), nil
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func unionLists(a, b []any) []any {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, lst := range [][]any{a, b} {
		for _, item := range lst {
			key := fmt.Sprintf("%v", item)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	}
	return 0
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func scanNode(sc rowScanner) (*domain.GraphNode, error) {
	var (
		n     domain.GraphNode
		props string
	)
	if err := sc.Scan(&n.InternalID, &n.TenantID, &n.ProjectID, &n.NodeID, &n.Label, &props, &n.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return nil, fmt.Errorf("decode node properties: %w", err)
	}
	return &n, nil
}

func scanEdge(sc rowScanner) (*domain.GraphEdge, error) {
	var (
		e     domain.GraphEdge
		props string
	)
	if err := sc.Scan(&e.ID, &e.TenantID, &e.ProjectID, &e.SourceNodeID, &e.TargetNodeID, &e.Relation, &props, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return nil, fmt.Errorf("decode edge properties: %w", err)
	}
	return &e, nil
}

func scanNeighbor(rows *sql.Rows) (repository.Neighbor, error) {
	var (
		e          domain.GraphEdge
		n          domain.GraphNode
		edgeProps  string
		nodeProps  string
	)
	err := rows.Scan(
		&e.ID, &e.TenantID, &e.ProjectID, &e.SourceNodeID, &e.TargetNodeID, &e.Relation, &edgeProps, &e.CreatedAt,
		&n.InternalID, &n.TenantID, &n.ProjectID, &n.NodeID, &n.Label, &nodeProps, &n.CreatedAt,
	)
	if err != nil {
		return repository.Neighbor{}, err
	}
	if err := json.Unmarshal([]byte(edgeProps), &e.Properties); err != nil {
		return repository.Neighbor{}, fmt.Errorf("decode edge properties: %w", err)
	}
	if err := json.Unmarshal([]byte(nodeProps), &n.Properties); err != nil {
		return repository.Neighbor{}, fmt.Errorf("decode node properties: %w", err)
	}
	return repository.Neighbor{Edge: &e, Node: &n}, nil
}

func nodeNotFound(id string) error {
	return apperrors.NotFound(apperrors.CodeNodeNotFound, "graph node not found").
		WithResource("graph_node").
		WithDetails(fmt.Sprintf("node %q", id)).
		Build()
}
