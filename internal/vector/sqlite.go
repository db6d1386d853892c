package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"rae-backend/internal/domain"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS vector_entries (
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	id TEXT NOT NULL,
	vector BLOB NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, project_id, id)
);
CREATE INDEX IF NOT EXISTS idx_vector_entries_scope ON vector_entries(tenant_id, project_id);
`

// SQLiteIndex stores vectors as little-endian float32 blobs and searches by
// linear cosine scan over one namespace. That is deliberate: namespaces hold
// thousands of entries, not millions, and the scan needs no extra index
// structure to stay correct under concurrent writes.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex prepares the index table on the shared database handle.
func NewSQLiteIndex(db *sql.DB) (*SQLiteIndex, error) {
	if _, err := db.Exec(indexSchema); err != nil {
		return nil, fmt.Errorf("apply vector schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

var _ Index = (*SQLiteIndex)(nil)

// Ping verifies the index table is reachable, for readiness probes.
func (idx *SQLiteIndex) Ping(ctx context.Context) error {
	var n int
	if err := idx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_entries`).Scan(&n); err != nil {
		return fmt.Errorf("ping vector index: %w", err)
	}
	return nil
}

func (idx *SQLiteIndex) Upsert(ctx context.Context, tenantID, projectID, id string, vec []float32, payload Payload) error {
	if len(vec) == 0 {
		return fmt.Errorf("upsert %q: empty vector", id)
	}
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	createdAt := payload.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = idx.db.ExecContext(ctx, `
		INSERT INTO vector_entries (tenant_id, project_id, id, vector, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, project_id, id) DO UPDATE SET
			vector = excluded.vector,
			payload = excluded.payload,
			created_at = excluded.created_at`,
		tenantID, projectID, id, encodeVector(vec), string(encodedPayload), createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

func (idx *SQLiteIndex) Search(ctx context.Context, tenantID, projectID string, query []float32, k int, filters domain.Filters) ([]Match, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	rows, err := idx.db.QueryContext(ctx, `
		SELECT id, vector, payload FROM vector_entries
		WHERE tenant_id = ? AND project_id = ?`,
		tenantID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("scan namespace: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			id          string
			blob        []byte
			payloadJSON string
		)
		if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		var payload Payload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("decode payload for %q: %w", id, err)
		}
		if !payloadMatches(payload, filters) {
			continue
		}
		vec := decodeVector(blob)
		if len(vec) != len(query) {
			// Stale entry from a previous embedding dimension; it can
			// never score meaningfully, so it is invisible to search.
			continue
		}
		matches = append(matches, Match{
			ID:      id,
			Score:   NormalizeScore(CosineSimilarity(query, vec)),
			Payload: payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Payload.CreatedAt.Equal(matches[j].Payload.CreatedAt) {
			return matches[i].Payload.CreatedAt.After(matches[j].Payload.CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (idx *SQLiteIndex) Delete(ctx context.Context, tenantID, projectID, id string) error {
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM vector_entries WHERE tenant_id = ? AND project_id = ? AND id = ?`,
		tenantID, projectID, id,
	)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

func (idx *SQLiteIndex) DeleteNamespace(ctx context.Context, tenantID, projectID string) error {
	_, err := idx.db.ExecContext(ctx,
		`DELETE FROM vector_entries WHERE tenant_id = ? AND project_id = ?`,
		tenantID, projectID,
	)
	if err != nil {
		return fmt.Errorf("delete namespace: %w", err)
	}
	return nil
}

func payloadMatches(p Payload, f domain.Filters) bool {
	if f.Layer != "" && p.Layer != string(f.Layer) {
		return false
	}
	if f.CreatedAfter != nil && p.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !p.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range p.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// encodeVector packs floats as little-endian float32, length first.
func encodeVector(v []float32) []byte {
	out := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(out, uint32(len(v)))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4+i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	n := int(binary.LittleEndian.Uint32(b))
	if n < 0 || 4+4*n > len(b) {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4+i*4:]))
	}
	return out
}
