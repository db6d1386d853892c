// Package repository defines the data access interfaces for the persistence
// layer. Implementations own query construction and enforce tenant isolation;
// callers never see SQL. Every method that looks up by ID takes the tenant
// explicitly so a routing bug cannot cross tenants.
package repository

import (
	"context"
	"time"

	"rae-backend/internal/domain"
)

// TxManager runs a function within one storage transaction. Repository
// methods invoked from fn join that transaction via the context.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// MemoryRepository handles durable CRUD over memories plus the access-stats
// update path.
type MemoryRepository interface {
	// Create persists a new memory, assigning an ID when absent.
	Create(ctx context.Context, m *domain.Memory) error

	// Get returns the memory only when owned by the tenant; a foreign or
	// missing ID is an identical NotFound.
	Get(ctx context.Context, tenantID, id string) (*domain.Memory, error)

	// GetMany batch-loads owned memories; unknown IDs are simply absent
	// from the result.
	GetMany(ctx context.Context, tenantID string, ids []string) (map[string]*domain.Memory, error)

	// Delete removes a memory. Idempotent: deleting an absent ID returns
	// false without error.
	Delete(ctx context.Context, tenantID, id string) (bool, error)

	// UpdateImportance clamps into [0,1] and appends the previous value to
	// the importance audit log with the given reason.
	UpdateImportance(ctx context.Context, tenantID, id string, newImportance float64, reason string) error

	// SetUserOverride sets or clears the user importance override.
	SetUserOverride(ctx context.Context, tenantID, id string, override *float64) error

	// SetEmbeddingRef marks the memory's vector as committed.
	SetEmbeddingRef(ctx context.Context, tenantID, id, ref string) error

	// RecordAccess bumps usage_count by one and sets last_accessed_at for
	// each id. Atomic per memory so concurrent retrievals never lose
	// updates.
	RecordAccess(ctx context.Context, tenantID string, ids []string) error

	// List returns memories matching the query, newest first.
	List(ctx context.Context, q MemoryQuery) ([]*domain.Memory, error)

	// SearchFulltext runs relational full-text search and returns matches
	// with raw relevance scores (higher is better).
	SearchFulltext(ctx context.Context, tenantID, projectID, query string, filters domain.Filters, limit int) ([]FulltextHit, error)

	// FindUnconsolidatedEpisodes returns raw episodic memories created at
	// or after since, oldest first.
	FindUnconsolidatedEpisodes(ctx context.Context, tenantID, projectID string, since time.Time, limit int) ([]*domain.Memory, error)

	// CountUnconsolidated counts raw episodic memories for the scope.
	CountUnconsolidated(ctx context.Context, tenantID, projectID string) (int64, error)

	// SetConsolidationStatus transitions the given memories, recording
	// archival time when the target status is archived.
	SetConsolidationStatus(ctx context.Context, tenantID string, ids []string, status domain.ConsolidationStatus) error

	// ListDecayCandidates returns non-archived memories without a user
	// override whose last access is older than cutoff. Spans all tenants;
	// used by the decay sweeper only.
	ListDecayCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Memory, error)

	// ListArchivedBefore returns memories archived before cutoff, for the
	// retention deleter. Spans all tenants.
	ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Memory, error)

	// ListProjects returns the distinct (tenant, project) pairs that have
	// at least one raw episodic memory; feeds the reflection sweeper.
	ListProjects(ctx context.Context) ([]ProjectRef, error)
}

// GraphRepository handles nodes, edges, traversal primitives and statistics.
type GraphRepository interface {
	// UpsertNode inserts or returns the existing internal ID for
	// (tenant, project, nodeID). Properties merge: scalars replace,
	// lists union.
	UpsertNode(ctx context.Context, tenantID, projectID, nodeID, label string, properties map[string]any) (int64, error)

	// InsertEdge returns true on first insert. On the uniqueness conflict
	// (tenant, project, source, target, relation) it returns false and
	// atomically increments properties.observation_count on the existing
	// edge.
	InsertEdge(ctx context.Context, tenantID, projectID string, sourceID, targetID int64, relation string, properties map[string]any) (bool, error)

	GetNodeByNodeID(ctx context.Context, tenantID, projectID, nodeID string) (*domain.GraphNode, error)
	GetNodeByInternalID(ctx context.Context, tenantID string, internalID int64) (*domain.GraphNode, error)

	// ListNodes returns nodes matching the query, supporting a minimum
	// PageRank filter and ordering by PageRank or recency.
	ListNodes(ctx context.Context, q NodeQuery) ([]*domain.GraphNode, error)

	// ListEdges returns edges matching the query.
	ListEdges(ctx context.Context, q EdgeQuery) ([]*domain.GraphEdge, error)

	// Neighbors returns adjacent (edge, node) pairs in deterministic order:
	// target label ASC, relation ASC, created_at ASC.
	Neighbors(ctx context.Context, tenantID string, internalID int64, direction Direction, relationFilter string, limit int) ([]Neighbor, error)

	// NodesForMemory returns the nodes whose source_memory_ids property
	// references the memory, highest PageRank first.
	NodesForMemory(ctx context.Context, tenantID, projectID, memoryID string) ([]*domain.GraphNode, error)

	// UpdateNodeProperties merges properties into an existing node.
	UpdateNodeProperties(ctx context.Context, tenantID string, internalID int64, properties map[string]any) error

	// Stats aggregates node/edge counts, relation histogram and average
	// degree for the scope.
	Stats(ctx context.Context, tenantID, projectID string) (*domain.GraphStats, error)
}

// CostRepository handles cost logs and tenant budgets.
type CostRepository interface {
	// Record appends one cost log row.
	Record(ctx context.Context, log *domain.CostLog) error

	// RecordWithUsage writes the cost log and updates the tenant's budget
	// counters in one transaction.
	RecordWithUsage(ctx context.Context, log *domain.CostLog) error

	// GetBudget returns the tenant budget with lazy UTC day/month resets
	// applied and persisted.
	GetBudget(ctx context.Context, tenantID string) (*domain.TenantBudget, error)

	// UpsertBudget creates or replaces the tenant's budget limits.
	UpsertBudget(ctx context.Context, b *domain.TenantBudget) error

	// UsageSummary aggregates cost logs since the given time.
	UsageSummary(ctx context.Context, tenantID string, since time.Time) (*domain.TenantUsage, error)

	// DailyUsage returns per-UTC-day aggregates since the given time,
	// oldest day first.
	DailyUsage(ctx context.Context, tenantID string, since time.Time) ([]DayUsage, error)
}

// DayUsage aggregates one UTC day of cost logs.
type DayUsage struct {
	Day     string  `json:"day"`
	Calls   int64   `json:"calls"`
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// QueryLogRepository retains recent query embeddings per scope for the
// semantic-relevance importance factor.
type QueryLogRepository interface {
	Append(ctx context.Context, rec *domain.QueryRecord) error
	Recent(ctx context.Context, tenantID, projectID string, limit int) ([]*domain.QueryRecord, error)
	// Prune keeps only the newest keep rows per (tenant, project).
	Prune(ctx context.Context, tenantID, projectID string, keep int) error
}

// ProjectRef identifies one (tenant, project) scope.
type ProjectRef struct {
	TenantID  string
	ProjectID string
}

// FulltextHit is one full-text match with its raw relevance score.
type FulltextHit struct {
	Memory *domain.Memory
	Score  float64
}

// Neighbor pairs an edge with the node on its far side.
type Neighbor struct {
	Edge *domain.GraphEdge
	Node *domain.GraphNode
}
