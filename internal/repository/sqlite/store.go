// Package sqlite implements the repository interfaces on a single SQLite
// database. One file holds memories, the knowledge graph, cost accounting
// and the query log; full-text search runs through an FTS5 index kept in
// sync by triggers.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schema is applied on every open. Statements are idempotent so upgrades
// only ever append here.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	layer TEXT NOT NULL,
	content TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '[]',
	importance REAL NOT NULL DEFAULT 0.5,
	user_importance_override REAL,
	embedding_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	consolidation_status TEXT NOT NULL DEFAULT 'raw',
	parent_ids TEXT NOT NULL DEFAULT '[]',
	archived_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(tenant_id, project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_memories_consolidation ON memories(tenant_id, project_id, consolidation_status, layer);
CREATE INDEX IF NOT EXISTS idx_memories_last_access ON memories(last_accessed_at);
CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived_at);

-- FTS5 index over memory content. The content= option avoids duplicating
-- text; triggers keep it in sync. Content never changes after insert, so
-- the update trigger is scoped to the content column.
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(content, content='memories', content_rowid='rowid');

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS importance_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	memory_id TEXT NOT NULL,
	old_importance REAL NOT NULL,
	new_importance REAL NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_importance_audit_memory ON importance_audit(tenant_id, memory_id, created_at);

CREATE TABLE IF NOT EXISTS graph_nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	label TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, project_id, node_id)
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_scope ON graph_nodes(tenant_id, project_id, created_at);

CREATE TABLE IF NOT EXISTS graph_edges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	source_node_id INTEGER NOT NULL,
	target_node_id INTEGER NOT NULL,
	relation TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	UNIQUE(tenant_id, project_id, source_node_id, target_node_id, relation),
	FOREIGN KEY (source_node_id) REFERENCES graph_nodes(id) ON DELETE CASCADE,
	FOREIGN KEY (target_node_id) REFERENCES graph_nodes(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_source ON graph_edges(tenant_id, source_node_id);
CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(tenant_id, target_node_id);

CREATE TABLE IF NOT EXISTS cost_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	model TEXT NOT NULL,
	operation TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_logs_tenant ON cost_logs(tenant_id, created_at);

CREATE TABLE IF NOT EXISTS tenant_budgets (
	tenant_id TEXT PRIMARY KEY,
	budget_usd_monthly REAL NOT NULL DEFAULT 0,
	budget_tokens_monthly INTEGER NOT NULL DEFAULT 0,
	daily_usage_usd REAL NOT NULL DEFAULT 0,
	monthly_usage_usd REAL NOT NULL DEFAULT 0,
	daily_tokens_used INTEGER NOT NULL DEFAULT 0,
	monthly_tokens_used INTEGER NOT NULL DEFAULT 0,
	last_reset_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS query_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	query TEXT NOT NULL,
	embedding BLOB,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_scope ON query_log(tenant_id, project_id, created_at);
`

// Store owns the database handle shared by all repository implementations.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. WAL mode keeps the sweepers from blocking request-path reads.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY on concurrent
	// writes; reads still run concurrently under WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that share the database
// file, such as the vector index.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// txKey carries an open transaction through the context so repository calls
// made inside WithinTx join it.
type txKey struct{}

// WithinTx runs fn inside one transaction. A nested call joins the caller's
// transaction instead of opening a second one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns the transaction bound to ctx when present, the pool otherwise.
func (s *Store) q(ctx context.Context) querier {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.db
}
