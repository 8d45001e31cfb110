// Package index maintains the structured on-disk mirror of the node
// files: a SQLite database holding node rows, source-side edges, and
// tags, so filtered queries never have to scan the workspace. The
// files stay authoritative; anything here can be rebuilt from them.
package index

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/node"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Index is the SQLite-backed mirror. A single connection is shared
// under a mutex; every multi-statement update runs in a transaction.
type Index struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the index database at path and ensures the
// schema exists.
func Open(path string) (*Index, error) {
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, cubeerr.New(cubeerr.Index, "index.Open", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, cubeerr.New(cubeerr.Index, "index.Open", fmt.Errorf("pragma %q: %w", p, err))
		}
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		status          TEXT NOT NULL,
		validity        TEXT NOT NULL,
		priority        TEXT NOT NULL,
		confidence      REAL NOT NULL DEFAULT 1.0,
		created_by      TEXT,
		assigned_to     TEXT,
		locked_by       TEXT,
		created_at      TEXT NOT NULL,
		modified_at     TEXT NOT NULL,
		due_at          TEXT,
		title           TEXT NOT NULL,
		content_preview TEXT NOT NULL DEFAULT '',
		semantic_hash   TEXT NOT NULL DEFAULT '',
		file_path       TEXT NOT NULL DEFAULT '',
		version         INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS edges (
		id         TEXT PRIMARY KEY,
		from_node  TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		to_node    TEXT NOT NULL,
		type       TEXT NOT NULL,
		created_at TEXT
	);

	CREATE TABLE IF NOT EXISTS node_tags (
		node_id TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
		tag     TEXT NOT NULL,
		PRIMARY KEY (node_id, tag)
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_type        ON nodes(type);
	CREATE INDEX IF NOT EXISTS idx_nodes_status      ON nodes(status);
	CREATE INDEX IF NOT EXISTS idx_nodes_validity    ON nodes(validity);
	CREATE INDEX IF NOT EXISTS idx_nodes_priority    ON nodes(priority);
	CREATE INDEX IF NOT EXISTS idx_nodes_assigned    ON nodes(assigned_to);
	CREATE INDEX IF NOT EXISTS idx_nodes_created_at  ON nodes(created_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_modified_at ON nodes(modified_at);
	CREATE INDEX IF NOT EXISTS idx_nodes_due_at      ON nodes(due_at);
	CREATE INDEX IF NOT EXISTS idx_edges_type        ON edges(type);
	CREATE INDEX IF NOT EXISTS idx_edges_from        ON edges(from_node);
	CREATE INDEX IF NOT EXISTS idx_edges_to          ON edges(to_node);
	CREATE INDEX IF NOT EXISTS idx_node_tags_tag     ON node_tags(tag);
	`
	if _, err := x.db.Exec(schema); err != nil {
		return cubeerr.New(cubeerr.Index, "index.migrate", err)
	}
	return nil
}

// Close releases the database connection.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// IndexNode mirrors n into the database atomically: the node row is
// upserted, then the node's edges and tags are replaced wholesale from
// its current state. A failure rolls everything back.
func (x *Index) IndexNode(n node.Node) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.db.Begin()
	if err != nil {
		return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
	}
	defer tx.Rollback()

	var dueAt any
	if n.DueAt != nil {
		dueAt = n.DueAt.UTC().Format(timeLayout)
	}
	_, err = tx.Exec(`
		INSERT INTO nodes (
			id, type, status, validity, priority, confidence,
			created_by, assigned_to, locked_by,
			created_at, modified_at, due_at,
			title, content_preview, semantic_hash, file_path, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			status = excluded.status,
			validity = excluded.validity,
			priority = excluded.priority,
			confidence = excluded.confidence,
			created_by = excluded.created_by,
			assigned_to = excluded.assigned_to,
			locked_by = excluded.locked_by,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			due_at = excluded.due_at,
			title = excluded.title,
			content_preview = excluded.content_preview,
			semantic_hash = excluded.semantic_hash,
			file_path = excluded.file_path,
			version = excluded.version`,
		n.ID, string(n.Type), string(n.Status), string(n.Validity), string(n.Priority), n.Confidence,
		nullable(n.CreatedBy), nullable(n.AssignedTo), nullable(n.LockedBy),
		n.CreatedAt.UTC().Format(timeLayout), n.ModifiedAt.UTC().Format(timeLayout), dueAt,
		n.Title, n.ContentPreview, n.Ordering.SemanticHash, n.FilePath, n.Version,
	)
	if err != nil {
		return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
	}

	if _, err := tx.Exec(`DELETE FROM edges WHERE from_node = ?`, n.ID); err != nil {
		return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
	}
	for _, e := range n.Edges {
		var createdAt any
		if !e.CreatedAt.IsZero() {
			createdAt = e.CreatedAt.UTC().Format(timeLayout)
		}
		// Hand-edited files may carry duplicate edges; the mirror keeps
		// one row per deterministic id and validation reports the rest.
		_, err := tx.Exec(`
			INSERT INTO edges (id, from_node, to_node, type, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET created_at = excluded.created_at`,
			e.ID, n.ID, e.To, string(e.Type), createdAt)
		if err != nil {
			return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM node_tags WHERE node_id = ?`, n.ID); err != nil {
		return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
	}
	for _, tag := range n.Tags {
		_, err := tx.Exec(`INSERT OR IGNORE INTO node_tags (node_id, tag) VALUES (?, ?)`, n.ID, tag)
		if err != nil {
			return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return cubeerr.New(cubeerr.Index, "index.IndexNode", err)
	}
	return nil
}

// RemoveNode deletes the node row; edge and tag rows cascade.
func (x *Index) RemoveNode(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, err := x.db.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return cubeerr.New(cubeerr.Index, "index.RemoveNode", err)
	}
	return nil
}

// Clear empties every table.
func (x *Index) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	tx, err := x.db.Begin()
	if err != nil {
		return cubeerr.New(cubeerr.Index, "index.Clear", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"node_tags", "edges", "nodes"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return cubeerr.New(cubeerr.Index, "index.Clear", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cubeerr.New(cubeerr.Index, "index.Clear", err)
	}
	return nil
}

// Count returns the number of indexed nodes.
func (x *Index) Count() (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, cubeerr.New(cubeerr.Index, "index.Count", err)
	}
	return n, nil
}

// Has reports whether id is present in the mirror.
func (x *Index) Has(id string) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&n); err != nil {
		return false, cubeerr.New(cubeerr.Index, "index.Has", err)
	}
	return n > 0, nil
}

// EdgeRef is an edge row as the mirror sees it.
type EdgeRef struct {
	ID   string
	From string
	To   string
	Type node.EdgeType
}

// EdgesInto lists edges arriving at id, optionally restricted to the
// given types. Traversal in the `in` direction leans on this, since
// node files only record outgoing edges.
func (x *Index) EdgesInto(id string, edgeTypes []node.EdgeType) ([]EdgeRef, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	query := `SELECT id, from_node, to_node, type FROM edges WHERE to_node = ?`
	args := []any{id}
	if len(edgeTypes) > 0 {
		query += ` AND type IN (` + placeholders(len(edgeTypes)) + `)`
		for _, t := range edgeTypes {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY rowid`
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, cubeerr.New(cubeerr.Index, "index.EdgesInto", err)
	}
	defer rows.Close()
	var refs []EdgeRef
	for rows.Next() {
		var ref EdgeRef
		var typ string
		if err := rows.Scan(&ref.ID, &ref.From, &ref.To, &typ); err != nil {
			return nil, cubeerr.New(cubeerr.Index, "index.EdgesInto", err)
		}
		ref.Type = node.EdgeType(typ)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, cubeerr.New(cubeerr.Index, "index.EdgesInto", err)
	}
	return refs, nil
}

// Stats aggregates node counts by type and status.
type Stats struct {
	Total    int
	ByType   map[node.Type]int
	ByStatus map[node.Status]int
}

// CollectStats tallies the mirror by type and status.
func (x *Index) CollectStats() (Stats, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	stats := Stats{ByType: map[node.Type]int{}, ByStatus: map[node.Status]int{}}
	rows, err := x.db.Query(`SELECT type, status, COUNT(*) FROM nodes GROUP BY type, status`)
	if err != nil {
		return Stats{}, cubeerr.New(cubeerr.Index, "index.CollectStats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, status string
		var count int
		if err := rows.Scan(&typ, &status, &count); err != nil {
			return Stats{}, cubeerr.New(cubeerr.Index, "index.CollectStats", err)
		}
		stats.ByType[node.Type(typ)] += count
		stats.ByStatus[node.Status(status)] += count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, cubeerr.New(cubeerr.Index, "index.CollectStats", err)
	}
	return stats, nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
