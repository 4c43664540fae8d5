package index

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"agentflow/pkg/logx"
)

// storeSchemaVersion tracks the on-disk schema for migration support.
const storeSchemaVersion = 1

// Store persists the index in a single embedded SQLite database with
// three tables: files, dependencies, and index_meta. All access goes
// through a single connection, so reads and writes are serialized.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// OpenStore opens (and if needed creates) the index database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open index store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping index store: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logx.NewLogger("index-store")}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close index store: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS files (
	path TEXT PRIMARY KEY,
	file_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	imports TEXT NOT NULL,
	exports TEXT NOT NULL,
	classes TEXT NOT NULL,
	functions TEXT NOT NULL,
	dependencies TEXT NOT NULL,
	reverse_dependencies TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER
);
CREATE TABLE IF NOT EXISTS dependencies (
	source TEXT NOT NULL,
	target TEXT NOT NULL,
	import_kind TEXT NOT NULL,
	line INTEGER NOT NULL,
	strength REAL NOT NULL,
	PRIMARY KEY (source, target, import_kind)
);
CREATE TABLE IF NOT EXISTS index_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create index schema: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO index_meta (key, value) VALUES ('schema_version', ?)`,
		fmt.Sprintf("%d", storeSchemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func unmarshalList(data string) []string {
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil
	}
	return out
}

// SaveNode upserts one file node.
func (s *Store) SaveNode(node *FileNode) error {
	var lastAccessed any
	if node.LastAccessed != nil {
		lastAccessed = node.LastAccessed.UnixNano()
	}
	_, err := s.db.Exec(`
INSERT INTO files (path, file_type, size, mtime, content_hash, imports, exports,
	classes, functions, dependencies, reverse_dependencies, access_count, last_accessed)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	file_type=excluded.file_type, size=excluded.size, mtime=excluded.mtime,
	content_hash=excluded.content_hash, imports=excluded.imports,
	exports=excluded.exports, classes=excluded.classes,
	functions=excluded.functions, dependencies=excluded.dependencies,
	reverse_dependencies=excluded.reverse_dependencies,
	access_count=excluded.access_count, last_accessed=excluded.last_accessed`,
		node.Path, string(node.FileType), node.Size, node.ModTime, node.ContentHash,
		marshalList(node.Imports), marshalList(node.Exports),
		marshalList(node.Classes), marshalList(node.Functions),
		marshalList(node.Dependencies), marshalList(node.ReverseDependencies),
		node.AccessCount, lastAccessed)
	if err != nil {
		return fmt.Errorf("failed to save node %s: %w", node.Path, err)
	}
	return nil
}

// DeleteNode removes a file node and its edges.
func (s *Store) DeleteNode(path string) error {
	if _, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", path, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM dependencies WHERE source = ? OR target = ?`, path, path); err != nil {
		return fmt.Errorf("failed to delete edges for %s: %w", path, err)
	}
	return nil
}

// LoadNodes reads every persisted file node.
func (s *Store) LoadNodes() (map[string]*FileNode, error) {
	rows, err := s.db.Query(`
SELECT path, file_type, size, mtime, content_hash, imports, exports,
	classes, functions, dependencies, reverse_dependencies, access_count, last_accessed
FROM files`)
	if err != nil {
		return nil, fmt.Errorf("failed to load nodes: %w", err)
	}
	defer rows.Close()

	nodes := make(map[string]*FileNode)
	for rows.Next() {
		var node FileNode
		var fileType, imports, exports, classes, functions, deps, rdeps string
		var lastAccessed sql.NullInt64
		if err := rows.Scan(&node.Path, &fileType, &node.Size, &node.ModTime,
			&node.ContentHash, &imports, &exports, &classes, &functions,
			&deps, &rdeps, &node.AccessCount, &lastAccessed); err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		node.FileType = FileType(fileType)
		node.Imports = unmarshalList(imports)
		node.Exports = unmarshalList(exports)
		node.Classes = unmarshalList(classes)
		node.Functions = unmarshalList(functions)
		node.Dependencies = unmarshalList(deps)
		node.ReverseDependencies = unmarshalList(rdeps)
		if lastAccessed.Valid {
			t := time.Unix(0, lastAccessed.Int64).UTC()
			node.LastAccessed = &t
		}
		nodes[node.Path] = &node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("node row iteration failed: %w", err)
	}
	return nodes, nil
}

// ReplaceEdges rewrites the dependency table in one transaction.
func (s *Store) ReplaceEdges(edges []DependencyEdge) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin edge transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.Exec(`DELETE FROM dependencies`); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}
	stmt, err := tx.Prepare(`
INSERT OR REPLACE INTO dependencies (source, target, import_kind, line, strength)
VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare edge insert: %w", err)
	}
	defer stmt.Close()

	for i := range edges {
		e := &edges[i]
		if _, err := stmt.Exec(e.Source, e.Target, e.ImportKind, e.Line, e.Strength); err != nil {
			return fmt.Errorf("failed to insert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit edges: %w", err)
	}
	return nil
}

// LoadEdges reads every persisted dependency edge.
func (s *Store) LoadEdges() ([]DependencyEdge, error) {
	rows, err := s.db.Query(
		`SELECT source, target, import_kind, line, strength FROM dependencies`)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}
	defer rows.Close()

	var edges []DependencyEdge
	for rows.Next() {
		var e DependencyEdge
		if err := rows.Scan(&e.Source, &e.Target, &e.ImportKind, &e.Line, &e.Strength); err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("edge row iteration failed: %w", err)
	}
	return edges, nil
}

// SetMeta writes one metadata key.
func (s *Store) SetMeta(key, value string) error {
	if _, err := s.db.Exec(
		`INSERT OR REPLACE INTO index_meta (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads one metadata key, returning "" when absent.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}
