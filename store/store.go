// Package store provides the durable run-tracking store: runs, steps,
// violations, and metric samples in a single SQLite file.
//
// The store runs in WAL mode so an inspector process can read while one
// writer is active, and enforces foreign keys so events cannot outlive
// their parent run. Writes from a single process are serialized through
// one connection; multiple concurrent runs may share a store because
// every row is scoped by run id.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a handle to one run-tracking database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a store at path, creating parent directories as
// needed, and applies the durability pragmas (WAL, foreign keys, busy
// timeout). Call EnsureSchema before writing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// Single writer per process; WAL readers are unaffected.
	db.SetMaxOpenConns(1)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the filesystem location of the store.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// marshalJSON serializes an optional map to a nullable TEXT column.
func marshalJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// unmarshalJSON deserializes a nullable TEXT column back into a map.
// Corrupt JSON comes back as nil rather than failing a read path.
func unmarshalJSON(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}
