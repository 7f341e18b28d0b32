// Package sqlite implements the post repository and auxiliary state store
// on SQLite. Tag and label sets are stored as JSON text arrays and queried
// with json_each; a labels column of NULL means "not yet labeled", distinct
// from '[]' meaning "labeled, nothing applies".
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	uri          TEXT PRIMARY KEY CHECK (uri <> ''),
	cid          TEXT NOT NULL,
	author       TEXT NOT NULL,
	text         TEXT NOT NULL DEFAULT '',
	reply_parent TEXT,
	reply_root   TEXT,
	indexed_at   INTEGER NOT NULL,
	has_image    INTEGER NOT NULL DEFAULT 0,
	embed        TEXT,
	algo_tags    TEXT NOT NULL DEFAULT '[]',
	labels       TEXT,
	sort_weight  REAL
);

CREATE INDEX IF NOT EXISTS posts_indexed_at_cid ON posts (indexed_at DESC, cid DESC);
CREATE INDEX IF NOT EXISTS posts_author ON posts (author);
CREATE INDEX IF NOT EXISTS posts_sort_weight ON posts (sort_weight DESC) WHERE sort_weight IS NOT NULL;
CREATE INDEX IF NOT EXISTS posts_reply_parent ON posts (reply_parent) WHERE reply_parent IS NOT NULL;

CREATE TABLE IF NOT EXISTS sub_state (
	service    TEXT PRIMARY KEY,
	cursor     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS list_members (
	did TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS collections (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store implements domain.PostRepository, domain.SubStateRepository, and
// domain.CollectionRepository on a pooled SQLite connection. It holds no
// other state; concurrency safety is the storage engine's.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, applies the schema,
// and returns a new Store. The caller should call Close when the store is
// no longer needed.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// stringArgs converts a string slice to driver args.
func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
