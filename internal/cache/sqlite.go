package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const versionSchema = `CREATE TABLE IF NOT EXISTS cache_versions (
    owner_id TEXT PRIMARY KEY,
    version  INTEGER NOT NULL
)`

// SQLiteVersionStore keeps the counters in a SQLite file, outside the
// calendar database, so they survive restarts.
type SQLiteVersionStore struct {
	db *sql.DB
}

// OpenSQLiteVersionStore opens (creating if needed) the counter database at
// path. The connection runs in WAL mode with a single writer.
func OpenSQLiteVersionStore(path string) (*SQLiteVersionStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open version store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to version store: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	if _, err := db.Exec(versionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply version schema: %w", err)
	}

	return &SQLiteVersionStore{db: db}, nil
}

func (s *SQLiteVersionStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteVersionStore) Version(ctx context.Context, userID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM cache_versions WHERE owner_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("version store: %w", err)
	}
	return v, nil
}

func (s *SQLiteVersionStore) Increment(ctx context.Context, userID string) (int64, error) {
	query :=
		`INSERT INTO cache_versions (owner_id, version) VALUES (?, 1)
		 ON CONFLICT(owner_id) DO UPDATE SET version = version + 1
		 RETURNING version`

	var v int64
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&v); err != nil {
		return 0, fmt.Errorf("version store: %w", err)
	}
	return v, nil
}
