package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS snapshot (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	saved_at   TEXT NOT NULL,
	payload    TEXT NOT NULL
)`

// SQLiteStore keeps the snapshot as a single row in a SQLite database.
// The payload is the same JSON document FileStore writes.
type SQLiteStore struct {
	db   *sql.DB
	path string
	opts Options
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, opts Options) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema in %s: %w", path, err)
	}

	return &SQLiteStore{db: db, path: path, opts: opts}, nil
}

// Location implements Store.
func (ss *SQLiteStore) Location() string {
	return sqliteScheme + ss.path
}

// Load implements Store. An expired row is deleted.
func (ss *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	var payload string
	err := ss.db.QueryRowContext(ctx, `SELECT payload FROM snapshot WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return New(ss.opts.sourceLang()), fmt.Errorf("%s: %w", ss.Location(), ErrNotFound)
		}
		return New(ss.opts.sourceLang()), fmt.Errorf("%w: querying %s: %v", ErrCorrupt, ss.Location(), err)
	}

	s, err := Decode([]byte(payload), ss.opts.sourceLang(), ss.opts.now(), ss.opts.ttl())
	if err != nil {
		if errors.Is(err, ErrExpired) {
			_, _ = ss.db.ExecContext(ctx, `DELETE FROM snapshot WHERE id = 1`)
		}
		return s, fmt.Errorf("%s: %w", ss.Location(), err)
	}
	return s, nil
}

// Save implements Store.
func (ss *SQLiteStore) Save(ctx context.Context, s *Snapshot) error {
	s.Timestamp = ss.opts.now()
	data, err := Encode(s)
	if err != nil {
		return err
	}
	_, err = ss.db.ExecContext(ctx,
		`INSERT INTO snapshot (id, saved_at, payload) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET saved_at = excluded.saved_at, payload = excluded.payload`,
		s.Timestamp.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("saving snapshot to %s: %w", ss.Location(), err)
	}
	return nil
}

// Close implements Store.
func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}
