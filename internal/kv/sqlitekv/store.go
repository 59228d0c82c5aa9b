// Package sqlitekv implements kv.Store on a single SQLite database file.
//
// Records live in one table keyed by path. Every write draws its version
// from a database-wide counter inside the same transaction, which makes
// conditional writes a true compare-and-swap.
package sqlitekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hurttlocker/dornt/internal/kv"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.dornt/dornt.db"

// Config holds configuration for New.
type Config struct {
	// Path of the database file. ":memory:" opens a private in-memory database.
	Path string
}

// Store implements kv.Store using SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ kv.Store = (*Store)(nil)

// New opens (creating if needed) the database and runs migrations.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultDBPath
	}
	cfg.Path = expandPath(cfg.Path)

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	// Write transactions take the database write lock at BEGIN, where the
	// busy timeout applies. A deferred transaction that reads first fails
	// its upgrade immediately when another connection is writing.
	db, err := sql.Open("sqlite", cfg.Path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: writers serialize in-process and a ":memory:"
	// database is shared by every caller.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_records (
			key     TEXT PRIMARY KEY,
			value   BLOB NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_meta (
			id  INTEGER PRIMARY KEY CHECK (id = 1),
			seq INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO kv_meta (id, seq) VALUES (1, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// Path returns the resolved database path.
func (s *Store) Path() string { return s.path }

func (s *Store) Get(ctx context.Context, key string) (kv.Record, bool, error) {
	rec := kv.Record{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv_records WHERE key = ?`, key,
	).Scan(&rec.Value, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Record{}, false, nil
	}
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var version int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		version, err = nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv_records (key, value, version) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = excluded.version`,
			key, value, version)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("putting %s: %w", key, err)
	}
	return version, nil
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	var version int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return kv.ErrVersionConflict
		}
		version, err = nextVersion(ctx, tx)
		if err != nil {
			return err
		}
		if expected == 0 {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO kv_records (key, value, version) VALUES (?, ?, ?)`, key, value, version)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE kv_records SET value = ?, version = ? WHERE key = ? AND version = ?`,
				value, version, key, expected)
		}
		return err
	})
	if errors.Is(err, kv.ErrVersionConflict) || isBusy(err) {
		return 0, kv.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("conditional put %s: %w", key, err)
	}
	return version, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteIfVersion(ctx context.Context, key string, version int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_records WHERE key = ? AND version = ?`, key, version)
	if isBusy(err) {
		return kv.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("conditional delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conditional delete %s: %w", key, err)
	}
	if n == 0 {
		return kv.ErrVersionConflict
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	// Byte-wise prefix match; LIKE would treat % and _ in keys as wildcards.
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_records
		 WHERE substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB) ORDER BY key`,
		len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is SQLITE_BUSY, which on the conditional
// paths means another connection held the write lock past the busy
// timeout. That is contention and reads as a lost compare-and-swap.
func isBusy(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_BUSY
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func currentVersion(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM kv_records WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func nextVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx, `UPDATE kv_meta SET seq = seq + 1 WHERE id = 1 RETURNING seq`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advancing version: %w", err)
	}
	return v, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
