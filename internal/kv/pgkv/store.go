// Package pgkv implements kv.Store on a PostgreSQL table. Versions come
// from a sequence, and conditional writes are single statements guarded
// by the expected version.
package pgkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/hurttlocker/dornt/internal/kv"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "dornt_kv"

// Config holds connection settings.
type Config struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store implements kv.Store using PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
	seq   string
	psql  sq.StatementBuilderType
}

var _ kv.Store = (*Store)(nil)

// New opens the database, pings it and creates the table if needed.
func New(cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{
		db:    db,
		table: pq.QuoteIdentifier(cfg.Table),
		seq:   pq.QuoteIdentifier(cfg.Table + "_version_seq"),
		psql:  newBuilder(),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, s.seq),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key     TEXT PRIMARY KEY,
			value   BYTEA NOT NULL,
			version BIGINT NOT NULL
		)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func newBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

func (s *Store) nextVersion() sq.Sqlizer {
	return sq.Expr(fmt.Sprintf("nextval('%s')", s.seq))
}

func (s *Store) Get(ctx context.Context, key string) (kv.Record, bool, error) {
	query, args, err := s.psql.Select("value", "version").From(s.table).
		Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("building get: %w", err)
	}
	rec := kv.Record{Key: key}
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&rec.Value, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Record{}, false, nil
	}
	if err != nil {
		return kv.Record{}, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return rec, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) (int64, error) {
	query, args, err := s.psql.Insert(s.table).
		Columns("key", "value", "version").
		Values(key, value, s.nextVersion()).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = EXCLUDED.version RETURNING version").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building put: %w", err)
	}
	var version int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&version); err != nil {
		return 0, fmt.Errorf("putting %s: %w", key, err)
	}
	return version, nil
}

func (s *Store) PutIfVersion(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	var b sq.Sqlizer
	if expected == 0 {
		b = s.psql.Insert(s.table).
			Columns("key", "value", "version").
			Values(key, value, s.nextVersion()).
			Suffix("ON CONFLICT (key) DO NOTHING RETURNING version")
	} else {
		b = s.psql.Update(s.table).
			Set("value", value).
			Set("version", s.nextVersion()).
			Where(sq.Eq{"key": key, "version": expected}).
			Suffix("RETURNING version")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building conditional put: %w", err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, kv.ErrVersionConflict
	}
	if err != nil {
		return 0, fmt.Errorf("conditional put %s: %w", key, err)
	}
	return version, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	query, args, err := s.psql.Delete(s.table).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteIfVersion(ctx context.Context, key string, version int64) error {
	query, args, err := s.psql.Delete(s.table).
		Where(sq.Eq{"key": key, "version": version}).ToSql()
	if err != nil {
		return fmt.Errorf("building conditional delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
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
	query, args, err := s.psql.Select("key").From(s.table).
		Where(sq.Expr("starts_with(key, ?)", prefix)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	// Byte order, independent of the database collation.
	sort.Strings(keys)
	return keys, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
