// Package postgres is a shard backend that keeps entries in a key-value table
// of a PostgreSQL database, written through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"memcload/internal/storage"
)

// Postgres allows 65535 bind parameters per statement.
const maxRowsPerStatement = 1000

func init() {
	storage.Register("postgres", New)
}

// execer is the part of *pgxpool.Pool this backend uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// KV writes entries into one table of a PostgreSQL database.
type KV struct {
	pool  execer
	table string
}

// New connects to a postgres:// or postgresql:// address and creates the
// table (and its schema, when qualified) if missing.
func New(ctx context.Context, cfg storage.Config) (storage.KV, error) {
	dsn, table, err := storage.SplitTable(cfg.Addr)
	if err != nil {
		return nil, err
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.Timeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.Timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	kv := &KV{pool: pool, table: table}
	if err := kv.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return kv, nil
}

func (k *KV) ensureTable(ctx context.Context) error {
	schemaSQL, tableSQL := buildCreateSQL(k.table)
	if schemaSQL != "" {
		if _, err := k.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("postgres: create schema for %s: %w", k.table, err)
		}
	}
	if _, err := k.pool.Exec(ctx, tableSQL); err != nil {
		return fmt.Errorf("postgres: create table %s: %w", k.table, err)
	}
	return nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	return k.MultiSet(ctx, map[string][]byte{key: value})
}

// MultiSet upserts items with one INSERT ... ON CONFLICT per statement-sized
// group of keys.
func (k *KV) MultiSet(ctx context.Context, items map[string][]byte) error {
	for _, keys := range storage.Batches(storage.SortedKeys(items), maxRowsPerStatement) {
		q, args := buildUpsertSQL(k.table, keys, items)
		if _, err := k.pool.Exec(ctx, q, args...); err != nil {
			return classify(fmt.Errorf("postgres: upsert %d rows into %s: %w", len(keys), k.table, err))
		}
	}
	return nil
}

func (k *KV) Close() error {
	k.pool.Close()
	return nil
}

// classify marks errors reported by the server itself (constraint, syntax,
// permission) as permanent. Connection-level failures stay retryable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return storage.Permanent(err)
	}
	return err
}

// buildCreateSQL returns the CREATE SCHEMA statement (empty for unqualified
// tables) and the CREATE TABLE statement.
func buildCreateSQL(table string) (schemaSQL, tableSQL string) {
	if schema, _, ok := strings.Cut(table, "."); ok {
		schemaSQL = fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)
	}
	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BYTEA NOT NULL)", table)
	return schemaSQL, tableSQL
}

// buildUpsertSQL renders a multi-row upsert with $n placeholders.
func buildUpsertSQL(table string, keys []string, items map[string][]byte) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (k, v) VALUES ")

	args := make([]any, 0, 2*len(keys))
	for i, key := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d)", 2*i+1, 2*i+2)
		args = append(args, key, items[key])
	}
	b.WriteString(" ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v")
	return b.String(), args
}
