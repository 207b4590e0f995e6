// Package sqlite is a shard backend that keeps entries in a key-value table of
// a SQLite database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"memcload/internal/storage"
)

// maxRowsPerStatement keeps each UPSERT under SQLite's bind-parameter limit.
const maxRowsPerStatement = 400

func init() {
	storage.Register("sqlite", New)
}

// KV writes entries into one table of a SQLite database.
type KV struct {
	db    *sql.DB
	table string
}

// New opens the database named by a sqlite:// address and creates the table
// if missing.
//
// Address forms:
//   - sqlite:///var/lib/shard.db
//   - sqlite://shard.db?table=apps
//   - sqlite://:memory:
func New(ctx context.Context, cfg storage.Config) (storage.KV, error) {
	dsn, table, err := DSN(cfg.Addr)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", dsn, err)
	}
	// One writer at a time; concurrent chunk workers queue on the pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", dsn, err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL(table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create table %s: %w", table, err)
	}
	return &KV{db: db, table: table}, nil
}

// DSN converts a sqlite:// (or file://) shard address into a driver DSN and
// table name.
func DSN(addr string) (string, string, error) {
	rest := addr
	switch {
	case strings.HasPrefix(addr, "sqlite://"):
		rest = strings.TrimPrefix(addr, "sqlite://")
	case strings.HasPrefix(addr, "file://"):
		rest = "file:" + strings.TrimPrefix(addr, "file://")
	}
	dsn, table, err := storage.SplitTable(rest)
	if err != nil {
		return "", "", err
	}
	if dsn == "" {
		return "", "", fmt.Errorf("sqlite: empty database path in %q", addr)
	}
	return dsn, table, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	return k.MultiSet(ctx, map[string][]byte{key: value})
}

// MultiSet upserts all items in one transaction.
func (k *KV) MultiSet(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	for _, keys := range storage.Batches(storage.SortedKeys(items), maxRowsPerStatement) {
		q, args := buildUpsertSQL(k.table, keys, items)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: upsert %d rows into %s: %w", len(keys), k.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (k *KV) Close() error { return k.db.Close() }

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (k TEXT PRIMARY KEY, v BLOB NOT NULL)`, table)
}

// buildUpsertSQL renders one multi-row INSERT ... ON CONFLICT for keys.
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
		b.WriteString("(?, ?)")
		args = append(args, key, items[key])
	}
	b.WriteString(" ON CONFLICT(k) DO UPDATE SET v = excluded.v")
	return b.String(), args
}
