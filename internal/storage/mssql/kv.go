// Package mssql is a shard backend that keeps entries in a key-value table of
// a SQL Server database.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"memcload/internal/storage"
)

// SQL Server allows 2100 parameters per request.
const maxRowsPerStatement = 1000

func init() {
	storage.Register("mssql", New)
}

// dbConn is the part of *sql.DB this backend uses.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

// KV writes entries into one table of a SQL Server database.
type KV struct {
	db    dbConn
	table string
}

// New opens a sqlserver:// (or mssql://) address and creates the table if
// missing.
func New(ctx context.Context, cfg storage.Config) (storage.KV, error) {
	addr := cfg.Addr
	if strings.HasPrefix(addr, "mssql://") {
		addr = "sqlserver://" + strings.TrimPrefix(addr, "mssql://")
	}
	dsn, table, err := storage.SplitTable(addr)
	if err != nil {
		return nil, err
	}

	connector, err := mssqldb.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("mssql: parse dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}

	pctx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, buildCreateSQL(table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: create table %s: %w", table, err)
	}
	return &KV{db: db, table: table}, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	return k.MultiSet(ctx, map[string][]byte{key: value})
}

// MultiSet upserts items with one MERGE per statement-sized group of keys.
func (k *KV) MultiSet(ctx context.Context, items map[string][]byte) error {
	for _, keys := range storage.Batches(storage.SortedKeys(items), maxRowsPerStatement) {
		q, args := buildMergeSQL(k.table, keys, items)
		if _, err := k.db.ExecContext(ctx, q, args...); err != nil {
			return classify(fmt.Errorf("mssql: merge %d rows into %s: %w", len(keys), k.table, err))
		}
	}
	return nil
}

func (k *KV) Close() error { return k.db.Close() }

// classify marks errors raised by the server as permanent.
func classify(err error) error {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return storage.Permanent(err)
	}
	return err
}

// ident bracket-quotes a possibly schema-qualified name.
//
//	"dbo.apps" -> [dbo].[apps]
func ident(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = "[" + strings.ReplaceAll(strings.TrimSpace(parts[i]), "]", "]]") + "]"
	}
	return strings.Join(parts, ".")
}

func buildCreateSQL(table string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (k NVARCHAR(450) NOT NULL PRIMARY KEY, v VARBINARY(MAX) NOT NULL); END;",
		table, ident(table),
	)
}

// buildMergeSQL renders a MERGE that updates existing keys and inserts the
// rest, with @pN placeholders.
func buildMergeSQL(table string, keys []string, items map[string][]byte) (string, []any) {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(ident(table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")

	args := make([]any, 0, 2*len(keys))
	for i, key := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d)", 2*i+1, 2*i+2)
		args = append(args, key, items[key])
	}
	b.WriteString(") AS src (k, v) ON tgt.k = src.k")
	b.WriteString(" WHEN MATCHED THEN UPDATE SET v = src.v")
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (k, v) VALUES (src.k, src.v);")
	return b.String(), args
}
