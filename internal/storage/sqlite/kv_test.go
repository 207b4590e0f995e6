package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"memcload/internal/storage"
)

func openTemp(t *testing.T, query string) (storage.KV, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shard.db")
	kv, err := storage.New(context.Background(), storage.Config{Kind: "sqlite", Addr: "sqlite://" + path + query})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv, path
}

func readAll(t *testing.T, path, table string) map[string][]byte {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	rows, err := db.Query(fmt.Sprintf("SELECT k, v FROM %s", table))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	out := map[string][]byte{}
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func TestMultiSet_UpsertsIntoDefaultTable(t *testing.T) {
	t.Parallel()

	kv, path := openTemp(t, "")
	ctx := context.Background()

	if err := kv.MultiSet(ctx, map[string][]byte{"idfa:a": {1}, "idfa:b": {2}}); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if err := kv.Set(ctx, "idfa:a", []byte{9, 9}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := readAll(t, path, storage.DefaultTable)
	if len(got) != 2 {
		t.Fatalf("rows=%d, want 2", len(got))
	}
	if !bytes.Equal(got["idfa:a"], []byte{9, 9}) || !bytes.Equal(got["idfa:b"], []byte{2}) {
		t.Fatalf("rows=%v", got)
	}
}

func TestMultiSet_SplitsLargeBatches(t *testing.T) {
	t.Parallel()

	kv, path := openTemp(t, "?table=apps")

	items := make(map[string][]byte, 2*maxRowsPerStatement+5)
	for i := 0; i < 2*maxRowsPerStatement+5; i++ {
		items[fmt.Sprintf("gaid:%05d", i)] = []byte{byte(i)}
	}
	if err := kv.MultiSet(context.Background(), items); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if got := readAll(t, path, "apps"); len(got) != len(items) {
		t.Fatalf("rows=%d, want %d", len(got), len(items))
	}
}

func TestDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, dsn, table string
		wantErr        bool
	}{
		{in: "sqlite:///tmp/a.db", dsn: "/tmp/a.db", table: storage.DefaultTable},
		{in: "sqlite://a.db?table=t1", dsn: "a.db", table: "t1"},
		{in: "sqlite://:memory:", dsn: ":memory:", table: storage.DefaultTable},
		{in: "file:///tmp/a.db", dsn: "file:/tmp/a.db", table: storage.DefaultTable},
		{in: "sqlite://", wantErr: true},
	}
	for _, tc := range tests {
		dsn, table, err := DSN(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("DSN(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || dsn != tc.dsn || table != tc.table {
			t.Fatalf("DSN(%q)=(%q,%q,%v)", tc.in, dsn, table, err)
		}
	}
}

func TestBuildUpsertSQL(t *testing.T) {
	t.Parallel()

	items := map[string][]byte{"a": {1}, "b": {2}}
	q, args := buildUpsertSQL("kv", []string{"a", "b"}, items)

	want := "INSERT INTO kv (k, v) VALUES (?, ?), (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v"
	if q != want {
		t.Fatalf("sql=%q", q)
	}
	if len(args) != 4 || args[0] != "a" || args[2] != "b" {
		t.Fatalf("args=%v", args)
	}
}
