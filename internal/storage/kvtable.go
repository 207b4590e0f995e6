package storage

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"memcload/internal/router"
)

// DefaultTable is the key-value table SQL backends write to.
const DefaultTable = "memcload_kv"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SplitTable removes the "table" query parameter from a SQL shard DSN and
// returns the remaining DSN and the table name (DefaultTable when absent).
// Other query parameters are passed through to the driver.
//
// Errors:
//   - the query string does not parse
//   - the table name is not a plain (optionally schema-qualified) identifier
func SplitTable(dsn string) (string, string, error) {
	base, rawQuery, hasQuery := strings.Cut(dsn, "?")
	if !hasQuery {
		return dsn, DefaultTable, nil
	}

	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", "", fmt.Errorf("storage: parse query of %q: %w", router.Redact(base), err)
	}

	table := DefaultTable
	if v := strings.TrimSpace(q.Get("table")); v != "" {
		table = v
	}
	q.Del("table")

	if !identRe.MatchString(table) {
		return "", "", fmt.Errorf("storage: invalid table name %q", table)
	}

	if len(q) == 0 {
		return base, table, nil
	}
	return base + "?" + q.Encode(), table, nil
}

// SortedKeys returns the keys of items in ascending order. SQL backends use it
// so statements and their arguments are deterministic.
func SortedKeys(items map[string][]byte) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Batches splits keys into consecutive groups of at most size keys. Backends
// use it to stay under their bind-parameter limits.
func Batches(keys []string, size int) [][]string {
	if size <= 0 || len(keys) <= size {
		if len(keys) == 0 {
			return nil
		}
		return [][]string{keys}
	}
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for len(keys) > size {
		out = append(out, keys[:size])
		keys = keys[size:]
	}
	return append(out, keys)
}
