// Package tsv parses the five-column, tab-separated device records found in
// the appsinstalled dumps:
//
//	device_type \t device_id \t lat \t lon \t app_id,app_id,...
//
// Parsing is deliberately lenient below the identity columns. A line with the
// wrong column count or without a device type/id is rejected; a bad app id or
// coordinate only produces a warning and the record is kept with best-effort
// values.
package tsv

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FieldCount is the number of tab-separated columns in a device record.
const FieldCount = 5

var (
	// ErrMalformed reports a line that does not have exactly FieldCount columns.
	ErrMalformed = errors.New("malformed line")

	// ErrMissingIdentity reports a line with an empty device type or device id.
	ErrMissingIdentity = errors.New("missing device identity")
)

// Record is one parsed device line. Records are treated as immutable once
// returned by Parse.
type Record struct {
	DeviceType string
	DeviceID   string
	Lat        float64
	Lon        float64
	Apps       []int64
}

// Parse turns one raw line into a Record.
//
// warnf receives field-level problems (non-numeric app ids, bad coordinates).
// It may be nil.
//
// Errors:
//   - ErrMalformed when the trimmed line does not split into FieldCount columns.
//   - ErrMissingIdentity when device type or device id is empty.
func Parse(line string, warnf func(format string, v ...any)) (Record, error) {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}

	fields := strings.Split(strings.TrimSpace(line), "\t")
	if len(fields) != FieldCount {
		return Record{}, fmt.Errorf("%w: got %d columns, want %d", ErrMalformed, len(fields), FieldCount)
	}

	devType, devID, rawLat, rawLon, rawApps := fields[0], fields[1], fields[2], fields[3], fields[4]
	if devType == "" || devID == "" {
		return Record{}, ErrMissingIdentity
	}

	rec := Record{DeviceType: devType, DeviceID: devID}

	var dropped int
	rec.Apps, dropped = parseApps(rawApps)
	if dropped > 0 {
		warnf("stage=parse warn=apps_not_digits dropped=%d line=%q", dropped, line)
	}

	if v, err := strconv.ParseFloat(rawLat, 64); err == nil {
		rec.Lat = v
	} else {
		warnf("stage=parse warn=invalid_lat value=%q line=%q", rawLat, line)
	}
	if v, err := strconv.ParseFloat(rawLon, 64); err == nil {
		rec.Lon = v
	} else {
		warnf("stage=parse warn=invalid_lon value=%q line=%q", rawLon, line)
	}

	return rec, nil
}

// parseApps keeps the digit-only tokens of a comma-separated id list, in
// order, and reports how many tokens were dropped. Whitespace around a token
// is ignored. An empty field is an empty list, not a dropped token.
func parseApps(raw string) ([]int64, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, 0
	}

	toks := strings.Split(raw, ",")
	apps := make([]int64, 0, len(toks))
	dropped := 0
	for _, tok := range toks {
		tok = strings.TrimSpace(tok)
		if !isDigits(tok) {
			dropped++
			continue
		}
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			// Overflows int64.
			dropped++
			continue
		}
		apps = append(apps, v)
	}
	return apps, dropped
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
