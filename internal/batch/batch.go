// Package batch turns a chunk of raw lines into per-shard sets of encoded
// entries.
package batch

import (
	"errors"
	"fmt"
	"strings"

	"memcload/internal/appsinstalled"
	"memcload/internal/logging"
	"memcload/internal/parser/tsv"
	"memcload/internal/router"
)

// ShardBatch groups encoded entries by destination shard. Keys are unique per
// shard; a later line with the same key replaces the earlier payload.
type ShardBatch map[router.Shard]map[string][]byte

// Entries reports the number of entries across all shards.
func (b ShardBatch) Entries() int {
	n := 0
	for _, m := range b {
		n += len(m)
	}
	return n
}

// Stats counts what happened to each line of a chunk.
type Stats struct {
	Lines        int // lines seen, blanks included
	Blank        int
	Rejected     int // parse failures
	Unrouted     int // unknown device type
	EncodeFailed int
	Entries      int // lines stored, duplicates included
}

// Errors is the number of per-record errors in the chunk.
func (s Stats) Errors() int { return s.Rejected + s.Unrouted + s.EncodeFailed }

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Lines += o.Lines
	s.Blank += o.Blank
	s.Rejected += o.Rejected
	s.Unrouted += o.Unrouted
	s.EncodeFailed += o.EncodeFailed
	s.Entries += o.Entries
}

// Accumulator parses, routes and encodes lines. It holds no per-chunk state
// and is safe for concurrent use.
type Accumulator struct {
	Routes router.Table
	Log    logging.Logger
	// CheckKey, when set, rejects keys the destination shard cannot store.
	// A rejected line counts as EncodeFailed and never reaches the writer.
	CheckKey func(shard router.Shard, key string) error
}

// Build processes lines in order and returns the batch plus per-line stats.
// Every non-blank line ends in exactly one of Rejected, Unrouted,
// EncodeFailed or a stored entry.
func (a *Accumulator) Build(lines []string) (ShardBatch, Stats) {
	log := a.Log
	if log == nil {
		log = logging.Nop()
	}

	out := ShardBatch{}
	var st Stats

	for _, line := range lines {
		st.Lines++
		if strings.TrimSpace(line) == "" {
			st.Blank++
			continue
		}

		rec, err := tsv.Parse(line, log.Warnf)
		if err != nil {
			st.Rejected++
			if errors.Is(err, tsv.ErrMissingIdentity) {
				log.Warnf("stage=parse reject=missing_identity line=%q", line)
			} else {
				log.Warnf("stage=parse reject=malformed err=%v line=%q", err, line)
			}
			continue
		}

		shard, dt := a.Routes.Route(rec.DeviceType)
		if dt == router.Unknown {
			st.Unrouted++
			log.Errorf("stage=route unknown_device_type=%q", rec.DeviceType)
			continue
		}

		key := appsinstalled.Key(rec.DeviceType, rec.DeviceID)
		if a.CheckKey != nil {
			if err := a.CheckKey(shard, key); err != nil {
				st.EncodeFailed++
				log.Warnf("stage=encode key=%q err=%v", key, err)
				continue
			}
		}

		payload, err := encode(rec)
		if err != nil {
			st.EncodeFailed++
			log.Warnf("stage=encode key=%q err=%v", key, err)
			continue
		}

		m := out[shard]
		if m == nil {
			m = map[string][]byte{}
			out[shard] = m
		}
		m[key] = payload
		st.Entries++
	}

	return out, st
}

func encode(rec tsv.Record) ([]byte, error) {
	b, err := appsinstalled.UserApps{Apps: rec.Apps, Lat: rec.Lat, Lon: rec.Lon}.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}
