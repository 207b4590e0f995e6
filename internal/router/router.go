// Package router maps device types to cache shards.
package router

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// DeviceType identifies a device id namespace. The zero value is Unknown.
type DeviceType string

// Device types with a default shard. Other types can be added through
// configuration; they are just as valid once present in a Table.
const (
	Unknown DeviceType = ""
	IDFA    DeviceType = "idfa"
	GAID    DeviceType = "gaid"
	ADID    DeviceType = "adid"
	DVID    DeviceType = "dvid"
)

// KnownDeviceTypes lists the device types that ship with a default address.
var KnownDeviceTypes = []DeviceType{IDFA, GAID, ADID, DVID}

// Backend kinds understood by ParseShard.
const (
	KindMemcache = "memcache"
	KindRedis    = "redis"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindMSSQL    = "mssql"
)

// Shard is one independently addressed cache backend. Shard is comparable and
// is used directly as a map key.
type Shard struct {
	Kind string
	// Addr is the address exactly as configured.
	Addr string
}

// String is the address safe to log and to use as a metric label: the
// password of a URL address and password query parameters are masked. Dial
// with Addr, never with String.
func (s Shard) String() string { return Redact(s.Addr) }

// secretParams are DSN query parameters masked by Redact.
var secretParams = []string{"password", "pwd", "pass"}

// Redact masks credentials in a shard address. Bare host:port addresses are
// returned unchanged; an unparsable URL keeps only its scheme.
func Redact(addr string) string {
	i := strings.Index(addr, "://")
	if i < 0 {
		return addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return addr[:i+3] + "xxxxx"
	}
	if u.RawQuery != "" {
		q := u.Query()
		masked := false
		for key := range q {
			for _, p := range secretParams {
				if strings.EqualFold(key, p) {
					q.Set(key, "xxxxx")
					masked = true
				}
			}
		}
		if masked {
			u.RawQuery = q.Encode()
		}
	}
	return u.Redacted()
}

// ParseShard derives the backend kind from an address. A bare host:port is a
// memcache shard; otherwise the URL scheme selects the kind.
func ParseShard(addr string) (Shard, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Shard{}, fmt.Errorf("router: empty shard address")
	}

	i := strings.Index(addr, "://")
	if i < 0 {
		return Shard{Kind: KindMemcache, Addr: addr}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return Shard{}, fmt.Errorf("router: parse shard address %q: %w", Redact(addr), err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memcache", "memcached":
		return Shard{Kind: KindMemcache, Addr: addr}, nil
	case "redis", "rediss":
		return Shard{Kind: KindRedis, Addr: addr}, nil
	case "sqlite", "file":
		return Shard{Kind: KindSQLite, Addr: addr}, nil
	case "postgres", "postgresql":
		return Shard{Kind: KindPostgres, Addr: addr}, nil
	case "sqlserver", "mssql":
		return Shard{Kind: KindMSSQL, Addr: addr}, nil
	default:
		return Shard{}, fmt.Errorf("router: unsupported shard scheme %q in %q", u.Scheme, Redact(addr))
	}
}

// Table is the read-only device type to shard routing table.
type Table struct {
	routes map[DeviceType]Shard
}

// NewTable builds a routing table from device type -> address entries.
//
// Errors:
//   - an empty device type
//   - an address ParseShard rejects
func NewTable(addrs map[string]string) (Table, error) {
	routes := make(map[DeviceType]Shard, len(addrs))
	for typ, addr := range addrs {
		if typ == "" {
			return Table{}, fmt.Errorf("router: empty device type for address %q", addr)
		}
		s, err := ParseShard(addr)
		if err != nil {
			return Table{}, fmt.Errorf("router: device type %s: %w", typ, err)
		}
		routes[DeviceType(typ)] = s
	}
	return Table{routes: routes}, nil
}

// Route returns the shard for deviceType. The lookup is exact; anything not in
// the table yields Unknown and a zero Shard.
func (t Table) Route(deviceType string) (Shard, DeviceType) {
	s, ok := t.routes[DeviceType(deviceType)]
	if !ok || deviceType == "" {
		return Shard{}, Unknown
	}
	return s, DeviceType(deviceType)
}

// Shards returns the distinct shards of the table in address order.
func (t Table) Shards() []Shard {
	seen := make(map[Shard]struct{}, len(t.routes))
	out := make([]Shard, 0, len(t.routes))
	for _, s := range t.routes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Len reports the number of routed device types.
func (t Table) Len() int { return len(t.routes) }
