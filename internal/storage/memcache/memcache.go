// Package memcache is the memcached shard backend.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bradfitz/gomemcache/memcache"

	"memcload/internal/storage"
)

func init() {
	storage.Register("memcache", New)
}

// setter is the part of *memcache.Client this backend uses.
type setter interface {
	Set(item *memcache.Item) error
}

// KV writes entries to one memcached shard.
//
// gomemcache has no multi-set; MultiSet issues one Set per entry on the shared
// client, which keeps a pool of idle connections per server.
type KV struct {
	client setter
}

// New builds a client for cfg.Addr. The address is host:port, optionally
// prefixed with memcache:// and optionally a comma-separated server list.
func New(ctx context.Context, cfg storage.Config) (storage.KV, error) {
	servers, err := Servers(cfg.Addr)
	if err != nil {
		return nil, err
	}

	c := memcache.New(servers...)
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.MaxConns > 0 {
		c.MaxIdleConns = cfg.MaxConns
	}
	return &KV{client: c}, nil
}

// Servers extracts the server list from a shard address.
func Servers(addr string) ([]string, error) {
	a := strings.TrimSpace(addr)
	for _, p := range []string{"memcache://", "memcached://"} {
		a = strings.TrimPrefix(a, p)
	}
	a = strings.TrimSuffix(a, "/")

	var out []string
	for _, s := range strings.Split(a, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("memcache: no servers in address %q", addr)
	}
	return out, nil
}

// MaxKeyLength is the longest key memcached accepts.
const MaxKeyLength = 250

// ValidKey reports whether memcached accepts key: at most MaxKeyLength bytes,
// none of them whitespace or control characters. The error wraps
// memcache.ErrMalformedKey.
func ValidKey(key string) error {
	if len(key) > MaxKeyLength {
		return fmt.Errorf("memcache: key is %d bytes, max %d: %w", len(key), MaxKeyLength, memcache.ErrMalformedKey)
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return fmt.Errorf("memcache: key byte %#x at %d: %w", c, i, memcache.ErrMalformedKey)
		}
	}
	return nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return classify(key, k.client.Set(&memcache.Item{Key: key, Value: value}))
}

func (k *KV) MultiSet(ctx context.Context, items map[string][]byte) error {
	for key, value := range items {
		if err := k.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (k *KV) Close() error {
	if c, ok := k.client.(*memcache.Client); ok {
		return c.Close()
	}
	return nil
}

// classify marks errors a retry cannot fix as permanent.
func classify(key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, memcache.ErrMalformedKey) || errors.Is(err, memcache.ErrNoServers) {
		return storage.Permanent(fmt.Errorf("memcache: set %q: %w", key, err))
	}
	return fmt.Errorf("memcache: set %q: %w", key, err)
}
