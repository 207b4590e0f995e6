// Package redis is the Redis shard backend. Entries are plain string keys
// written with SET/MSET and no expiry.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"memcload/internal/router"
	"memcload/internal/storage"
)

func init() {
	storage.Register("redis", New)
}

// cmdable is the part of *goredis.Client this backend uses.
type cmdable interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	MSet(ctx context.Context, values ...any) *goredis.StatusCmd
	Close() error
}

// KV writes entries to one Redis shard.
type KV struct {
	client cmdable
}

// New builds a client from a redis:// or rediss:// URL. Pool size and
// timeouts given in the URL query win over cfg.
func New(ctx context.Context, cfg storage.Config) (storage.KV, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	return &KV{client: goredis.NewClient(opts)}, nil
}

// Options translates a shard config into client options.
func Options(cfg storage.Config) (*goredis.Options, error) {
	opts, err := goredis.ParseURL(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("redis: parse %q: %w", router.Redact(cfg.Addr), err)
	}
	if cfg.Timeout > 0 {
		if opts.DialTimeout == 0 {
			opts.DialTimeout = cfg.Timeout
		}
		if opts.ReadTimeout == 0 {
			opts.ReadTimeout = cfg.Timeout
		}
		if opts.WriteTimeout == 0 {
			opts.WriteTimeout = cfg.Timeout
		}
	}
	if cfg.MaxConns > 0 && opts.PoolSize == 0 {
		opts.PoolSize = cfg.MaxConns
	}
	return opts, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis: set %q: %w", key, err)
	}
	return nil
}

// MultiSet writes all items with a single MSET.
func (k *KV) MultiSet(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}
	pairs := make([]any, 0, 2*len(items))
	for _, key := range storage.SortedKeys(items) {
		pairs = append(pairs, key, items[key])
	}
	if err := k.client.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("redis: mset %d keys: %w", len(items), err)
	}
	return nil
}

func (k *KV) Close() error { return k.client.Close() }
