package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"memcload/internal/router"
	"memcload/internal/storage"
)

// Opener builds a client for one shard. storage.New is the production opener.
type Opener func(ctx context.Context, cfg storage.Config) (storage.KV, error)

// ShardPool lazily creates and caches one client per shard for the whole run.
// Every backend client is safe for concurrent use, so all chunk workers of all
// files share the same entry.
type ShardPool struct {
	open Opener
	base storage.Config

	mu      sync.Mutex
	clients map[router.Shard]storage.KV
}

// NewShardPool returns an empty pool. base supplies Timeout and MaxConns for
// every client; Kind and Addr come from the shard.
func NewShardPool(open Opener, base storage.Config) *ShardPool {
	return &ShardPool{
		open:    open,
		base:    base,
		clients: map[router.Shard]storage.KV{},
	}
}

// Get returns the client for shard, creating it on first use. The opener runs
// outside the lock; if two callers race, the loser's client is closed.
func (p *ShardPool) Get(ctx context.Context, shard router.Shard) (storage.KV, error) {
	p.mu.Lock()
	if kv, ok := p.clients[shard]; ok {
		p.mu.Unlock()
		return kv, nil
	}
	p.mu.Unlock()

	cfg := p.base
	cfg.Kind = shard.Kind
	cfg.Addr = shard.Addr

	kv, err := p.open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open shard (kind=%s addr=%s): %w", cfg.Kind, shard, err)
	}

	p.mu.Lock()
	if existing, ok := p.clients[shard]; ok {
		p.mu.Unlock()
		_ = kv.Close()
		return existing, nil
	}
	p.clients[shard] = kv
	p.mu.Unlock()

	return kv, nil
}

// Len reports how many shard clients are open.
func (p *ShardPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every client and empties the pool.
func (p *ShardPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for s, kv := range p.clients {
		if err := kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close shard %s: %w", s, err))
		}
	}
	p.clients = map[router.Shard]storage.KV{}
	return errors.Join(errs...)
}
