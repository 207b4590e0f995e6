// Package storage defines the key-value contract shard backends implement and
// the registry the writer uses to construct them by kind.
//
// Backends live in sub-packages and register themselves from init(). The
// binary blank-imports storage/all; tests import only what they exercise.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownKind is returned by New when no backend is registered for a kind.
var ErrUnknownKind = errors.New("storage: unknown backend kind")

// Config is what a backend factory needs to build a client for one shard.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - Addr is the shard address exactly as configured; each backend derives
//     its own DSN from it.
//   - Timeout <= 0 leaves the backend's default in place.
//   - MaxConns <= 0 leaves the backend's default pool size in place.
type Config struct {
	Kind     string
	Addr     string
	Timeout  time.Duration
	MaxConns int
}

// KV is a write-only key-value shard client.
//
// Implementations must be safe for concurrent use: one KV is shared by every
// chunk worker writing to the same shard.
type KV interface {
	// Set stores one entry.
	Set(ctx context.Context, key string, value []byte) error

	// MultiSet stores every entry of items in as few round trips as the backend
	// allows. An error means the batch as a whole must be treated as failed.
	MultiSet(ctx context.Context, items map[string][]byte) error

	// Close releases connections. Call once.
	Close() error
}

// Factory builds a KV for one shard.
type Factory func(ctx context.Context, cfg Config) (KV, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a KV using the backend registered for cfg.Kind.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - ErrUnknownKind (wrapped) if cfg.Kind is empty or not registered.
//   - Whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (KV, error) {
	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying, e.g. a key the backend rejects.
// Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
