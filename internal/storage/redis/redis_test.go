package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"memcload/internal/storage"
)

type fakeClient struct {
	sets   map[string]any
	msets  [][]any
	err    error
	closed bool
}

func (f *fakeClient) Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	if f.sets == nil {
		f.sets = map[string]any{}
	}
	f.sets[key] = value
	return goredis.NewStatusResult("OK", f.err)
}

func (f *fakeClient) MSet(ctx context.Context, values ...any) *goredis.StatusCmd {
	f.msets = append(f.msets, values)
	return goredis.NewStatusResult("OK", f.err)
}

func (f *fakeClient) Close() error { f.closed = true; return nil }

func TestMultiSet_SingleMSETInKeyOrder(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	kv := &KV{client: fc}

	err := kv.MultiSet(context.Background(), map[string][]byte{"gaid:b": {2}, "gaid:a": {1}})
	if err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if len(fc.msets) != 1 {
		t.Fatalf("expected one MSET, got %d", len(fc.msets))
	}
	args := fc.msets[0]
	if len(args) != 4 || args[0] != "gaid:a" || args[2] != "gaid:b" {
		t.Fatalf("MSET args=%v", args)
	}
}

func TestMultiSet_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	if err := (&KV{client: fc}).MultiSet(context.Background(), nil); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if len(fc.msets) != 0 {
		t.Fatalf("no MSET expected")
	}
}

func TestSet_WrapsError(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	kv := &KV{client: &fakeClient{err: cause}}
	err := kv.Set(context.Background(), "k", []byte("v"))
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()

	opts, err := Options(storage.Config{Addr: "redis://localhost:6379/2", Timeout: 2 * time.Second, MaxConns: 8})
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 {
		t.Fatalf("addr/db=%s/%d", opts.Addr, opts.DB)
	}
	if opts.ReadTimeout != 2*time.Second || opts.PoolSize != 8 {
		t.Fatalf("timeout/pool=%v/%d", opts.ReadTimeout, opts.PoolSize)
	}

	opts, err = Options(storage.Config{Addr: "redis://localhost:6379?pool_size=3", MaxConns: 8})
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.PoolSize != 3 {
		t.Fatalf("URL pool_size should win, got %d", opts.PoolSize)
	}

	if _, err := Options(storage.Config{Addr: "127.0.0.1:6379"}); err == nil {
		t.Fatalf("expected error for address without scheme")
	}
}
