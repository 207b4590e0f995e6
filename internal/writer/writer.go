// Package writer sends per-shard batches to their backends with retry,
// optional rate limiting and a dry-run mode.
package writer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"memcload/internal/logging"
	"memcload/internal/metrics"
	"memcload/internal/router"
	"memcload/internal/storage"
)

// Options controls write behavior. Zero values pick the defaults noted.
type Options struct {
	// DryRun logs each entry at debug level and never touches a backend.
	DryRun bool

	// Retries is the total number of attempts per batch. Default 3.
	Retries int
	// RetryDelay is the first backoff interval. Default 200ms.
	RetryDelay time.Duration
	// RetryMaxDelay caps the backoff interval. Default 5s.
	RetryMaxDelay time.Duration

	// Timeout bounds one attempt. 0 leaves it to the backend.
	Timeout time.Duration

	// Rate limits batch writes per shard per second. 0 means unlimited.
	Rate float64

	Log logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 5 * time.Second
	}
	if o.RetryMaxDelay < o.RetryDelay {
		o.RetryMaxDelay = o.RetryDelay
	}
	if o.Log == nil {
		o.Log = logging.Nop()
	}
	return o
}

// Result is the outcome of one shard batch. Exactly one of Written and Failed
// is non-zero for a non-empty batch.
type Result struct {
	Written  int
	Failed   int
	Attempts int
	Err      error
}

// Writer is safe for concurrent use.
type Writer struct {
	pool *ShardPool
	opts Options

	limMu    sync.Mutex
	limiters map[router.Shard]*rate.Limiter
}

// New returns a Writer drawing clients from pool. pool may be nil in dry-run
// mode.
func New(pool *ShardPool, opts Options) *Writer {
	return &Writer{
		pool:     pool,
		opts:     opts.withDefaults(),
		limiters: map[router.Shard]*rate.Limiter{},
	}
}

// Write stores entries on shard. A single entry goes through Set, more
// through one MultiSet. Transport errors are retried with exponential backoff;
// permanent errors and context cancellation end the attempts early. A batch
// that still fails is reported whole in Result.Failed.
func (w *Writer) Write(ctx context.Context, shard router.Shard, entries map[string][]byte) Result {
	if len(entries) == 0 {
		return Result{}
	}
	if w.opts.DryRun {
		return w.dryRun(shard, entries)
	}

	start := time.Now()
	res := w.write(ctx, shard, entries)

	status := "ok"
	if res.Err != nil {
		status = "failed"
		w.opts.Log.Errorf("stage=write shard=%s entries=%d attempts=%d err=%v", shard, len(entries), res.Attempts, res.Err)
	}
	labels := metrics.Labels{"shard": shard.String(), "status": status}
	metrics.IncCounter(metrics.BatchesTotal, 1, labels)
	metrics.ObserveHistogram(metrics.WriteDurationSeconds, time.Since(start).Seconds(), labels)
	return res
}

func (w *Writer) write(ctx context.Context, shard router.Shard, entries map[string][]byte) Result {
	if lim := w.limiter(shard); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{Failed: len(entries), Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	attempts := 0
	op := func() error {
		attempts++
		err := w.attempt(ctx, shard, entries)
		if err != nil && storage.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.IncCounter(metrics.WriteRetriesTotal, 1, metrics.Labels{"shard": shard.String()})
		w.opts.Log.Warnf("stage=write shard=%s attempt=%d retry_in=%s err=%v", shard, attempts, next, err)
	}

	if err := backoff.RetryNotify(op, w.policy(ctx), notify); err != nil {
		return Result{Failed: len(entries), Attempts: attempts, Err: err}
	}
	return Result{Written: len(entries), Attempts: attempts}
}

func (w *Writer) attempt(ctx context.Context, shard router.Shard, entries map[string][]byte) error {
	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	kv, err := w.pool.Get(ctx, shard)
	if err != nil {
		return err
	}
	if len(entries) == 1 {
		for k, v := range entries {
			return kv.Set(ctx, k, v)
		}
	}
	return kv.MultiSet(ctx, entries)
}

func (w *Writer) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.opts.RetryDelay
	exp.MaxInterval = w.opts.RetryMaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(w.opts.Retries-1)), ctx)
}

func (w *Writer) limiter(shard router.Shard) *rate.Limiter {
	if w.opts.Rate <= 0 {
		return nil
	}
	w.limMu.Lock()
	defer w.limMu.Unlock()

	lim, ok := w.limiters[shard]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(w.opts.Rate), 1)
		w.limiters[shard] = lim
	}
	return lim
}

func (w *Writer) dryRun(shard router.Shard, entries map[string][]byte) Result {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		w.opts.Log.Debugf("dry-run shard=%s key=%s payload=%x", shard, k, entries[k])
	}
	metrics.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"shard": shard.String(), "status": "dry_run"})
	return Result{Written: len(entries)}
}
