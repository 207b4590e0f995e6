package loader

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"memcload/internal/batch"
	"memcload/internal/logging"
	"memcload/internal/progress"
	"memcload/internal/router"
	"memcload/internal/source"
	"memcload/internal/storage"
	"memcload/internal/storage/memcache"
	"memcload/internal/writer"
)

// DefaultWorkers is the number of files processed in parallel.
const DefaultWorkers = 3

// Config is everything one run needs.
type Config struct {
	Dir     string
	Pattern string

	// Shards maps device type to shard address (see router.ParseShard).
	Shards map[string]string

	// Workers bounds files processed in parallel.
	Workers int
	// SkipCount disables the line precount; the progress display then shows
	// a bare counter.
	SkipCount bool

	File  FileOptions
	Write writer.Options

	// Timeout is handed to every shard client.
	Timeout time.Duration

	// Progress receives the progress line. nil discards it.
	Progress      io.Writer
	ProgressEvery time.Duration

	// RunID tags the run summary. Generated when empty.
	RunID string
}

// Summary aggregates a run.
type Summary struct {
	RunID string

	Files      int // files discovered
	OpenFailed int
	HighErrors int

	Lines     int64
	Processed int64
	Errors    int64

	Elapsed time.Duration
	Results []FileResult // sorted by Path
}

// Runner runs one load.
type Runner struct {
	cfg Config
	log logging.Logger

	// opener seam; storage.New in production.
	open writer.Opener
}

// NewRunner returns a Runner that opens shard clients through the storage
// registry.
func NewRunner(cfg Config, log logging.Logger) *Runner {
	if log == nil {
		log = logging.Nop()
	}
	return &Runner{cfg: cfg, log: log, open: storage.New}
}

// Run discovers files and loads them. Per-file problems (open failures, bad
// records, failed writes) are logged and summarized, never returned.
//
// Errors:
//   - the shard table is invalid
//   - the pattern is malformed or the directory cannot be read
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	cfg := r.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	fileOpts := cfg.File.withDefaults()

	table, err := router.NewTable(cfg.Shards)
	if err != nil {
		return Summary{}, err
	}

	files, err := source.Discover(cfg.Dir, cfg.Pattern)
	if err != nil {
		return Summary{}, err
	}
	if len(files) == 0 {
		r.log.Infof("stage=discover dir=%s pattern=%s nothing to do", cfg.Dir, cfg.Pattern)
		return Summary{}, nil
	}
	r.log.Infof("stage=discover run_id=%s files=%d shards=%d workers=%d concurrency=%d chunk_size=%d dry_run=%t",
		cfg.RunID, len(files), table.Len(), cfg.Workers, fileOpts.Concurrency, fileOpts.ChunkSize, cfg.Write.DryRun)

	start := time.Now()

	var total int64
	if !cfg.SkipCount {
		_, n, err := source.CountLines(ctx, files, cfg.Workers)
		if err != nil {
			r.log.Warnf("stage=count err=%v progress total disabled", err)
		} else {
			total = n
			r.log.Debugf("stage=count lines=%d", total)
		}
	}

	every := cfg.ProgressEvery
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	display := progress.NewDisplay(cfg.Progress, total, every)
	tracker := progress.Start(display)

	pool := writer.NewShardPool(r.open, storage.Config{Timeout: cfg.Timeout, MaxConns: fileOpts.Concurrency})
	defer func() {
		if err := pool.Close(); err != nil {
			r.log.Warnf("stage=shutdown err=%v", err)
		}
	}()

	wopts := cfg.Write
	if wopts.Log == nil {
		wopts.Log = r.log
	}
	if wopts.Timeout <= 0 {
		wopts.Timeout = cfg.Timeout
	}
	w := writer.New(pool, wopts)

	acc := &batch.Accumulator{Routes: table, Log: r.log, CheckKey: checkShardKey}
	fp := NewFileProcessor(acc, w, tracker, fileOpts, r.log)

	var (
		mu      sync.Mutex
		results = make([]FileResult, 0, len(files))
		openErr []error
	)
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, f := range files {
		g.Go(func() error {
			res, err := fp.Process(ctx, f)
			mu.Lock()
			results = append(results, res)
			if err != nil {
				openErr = append(openErr, err)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	tracker.Stop()
	display.Finish()

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	sum := Summary{
		RunID:      cfg.RunID,
		Files:      len(files),
		OpenFailed: len(openErr),
		Results:    results,
		Elapsed:    time.Since(start),
	}
	for _, res := range results {
		sum.Lines += int64(res.Stats.Lines)
		sum.Processed += res.Processed
		sum.Errors += res.Errors()
		if res.Outcome == OutcomeHighErrors {
			sum.HighErrors++
		}
	}

	r.log.Infof("stage=summary run_id=%s files=%d open_failed=%d high_error_rate=%d lines=%d processed=%d errors=%d elapsed=%s",
		sum.RunID, sum.Files, sum.OpenFailed, sum.HighErrors, sum.Lines, sum.Processed, sum.Errors,
		sum.Elapsed.Truncate(time.Millisecond))
	if len(openErr) > 0 {
		r.log.Debugf("stage=summary open_errors=%v", errors.Join(openErr...))
	}
	return sum, nil
}

// checkShardKey rejects keys the shard backend would refuse, so one bad device
// id fails its own line instead of the whole shard batch.
func checkShardKey(shard router.Shard, key string) error {
	if shard.Kind == router.KindMemcache {
		return memcache.ValidKey(key)
	}
	return nil
}
