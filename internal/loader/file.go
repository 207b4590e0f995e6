// Package loader drives a load run: it discovers input files, streams each
// one through the batch accumulator in bounded chunk workers, writes the
// per-shard batches and finalizes every file it streamed.
package loader

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"memcload/internal/batch"
	"memcload/internal/logging"
	"memcload/internal/metrics"
	"memcload/internal/parser/tsv"
	"memcload/internal/router"
	"memcload/internal/source"
	"memcload/internal/writer"
)

// Defaults applied by FileOptions when a field is zero.
const (
	DefaultChunkSize      = 100
	DefaultConcurrency    = 4
	DefaultErrorThreshold = 0.01
)

// File outcomes, used as the "outcome" label of metrics.FilesTotal.
const (
	OutcomeOK         = "ok"
	OutcomeHighErrors = "high_error_rate"
	OutcomeEmpty      = "empty"
	OutcomeOpenFailed = "open_failed"
)

// FileOptions controls how one file is processed.
type FileOptions struct {
	// ChunkSize is the number of lines handed to one chunk worker.
	ChunkSize int
	// Concurrency bounds the chunk workers of one file. A full pool blocks
	// the reader.
	Concurrency int
	// ErrorThreshold is the highest error rate still reported as acceptable
	// (exclusive).
	ErrorThreshold float64
	// NoRename leaves input files in place after processing.
	NoRename bool
}

func (o FileOptions) withDefaults() FileOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = DefaultErrorThreshold
	}
	return o
}

// FileResult describes one finalized file.
type FileResult struct {
	// Path is the input path as discovered.
	Path string
	// Final is where the file ended up; equal to Path when it was not renamed.
	Final string

	Stats     batch.Stats
	Processed int64 // entries accepted by the writer
	Failed    int64 // entries in shard batches that could not be written
	ReadErr   error // non-nil when streaming stopped early

	Outcome string
}

// Errors is the per-record error count used by the error-rate policy.
func (r FileResult) Errors() int64 { return int64(r.Stats.Errors()) + r.Failed }

// ErrorRate is Errors / Processed, or 0 when nothing was processed.
func (r FileResult) ErrorRate() float64 {
	if r.Processed == 0 {
		return 0
	}
	return float64(r.Errors()) / float64(r.Processed)
}

// shardWriter is the subset of *writer.Writer the processor needs.
type shardWriter interface {
	Write(ctx context.Context, shard router.Shard, entries map[string][]byte) writer.Result
}

// publisher is the subset of *progress.Tracker the processor needs.
type publisher interface {
	Publish(n int64)
}

// FileProcessor streams one file at a time. A single processor is shared by
// all file workers of a run.
type FileProcessor struct {
	acc     *batch.Accumulator
	writer  shardWriter
	tracker publisher
	opts    FileOptions
	log     logging.Logger

	open func(path string) (io.ReadCloser, error)
	mark func(path string) (string, error)
}

// NewFileProcessor wires a processor. tracker may be nil.
func NewFileProcessor(acc *batch.Accumulator, w shardWriter, tracker publisher, opts FileOptions, log logging.Logger) *FileProcessor {
	if log == nil {
		log = logging.Nop()
	}
	if tracker == nil {
		tracker = nopPublisher{}
	}
	return &FileProcessor{
		acc:     acc,
		writer:  w,
		tracker: tracker,
		opts:    opts.withDefaults(),
		log:     log,
		open:    source.Open,
		mark:    source.MarkAttempted,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(int64) {}

// fileJob accumulates chunk results of one file. Chunk workers update it
// concurrently.
type fileJob struct {
	lines, blank, rejected, unrouted, encodeFailed, entries atomic.Int64
	processed, failed                                       atomic.Int64
}

func (j *fileJob) add(st batch.Stats, written, failed int) {
	j.lines.Add(int64(st.Lines))
	j.blank.Add(int64(st.Blank))
	j.rejected.Add(int64(st.Rejected))
	j.unrouted.Add(int64(st.Unrouted))
	j.encodeFailed.Add(int64(st.EncodeFailed))
	j.entries.Add(int64(st.Entries))
	j.processed.Add(int64(written))
	j.failed.Add(int64(failed))
}

func (j *fileJob) stats() batch.Stats {
	return batch.Stats{
		Lines:        int(j.lines.Load()),
		Blank:        int(j.blank.Load()),
		Rejected:     int(j.rejected.Load()),
		Unrouted:     int(j.unrouted.Load()),
		EncodeFailed: int(j.encodeFailed.Load()),
		Entries:      int(j.entries.Load()),
	}
}

// Process streams path into chunk workers, waits for all of them, then
// finalizes the file: rename (unless disabled) and the error-rate report.
//
// Edge cases:
//   - A read error part way through (e.g. a truncated gzip stream) is logged,
//     streaming stops and the file is still finalized.
//   - Context cancellation stops reading; chunks already dispatched finish
//     (their writes fail fast) and the file is finalized.
//
// Errors:
//   - The file cannot be opened. Nothing is renamed in that case.
func (p *FileProcessor) Process(ctx context.Context, path string) (FileResult, error) {
	res := FileResult{Path: path, Final: path}

	rc, err := p.open(path)
	if err != nil {
		p.log.Errorf("stage=open file=%s err=%v", path, err)
		res.Outcome = OutcomeOpenFailed
		metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"outcome": OutcomeOpenFailed})
		return res, fmt.Errorf("process %s: %w", path, err)
	}
	p.log.Infof("stage=file file=%s status=processing", path)

	job := &fileJob{}
	res.ReadErr = p.stream(ctx, rc, job)
	if err := rc.Close(); err != nil && res.ReadErr == nil {
		p.log.Warnf("stage=read file=%s close_err=%v", path, err)
	}
	if res.ReadErr != nil {
		p.log.Errorf("stage=read file=%s lines=%d err=%v", path, job.lines.Load(), res.ReadErr)
	}

	res.Stats = job.stats()
	res.Processed = job.processed.Load()
	res.Failed = job.failed.Load()

	p.finalize(&res)
	return res, nil
}

// stream reads lines into chunks and dispatches each full chunk to the
// bounded worker group. It returns once every dispatched chunk is done.
func (p *FileProcessor) stream(ctx context.Context, r io.Reader, job *fileJob) error {
	size := p.opts.ChunkSize

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)

	seq := 0
	dispatch := func(c *batch.Chunk) {
		c.Seq = seq
		seq++
		p.tracker.Publish(int64(c.Len()))
		g.Go(func() error {
			p.handleChunk(ctx, c, job)
			return nil
		})
	}

	sc := tsv.NewScanner(r)
	c := batch.GetChunk(size)
	var readErr error
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}
		if c.Add(sc.Text(), size) {
			dispatch(c)
			c = batch.GetChunk(size)
		}
	}
	if readErr == nil {
		readErr = sc.Err()
	}

	switch {
	case c.Len() == 0:
		c.Free()
	case ctx.Err() != nil:
		c.Drop()
	default:
		dispatch(c)
	}

	_ = g.Wait()
	return readErr
}

func (p *FileProcessor) handleChunk(ctx context.Context, c *batch.Chunk, job *fileJob) {
	defer c.Free()

	b, st := p.acc.Build(c.Lines)

	var written, failed int
	for shard, entries := range b {
		r := p.writer.Write(ctx, shard, entries)
		written += r.Written
		failed += r.Failed
	}
	job.add(st, written, failed)
}

func (p *FileProcessor) finalize(res *FileResult) {
	if !p.opts.NoRename {
		final, err := p.mark(res.Path)
		if err != nil {
			p.log.Errorf("stage=finalize file=%s err=%v", res.Path, err)
		} else {
			res.Final = final
		}
	}

	recordLines(res)

	if res.Processed == 0 {
		res.Outcome = OutcomeEmpty
		p.log.Infof("stage=finalize file=%s processed=0 errors=%d", res.Path, res.Errors())
		metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"outcome": OutcomeEmpty})
		return
	}

	rate := res.ErrorRate()
	if rate < p.opts.ErrorThreshold {
		res.Outcome = OutcomeOK
		p.log.Infof("stage=finalize file=%s processed=%d errors=%d acceptable error rate (%.4f)",
			res.Path, res.Processed, res.Errors(), rate)
	} else {
		res.Outcome = OutcomeHighErrors
		p.log.Errorf("stage=finalize file=%s processed=%d errors=%d high error rate (%.4f >= %.4f), failed load",
			res.Path, res.Processed, res.Errors(), rate, p.opts.ErrorThreshold)
	}
	metrics.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"outcome": res.Outcome})
}

func recordLines(res *FileResult) {
	for kind, n := range map[string]int64{
		"processed":     res.Processed,
		"blank":         int64(res.Stats.Blank),
		"rejected":      int64(res.Stats.Rejected),
		"unrouted":      int64(res.Stats.Unrouted),
		"encode_failed": int64(res.Stats.EncodeFailed),
		"write_failed":  res.Failed,
	} {
		if n > 0 {
			metrics.IncCounter(metrics.LinesTotal, float64(n), metrics.Labels{"kind": kind})
		}
	}
}
