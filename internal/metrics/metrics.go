// Package metrics is the process-wide metrics facade.
//
// Loader code calls the package-level IncCounter/ObserveHistogram; cmd picks a
// Backend at startup with SetBackend. The default backend discards everything.
package metrics

import "sync"

// Metric names emitted by the loader.
const (
	// BatchesTotal counts shard batch writes. Labels: shard, status.
	BatchesTotal = "memcload_batches_total"
	// WriteDurationSeconds observes one shard batch write, retries included.
	// Labels: shard, status.
	WriteDurationSeconds = "memcload_write_duration_seconds"
	// WriteRetriesTotal counts retried write attempts. Labels: shard.
	WriteRetriesTotal = "memcload_write_retries_total"
	// FilesTotal counts finalized files. Labels: outcome.
	FilesTotal = "memcload_files_total"
	// LinesTotal counts lines by outcome. Labels: kind.
	LinesTotal = "memcload_lines_total"
)

// Labels are metric dimensions. Backends must not retain the map.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	current Backend = nop{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op
// backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nop{}
	}
	mu.Lock()
	current = b
	mu.Unlock()
}

func get() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to a counter on the current backend.
func IncCounter(name string, delta float64, labels Labels) {
	get().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the current backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	get().ObserveHistogram(name, value, labels)
}

// Flush asks the current backend to submit what it has buffered.
func Flush() error { return get().Flush() }
