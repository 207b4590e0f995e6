package datadog

import (
	"context"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"memcload/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestSeriesKeyRoundTrip(t *testing.T) {
	t.Parallel()

	k := seriesKey(metrics.BatchesTotal, metrics.Labels{"status": "ok", "shard": "127.0.0.1:33013"})
	name, tags := splitSeriesKey(k)
	if name != metrics.BatchesTotal {
		t.Fatalf("name=%q", name)
	}
	want := []string{"shard:127.0.0.1:33013", "status:ok"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("tags=%v, want %v", tags, want)
	}

	name, tags = splitSeriesKey(seriesKey(metrics.FilesTotal, nil))
	if name != metrics.FilesTotal || len(tags) != 0 {
		t.Fatalf("no-label key=(%q,%v)", name, tags)
	}

	_, tags = splitSeriesKey(seriesKey(metrics.LinesTotal, metrics.Labels{"kind": ""}))
	if !reflect.DeepEqual(tags, []string{"kind:unknown"}) {
		t.Fatalf("empty label value tags=%v", tags)
	}
}

func TestWithTags_DoesNotAliasBase(t *testing.T) {
	t.Parallel()

	base := []string{"env:test", "job:memcload"}
	got := withTags(base, "kind:processed")
	got[0] = "env:mutated"
	if base[0] != "env:test" || len(got) != 3 {
		t.Fatalf("withTags aliased base: base=%v got=%v", base, got)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
			t.Fatalf("%s: percentileNearestRank(%v,%v)=%v, want %v", tc.name, tc.s, tc.p, got, tc.want)
		}
	}
}

func TestAddPercentiles_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"shard:a"}, "memcload.write.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	last := series[5]
	if last.Metric != "memcload.write.duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("samples gauge=%+v", last)
	}
	if *series[0].Type != datadogV2.METRICINTAKETYPE_GAUGE || *series[0].Points[0].Timestamp != 999 {
		t.Fatalf("p50 gauge=%+v", series[0])
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"run_id:abc"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:memcload") || !contains(b.baseTags, "run_id:abc") {
		t.Fatalf("baseTags=%v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 2, metrics.Labels{"shard": "a", "status": "ok"})
	b.IncCounter(metrics.LinesTotal, 3, metrics.Labels{"kind": "processed"})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"outcome": "acceptable"})
	b.ObserveHistogram(metrics.WriteDurationSeconds, 0.5, metrics.Labels{"shard": "a", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.counters) != 0 || len(b.samples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	for _, w := range []string{
		"memcload.batches.total",
		"memcload.lines.total",
		"memcload.files.total",
		"memcload.write.duration_seconds.p50",
		"memcload.write.duration_seconds.samples",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	for _, s := range payload.Series {
		if s.Metric == "memcload.batches.total" {
			if !contains(s.Tags, "shard:a") || !contains(s.Tags, "status:ok") || !contains(s.Tags, "job:job1") {
				t.Fatalf("batches tags=%v", s.Tags)
			}
			if *s.Points[0].Value != 2 || *s.Points[0].Timestamp != 1000 {
				t.Fatalf("batches point=%v@%v", *s.Points[0].Value, *s.Points[0].Timestamp)
			}
		}
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter("unknown_total", 1, nil)
	b.ObserveHistogram(metrics.WriteDurationSeconds, -1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, metrics.Labels{"shard": "a", "status": "ok"})
				b.IncCounter(metrics.LinesTotal, 1, metrics.Labels{"kind": "processed"})
				b.ObserveHistogram(metrics.WriteDurationSeconds, 0.01, metrics.Labels{"shard": "a", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if got := b.counters[seriesKey(metrics.BatchesTotal, metrics.Labels{"shard": "a", "status": "ok"})]; got != float64(workers*iters) {
		t.Fatalf("batches=%v, want %d", got, workers*iters)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:memcload,  ,team:data ", want: []string{"env:prod", "service:memcload", "team:data"}},
		{name: "single_tag", in: "service:memcload", want: []string{"service:memcload"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
