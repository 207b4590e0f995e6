// Package prompush is a metrics backend that keeps Prometheus collectors in a
// private registry and pushes them to a Pushgateway on Flush.
//
// The loader is a batch job; a scrape endpoint would disappear with the
// process, so the registry is pushed instead. Collectors are created the first
// time a metric name is seen, with the label names of that first call. A later
// call with a different label set for the same name is dropped.
package prompush

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"memcload/internal/metrics"
)

// Options configures the pusher.
type Options struct {
	// URL of the Pushgateway, e.g. http://localhost:9091.
	URL string
	// Job is the Pushgateway job label. Defaults to "memcload".
	Job string
	// Grouping adds grouping labels (e.g. run_id) to the push URL.
	Grouping map[string]string
	// Timeout bounds one push. Defaults to 10s.
	Timeout time.Duration

	// client is a test seam; nil uses http.DefaultClient.
	client push.HTTPDoer
}

// Backend implements metrics.Backend on a Prometheus registry.
type Backend struct {
	reg     *prometheus.Registry
	pusher  *push.Pusher
	timeout time.Duration

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewBackend builds a backend pushing to opts.URL.
func NewBackend(opts Options) (*Backend, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	job := opts.Job
	if job == "" {
		job = "memcload"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reg := prometheus.NewRegistry()
	p := push.New(opts.URL, job).Gatherer(reg)

	groups := make([]string, 0, len(opts.Grouping))
	for k := range opts.Grouping {
		groups = append(groups, k)
	}
	sort.Strings(groups)
	for _, k := range groups {
		p = p.Grouping(k, opts.Grouping[k])
	}

	var client push.HTTPDoer = &http.Client{Timeout: timeout}
	if opts.client != nil {
		client = opts.client
	}
	p = p.Client(client)

	return &Backend{
		reg:        reg,
		pusher:     p,
		timeout:    timeout,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}, nil
}

func labelNames(labels metrics.Labels) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	vec, ok := b.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		if err := b.reg.Register(vec); err != nil {
			b.mu.Unlock()
			return
		}
		b.counters[name] = vec
	}
	b.mu.Unlock()

	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	vec, ok := b.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		if err := b.reg.Register(vec); err != nil {
			b.mu.Unlock()
			return
		}
		b.histograms[name] = vec
	}
	b.mu.Unlock()

	o, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	o.Observe(value)
}

// Flush pushes the whole registry, replacing the previous push for the same
// grouping key. Nothing is sent before the first metric is recorded.
func (b *Backend) Flush() error {
	b.mu.Lock()
	empty := len(b.counters) == 0 && len(b.histograms) == 0
	b.mu.Unlock()
	if empty {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Close performs a final push.
func (b *Backend) Close() error { return b.Flush() }

var _ metrics.Backend = (*Backend)(nil)
