// Package progress aggregates "lines consumed" events from many file workers
// into one progress display.
//
// Producers call Tracker.Publish, which never blocks. A single consumer
// goroutine drains the queue in order into a Sink until Stop enqueues the
// stop sentinel.
package progress

import "sync"

// Sink receives every published count, from one goroutine only.
type Sink interface {
	Add(n int64)
}

type signal struct {
	n    int64
	stop bool
}

// Tracker is a multi-producer, single-consumer progress queue.
type Tracker struct {
	sink Sink

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []signal
	stopped bool

	stopOnce sync.Once
	done     chan struct{}
	total    int64 // owned by the consumer until done is closed
}

// Start launches the consumer. sink may be nil when only the total matters.
func Start(sink Sink) *Tracker {
	t := &Tracker{sink: sink, done: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	go t.consume()
	return t
}

// Publish enqueues n lines. It never blocks on the consumer. Counts published
// after Stop are dropped.
func (t *Tracker) Publish(n int64) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	if !t.stopped {
		t.queue = append(t.queue, signal{n: n})
		t.cond.Signal()
	}
	t.mu.Unlock()
}

// Stop enqueues the sentinel, waits for the consumer to drain everything
// published before it, and returns the total. Later calls return the same
// total.
func (t *Tracker) Stop() int64 {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.queue = append(t.queue, signal{stop: true})
		t.stopped = true
		t.cond.Signal()
		t.mu.Unlock()
	})
	<-t.done
	return t.total
}

func (t *Tracker) consume() {
	defer close(t.done)

	for {
		t.mu.Lock()
		for len(t.queue) == 0 {
			t.cond.Wait()
		}
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()

		for _, s := range batch {
			if s.stop {
				return
			}
			t.total += s.n
			if t.sink != nil {
				t.sink.Add(s.n)
			}
		}
	}
}
