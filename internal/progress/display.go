package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

// Display renders a single-line counter such as
//
//	loaded lines: 12,345 / 67,890 (18.2%)
//
// rewriting it in place with a carriage return. It is not safe for concurrent
// use; the Tracker consumer is its only caller until Finish.
type Display struct {
	w     io.Writer
	total int64
	every time.Duration
	now   func() time.Time

	done int64
	last time.Time
}

// NewDisplay returns a Display writing to w. total <= 0 means unknown and the
// percentage is omitted. Redraws happen at most once per every.
func NewDisplay(w io.Writer, total int64, every time.Duration) *Display {
	if w == nil {
		w = io.Discard
	}
	return &Display{w: w, total: total, every: every, now: time.Now}
}

// Add implements Sink.
func (d *Display) Add(n int64) {
	d.done += n
	if now := d.now(); now.Sub(d.last) >= d.every {
		d.last = now
		d.render()
	}
}

// Done reports the lines counted so far.
func (d *Display) Done() int64 { return d.done }

// Finish draws the final state and ends the line.
func (d *Display) Finish() {
	d.render()
	fmt.Fprintln(d.w)
}

// Line formats the current state without the carriage return.
func (d *Display) Line() string {
	if d.total <= 0 {
		return "loaded lines: " + humanize.Comma(d.done)
	}
	pct := 100 * float64(d.done) / float64(d.total)
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("loaded lines: %s / %s (%.1f%%)", humanize.Comma(d.done), humanize.Comma(d.total), pct)
}

func (d *Display) render() {
	fmt.Fprint(d.w, "\r"+d.Line())
}
