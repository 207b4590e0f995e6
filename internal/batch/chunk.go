package batch

import "sync"

// Chunk is a pooled buffer of raw input lines handed from the file reader to
// one chunk worker.
//
// Ownership contract:
//   - Exactly one goroutine owns a Chunk at a time.
//   - The reader fills it and transfers ownership to a worker.
//   - The worker calls Free once it no longer references c.Lines.
//
// On cancellation paths use Drop instead of Free so a chunk still being read
// is never handed back out by the pool.
type Chunk struct {
	Lines []string
	// Seq is the 0-based position of the chunk within its file.
	Seq int
}

var chunkPool sync.Pool

// GetChunk returns an empty Chunk with room for size lines.
func GetChunk(size int) *Chunk {
	if v := chunkPool.Get(); v != nil {
		c := v.(*Chunk)
		if cap(c.Lines) < size {
			c.Lines = make([]string, 0, size)
		}
		c.Lines = c.Lines[:0]
		c.Seq = 0
		return c
	}
	return &Chunk{Lines: make([]string, 0, size)}
}

// Add appends a line and reports whether the chunk reached size lines.
func (c *Chunk) Add(line string, size int) bool {
	c.Lines = append(c.Lines, line)
	return len(c.Lines) >= size
}

// Len reports the number of buffered lines.
func (c *Chunk) Len() int { return len(c.Lines) }

// Free returns the Chunk to the pool.
func (c *Chunk) Free() {
	clear(c.Lines)
	c.Lines = c.Lines[:0]
	chunkPool.Put(c)
}

// Drop discards the Chunk without returning it to the pool.
func (c *Chunk) Drop() {
	c.Lines = nil
	c.Seq = 0
}
