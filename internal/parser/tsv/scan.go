package tsv

import (
	"bufio"
	"io"
)

// MaxLineSize bounds a single input line. Device lines with very long app
// lists exceed bufio's 64 KiB default.
const MaxLineSize = 1 << 20

// NewScanner returns a line scanner over r sized for device dumps.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return sc
}
