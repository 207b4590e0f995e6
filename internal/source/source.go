// Package source finds input files, opens them with the right decompressor,
// counts their lines and marks them as attempted.
package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// Marker prefixes the basename of a file that has been attempted.
const Marker = "."

// Discover lists regular files in dir whose basename matches pattern, skipping
// names that already carry Marker. A pattern containing a path separator is
// resolved relative to dir (or on its own when absolute). Results are sorted.
//
// Errors:
//   - filepath.ErrBadPattern (wrapped) for a malformed pattern
//   - the directory cannot be read
func Discover(dir, pattern string) ([]string, error) {
	if strings.ContainsRune(pattern, filepath.Separator) {
		if filepath.IsAbs(pattern) {
			dir = filepath.Dir(pattern)
		} else {
			dir = filepath.Join(dir, filepath.Dir(pattern))
		}
		pattern = filepath.Base(pattern)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("discover: pattern %q: %w", pattern, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("discover: read dir %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, Marker) || !e.Type().IsRegular() {
			continue
		}
		if ok, _ := filepath.Match(pattern, name); ok {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Open returns a reader over the decompressed content of path: gzip for .gz,
// zstd for .zst, raw bytes otherwise. Closing the reader closes the file.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(bufio.NewReaderSize(f, 1<<16))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open %s: gzip: %w", path, err)
		}
		return &stack{Reader: zr, closers: []io.Closer{zr, f}}, nil
	case ".zst", ".zstd":
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open %s: zstd: %w", path, err)
		}
		rc := zr.IOReadCloser()
		return &stack{Reader: rc, closers: []io.Closer{rc, f}}, nil
	default:
		return f, nil
	}
}

// stack reads from the outermost decoder and closes every layer in order.
type stack struct {
	io.Reader
	closers []io.Closer
}

func (s *stack) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CountLines counts the lines of each file, up to workers files at a time.
// A final line without a trailing newline counts. The first failure cancels
// the remaining counts and is returned.
func CountLines(ctx context.Context, paths []string, workers int) (map[string]int64, int64, error) {
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	counts := make(map[string]int64, len(paths))
	var total int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, p := range paths {
		g.Go(func() error {
			n, err := countFile(ctx, p)
			if err != nil {
				return err
			}
			mu.Lock()
			counts[p] = n
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return counts, total, nil
}

func countFile(ctx context.Context, path string) (int64, error) {
	rc, err := Open(path)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", path, err)
	}
	defer rc.Close()

	buf := make([]byte, 1<<16)
	var n int64
	var last byte = '\n'
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		m, err := rc.Read(buf)
		if m > 0 {
			n += int64(bytes.Count(buf[:m], []byte{'\n'}))
			last = buf[m-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", path, err)
		}
	}
	if last != '\n' {
		n++
	}
	return n, nil
}

// MarkAttempted renames path to Marker+basename in the same directory and
// returns the new path. A path whose basename already starts with Marker is
// returned unchanged without touching the filesystem.
func MarkAttempted(path string) (string, error) {
	dir, base := filepath.Split(path)
	if strings.HasPrefix(base, Marker) {
		return path, nil
	}
	dst := filepath.Join(dir, Marker+base)
	if err := os.Rename(path, dst); err != nil {
		return path, fmt.Errorf("mark attempted %s: %w", path, err)
	}
	return dst, nil
}
