// Package outputlog captures task output to per-task log files.
package outputlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
)

// DefaultBufferSize is the write buffer in front of each log file.
const DefaultBufferSize = 8 * 1024

// ErrClosed is returned by writes to a closed buffer.
var ErrClosed = errors.New("output buffer closed")

// Buffer is a buffered, append-only log file. It is safe for concurrent use;
// a single writer plus concurrent readers is the expected pattern.
type Buffer struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	size   int64
	closed bool
}

// Create truncates or creates the log file at path.
func Create(path string, bufSize int) (*Buffer, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	slog.Debug("output buffer created", "path", path)
	return &Buffer{path: path, file: f, w: bufio.NewWriterSize(f, bufSize)}, nil
}

// Write appends p. It never returns a short write without an error.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	n, err := b.w.Write(p)
	b.size += int64(n)
	return n, err
}

// Flush pushes buffered bytes to the file.
func (b *Buffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	return b.w.Flush()
}

// Close flushes and closes the file. Further writes fail with ErrClosed.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	ferr := b.w.Flush()
	cerr := b.file.Close()
	slog.Debug("output buffer closed", "path", b.path, "size", humanize.IBytes(uint64(b.size)))
	return errors.Join(ferr, cerr)
}

// Size returns the number of bytes written so far.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Path returns the log file path.
func (b *Buffer) Path() string {
	return b.path
}

// Tail flushes and returns at most maxBytes of the most recent output.
// maxBytes <= 0 returns everything.
func (b *Buffer) Tail(maxBytes int64) string {
	if err := b.Flush(); err != nil {
		slog.Warn("failed to flush output buffer", "path", b.path, "error", err)
	}
	return ReadTail(b.path, maxBytes)
}

// ReadTail reads at most maxBytes from the end of the file at path. When
// output is dropped, the result starts at a line boundary and carries a
// notice with the number of skipped bytes. Missing files read as "".
func ReadTail(path string, maxBytes int64) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to open output log", "path", path, "error", err)
		}
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Warn("failed to stat output log", "path", path, "error", err)
		return ""
	}
	size := info.Size()
	if maxBytes <= 0 || size <= maxBytes {
		data, err := io.ReadAll(f)
		if err != nil {
			slog.Warn("failed to read output log", "path", path, "error", err)
		}
		return string(data)
	}

	offset := size - maxBytes
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		slog.Warn("failed to seek output log", "path", path, "error", err)
		return ""
	}
	r := bufio.NewReader(f)
	// Drop the partial first line.
	skipped, err := r.ReadString('\n')
	if err != nil {
		// A single line longer than the window: keep the window as is.
		return notice(offset) + skipped
	}
	rest, _ := io.ReadAll(r)
	return notice(offset+int64(len(skipped))) + string(rest)
}

func notice(dropped int64) string {
	return fmt.Sprintf("[... %s earlier, showing recent output ...]\n\n", humanize.IBytes(uint64(dropped)))
}
