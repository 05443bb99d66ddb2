// Package store persists the raw frame stream to an append-only trace
// file. Frames are written exactly as received, one whole frame per
// append, so a reader of the file at any instant sees only complete
// frames in arrival order.
package store

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Options tunes the writer. The zero value appends to a single
// unbounded file, the way DLT viewers expect plain trace captures.
type Options struct {
	// MaxSegmentSize rotates the file once it would exceed this many
	// bytes. Zero disables rotation.
	MaxSegmentSize int64

	// Compress recompresses completed segments with zstd. Ignored when
	// rotation is disabled; the active segment is always plain so live
	// tail readers keep working.
	Compress bool

	// Clock overrides time.Now for rotated segment names, for tests.
	Clock func() time.Time
}

// Writer owns the trace file handle. All methods are safe for concurrent
// use, though in practice only the ingestion pipeline appends.
type Writer struct {
	path string
	opts Options

	mu      sync.Mutex
	f       *os.File
	size    int64
	frames  uint64
	written uint64
	closed  bool

	compressWG sync.WaitGroup
}

// NewWriter opens (or creates) the trace file for appending.
func NewWriter(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open trace file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: stat trace file: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Writer{path: path, opts: opts, f: f, size: info.Size()}, nil
}

// Append writes one complete frame. The frame lands in a single write
// call, so a concurrent reader never observes a torn frame.
func (w *Writer) Append(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("store: writer closed")
	}

	if w.opts.MaxSegmentSize > 0 && w.size > 0 && w.size+int64(len(frame)) > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := w.f.Write(frame)
	w.size += int64(n)
	w.written += uint64(n)
	if err != nil {
		return fmt.Errorf("store: append frame: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns how many frames were appended.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Bytes returns how many bytes were appended across all segments.
func (w *Writer) Bytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Sync flushes OS buffers to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.f.Sync()
}

// Close flushes and releases the file handle and waits for any pending
// segment compression. Safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.f.Sync()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.mu.Unlock()

	w.compressWG.Wait()
	return err
}

// rotateLocked closes the current segment, renames it with a timestamp
// suffix, and reopens a fresh file under the configured path.
func (w *Writer) rotateLocked() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("store: sync before rotation: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("store: close before rotation: %w", err)
	}

	rotated := fmt.Sprintf("%s.%s", w.path, w.opts.Clock().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("store: rotate segment: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: reopen after rotation: %w", err)
	}
	w.f = f
	w.size = 0

	if w.opts.Compress {
		w.compressWG.Add(1)
		go func() {
			defer w.compressWG.Done()
			// Best effort: a failed compression leaves the plain segment
			// in place, which is still a valid trace file.
			_ = compressSegment(rotated)
		}()
	}
	return nil
}

func compressSegment(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".zst")
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		dst.Close()
		return err
	}
	if _, err = io.Copy(enc, src); err == nil {
		err = enc.Close()
	} else {
		enc.Close()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".zst")
		return err
	}
	return os.Remove(path)
}
