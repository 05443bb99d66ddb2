// Package file reads DLT trace files from disk, optionally following a
// file that is still being appended to.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/drblury/dltstream/internal/runtime/logging"
	"github.com/drblury/dltstream/internal/stream"
	"github.com/drblury/dltstream/source"
)

// SourceName is the name used to register this source.
const SourceName = "file"

// pollInterval is how often a follower checks the file for new data.
const pollInterval = 250 * time.Millisecond

func init() {
	source.Register(SourceName, Build)
}

// Build creates a file source from configuration.
func Build(ctx context.Context, cfg source.Config, logger logging.ServiceLogger) (source.Source, error) {
	path := cfg.GetInputFile()
	if path == "" {
		return nil, fmt.Errorf("file source: input file is required")
	}
	return &Source{path: path, follow: cfg.GetFollowInput(), logger: logger}, nil
}

// Source reads stored trace frames from a file. In follow mode the
// reader parks at end of file and waits for the writer to append more.
type Source struct {
	path   string
	follow bool
	logger logging.ServiceLogger
}

// Framing reports storage framing; trace files carry storage headers.
func (s *Source) Framing() stream.Framing { return stream.FramingStorage }

// Open opens the trace file for reading.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("file source: %w", err)
	}
	s.logger.Info("Reading DLT trace file", logging.LogFields{
		"path":   s.path,
		"follow": s.follow,
	})
	if !s.follow {
		return f, nil
	}
	return &follower{ctx: ctx, f: f, closed: make(chan struct{})}, nil
}

// follower turns end-of-file into a wait for growth, like tail -f.
type follower struct {
	ctx    context.Context
	closed chan struct{}

	mu sync.Mutex
	f  *os.File
}

func (t *follower) Read(p []byte) (int, error) {
	for {
		t.mu.Lock()
		f := t.f
		t.mu.Unlock()
		if f == nil {
			return 0, io.EOF
		}

		n, err := f.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			if errors.Is(err, os.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}

		select {
		case <-t.closed:
			return 0, io.EOF
		case <-t.ctx.Done():
			return 0, io.EOF
		case <-time.After(pollInterval):
		}
	}
}

func (t *follower) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
