// Package reader adapts an arbitrary io.Reader into a source. It is the
// natural choice for pipes, in-memory streams and tests.
package reader

import (
	"context"
	"io"

	"github.com/drblury/dltstream/internal/stream"
	"github.com/drblury/dltstream/source"
)

// Source wraps an io.Reader. The zero framing value lets the
// reassembler detect storage vs wire framing from the first bytes.
//
// Unlike tcp and file there is no registry builder: an io.Reader
// cannot come out of configuration, so reader sources are always
// injected through BrokerDependencies.
type Source struct {
	r       io.Reader
	framing stream.Framing
}

var _ source.Source = (*Source)(nil)

// Option customizes a reader source.
type Option func(*Source)

// WithFraming pins the framing instead of auto-detecting.
func WithFraming(f stream.Framing) Option {
	return func(s *Source) { s.framing = f }
}

// New wraps r as a source.
func New(r io.Reader, opts ...Option) *Source {
	s := &Source{r: r, framing: stream.FramingAuto}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Framing reports the configured framing.
func (s *Source) Framing() stream.Framing { return s.framing }

// Open returns the wrapped reader. If the reader is not an
// io.ReadCloser it is wrapped with a no-op Close.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	if rc, ok := s.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(s.r), nil
}
