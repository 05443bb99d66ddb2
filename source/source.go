// Package source defines the byte-stream collaborators a broker ingests
// from. Each implementation (tcp, file, reader) lives in its own
// sub-package and registers itself with the source registry.
package source

import (
	"context"
	"io"

	"github.com/drblury/dltstream/internal/runtime/logging"
	"github.com/drblury/dltstream/internal/stream"
)

// Source supplies sequential bytes and an end-of-stream signal. The core
// asks for nothing else; connection and reconnection mechanics stay
// behind Open.
type Source interface {
	// Open establishes the byte stream. The returned reader blocks until
	// data is available and reports io.EOF when the upstream is gone for
	// good. Closing it unblocks a pending Read.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Framing reports how frames are delimited on this stream.
	Framing() stream.Framing
}

// Builder creates a source from configuration.
type Builder func(ctx context.Context, cfg Config, logger logging.ServiceLogger) (Source, error)

// Config provides the values sources need without depending on the full
// configuration package.
type Config interface {
	// GetSourceSystem returns the source type name.
	GetSourceSystem() string

	// TCP
	GetTCPAddress() string
	GetDialTimeout() int          // seconds, 0 for default
	GetReconnectMaxInterval() int // seconds, 0 for default

	// File
	GetInputFile() string
	GetFollowInput() bool
}

// ReconnectNotifier is implemented by sources that can re-establish a
// lost connection. The callback fires once per successful reconnect so
// the broker can treat it as an ingestion restart.
type ReconnectNotifier interface {
	OnReconnect(fn func())
}
