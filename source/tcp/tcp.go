// Package tcp connects to a logging daemon's TCP endpoint and keeps the
// byte stream alive across connection loss with exponential backoff.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/dltstream/internal/runtime/logging"
	"github.com/drblury/dltstream/internal/stream"
	"github.com/drblury/dltstream/source"
)

// SourceName is the name used to register this source.
const SourceName = "tcp"

// DefaultPort is the daemon's standard TCP listening port.
const DefaultPort = 3490

const (
	defaultDialTimeout       = 5 * time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	keepAlivePeriod          = 30 * time.Second
)

func init() {
	source.Register(SourceName, Build)
}

// Build creates a TCP source from configuration.
func Build(ctx context.Context, cfg source.Config, logger logging.ServiceLogger) (source.Source, error) {
	addr := cfg.GetTCPAddress()
	if addr == "" {
		return nil, fmt.Errorf("tcp source: address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}

	s := &Source{addr: addr, logger: logger}
	if t := cfg.GetDialTimeout(); t > 0 {
		s.dialTimeout = time.Duration(t) * time.Second
	} else {
		s.dialTimeout = defaultDialTimeout
	}
	if t := cfg.GetReconnectMaxInterval(); t > 0 {
		s.maxReconnectDelay = time.Duration(t) * time.Second
	} else {
		s.maxReconnectDelay = defaultReconnectMaxDelay
	}
	return s, nil
}

// Source dials the daemon and reconnects transparently. The daemon sends
// bare wire frames without storage headers.
type Source struct {
	addr              string
	dialTimeout       time.Duration
	maxReconnectDelay time.Duration
	logger            logging.ServiceLogger

	mu          sync.Mutex
	onReconnect func()
}

// Framing reports wire framing; the daemon never sends storage headers.
func (s *Source) Framing() stream.Framing { return stream.FramingWire }

// OnReconnect installs the callback fired after each successful
// re-establishment of a lost connection.
func (s *Source) OnReconnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReconnect = fn
}

func (s *Source) notifyReconnect() {
	s.mu.Lock()
	fn := s.onReconnect
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Open dials the daemon, retrying with backoff until the context is
// cancelled. The returned reader keeps reconnecting on connection loss;
// it only reports io.EOF after Close.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	c, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Connected to DLT daemon", logging.LogFields{"address": s.addr})
	return &conn{src: s, ctx: ctx, c: c, closed: make(chan struct{})}, nil
}

func (s *Source) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.dialTimeout, KeepAlive: keepAlivePeriod}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.maxReconnectDelay

	return backoff.Retry(ctx, func() (net.Conn, error) {
		c, err := dialer.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			s.logger.Debug("Dial failed, backing off", logging.LogFields{
				"address": s.addr,
				"error":   err.Error(),
			})
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(bo))
}

// conn is the reconnecting stream handed to the reassembler.
type conn struct {
	src    *Source
	ctx    context.Context
	closed chan struct{}

	mu sync.Mutex
	c  net.Conn
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}

func (c *conn) Read(p []byte) (int, error) {
	for {
		cur := c.current()
		if cur == nil {
			return 0, io.EOF
		}

		n, err := cur.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			continue
		}
		if c.isClosed() || c.ctx.Err() != nil {
			return 0, io.EOF
		}

		c.src.logger.Info("DLT connection lost, reconnecting", logging.LogFields{
			"address": c.src.addr,
			"error":   err.Error(),
		})
		if rerr := c.reconnect(); rerr != nil {
			return 0, rerr
		}
	}
}

func (c *conn) reconnect() error {
	next, err := c.src.dial(c.ctx)
	if err != nil {
		if c.isClosed() {
			return io.EOF
		}
		return err
	}

	c.mu.Lock()
	if c.c != nil {
		c.c.Close()
	}
	c.c = next
	c.mu.Unlock()

	if c.isClosed() {
		next.Close()
		return io.EOF
	}

	c.src.logger.Info("Reconnected to DLT daemon", logging.LogFields{"address": c.src.addr})
	c.src.notifyReconnect()
	return nil
}

// Close unblocks a pending Read and releases the connection.
func (c *conn) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c == nil {
		return nil
	}
	err := c.c.Close()
	c.c = nil
	return err
}
