package runtime

import (
	"context"
	"time"

	dltpkg "github.com/drblury/dltstream/internal/dlt"
	filterpkg "github.com/drblury/dltstream/internal/filter"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	loggingpkg "github.com/drblury/dltstream/internal/runtime/logging"
)

// HandlerRegistration wires a named callback to a filtered subscription.
// The handler runs on a dedicated goroutine and receives every message
// that matches the filter, in arrival order.
type HandlerRegistration struct {
	Name    string
	Filter  filterpkg.Predicate
	Handler func(ctx context.Context, msg *dltpkg.Message) error
}

// RegisterHandler subscribes with the registration's filter and pumps
// matching messages into the handler until the subscription closes. The
// handler's latency, throughput, and error breakdown show up in the
// WebUI under the registration name.
func RegisterHandler(ctx context.Context, b *Broker, cfg HandlerRegistration) error {
	if b == nil {
		return errspkg.ErrBrokerRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}

	sub, err := b.Subscribe(cfg.Filter)
	if err != nil {
		return err
	}

	stats := newHandlerStats(cfg.Name, cfg.Filter.String(), b.getResourceTracker())
	info := &HandlerInfo{
		Name:   cfg.Name,
		Filter: cfg.Filter.String(),
		Stats:  stats,
	}

	b.handlersMu.Lock()
	b.handlers = append(b.handlers, info)
	b.handlersMu.Unlock()

	classifier := b.getErrorClassifier()

	go func() {
		for msg := range sub.Messages() {
			invocation := stats.onMessageStart(int64(sub.Depth()), storageLagMillis(msg))
			start := time.Now()
			err := cfg.Handler(ctx, msg)
			duration := time.Since(start)

			stats.onMessageFinish(invocation, duration, err, classifier)

			if err != nil {
				b.Logger.Error("Handler failed", err, loggingpkg.LogFields{
					"handler": cfg.Name,
					"message": msg.String(),
				})
			}
		}
	}()

	return nil
}

// Handlers returns a snapshot of all registered handlers and their stats.
func (b *Broker) Handlers() []*HandlerInfo {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()

	out := make([]*HandlerInfo, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func storageLagMillis(msg *dltpkg.Message) int64 {
	t := msg.StorageTime()
	if t.IsZero() {
		return -1
	}
	return time.Since(t).Milliseconds()
}
