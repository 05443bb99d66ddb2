package runtime

import (
	dltpkg "github.com/drblury/dltstream/internal/dlt"
	loggingpkg "github.com/drblury/dltstream/internal/runtime/logging"
)

// StreamHooks defines callbacks for ingestion lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type StreamHooks struct {
	// OnMessage is called for every successfully decoded message, after
	// storage and before dispatch.
	OnMessage func(msg *dltpkg.Message)

	// OnDecodeError is called when a frame fails to decode.
	OnDecodeError func(err error)

	// OnSyncLoss is called when frame alignment is lost and the stream
	// has to resynchronise.
	OnSyncLoss func()

	// OnDrop is called when a full queue forces a message to be dropped.
	// The queue name identifies the subscription or the egress buffer.
	OnDrop func(queue string)

	// OnStorageError is called when a trace file append fails.
	OnStorageError func(err error)

	// OnReconnect is called after the source re-establishes a lost
	// connection or the broker restarts ingestion after a bad streak.
	OnReconnect func()
}

// Merge combines two StreamHooks, creating a new StreamHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h StreamHooks) Merge(other StreamHooks) StreamHooks {
	return StreamHooks{
		OnMessage:      chainMessageHooks(h.OnMessage, other.OnMessage),
		OnDecodeError:  chainErrorHooks(h.OnDecodeError, other.OnDecodeError),
		OnSyncLoss:     chainPlainHooks(h.OnSyncLoss, other.OnSyncLoss),
		OnDrop:         chainQueueHooks(h.OnDrop, other.OnDrop),
		OnStorageError: chainErrorHooks(h.OnStorageError, other.OnStorageError),
		OnReconnect:    chainPlainHooks(h.OnReconnect, other.OnReconnect),
	}
}

func chainMessageHooks(a, b func(*dltpkg.Message)) func(*dltpkg.Message) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(msg *dltpkg.Message) {
		a(msg)
		b(msg)
	}
}

func chainErrorHooks(a, b func(error)) func(error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(err error) {
		a(err)
		b(err)
	}
}

func chainPlainHooks(a, b func()) func() {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func() {
		a()
		b()
	}
}

func chainQueueHooks(a, b func(string)) func(string) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(queue string) {
		a(queue)
		b(queue)
	}
}

// LoggingHooks returns pre-built hooks that log ingestion lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) StreamHooks {
	return StreamHooks{
		OnDecodeError: func(err error) {
			logger.Debug("Failed to decode frame", loggingpkg.LogFields{
				"error": err.Error(),
			})
		},
		OnSyncLoss: func() {
			logger.Debug("Lost frame alignment, resynchronising", nil)
		},
		OnDrop: func(queue string) {
			logger.Debug("Dropped message from full queue", loggingpkg.LogFields{
				"queue": queue,
			})
		},
		OnStorageError: func(err error) {
			logger.Error("Failed to append frame to trace file", err, nil)
		},
		OnReconnect: func() {
			logger.Info("Ingestion restarted", nil)
		},
	}
}

// MetricsHooks returns pre-built hooks that record ingestion metrics.
func MetricsHooks(m *StreamMetrics) StreamHooks {
	if m == nil {
		return StreamHooks{}
	}
	return StreamHooks{
		OnDrop: func(queue string) {
			m.RecordDrop(queue)
		},
		OnStorageError: func(err error) {
			m.RecordStorageError()
		},
		OnReconnect: func() {
			m.RecordReconnect()
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on storage
// failures, the one failure mode that silently loses data.
func AlertingHooks(alertFunc func(err error)) StreamHooks {
	return StreamHooks{
		OnStorageError: alertFunc,
	}
}
