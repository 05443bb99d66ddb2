package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dltpkg "github.com/drblury/dltstream/internal/dlt"
	filterpkg "github.com/drblury/dltstream/internal/filter"
	configpkg "github.com/drblury/dltstream/internal/runtime/config"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	loggingpkg "github.com/drblury/dltstream/internal/runtime/logging"
	transportpkg "github.com/drblury/dltstream/internal/runtime/transport"
	storepkg "github.com/drblury/dltstream/internal/store"
	streampkg "github.com/drblury/dltstream/internal/stream"
	sourcepkg "github.com/drblury/dltstream/source"
)

// BrokerState describes the broker lifecycle.
type BrokerState int32

const (
	StateCreated BrokerState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s BrokerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// maxBadStreak is how many consecutive undecodable frames are tolerated
// before ingestion is restarted.
const maxBadStreak = 100

// BrokerDependencies holds the optional collaborators that the Broker can use.
// Leave fields nil to use the configured defaults.
type BrokerDependencies struct {
	// Source overrides the config-driven source selection.
	Source sourcepkg.Source
	// Hooks observes ingestion lifecycle events.
	Hooks StreamHooks
	// Middlewares are appended after the default egress middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips the default egress middleware chain.
	DisableDefaultMiddlewares bool
	// EgressFactory overrides how the egress transport is built.
	EgressFactory transportpkg.Factory
	// ErrorClassifier categorises handler errors for stats breakdowns.
	ErrorClassifier ErrorClassifier
	// Registerer receives the Prometheus collectors. Nil uses the default.
	Registerer prometheus.Registerer
}

// Broker ingests a DLT trace stream: it reassembles frames, decodes them,
// appends them to the trace file, and fans the decoded messages out to
// filtered subscriptions and the optional egress pipeline.
type Broker struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	source  sourcepkg.Source
	profile dltpkg.DecodingProfile

	filters *filterpkg.Registry
	subs    map[uint64]*Subscription
	subsMu  sync.RWMutex

	writer          *storepkg.Writer
	storageDegraded atomic.Bool

	metrics *StreamMetrics
	hooks   StreamHooks

	egress *egressBridge

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
	resourceTracker *resourceTracker
	registerer      prometheus.Registerer

	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}

	// latestTimestamp is the most recent storage timestamp, unix nanos.
	// Zero means no message has been seen yet.
	latestTimestamp atomic.Int64

	startedAt time.Time
}

// NewBroker constructs a Broker for the supplied configuration. Subscribe
// and register handlers on the returned Broker before or after calling
// Start.
func NewBroker(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps BrokerDependencies) (*Broker, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := errspkg.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}

	log.Info("Creating DLT broker",
		loggingpkg.LogFields{
			"source_system": conf.SourceSystem,
			"egress_system": conf.EgressSystem,
			"config":        conf,
		})

	profile := dltpkg.DefaultProfile()
	if conf.MaxFrameLen > 0 {
		profile.MaxFrameLen = conf.MaxFrameLen
	}
	profile.ECU = conf.ECU

	b := &Broker{
		Conf:            conf,
		Logger:          log,
		source:          deps.Source,
		profile:         profile,
		filters:         filterpkg.NewRegistry(),
		subs:            make(map[uint64]*Subscription),
		metrics:         NewStreamMetrics(deps.Registerer),
		registerer:      deps.Registerer,
		resourceTracker: newResourceTracker(),
		done:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	b.state.Store(int32(StateCreated))

	if deps.ErrorClassifier != nil {
		b.errorClassifier = deps.ErrorClassifier
	} else {
		b.errorClassifier = defaultErrorClassifier
	}

	b.hooks = deps.Hooks.Merge(MetricsHooks(b.metrics))

	if conf.MetricsEnabled {
		if err := b.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register stream metrics: %w", err)
		}
	}

	if conf.EgressSystem != "" {
		egress, err := newEgressBridge(ctx, b, deps)
		if err != nil {
			return nil, fmt.Errorf("build egress: %w", err)
		}
		b.egress = egress
	}

	return b, nil
}

// State returns the current lifecycle state.
func (b *Broker) State() BrokerState {
	return BrokerState(b.state.Load())
}

// Metrics exposes the broker's stream metrics collector.
func (b *Broker) Metrics() *StreamMetrics { return b.metrics }

// StorageDegraded reports whether a trace file append has failed since
// the broker started. Ingestion continues in a degraded state.
func (b *Broker) StorageDegraded() bool { return b.storageDegraded.Load() }

// LatestTimestamp returns the storage timestamp of the most recent
// message, and whether any message has been seen.
func (b *Broker) LatestTimestamp() (time.Time, bool) {
	nanos := b.latestTimestamp.Load()
	if nanos == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

// Done is closed once ingestion has fully stopped.
func (b *Broker) Done() <-chan struct{} { return b.done }

// Start opens the source and begins ingesting in the background. It
// returns ErrAlreadyStarted if the broker was started before.
func (b *Broker) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return errspkg.ErrAlreadyStarted
	}

	src := b.source
	if src == nil {
		if b.Conf.SourceSystem == "" {
			b.state.Store(int32(StateCreated))
			return errspkg.ErrSourceRequired
		}
		built, err := sourcepkg.Build(ctx, b.Conf, b.Logger)
		if err != nil {
			b.state.Store(int32(StateCreated))
			return err
		}
		src = built
		b.source = src
	}

	if notifier, ok := src.(sourcepkg.ReconnectNotifier); ok {
		hooks := b.hooks
		notifier.OnReconnect(func() {
			if hooks.OnReconnect != nil {
				hooks.OnReconnect()
			}
		})
	}

	if b.Conf.TraceFile != "" {
		writer, err := storepkg.NewWriter(b.Conf.TraceFile, storepkg.Options{
			MaxSegmentSize: b.Conf.TraceFileMaxSize,
			Compress:       b.Conf.TraceFileCompress,
		})
		if err != nil {
			b.state.Store(int32(StateCreated))
			return fmt.Errorf("open trace file: %w", err)
		}
		b.writer = writer
	}

	rc, err := src.Open(ctx)
	if err != nil {
		if b.writer != nil {
			b.writer.Close()
			b.writer = nil
		}
		b.state.Store(int32(StateCreated))
		return fmt.Errorf("open source: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.StartWebUIServer()
	b.registerMetricsEndpoint()
	b.startHTTPServers()
	if b.egress != nil {
		b.egress.run()
	}

	b.startedAt = time.Now()
	b.Logger.Info("Broker started", loggingpkg.LogFields{
		"framing": src.Framing().String(),
	})

	go b.ingest(runCtx, rc, src)

	return nil
}

// Stop halts ingestion, closes the source, flushes and closes the trace
// file, and closes every subscription. It blocks until the pipeline has
// drained. Stop is safe to call in any state and from several
// goroutines; a never-started broker simply becomes stopped, and
// concurrent callers wait for the one doing the teardown.
func (b *Broker) Stop() error {
	for !b.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		switch b.State() {
		case StateCreated:
			if b.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				close(b.stopped)
				return nil
			}
		case StateStopping:
			<-b.stopped
			return nil
		case StateStopped:
			return nil
		case StateRunning:
			// Lost the race against Start; retry the swap.
		}
	}

	b.cancel()
	<-b.done

	if b.egress != nil {
		b.egress.close()
	}

	if b.writer != nil {
		if err := b.writer.Close(); err != nil {
			b.Logger.Error("Failed to close trace file", err, nil)
		}
	}

	b.subsMu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}

	b.state.Store(int32(StateStopped))
	close(b.stopped)
	b.Logger.Info("Broker stopped", nil)
	return nil
}

// Subscribe registers a filter predicate and returns a subscription fed
// with every matching message. An empty predicate matches everything.
// The queue capacity comes from Config.QueueSize.
func (b *Broker) Subscribe(pred filterpkg.Predicate) (*Subscription, error) {
	return b.SubscribeBuffered(pred, 0)
}

// SubscribeBuffered is Subscribe with an explicit queue capacity for
// this subscription. Zero or negative falls back to Config.QueueSize.
func (b *Broker) SubscribeBuffered(pred filterpkg.Predicate, capacity int) (*Subscription, error) {
	if b.State() == StateStopped {
		return nil, errspkg.ErrNotRunning
	}

	id, err := b.filters.Register(pred)
	if err != nil {
		return nil, err
	}

	size := capacity
	if size <= 0 {
		size = b.Conf.QueueSize
	}
	if size <= 0 {
		size = DefaultQueueSize
	}

	sub := &Subscription{
		id:     id,
		name:   subscriptionName(id),
		pred:   pred,
		broker: b,
		ch:     make(chan *dltpkg.Message, size),
	}

	b.subsMu.Lock()
	b.subs[id] = sub
	count := len(b.subs)
	b.subsMu.Unlock()
	b.metrics.SetSubscriptions(count)

	b.Logger.Debug("Subscription added", loggingpkg.LogFields{
		"subscription": sub.name,
		"filter":       pred.String(),
	})
	return sub, nil
}

func (b *Broker) removeSubscription(sub *Subscription) {
	b.subsMu.Lock()
	delete(b.subs, sub.id)
	count := len(b.subs)
	b.subsMu.Unlock()

	b.filters.Unregister(sub.id)
	b.metrics.SetSubscriptions(count)
}

// ingest is the pipeline goroutine: reassemble, decode, store, dispatch.
func (b *Broker) ingest(ctx context.Context, rc io.ReadCloser, src sourcepkg.Source) {
	defer close(b.done)
	defer rc.Close()

	lastCounter := make(map[streamKey]int16)
	badStreak := 0

	for {
		reassembler := streampkg.New(rc, b.profile,
			streampkg.WithFraming(src.Framing()),
			streampkg.WithSyncLossCallback(func() {
				b.metrics.RecordSyncLoss()
				if b.hooks.OnSyncLoss != nil {
					b.hooks.OnSyncLoss()
				}
			}),
		)

		err := b.consume(ctx, reassembler, lastCounter, &badStreak)
		if err == io.EOF {
			b.Logger.Info("Source reached end of stream", nil)
			break
		}
		if err != nil {
			// Context cancelled or too many bad frames in a row.
			if ctx.Err() != nil {
				break
			}
			b.Logger.Info("Restarting ingestion after bad streak", loggingpkg.LogFields{
				"bad_messages": badStreak,
			})
			rc.Close()
			next, openErr := src.Open(ctx)
			if openErr != nil {
				b.Logger.Error("Failed to reopen source", openErr, nil)
				break
			}
			rc = next
			badStreak = 0
			if b.hooks.OnReconnect != nil {
				b.hooks.OnReconnect()
			}
			continue
		}
		break
	}

	// A clean end of stream still needs the stop path to run so the
	// trace file is flushed and subscriptions are closed.
	if b.State() == StateRunning {
		go b.Stop()
	}
}

// errBadStreak signals consume aborted because the stream produced too
// many consecutive undecodable or identifier-less messages.
var errBadStreak = fmt.Errorf("dltstream: too many consecutive bad messages")

func (b *Broker) consume(ctx context.Context, r *streampkg.Reassembler, lastCounter map[streamKey]int16, badStreak *int) error {
	for {
		frame, err := r.Next(ctx)
		if err != nil {
			return err
		}

		msg, derr := dltpkg.Decode(frame, b.profile)
		if derr != nil {
			b.metrics.RecordDecodeError(decodeErrorKind(derr))
			if b.hooks.OnDecodeError != nil {
				b.hooks.OnDecodeError(derr)
			}
			*badStreak++
			if *badStreak > maxBadStreak {
				return errBadStreak
			}
			continue
		}

		b.metrics.RecordFrame(len(frame))
		if len(msg.TrailingData) > 0 {
			b.metrics.RecordTrailingData()
		}
		// Any parseable frame proves the stream is healthy again.
		*badStreak = 0

		msg.AddStorageHeader(time.Now(), b.Conf.ECU)
		b.store(msg)

		if t := msg.StorageTime(); !t.IsZero() {
			b.latestTimestamp.Store(t.UnixNano())
		}
		b.trackCounter(msg, lastCounter)

		// Messages with neither application nor context identifier carry
		// nothing to route on. They are persisted above but skipped for
		// dispatch; being parseable, they do not count as bad.
		if msg.AppID() == "" && msg.ContextID() == "" {
			b.metrics.RecordSkipped()
			continue
		}

		if b.hooks.OnMessage != nil {
			b.hooks.OnMessage(msg)
		}

		b.dispatch(msg)

		if b.egress != nil {
			b.egress.enqueue(msg)
		}
	}
}

// store appends the storage-framed message to the trace file. The frame
// goes down exactly as received, never re-encoded, so the file stays
// byte-identical to the capture. Failures mark storage degraded but do
// not halt ingestion.
func (b *Broker) store(msg *dltpkg.Message) {
	if b.writer == nil {
		return
	}

	if err := b.writer.Append(msg.Raw()); err != nil {
		first := !b.storageDegraded.Swap(true)
		if first {
			b.Logger.Error("Trace file storage degraded", err, loggingpkg.LogFields{
				"path": b.Conf.TraceFile,
			})
		}
		if b.hooks.OnStorageError != nil {
			b.hooks.OnStorageError(err)
		}
	}
}

// streamKey identifies one logical message stream. Counters are
// maintained independently per application, context and session within
// an ECU, so interleaved streams must not be mistaken for gaps.
type streamKey struct {
	ecu     string
	app     string
	ctx     string
	session uint32
}

// trackCounter flags gaps in the per-stream message counter. The
// counter wraps at 255, so the expected successor is computed modulo
// 256.
func (b *Broker) trackCounter(msg *dltpkg.Message, lastCounter map[streamKey]int16) {
	key := streamKey{
		ecu:     msg.ECU(),
		app:     msg.AppID(),
		ctx:     msg.ContextID(),
		session: msg.SessionID(),
	}
	counter := int16(msg.Counter())
	if last, ok := lastCounter[key]; ok {
		if (last+1)%256 != counter {
			b.metrics.RecordCounterGap()
		}
	}
	lastCounter[key] = counter
}

func (b *Broker) dispatch(msg *dltpkg.Message) {
	ids := b.filters.Match(msg.AppID(), msg.ContextID())
	if len(ids) == 0 {
		return
	}

	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, id := range ids {
		sub, ok := b.subs[id]
		if !ok {
			continue
		}
		if !sub.deliver(msg) && b.hooks.OnDrop != nil {
			b.hooks.OnDrop(sub.name)
		}
	}
}

func decodeErrorKind(err error) string {
	switch {
	case errors.Is(err, dltpkg.ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, dltpkg.ErrUnknownVersion):
		return "version"
	case errors.Is(err, dltpkg.ErrMalformedArgument):
		return "argument"
	default:
		return "other"
	}
}

// Subscriptions returns a snapshot of all active subscriptions.
func (b *Broker) Subscriptions() []SubscriptionInfo {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()

	infos := make([]SubscriptionInfo, 0, len(b.subs))
	for _, sub := range b.subs {
		infos = append(infos, sub.info())
	}
	return infos
}

// BrokerStatus is the point-in-time view exposed by the WebUI.
type BrokerStatus struct {
	State           string                `json:"state"`
	SourceSystem    string                `json:"source_system"`
	EgressSystem    string                `json:"egress_system,omitempty"`
	StorageDegraded bool                  `json:"storage_degraded"`
	StartedAt       time.Time             `json:"started_at,omitempty"`
	LatestTimestamp time.Time             `json:"latest_timestamp,omitempty"`
	Subscriptions   int                   `json:"subscriptions"`
	Stream          StreamMetricsSnapshot `json:"stream"`
	Resource        ResourceUsage         `json:"resource"`
}

// Status returns a point-in-time snapshot of the broker.
func (b *Broker) Status() BrokerStatus {
	status := BrokerStatus{
		State:           b.State().String(),
		SourceSystem:    b.Conf.SourceSystem,
		EgressSystem:    b.Conf.EgressSystem,
		StorageDegraded: b.storageDegraded.Load(),
		StartedAt:       b.startedAt,
		Stream:          b.metrics.GetSnapshot(),
		Resource:        b.resourceTracker.Snapshot(),
	}
	if t, ok := b.LatestTimestamp(); ok {
		status.LatestTimestamp = t
	}
	b.subsMu.RLock()
	status.Subscriptions = len(b.subs)
	b.subsMu.RUnlock()
	return status
}

func (b *Broker) getErrorClassifier() ErrorClassifier {
	if b.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return b.errorClassifier
}

func (b *Broker) getResourceTracker() *resourceTracker {
	if b.resourceTracker == nil {
		b.resourceTracker = newResourceTracker()
	}
	return b.resourceTracker
}

// RegisterHTTPHandler mounts a handler on the mux for the given port. The
// server itself is started by Start.
func (b *Broker) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	if b.httpServers == nil {
		b.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := b.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		b.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// registerMetricsEndpoint mounts the Prometheus scrape handler. This
// happens in Start rather than in the egress middleware chain, so a
// pure ingest broker without an egress router still exposes its stream
// metrics.
func (b *Broker) registerMetricsEndpoint() {
	if !b.Conf.MetricsEnabled || b.Conf.MetricsPort <= 0 {
		return
	}
	handler := promhttp.Handler()
	if g, ok := b.registerer.(prometheus.Gatherer); ok {
		handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", handler)
}

func (b *Broker) startHTTPServers() {
	b.httpServersMu.Lock()
	defer b.httpServersMu.Unlock()

	for port, mux := range b.httpServers {
		addr := fmt.Sprintf(":%d", port)
		b.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				b.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
