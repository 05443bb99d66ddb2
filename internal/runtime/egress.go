package runtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	dltpkg "github.com/drblury/dltstream/internal/dlt"
	ce "github.com/drblury/dltstream/internal/runtime/cloudevents"
	idspkg "github.com/drblury/dltstream/internal/runtime/ids"
	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dltstream/internal/runtime/logging"
	transportpkg "github.com/drblury/dltstream/internal/runtime/transport"
)

const (
	// egressIngestTopic is the in-process bridge topic between the
	// ingestion pipeline and the egress router.
	egressIngestTopic = "dltstream-egress"

	// DefaultEgressBuffer bounds the egress queue when the config leaves
	// it unset.
	DefaultEgressBuffer = 4096

	// EgressQueueName labels egress drops in metrics and hooks.
	EgressQueueName = "egress"
)

// TraceEvent is the JSON shape of a decoded message on the egress topic.
type TraceEvent struct {
	ECU       string `json:"ecu"`
	AppID     string `json:"apid"`
	ContextID string `json:"ctid"`
	SessionID uint32 `json:"session_id,omitempty"`
	Counter   uint8  `json:"counter"`
	Type      string `json:"type"`
	Verbose   bool   `json:"verbose"`
	MessageID uint32 `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// egressBridge moves decoded messages from the ingestion pipeline onto
// the configured messaging transport. A bounded channel decouples the
// pipeline from transport latency; when it is full the newest message
// is dropped and counted.
type egressBridge struct {
	broker    *Broker
	wmLogger  watermill.LoggerAdapter
	router    *message.Router
	bridge    *gochannel.GoChannel
	publisher message.Publisher

	ch           chan *dltpkg.Message
	closeOnce    sync.Once
	closed       chan struct{}
	done         chan struct{}
	routerCancel context.CancelFunc
}

func newEgressBridge(ctx context.Context, b *Broker, deps BrokerDependencies) (*egressBridge, error) {
	wmLogger := loggingpkg.NewWatermillAdapter(b.Logger)

	factory := deps.EgressFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	target, err := factory.Build(ctx, b.Conf, wmLogger)
	if err != nil {
		return nil, err
	}
	if target.Publisher == nil {
		return nil, fmt.Errorf("egress transport %q has no publisher", b.Conf.EgressSystem)
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}

	size := b.Conf.EgressBuffer
	if size <= 0 {
		size = DefaultEgressBuffer
	}

	e := &egressBridge{
		broker:    b,
		wmLogger:  wmLogger,
		router:    router,
		bridge:    gochannel.NewGoChannel(gochannel.Config{}, wmLogger),
		publisher: target.Publisher,
		ch:        make(chan *dltpkg.Message, size),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	// Middleware builders reach the router through the broker.
	b.egress = e

	if err := e.registerConfiguredMiddlewares(deps); err != nil {
		b.egress = nil
		return nil, err
	}

	router.AddHandler(
		"egress-forward",
		egressIngestTopic,
		e.bridge,
		b.Conf.EgressTopic,
		e.publisher,
		func(msg *message.Message) ([]*message.Message, error) {
			return []*message.Message{msg}, nil
		},
	)

	return e, nil
}

func (e *egressBridge) registerConfiguredMiddlewares(deps BrokerDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := e.registerMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// run starts the router and the pump goroutine that encodes queued
// messages onto the bridge topic. The router gets its own context
// rather than the broker's: cancelling ingestion must not tear down the
// router while the bridge still holds messages to forward. close is the
// only thing that stops it.
func (e *egressBridge) run() {
	routerCtx, cancel := context.WithCancel(context.Background())
	e.routerCancel = cancel

	go func() {
		if err := e.router.Run(routerCtx); err != nil {
			e.broker.Logger.Error("Egress router stopped", err, nil)
		}
	}()

	go func() {
		defer close(e.done)

		// The bridge topic is not persistent, so nothing may be pumped
		// before the forwarding handler is subscribed.
		select {
		case <-e.router.Running():
		case <-e.closed:
			return
		}

		for msg := range e.ch {
			wm, err := e.encode(msg)
			if err != nil {
				e.broker.Logger.Error("Failed to encode egress message", err, loggingpkg.LogFields{
					"format": e.broker.Conf.EgressFormat,
				})
				continue
			}
			if err := e.bridge.Publish(egressIngestTopic, wm); err != nil {
				e.broker.Logger.Error("Failed to publish egress message", err, nil)
			}
		}
	}()
}

// enqueue hands a message to the egress pump without blocking the
// ingestion pipeline. Returns false when the queue is full.
func (e *egressBridge) enqueue(msg *dltpkg.Message) bool {
	select {
	case <-e.closed:
		return false
	default:
	}

	select {
	case e.ch <- msg:
		return true
	default:
		if e.broker.hooks.OnDrop != nil {
			e.broker.hooks.OnDrop(EgressQueueName)
		}
		return false
	}
}

// close drains the bridge before stopping the router: first the pump is
// allowed to push every queued message onto the bridge topic, then the
// router shuts down gracefully, finishing in-flight deliveries.
func (e *egressBridge) close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		close(e.ch)
		<-e.done
		if err := e.router.Close(); err != nil {
			e.broker.Logger.Error("Failed to close egress router", err, nil)
		}
		if e.routerCancel != nil {
			e.routerCancel()
		}
		if err := e.publisher.Close(); err != nil {
			e.broker.Logger.Error("Failed to close egress publisher", err, nil)
		}
	})
}

func (e *egressBridge) encode(msg *dltpkg.Message) (*message.Message, error) {
	event := newTraceEvent(msg)

	var (
		payload     []byte
		contentType string
		err         error
	)
	switch e.broker.Conf.EgressFormat {
	case "", "json":
		payload, err = jsoncodec.Marshal(event)
		contentType = "application/json"
	case "protojson":
		payload, err = marshalProtoJSON(event)
		contentType = "application/json"
	case "cloudevents":
		payload, err = marshalCloudEvent(event)
		contentType = "application/cloudevents+json"
	default:
		return nil, fmt.Errorf("unknown egress format: %q", e.broker.Conf.EgressFormat)
	}
	if err != nil {
		return nil, err
	}

	wm := message.NewMessage(idspkg.CreateULID(), payload)
	wm.Metadata["content-type"] = contentType
	wm.Metadata["dlt_ecu"] = event.ECU
	wm.Metadata["dlt_apid"] = event.AppID
	wm.Metadata["dlt_ctid"] = event.ContextID
	wm.Metadata["dlt_counter"] = strconv.Itoa(int(event.Counter))
	return wm, nil
}

func newTraceEvent(msg *dltpkg.Message) TraceEvent {
	event := TraceEvent{
		ECU:       msg.ECU(),
		AppID:     msg.AppID(),
		ContextID: msg.ContextID(),
		SessionID: msg.SessionID(),
		Counter:   msg.Counter(),
		Type:      msg.Type().String(),
		Verbose:   msg.Verbose(),
		Payload:   msg.PayloadText(),
	}
	if !msg.Verbose() {
		event.MessageID = msg.MessageID
	}
	if t := msg.StorageTime(); !t.IsZero() {
		event.Timestamp = t.UTC().Format("2006-01-02T15:04:05.000000Z07:00")
	}
	return event
}

// marshalProtoJSON renders the event through a protobuf Struct so the
// output follows protojson conventions.
func marshalProtoJSON(event TraceEvent) ([]byte, error) {
	fields := map[string]any{
		"ecu":     event.ECU,
		"apid":    event.AppID,
		"ctid":    event.ContextID,
		"counter": int(event.Counter),
		"type":    event.Type,
		"verbose": event.Verbose,
		"payload": event.Payload,
	}
	if event.SessionID != 0 {
		fields["session_id"] = int(event.SessionID)
	}
	if event.MessageID != 0 {
		fields["message_id"] = int(event.MessageID)
	}
	if event.Timestamp != "" {
		fields["timestamp"] = event.Timestamp
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

func marshalCloudEvent(event TraceEvent) ([]byte, error) {
	evt := ce.New("com.dltstream.trace.v1", "/dltstream/"+event.ECU, event).
		WithDataContentType("application/json").
		WithExtension(ce.ExtECU, event.ECU).
		WithExtension(ce.ExtAppID, event.AppID).
		WithExtension(ce.ExtContextID, event.ContextID)
	if event.SessionID != 0 {
		evt = evt.WithExtension(ce.ExtSessionID, int(event.SessionID))
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt.MarshalJSON()
}
