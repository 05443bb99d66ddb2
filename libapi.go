package dltstream

import (
	dltpkg "github.com/drblury/dltstream/internal/dlt"
	filterpkg "github.com/drblury/dltstream/internal/filter"
	runtimepkg "github.com/drblury/dltstream/internal/runtime"
	ce "github.com/drblury/dltstream/internal/runtime/cloudevents"
	configpkg "github.com/drblury/dltstream/internal/runtime/config"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	idspkg "github.com/drblury/dltstream/internal/runtime/ids"
	jsoncodec "github.com/drblury/dltstream/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dltstream/internal/runtime/logging"
	metadatapkg "github.com/drblury/dltstream/internal/runtime/metadata"
	transportpkg "github.com/drblury/dltstream/internal/runtime/transport"
	storepkg "github.com/drblury/dltstream/internal/store"
	streampkg "github.com/drblury/dltstream/internal/stream"
	egresspkg "github.com/drblury/dltstream/transport"
)

type (
	Config             = configpkg.Config
	Broker             = runtimepkg.Broker
	BrokerDependencies = runtimepkg.BrokerDependencies
	BrokerState        = runtimepkg.BrokerState
	BrokerStatus       = runtimepkg.BrokerStatus
	Transport          = transportpkg.Transport
	TransportFactory   = transportpkg.Factory

	// Decoded trace messages and filtering
	Message         = dltpkg.Message
	MessageType     = dltpkg.MessageType
	Argument        = dltpkg.Argument
	DecodingProfile = dltpkg.DecodingProfile
	Predicate       = filterpkg.Predicate
	FilterPair      = filterpkg.Pair
	Framing         = streampkg.Framing

	Subscription     = runtimepkg.Subscription
	SubscriptionInfo = runtimepkg.SubscriptionInfo

	HandlerRegistration = runtimepkg.HandlerRegistration
	HandlerInfo         = runtimepkg.HandlerInfo
	HandlerStats        = runtimepkg.HandlerStats

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = runtimepkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError

	// Ingestion lifecycle hooks
	StreamHooks = runtimepkg.StreamHooks

	// Stream metrics
	StreamMetrics         = runtimepkg.StreamMetrics
	StreamMetricsSnapshot = runtimepkg.StreamMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Trace file storage
	TraceWriter        = storepkg.Writer
	TraceWriterOptions = storepkg.Options

	// Egress event shape and CloudEvents types
	TraceEvent    = runtimepkg.TraceEvent
	Event         = ce.Event
	PublishOption = runtimepkg.PublishOption

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	// Modular transport types
	TransportBuilder         = egresspkg.Builder
	TransportConfig          = egresspkg.Config
	TransportRegistry        = egresspkg.Registry
	TransportCapabilities    = egresspkg.Capabilities
	TransportDLQManager      = egresspkg.DLQManager
	TransportQueueIntrospect = egresspkg.QueueIntrospector
	TransportDelayedPub      = egresspkg.DelayedPublisher
	TransportArchiveReader   = egresspkg.ArchiveReader
	ArchiveQuery             = egresspkg.ArchiveQuery
	ArchivedMessage          = egresspkg.ArchivedMessage
)

var (
	NewBroker      = runtimepkg.NewBroker
	ValidateConfig = configpkg.ValidateConfig

	RegisterHandler = runtimepkg.RegisterHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Ingestion lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Stream metrics
	NewStreamMetrics = runtimepkg.NewStreamMetrics

	// Trace message helpers
	NewVerboseMessage = dltpkg.NewVerbose
	DefaultProfile    = dltpkg.DefaultProfile
	MatchAll          = filterpkg.MatchAll

	// Trace file storage
	NewTraceWriter = storepkg.NewWriter

	// CloudEvents constructors and helpers
	NewCloudEvent       = ce.New
	NewCloudEventWithID = ce.NewWithID

	// CloudEvents extension helpers
	GetTraceID       = ce.GetTraceID
	SetTraceID       = ce.SetTraceID
	GetParentID      = ce.GetParentID
	SetParentID      = ce.SetParentID
	GetCorrelationID = ce.GetCorrelationID
	SetCorrelationID = ce.SetCorrelationID

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities

	// Modular transport registry
	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	// Import individual transports via: _ "github.com/drblury/dltstream/transport/kafka"
	DefaultTransportRegistry = egresspkg.DefaultRegistry
	RegisterTransport        = egresspkg.Register
	BuildTransport           = egresspkg.Build

	// Publish options
	WithSubject         = runtimepkg.WithSubject
	WithDataContentType = runtimepkg.WithDataContentType
	WithDataSchema      = runtimepkg.WithDataSchema
	WithExtension       = runtimepkg.WithExtension
	WithTracing         = runtimepkg.WithTracing
	WithCorrelationID   = runtimepkg.WithCorrelationID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrAlreadyStarted       = errspkg.ErrAlreadyStarted
	ErrNotRunning           = errspkg.ErrNotRunning
	ErrSubscriptionClosed   = errspkg.ErrSubscriptionClosed
	ErrSourceRequired       = errspkg.ErrSourceRequired
	ErrBrokerRequired       = errspkg.ErrBrokerRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID

	// NewEventID generates a unique event ID using ULID.
	NewEventID = runtimepkg.NewEventID
)

// Broker lifecycle states.
const (
	StateCreated  = runtimepkg.StateCreated
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping
	StateStopped  = runtimepkg.StateStopped
)

// Stream framing modes for sources.
const (
	FramingAuto    = streampkg.FramingAuto
	FramingStorage = streampkg.FramingStorage
	FramingWire    = streampkg.FramingWire
)

// MaxFilterPairs is the largest number of identifier pairs a single
// filter predicate may carry.
const MaxFilterPairs = filterpkg.MaxPairs

// DefaultQueueSize is the per-subscription buffer applied when the
// config leaves QueueSize unset.
const DefaultQueueSize = runtimepkg.DefaultQueueSize

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// CloudEvents extension keys carried by egress events.
const (
	// ExtECU is the producer identifier of the trace message.
	ExtECU = ce.ExtECU

	// ExtAppID is the application identifier of the trace message.
	ExtAppID = ce.ExtAppID

	// ExtContextID is the context identifier of the trace message.
	ExtContextID = ce.ExtContextID

	// ExtSessionID is the session identifier, when present.
	ExtSessionID = ce.ExtSessionID

	// ExtTraceID is the distributed trace ID (W3C traceparent compatible).
	ExtTraceID = ce.ExtTraceID

	// ExtParentID is the parent span ID for trace correlation.
	ExtParentID = ce.ExtParentID

	// ExtCorrelationID is a correlation identifier for request tracing.
	ExtCorrelationID = ce.ExtCorrelationID
)
