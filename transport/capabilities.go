package transport

// Capabilities describes what a backend can do beyond plain publishing,
// so callers can decide at runtime whether delay or DLQ handling has to
// be emulated in the application.
type Capabilities struct {
	// SupportsDelay: the backend can hold a message back natively.
	SupportsDelay bool

	// SupportsNativeDLQ: undeliverable messages are parked by the
	// backend itself rather than by broker-level middleware.
	SupportsNativeDLQ bool

	// SupportsOrdering: messages within a partition or stream arrive in
	// publish order.
	SupportsOrdering bool

	// SupportsTracing: tracing headers survive the trip.
	SupportsTracing bool

	// SupportsBatching: several messages can go out in one call.
	SupportsBatching bool

	// SupportsAck / SupportsNack: explicit positive and negative
	// acknowledgement.
	SupportsAck  bool
	SupportsNack bool

	// SupportsPriority: the backend honours per-message priority.
	SupportsPriority bool

	// SupportsPartitioning: messages can be spread over partitions.
	SupportsPartitioning bool

	// MaxMessageSize in bytes; 0 means unlimited or unknown.
	MaxMessageSize int64

	// MaxDelayDuration in milliseconds; 0 means unlimited or unknown.
	MaxDelayDuration int64

	// Name of the backend.
	Name string

	// Version of the backend or driver, when known.
	Version string
}

// RequiresDelayEmulation reports whether delayed delivery has to be
// handled in the application.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDLQEmulation reports whether dead-letter routing has to be
// handled in the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics (both ack
// and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets for the built-in backends.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    256 << 10,
		MaxDelayDuration:  900000, // SQS caps delays at 15 minutes
	}

	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	PostgresCapabilities = Capabilities{
		Name:              "postgres",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities looks up a backend's capabilities in the default
// registry. Unknown names yield a zero Capabilities.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
