// Package dltstream ingests AUTOSAR DLT (Diagnostic Log and Trace) streams,
// decodes them, and fans the messages out to filtered in-process subscribers.
// It reads the trace source (a live daemon over TCP or an existing trace
// file) from Config, reassembles and decodes the binary frames, appends every
// message to an append-only trace file with rotation and optional zstd
// compression, and routes decoded messages to subscriptions by their
// application and context identifiers.
//
// Broker hosts the pipeline: fill Config, create a Broker, call Subscribe
// with a Predicate (or RegisterHandler with a named callback), and call
// Start. Subscription.WaitFor blocks until a number of matching messages
// have arrived or a timeout expires, which makes test assertions against a
// live stream straightforward. The examples directory shows complete
// programs for receiving, filtering, replaying, and forwarding traces.
//
// # Sources
//
// Two sources ship with the broker:
//   - tcp: connects to a DLT daemon (default port 3490) and reconnects with
//     exponential backoff when the connection drops
//   - file: reads an existing trace file, optionally following it as it grows
//
// Custom sources register through the source package registry.
//
// # Egress
//
// Setting Config.EgressSystem forwards every decoded message to a messaging
// system via Watermill. Supported transports: channel, kafka, rabbitmq, aws,
// nats, jetstream, http, io, sqlite, and postgres. Payloads are encoded as
// plain JSON, protojson, or CloudEvents envelopes carrying the trace
// identifiers as extensions. The egress router runs the default middleware
// chain: correlation ID injection, structured logging, OpenTelemetry tracing,
// Prometheus metrics, retry with exponential backoff, poison queue
// forwarding, and panic recovery. Custom middleware can be added via
// BrokerDependencies.Middlewares.
//
// # Hooks
//
// StreamHooks provides OnMessage, OnDecodeError, OnSyncLoss, OnDrop,
// OnStorageError, and OnReconnect callbacks for custom logging, metrics
// collection, and alerting around the ingestion pipeline.
//
// When you need more control, BrokerDependencies exposes well-scoped knobs:
// bring your own Source, middleware registrations, error classifier, or even
// an entire EgressFactory to plug in custom brokers.
package dltstream
