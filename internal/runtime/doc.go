/*
Package runtime provides the core trace ingestion infrastructure for dltstream.

# Architecture Overview

The runtime package implements a single-pipeline broker: frames are read
from a source, reassembled and decoded, appended to a trace file, and
fanned out to filtered subscriptions. An optional egress router built on
Watermill forwards every decoded message to a messaging system.

# Package Structure

The runtime package is organized into the following components:

## Core Broker (broker.go)

The Broker struct is the central orchestrator that wires together:
  - The ingestion pipeline (source, reassembler, decoder, trace file)
  - Filtered subscriptions with bounded queues
  - The egress router (Watermill) and its middleware chain
  - HTTP servers for metrics and WebUI

## Subscriptions (subscription.go)

Subscriptions carry matching messages on a bounded channel. When a
subscriber falls behind, the newest message is dropped and counted so
the pipeline never blocks. WaitFor gives tests and tools a way to block
for a batch of matching messages with a timeout.

## Handler Registration (registration.go)

RegisterHandler pairs a named callback with a filtered subscription and
tracks latency, throughput, and error breakdowns per handler.

## Egress (egress.go, middleware.go)

The egress bridge encodes decoded messages (JSON, protojson, or
CloudEvents) and forwards them through a Watermill router with a
composable middleware chain:
  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Retry: Exponential backoff retry logic
  - PoisonQueue: Dead letter queue for failed publishes
  - Recoverer: Panic recovery

## Stats & Monitoring (models.go, metrics.go, resources.go)

Extended metrics collection for the stream and per-handler performance:
  - Frame, byte, decode-error, sync-loss, and drop counters
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

## Publishing (publisher.go, cloudevents_api.go)

Utilities for emitting auxiliary JSON payloads and CloudEvents on the
egress transport, out of band of the trace pipeline.

## WebUI (webui.go)

HTTP API for introspecting broker state, subscriptions, and handler
statistics.

# Sub-packages

  - config/: Broker configuration with validation
  - errors/: Sentinel errors and error types
  - cloudevents/: CloudEvents v1.0 envelope with trace extensions
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - transport/: Egress transport factory over the public registry

# Usage Example

	cfg := &dltstream.Config{
		SourceSystem:   "tcp",
		TCPAddress:     "localhost:3490",
		TraceFile:      "traces/session.dlt",
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	broker, err := dltstream.NewBroker(cfg, logger, ctx, dltstream.BrokerDependencies{})
	if err != nil {
		return err
	}

	sub, err := broker.Subscribe(dltstream.Predicate{{AppID: "APP1"}})
	if err != nil {
		return err
	}

	broker.Start(ctx)
	msgs, err := sub.WaitFor(10, 5*time.Second)
*/
package runtime
