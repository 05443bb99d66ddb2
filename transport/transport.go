// Package transport defines the pluggable egress backends that decoded
// trace messages are forwarded to. Each backend lives in its own
// sub-package and registers itself with the registry in an init
// function; importing the sub-package is enough to make it selectable
// through Config.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the publisher/subscriber pair a builder hands back. The
// broker only publishes; the subscriber side exists for tooling that
// drains an egress queue (replay, DLQ inspection, tests).
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder turns configuration into a connected transport.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config narrows the broker configuration to the accessors backends
// need, so a backend package does not import the full config type.
type Config interface {
	// GetEgressSystem names the backend to build.
	GetEgressSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider reports what a backend supports beyond plain
// publishing.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by backends that keep undeliverable
// messages around for replay instead of discarding them.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister pages through stored dead-letter messages.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is one undeliverable message as stored by a DLQ-capable
// backend.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// ArchiveQuery selects archived trace messages. Zero-valued fields are
// not filtered on; Limit 0 means no limit.
type ArchiveQuery struct {
	Topic  string
	APID   string
	CTID   string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// ArchivedMessage is one published message as kept by an
// archive-capable backend.
type ArchivedMessage struct {
	ID       int64             `json:"id"`
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	APID     string            `json:"apid"`
	CTID     string            `json:"ctid"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata"`
	StoredAt time.Time         `json:"stored_at"`
}

// ArchiveReader is implemented by backends that keep a queryable copy
// of every published message alongside the delivery queue.
type ArchiveReader interface {
	QueryArchive(ctx context.Context, q ArchiveQuery) ([]ArchivedMessage, error)
}

// QueueIntrospector exposes the backlog of a queue-backed transport.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}

// DelayedPublisher schedules messages for future delivery. The delay is
// in seconds; queue-backed transports also honour a "dltstream_delay"
// duration in the message metadata.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay int64, messages ...*message.Message) error
}
