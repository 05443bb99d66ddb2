package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	idspkg "github.com/drblury/dltstream/internal/runtime/ids"
	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/dltstream/internal/runtime/metadata"
)

// Producer emits JSON payloads onto the egress transport.
type Producer interface {
	PublishJSON(ctx context.Context, topic string, payload any, metadata metadatapkg.Metadata) error
}

// NewMessageFromJSON converts the provided payload into a Watermill message
// with the supplied metadata attached.
func NewMessageFromJSON(payload any, metadata metadatapkg.Metadata) (*message.Message, error) {
	if payload == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}

	encoded, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), encoded)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	msg.Metadata["content-type"] = "application/json"
	return msg, nil
}

// PublishJSON marshals the payload and publishes it to the provided topic.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, payload any, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	msg, err := NewMessageFromJSON(payload, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishJSON emits the payload using the egress publisher so callers can
// put auxiliary messages on the wire without touching Watermill directly.
func (b *Broker) PublishJSON(ctx context.Context, topic string, payload any, metadata metadatapkg.Metadata) error {
	if b == nil {
		return errors.New("broker is nil")
	}
	if b.egress == nil {
		return errspkg.ErrPublisherRequired
	}
	return PublishJSON(ctx, b.egress.publisher, topic, payload, metadata)
}
