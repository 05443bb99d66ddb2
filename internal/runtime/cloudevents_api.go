package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	ce "github.com/drblury/dltstream/internal/runtime/cloudevents"
	errspkg "github.com/drblury/dltstream/internal/runtime/errors"
	idspkg "github.com/drblury/dltstream/internal/runtime/ids"
	"github.com/drblury/dltstream/internal/runtime/jsoncodec"
	transportpkg "github.com/drblury/dltstream/transport"
)

// PublishOption configures event publishing behavior.
type PublishOption func(*publishOptions)

type publishOptions struct {
	subject         *string
	dataContentType *string
	dataSchema      *string
	extensions      map[string]any
	traceID         string
	parentID        string
	correlationID   string
}

// WithSubject sets the CloudEvents subject attribute.
func WithSubject(subject string) PublishOption {
	return func(o *publishOptions) {
		o.subject = &subject
	}
}

// WithDataContentType sets the data content type (e.g., "application/json").
func WithDataContentType(contentType string) PublishOption {
	return func(o *publishOptions) {
		o.dataContentType = &contentType
	}
}

// WithDataSchema sets the data schema URI.
func WithDataSchema(schema string) PublishOption {
	return func(o *publishOptions) {
		o.dataSchema = &schema
	}
}

// WithExtension adds a CloudEvents extension attribute.
func WithExtension(key string, value any) PublishOption {
	return func(o *publishOptions) {
		if o.extensions == nil {
			o.extensions = make(map[string]any)
		}
		o.extensions[key] = value
	}
}

// WithTracing sets tracing context for the event.
func WithTracing(traceID, parentID string) PublishOption {
	return func(o *publishOptions) {
		o.traceID = traceID
		o.parentID = parentID
	}
}

// WithCorrelationID sets the correlation ID for request tracing.
func WithCorrelationID(correlationID string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = correlationID
	}
}

// PublishEvent publishes a CloudEvent straight to the egress transport,
// bypassing the ingestion pipeline. The event type is used as the topic.
// Useful for out-of-band announcements alongside the trace stream.
func (b *Broker) PublishEvent(ctx context.Context, evt ce.Event) error {
	if b == nil {
		return errors.New("broker is nil")
	}
	if b.egress == nil || b.egress.publisher == nil {
		return errspkg.ErrPublisherRequired
	}

	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid CloudEvent: %w", err)
	}

	msg, err := toWatermillMessage(evt)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return b.egress.publisher.Publish(evt.Type, msg)
}

// PublishData publishes data as a CloudEvent.
// This is a convenience method that constructs the event for you.
func (b *Broker) PublishData(ctx context.Context, eventType, source string, data any, opts ...PublishOption) error {
	evt := ce.New(eventType, source, data)
	applyPublishOptions(&evt, opts)
	return b.PublishEvent(ctx, evt)
}

func applyPublishOptions(evt *ce.Event, opts []PublishOption) {
	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	if po.subject != nil {
		evt.Subject = po.subject
	}
	if po.dataContentType != nil {
		evt.DataContentType = po.dataContentType
	}
	if po.dataSchema != nil {
		evt.DataSchema = po.dataSchema
	}
	if po.traceID != "" {
		ce.SetTraceID(evt, po.traceID)
	}
	if po.parentID != "" {
		ce.SetParentID(evt, po.parentID)
	}
	if po.correlationID != "" {
		ce.SetCorrelationID(evt, po.correlationID)
	}
	for k, v := range po.extensions {
		if evt.Extensions == nil {
			evt.Extensions = make(map[string]any)
		}
		evt.Extensions[k] = v
	}
}

// GetTransportCapabilities returns the capabilities of the configured egress transport.
func (b *Broker) GetTransportCapabilities() transportpkg.Capabilities {
	if b == nil || b.Conf == nil {
		return transportpkg.Capabilities{}
	}
	return transportpkg.GetCapabilities(b.Conf.EgressSystem)
}

// NewEventID generates a new event ID.
func NewEventID() string {
	return idspkg.CreateULID()
}

// toWatermillMessage converts a CloudEvent to a Watermill message (internal use only).
// The entire event is serialized as JSON in the message payload.
func toWatermillMessage(evt ce.Event) (*message.Message, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CloudEvent: %w", err)
	}

	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CloudEvent: %w", err)
	}

	msg := message.NewMessage(evt.ID, payload)

	// Map core CloudEvents attributes to Watermill metadata
	msg.Metadata.Set("ce_specversion", evt.SpecVersion)
	msg.Metadata.Set("ce_type", evt.Type)
	msg.Metadata.Set("ce_source", evt.Source)
	msg.Metadata.Set("ce_id", evt.ID)

	if !evt.Time.IsZero() {
		msg.Metadata.Set("ce_time", evt.Time.Format(time.RFC3339Nano))
	}
	if evt.DataContentType != nil {
		msg.Metadata.Set("ce_datacontenttype", *evt.DataContentType)
	}
	if evt.Subject != nil {
		msg.Metadata.Set("ce_subject", *evt.Subject)
	}
	if evt.DataSchema != nil {
		msg.Metadata.Set("ce_dataschema", *evt.DataSchema)
	}

	// Map trace extensions to metadata for transport-level access
	for k, v := range evt.Extensions {
		switch val := v.(type) {
		case string:
			msg.Metadata.Set(k, val)
		case int:
			msg.Metadata.Set(k, fmt.Sprintf("%d", val))
		case int64:
			msg.Metadata.Set(k, fmt.Sprintf("%d", val))
		case float64:
			msg.Metadata.Set(k, fmt.Sprintf("%v", val))
		case bool:
			if val {
				msg.Metadata.Set(k, "true")
			} else {
				msg.Metadata.Set(k, "false")
			}
		default:
			if val != nil {
				msg.Metadata.Set(k, fmt.Sprintf("%v", val))
			}
		}
	}

	return msg, nil
}
