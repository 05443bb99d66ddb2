package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/dltstream/internal/runtime/config"
	egress "github.com/drblury/dltstream/transport"

	// Blank imports register every built-in backend with the registry.
	_ "github.com/drblury/dltstream/transport/aws"
	_ "github.com/drblury/dltstream/transport/channel"
	_ "github.com/drblury/dltstream/transport/http"
	_ "github.com/drblury/dltstream/transport/io"
	_ "github.com/drblury/dltstream/transport/jetstream"
	_ "github.com/drblury/dltstream/transport/kafka"
	_ "github.com/drblury/dltstream/transport/nats"
	_ "github.com/drblury/dltstream/transport/postgres"
	_ "github.com/drblury/dltstream/transport/rabbitmq"
	_ "github.com/drblury/dltstream/transport/sqlite"
)

// Transport combines the publisher and subscriber pair produced by a
// factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the egress transport is initialised. The
// broker accepts a custom one through its dependencies, which is how
// tests plug in an in-process pubsub.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory builds transports through the backend registry, keyed
// by the configured egress system name.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := egress.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
	}, nil
}
