// Package channel is an in-process egress backend built on Go channels.
// Nothing leaves the process, which makes it the natural choice for
// tests and for wiring the broker's output straight into another
// component of the same program.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/dltstream/transport"
)

// TransportName selects this backend via Config.
const TransportName = "channel"

// Factory is a seam for tests that want to see the pubsub both sides
// share.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the backend to the default registry. Importing the
// package already does this.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns a publisher and subscriber backed by the same
// in-process pubsub.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// Capabilities reports what the in-process backend supports.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
