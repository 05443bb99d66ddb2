// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
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
