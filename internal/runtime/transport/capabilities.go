// Package transport narrows the public egress backend registry to
// what the broker runtime needs: a factory seam plus capability
// lookups. Backend implementations live under
// github.com/drblury/dltstream/transport.
package transport

import (
	egress "github.com/drblury/dltstream/transport"
)

// Capabilities mirrors the public backend capability description.
type Capabilities = egress.Capabilities

// CapabilitiesProvider is implemented by backends that report their
// own capabilities.
type CapabilitiesProvider = egress.CapabilitiesProvider

// Predefined capability sets for the built-in backends.
var (
	ChannelCapabilities       = egress.ChannelCapabilities
	KafkaCapabilities         = egress.KafkaCapabilities
	RabbitMQCapabilities      = egress.RabbitMQCapabilities
	NATSCapabilities          = egress.NATSCapabilities
	NATSJetStreamCapabilities = egress.NATSJetStreamCapabilities
	AWSCapabilities           = egress.AWSCapabilities
	SQLiteCapabilities        = egress.SQLiteCapabilities
	PostgresCapabilities      = egress.PostgresCapabilities
	HTTPCapabilities          = egress.HTTPCapabilities
	IOCapabilities            = egress.IOCapabilities
)

// GetCapabilities returns the capabilities for a backend by name.
func GetCapabilities(transportName string) Capabilities {
	return egress.GetCapabilities(transportName)
}
