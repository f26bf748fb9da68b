// Package bus provides event bus implementations for verdict and alert
// fan-out: in-process channels for the community tier, NATS for the pro tier.
package bus

import (
	"fmt"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

// New creates an event bus based on configuration.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
