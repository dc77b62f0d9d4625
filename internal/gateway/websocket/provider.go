package websocket

import (
	"context"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/delivery"
	"github.com/kandev/researchd/internal/events/bus"
	"github.com/kandev/researchd/internal/session"
)

// Provide creates the gateway, replaying history from the registry, and
// starts its hub.
func Provide(ctx context.Context, cfg *config.Config, eventBus bus.EventBus, registry *session.Registry, log *logger.Logger) (*Gateway, func() error, error) {
	gateway := NewGateway(eventBus, delivery.PolicyFromConfig(cfg.Delivery), cfg.Delivery.SendBuffer, registry.Events, log)
	if err := gateway.Hub.Start(ctx); err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		gateway.Hub.Shutdown()
		return nil
	}
	return gateway, cleanup, nil
}
