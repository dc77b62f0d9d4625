package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
	"github.com/kandev/researchd/internal/events/bus"
)

// Publisher is the single entry point for domain events: it persists and
// applies an event through the Registry and only then fans it out on the
// bus. Callers of one session must publish sequentially to keep order.
type Publisher struct {
	registry *Registry
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(registry *Registry, eventBus bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{registry: registry, bus: eventBus, logger: log}
}

// Publish persists ev and fans it out. A duplicate message id is accepted
// and ignored. A bus failure is returned but the event stays persisted.
func (p *Publisher) Publish(ctx context.Context, sessionID string, ev *events.Event) error {
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}
	if ev.SessionID != sessionID {
		return fmt.Errorf("event %s belongs to session %q, not %q", ev.MessageID, ev.SessionID, sessionID)
	}

	applied, err := p.registry.Apply(ctx, ev)
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Debug("Skipping duplicate event",
			zap.String("session_id", sessionID),
			zap.String("message_id", ev.MessageID))
		return nil
	}

	if err := p.bus.Publish(ctx, events.SessionSubject(sessionID), ev); err != nil {
		return fmt.Errorf("fan out %s: %w", ev.MessageID, err)
	}
	return nil
}
