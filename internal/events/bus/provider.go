package bus

import (
	"fmt"
	"strings"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/logger"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    EventBus
	Memory *MemoryEventBus
	NATS   *NATSEventBus
}

// Provide builds the configured event bus implementation. NATS is used when
// a URL is configured, the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
