package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/delivery"
	"github.com/kandev/researchd/internal/events/bus"
)

// Gateway bundles the hub and the HTTP handler of the real-time channel.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
	logger  *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components initialized
func NewGateway(eventBus bus.EventBus, policy delivery.Policy, sendBuffer int, history HistoryProvider, log *logger.Logger) *Gateway {
	hub := NewHub(eventBus, policy, log)
	hub.SetHistoryProvider(history)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, policy, sendBuffer, log),
		logger:  log,
	}
}

// SetupRoutes adds the WebSocket route to the router.
func (g *Gateway) SetupRoutes(router gin.IRouter) {
	router.GET("/api/v1/sessions/:id/ws", g.Handler.HandleConnection)
}
