package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/kandev/researchd/internal/common/errors"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/delivery"
	"github.com/kandev/researchd/internal/session"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades session channel requests and runs their clients.
type Handler struct {
	hub        *Hub
	policy     delivery.Policy
	sendBuffer int
	logger     *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, policy delivery.Policy, sendBuffer int, log *logger.Logger) *Handler {
	return &Handler{
		hub:        hub,
		policy:     policy,
		sendBuffer: sendBuffer,
		logger:     log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection serves GET /api/v1/sessions/:id/ws. The query parameter
// replay=true sends the logged history first; after=<message_id> limits it
// to events after that one.
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Param("id")
	if err := session.ValidateID(sessionID); err != nil {
		appErr := apperrors.ValidationError("id", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	after := c.Query("after")
	replay := c.Query("replay") == "true" || after != ""

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("WebSocket connection established",
		zap.String("session_id", sessionID),
		zap.String("subscriber_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, sessionID, conn, h.hub, h.policy, h.sendBuffer, h.logger)
	h.hub.Attach(client, replay, after)
	client.Run(c.Request.Context())
}
