// Package reconcile lets a client converge on a session's true state: the
// server exposes a side-effect free snapshot read, and the client Watcher
// falls back to polling it when the real-time channel goes quiet.
package reconcile

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/kandev/researchd/internal/common/errors"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/session"
)

// SnapshotSource returns the current state of a session by value.
type SnapshotSource interface {
	Snapshot(ctx context.Context, id string) (session.Session, error)
}

// SnapshotHandler serves GET /api/v1/sessions/:id.
type SnapshotHandler struct {
	source SnapshotSource
	logger *logger.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(source SnapshotSource, log *logger.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		source: source,
		logger: log.WithFields(zap.String("component", "snapshot-handler")),
	}
}

// Register adds the snapshot route.
func (h *SnapshotHandler) Register(router gin.IRouter) {
	router.GET("/api/v1/sessions/:id", h.Handle)
}

// Handle writes the session snapshot.
func (h *SnapshotHandler) Handle(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.source.Snapshot(c.Request.Context(), id)
	if err != nil {
		appErr := SnapshotError(id, err)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			h.logger.Error("Snapshot failed", zap.String("session_id", id), zap.Error(err))
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, snap)
}

// SnapshotError maps a registry error to its API error.
func SnapshotError(id string, err error) *apperrors.AppError {
	switch {
	case errors.Is(err, session.ErrInvalidSessionID):
		return apperrors.ValidationError("id", err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		return apperrors.NotFound("session", id)
	default:
		return apperrors.InternalError("snapshot failed", err)
	}
}
