// Package api is the HTTP surface of researchd: session creation and
// control, snapshots, event history and the catalog listing.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/constants"
	apperrors "github.com/kandev/researchd/internal/common/errors"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
	"github.com/kandev/researchd/internal/orchestrator"
	"github.com/kandev/researchd/internal/pipeline"
	"github.com/kandev/researchd/internal/reconcile"
	"github.com/kandev/researchd/internal/session"
)

// SessionRunner starts and controls pipeline runs.
type SessionRunner interface {
	StartSession(ctx context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error)
	AbortSession(ctx context.Context, sessionID, reason string) error
	NotifyFile(ctx context.Context, sessionID string, stage pipeline.Stage, path string) error
	RunningSessions() []string
}

// SessionStore reads session state and history.
type SessionStore interface {
	reconcile.SnapshotSource
	Events(ctx context.Context, id, after string) ([]*events.Event, error)
}

// SessionIndex lists sessions and their runs.
type SessionIndex interface {
	List(ctx context.Context, filter session.ListFilter) ([]session.Summary, error)
	Runs(ctx context.Context, sessionID string) ([]session.Run, error)
}

// Handlers serves the session API.
type Handlers struct {
	runner   SessionRunner
	store    SessionStore
	index    SessionIndex
	snapshot *reconcile.SnapshotHandler
	logger   *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(runner SessionRunner, store SessionStore, index SessionIndex, log *logger.Logger) *Handlers {
	return &Handlers{
		runner:   runner,
		store:    store,
		index:    index,
		snapshot: reconcile.NewSnapshotHandler(store, log),
		logger:   log.WithFields(zap.String("component", "session-handlers")),
	}
}

// RegisterRoutes adds every API route to router.
func (h *Handlers) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/sessions", h.httpListSessions)
	api.POST("/sessions", h.httpStartSession)
	h.snapshot.Register(router)
	api.GET("/sessions/:id/events", h.httpListEvents)
	api.GET("/sessions/:id/runs", h.httpListRuns)
	api.POST("/sessions/:id/abort", h.httpAbortSession)
	api.POST("/sessions/:id/files", h.httpNotifyFile)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"running_sessions": len(h.runner.RunningSessions()),
	})
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	filter := session.ListFilter{
		Status: c.Query("status"),
		Query:  c.Query("q"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.fail(c, apperrors.ValidationError("limit", "must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}
	list, err := h.index.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, apperrors.InternalError("failed to list sessions", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "total": len(list)})
}

func (h *Handlers) httpStartSession(c *gin.Context) {
	var body orchestrator.StartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperrors.BadRequest("invalid request body"))
		return
	}
	res, err := h.runner.StartSession(c.Request.Context(), body)
	if err != nil {
		h.fail(c, runnerError(body.SessionID, err))
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handlers) httpListEvents(c *gin.Context) {
	id := c.Param("id")
	evs, err := h.store.Events(c.Request.Context(), id, c.Query("after"))
	if err != nil {
		h.fail(c, reconcile.SnapshotError(id, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "total": len(evs)})
}

func (h *Handlers) httpListRuns(c *gin.Context) {
	id := c.Param("id")
	if err := session.ValidateID(id); err != nil {
		h.fail(c, apperrors.ValidationError("id", err.Error()))
		return
	}
	runs, err := h.index.Runs(c.Request.Context(), id)
	if err != nil {
		h.fail(c, apperrors.InternalError("failed to list runs", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) httpAbortSession(c *gin.Context) {
	id := c.Param("id")
	var body abortRequest
	// the body is optional
	_ = c.ShouldBindJSON(&body)

	ctx, cancel := context.WithTimeout(c.Request.Context(), constants.AbortTimeout)
	defer cancel()
	if err := h.runner.AbortSession(ctx, id, body.Reason); err != nil {
		h.fail(c, runnerError(id, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "aborted": true})
}

type fileRequest struct {
	Path  string `json:"path" binding:"required"`
	Stage string `json:"stage"`
}

func (h *Handlers) httpNotifyFile(c *gin.Context) {
	id := c.Param("id")
	var body fileRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.fail(c, apperrors.ValidationError("path", "is required"))
		return
	}
	if err := h.runner.NotifyFile(c.Request.Context(), id, pipeline.Stage(body.Stage), body.Path); err != nil {
		h.fail(c, runnerError(id, err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": id, "path": body.Path})
}

func (h *Handlers) fail(c *gin.Context, err *apperrors.AppError) {
	if err.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(err.HTTPStatus, err)
}

// runnerError maps orchestrator errors to API errors.
func runnerError(id string, err error) *apperrors.AppError {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		return apperrors.ValidationError("query", "is required")
	case errors.Is(err, session.ErrInvalidSessionID):
		return apperrors.ValidationError("session_id", err.Error())
	case errors.Is(err, orchestrator.ErrSessionRunning), errors.Is(err, orchestrator.ErrSessionExists):
		return apperrors.Conflict(err.Error())
	case errors.Is(err, orchestrator.ErrSessionNotActive):
		return apperrors.Conflict("session " + id + " is not running")
	case errors.Is(err, orchestrator.ErrUnknownStage):
		return apperrors.ValidationError("stage", err.Error())
	case errors.Is(err, orchestrator.ErrServiceStopped):
		return apperrors.Unavailable(err.Error())
	default:
		return apperrors.InternalError("session operation failed", err)
	}
}
