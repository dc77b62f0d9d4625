package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/researchd/internal/common/errors"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/db"
	"github.com/kandev/researchd/internal/events"
	"github.com/kandev/researchd/internal/events/bus"
	"github.com/kandev/researchd/internal/orchestrator"
	"github.com/kandev/researchd/internal/pipeline"
	"github.com/kandev/researchd/internal/session"
)

type fakeRunner struct {
	startErr error
	abortErr error
	fileErr  error
	started  []orchestrator.StartRequest
	aborted  map[string]string
	files    []string
}

func (f *fakeRunner) StartSession(_ context.Context, req orchestrator.StartRequest) (*orchestrator.StartResult, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, req)
	id := req.SessionID
	if id == "" {
		id = "generated"
	}
	return &orchestrator.StartResult{SessionID: id, OutputDir: "/out/" + id, Stages: []string{"browser"}}, nil
}

func (f *fakeRunner) AbortSession(_ context.Context, id, reason string) error {
	if f.abortErr != nil {
		return f.abortErr
	}
	if f.aborted == nil {
		f.aborted = make(map[string]string)
	}
	f.aborted[id] = reason
	return nil
}

func (f *fakeRunner) NotifyFile(_ context.Context, id string, stage pipeline.Stage, path string) error {
	if f.fileErr != nil {
		return f.fileErr
	}
	f.files = append(f.files, id+":"+string(stage)+":"+path)
	return nil
}

func (f *fakeRunner) RunningSessions() []string { return []string{"s1"} }

type fixture struct {
	runner    *fakeRunner
	catalog   *session.Catalog
	publisher *session.Publisher
	router    *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	pool, err := db.OpenSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	catalog, err := session.NewCatalog(context.Background(), pool)
	require.NoError(t, err)

	registry := session.NewRegistry(session.NewEventLog(t.TempDir()), catalog, log)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	f := &fixture{
		runner:    &fakeRunner{},
		catalog:   catalog,
		publisher: session.NewPublisher(registry, memBus, log),
		router:    gin.New(),
	}
	NewHandlers(f.runner, registry, catalog, log).RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) publish(t *testing.T, id string, typ events.Type, payload interface{}) *events.Event {
	t.Helper()
	ev, err := events.NewEvent(id, typ, payload)
	require.NoError(t, err)
	require.NoError(t, f.publisher.Publish(context.Background(), id, ev))
	return ev
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["running_sessions"])
}

func TestStartSession(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"session_id": "s9", "query": "fusion"})
	require.Equal(t, http.StatusCreated, w.Code)
	res := decode[orchestrator.StartResult](t, w)
	assert.Equal(t, "s9", res.SessionID)
	assert.Equal(t, []orchestrator.StartRequest{{SessionID: "s9", Query: "fusion"}}, f.runner.started)

	w = f.do(t, http.MethodPost, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSessionErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{orchestrator.ErrEmptyQuery, http.StatusBadRequest, apperrors.ErrCodeValidationError},
		{session.ErrInvalidSessionID, http.StatusBadRequest, apperrors.ErrCodeValidationError},
		{orchestrator.ErrSessionExists, http.StatusConflict, apperrors.ErrCodeConflict},
		{orchestrator.ErrSessionRunning, http.StatusConflict, apperrors.ErrCodeConflict},
		{orchestrator.ErrServiceStopped, http.StatusServiceUnavailable, apperrors.ErrCodeUnavailable},
		{assert.AnError, http.StatusInternalServerError, apperrors.ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.runner.startErr = tt.err
			w := f.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"query": "q"})
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode[apperrors.AppError](t, w).Code)
		})
	}
}

func TestSnapshotAndEvents(t *testing.T) {
	f := newFixture(t)
	first := f.publish(t, "s1", events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning, Query: "q"})
	f.publish(t, "s1", events.Log, events.LogPayload{Stream: "stdout", Line: "Browser: searching"})
	f.publish(t, "s1", events.AgentUpdate, events.AgentUpdatePayload{Agent: "browser", Status: events.StatusRunning})

	w := f.do(t, http.MethodGet, "/api/v1/sessions/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[session.Session](t, w)
	assert.Equal(t, session.StatusRunning, snap.Status)
	assert.Equal(t, 3, snap.EventCount)

	w = f.do(t, http.MethodGet, "/api/v1/sessions/s1/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[struct {
		Events []*events.Event `json:"events"`
		Total  int             `json:"total"`
	}](t, w)
	assert.Equal(t, 3, all.Total)

	w = f.do(t, http.MethodGet, "/api/v1/sessions/s1/events?after="+first.MessageID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	tail := decode[struct {
		Events []*events.Event `json:"events"`
	}](t, w)
	require.Len(t, tail.Events, 2)
	assert.Equal(t, events.Log, tail.Events[0].Type)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sessions/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/sessions/nope/events", nil).Code)
}

func TestListSessionsFromCatalog(t *testing.T) {
	f := newFixture(t)
	f.publish(t, "a", events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning, Query: "graphene"})
	f.publish(t, "b", events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning, Query: "tokamak"})
	f.publish(t, "b", events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusCompleted, Progress: 100})

	type listing struct {
		Sessions []session.Summary `json:"sessions"`
		Total    int               `json:"total"`
	}
	w := f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[listing](t, w).Total)

	w = f.do(t, http.MethodGet, "/api/v1/sessions?status=completed", nil)
	got := decode[listing](t, w)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "b", got.Sessions[0].ID)
	assert.Equal(t, "tokamak", got.Sessions[0].Query)

	w = f.do(t, http.MethodGet, "/api/v1/sessions?q=graph", nil)
	got = decode[listing](t, w)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "a", got.Sessions[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/sessions?limit=-1", nil).Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t)
	runID, err := f.catalog.StartRun(context.Background(), "s1", []string{"mock-researcher", "--query", "q"})
	require.NoError(t, err)
	require.NoError(t, f.catalog.FinishRun(context.Background(), runID, nil))

	w := f.do(t, http.MethodGet, "/api/v1/sessions/s1/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[struct {
		Runs []session.Run `json:"runs"`
	}](t, w).Runs
	require.Len(t, runs, 1)
	assert.Equal(t, "mock-researcher --query q", runs[0].Command)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestAbortAndNotifyFile(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions/s1/abort", map[string]string{"reason": "budget"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "budget", f.runner.aborted["s1"])

	w = f.do(t, http.MethodPost, "/api/v1/sessions/s2/abort", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, f.runner.aborted, "s2")

	w = f.do(t, http.MethodPost, "/api/v1/sessions/s1/files", map[string]string{"path": "/out/r.md", "stage": "writer"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"s1:writer:/out/r.md"}, f.runner.files)

	w = f.do(t, http.MethodPost, "/api/v1/sessions/s1/files", map[string]string{"stage": "writer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.runner.abortErr = orchestrator.ErrSessionNotActive
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/sessions/s3/abort", nil).Code)

	f.runner.fileErr = orchestrator.ErrUnknownStage
	w = f.do(t, http.MethodPost, "/api/v1/sessions/s1/files", map[string]string{"path": "x", "stage": "astrologer"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
