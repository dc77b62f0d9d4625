// Package orchestrator owns the lifecycle of research sessions: it launches
// one pipeline child process per session, watches its output directory and
// keeps track of runs so they can be aborted or drained on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/pipeline"
	"github.com/kandev/researchd/internal/session"
)

// Common errors
var (
	ErrServiceStopped   = errors.New("service is stopped")
	ErrSessionRunning   = errors.New("session is already running")
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionNotActive = errors.New("session is not running")
	ErrEmptyQuery       = errors.New("query is required")
	ErrUnknownStage     = errors.New("unknown stage")
)

// SessionLookup reports whether a session already has state.
type SessionLookup interface {
	Snapshot(ctx context.Context, id string) (session.Session, error)
}

// RunRecorder records pipeline runs in the session catalog.
type RunRecorder interface {
	StartRun(ctx context.Context, sessionID string, command []string) (int64, error)
	FinishRun(ctx context.Context, runID int64, runErr error) error
}

// ServiceConfig holds orchestrator configuration.
type ServiceConfig struct {
	OutputDir string
	Pipeline  config.PipelineConfig
}

// StartRequest asks for a new research session. SessionID is generated
// when empty.
type StartRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query"`
}

// StartResult describes a launched session.
type StartResult struct {
	SessionID string   `json:"session_id"`
	OutputDir string   `json:"output_dir"`
	Stages    []string `json:"stages"`
}

type run struct {
	executor *pipeline.Executor
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

// Service runs research sessions.
type Service struct {
	cfg      ServiceConfig
	def      *pipeline.Definition
	runner   *pipeline.Runner
	emitter  pipeline.Emitter
	sessions SessionLookup
	runs     RunRecorder
	logger   *logger.Logger

	mu      sync.Mutex
	active  map[string]*run
	stopped bool
	wg      sync.WaitGroup
}

// NewService creates a Service. The stage table is loaded from
// cfg.Pipeline.StagesFile when set. runs may be nil.
func NewService(cfg ServiceConfig, emitter pipeline.Emitter, sessions SessionLookup, runs RunRecorder, log *logger.Logger) (*Service, error) {
	def := pipeline.DefaultDefinition()
	if cfg.Pipeline.StagesFile != "" {
		loaded, err := pipeline.LoadDefinition(cfg.Pipeline.StagesFile)
		if err != nil {
			return nil, err
		}
		def = loaded
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	l := log.WithFields(zap.String("component", "orchestrator"))
	return &Service{
		cfg:      cfg,
		def:      def,
		runner:   pipeline.NewRunner(pipeline.RunnerConfigFrom(cfg.Pipeline), l),
		emitter:  emitter,
		sessions: sessions,
		runs:     runs,
		logger:   l,
		active:   make(map[string]*run),
	}, nil
}

// Definition returns the stage table sessions run with.
func (s *Service) Definition() *pipeline.Definition {
	return s.def
}

// StartSession launches the pipeline for a new session and returns once
// the child process was handed off to a background goroutine. A session id
// may only be used once.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*StartResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrServiceStopped
	}
	if _, ok := s.active[id]; ok {
		return nil, ErrSessionRunning
	}
	_, err := s.sessions.Snapshot(ctx, id)
	switch {
	case err == nil:
		return nil, ErrSessionExists
	case !errors.Is(err, session.ErrSessionNotFound):
		return nil, err
	}

	outDir, err := filepath.Abs(filepath.Join(s.cfg.OutputDir, id))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session output dir: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	r := &run{
		executor: pipeline.NewExecutor(id, query, s.def, s.emitter, s.logger),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.active[id] = r
	s.wg.Add(1)
	go s.execute(runCtx, r, map[string]string{
		"query":      query,
		"session_id": id,
		"output_dir": outDir,
	})

	s.logger.WithSessionID(id).Info("Session started", zap.String("query", query))
	return &StartResult{SessionID: id, OutputDir: outDir, Stages: s.def.IDs()}, nil
}

func (s *Service) execute(ctx context.Context, r *run, vars map[string]string) {
	id := r.executor.SessionID()
	log := s.logger.WithSessionID(id)
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		close(r.done)
	}()

	var runID int64
	if s.runs != nil {
		var err error
		runID, err = s.runs.StartRun(context.WithoutCancel(ctx), id, pipeline.Expand(s.cfg.Pipeline.Command, vars))
		if err != nil {
			log.Warn("Failed to record run start", zap.Error(err))
		}
	}

	var drain []func()
	if s.cfg.Pipeline.WatchOutputs {
		if fn, err := s.watchOutputs(ctx, r.executor, vars["output_dir"], log); err != nil {
			log.Warn("Output directory not watched", zap.Error(err))
		} else {
			drain = append(drain, fn)
		}
	}

	runErr := s.runner.Run(ctx, r.executor, vars, drain...)

	if runID != 0 {
		if err := s.runs.FinishRun(context.WithoutCancel(ctx), runID, runErr); err != nil {
			log.Warn("Failed to record run end", zap.Error(err))
		}
	}
	r.cancel(nil)
	log.Info("Session finished", zap.String("status", r.executor.Status()))
}

// watchOutputs starts an output watcher and returns the function that
// stops it and reports whatever it has not seen yet.
func (s *Service) watchOutputs(ctx context.Context, ex *pipeline.Executor, dir string, log *logger.Logger) (func(), error) {
	w, err := pipeline.NewOutputWatcher(dir, ex, log)
	if err != nil {
		return nil, err
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := w.Run(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Output watcher stopped", zap.Error(err))
		}
	}()
	return func() {
		_ = w.Close()
		<-stopped
		w.Flush(context.WithoutCancel(ctx))
	}, nil
}

// NotifyFile reports an output file on behalf of a running session. An
// empty stage attributes it to the current stage.
func (s *Service) NotifyFile(ctx context.Context, sessionID string, stage pipeline.Stage, path string) error {
	s.mu.Lock()
	r, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotActive
	}
	if stage != "" {
		resolved, ok := s.def.Resolve(string(stage))
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
		}
		stage = resolved
	}
	return r.executor.NotifyFile(ctx, stage, path)
}

// AbortSession terminates the child process of a running session and waits
// until the session reached its terminal status.
func (s *Service) AbortSession(ctx context.Context, sessionID, reason string) error {
	s.mu.Lock()
	r, ok := s.active[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotActive
	}
	if reason == "" {
		reason = "aborted by request"
	}
	s.logger.WithSessionID(sessionID).Info("Aborting session", zap.String("reason", reason))
	r.cancel(errors.New(reason))

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns whether a session's pipeline is still running.
func (s *Service) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// RunningSessions returns the ids of every running session.
func (s *Service) RunningSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown refuses new sessions, aborts the running ones and waits for
// them to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for _, r := range s.active {
		r.cancel(ErrServiceStopped)
	}
	n := len(s.active)
	s.mu.Unlock()

	if n > 0 {
		s.logger.Info("Aborting running sessions", zap.Int("count", n))
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
