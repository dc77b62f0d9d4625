package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
	"github.com/kandev/researchd/internal/tracing"
)

// Emitter persists and fans out one session event.
type Emitter interface {
	Publish(ctx context.Context, sessionID string, ev *events.Event) error
}

// ErrAborted is the cause recorded when a run is aborted externally.
var ErrAborted = errors.New("pipeline aborted")

type stageState struct {
	spec     StageSpec
	status   string
	progress *int
	reported bool // the stage reported a numeric progress at least once
	message  string
	span     trace.Span
}

// Executor is the state machine of one session. It consumes framed lines
// and file notifications and emits the session's domain events in order.
// All methods are safe for concurrent use; events are emitted under the
// executor lock so their order is the order of the calls.
type Executor struct {
	sessionID string
	query     string
	def       *Definition
	parser    *Parser
	emit      Emitter
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	stages   []*stageState
	byID     map[Stage]*stageState
	fanOut   *FanOut
	status   string
	progress int
	files    map[string]bool
	runCtx   context.Context
	runSpan  trace.Span
}

// NewExecutor creates an Executor for one session.
func NewExecutor(sessionID, query string, def *Definition, emit Emitter, log *logger.Logger) *Executor {
	if def == nil {
		def = DefaultDefinition()
	}
	e := &Executor{
		sessionID: sessionID,
		query:     query,
		def:       def,
		parser:    NewParser(def),
		emit:      emit,
		logger:    log.WithSessionID(sessionID),
		now:       func() time.Time { return time.Now().UTC() },
		byID:      make(map[Stage]*stageState),
		fanOut:    NewFanOut(),
		status:    events.StatusPending,
		files:     make(map[string]bool),
		runCtx:    context.Background(),
	}
	for _, spec := range def.Stages {
		st := &stageState{spec: spec, status: events.StatusPending}
		e.stages = append(e.stages, st)
		e.byID[spec.ID] = st
	}
	return e
}

// SessionID returns the session the executor drives.
func (e *Executor) SessionID() string {
	return e.sessionID
}

// Status returns the overall pipeline status.
func (e *Executor) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start marks the pipeline running and announces the stage list.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != events.StatusPending {
		return fmt.Errorf("session %s already started", e.sessionID)
	}
	e.status = events.StatusRunning
	e.runCtx, e.runSpan = tracing.TracePipelineRun(context.WithoutCancel(ctx), e.sessionID, e.def.IDs())

	return e.publish(ctx, events.ResearchStatus, events.ResearchStatusPayload{
		Status:   events.StatusRunning,
		Progress: 0,
		Message:  "pipeline started",
		Query:    e.query,
		Stages:   e.def.IDs(),
	})
}

// HandleLine records one framed output line as a log event and applies any
// stage marker it carries.
func (e *Executor) HandleLine(ctx context.Context, stream, line string) error {
	if strings.TrimSpace(line) == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.publish(ctx, events.Log, events.LogPayload{Stream: stream, Line: line})
	if e.terminal() {
		return err
	}

	marker, ok := e.parser.Parse(line)
	if !ok {
		return err
	}
	return errors.Join(err, e.applyMarker(ctx, marker))
}

func (e *Executor) applyMarker(ctx context.Context, m Marker) error {
	st := e.byID[m.Stage]
	var errs []error

	if m.Status != MarkerError {
		errs = append(errs, e.closeEarlierStages(ctx, st))
	}

	if st.spec.FanOut {
		if m.Units > 0 {
			e.fanOut.Expect(m.Units)
		}
		errs = append(errs, e.applyFanOut(ctx, st, m))
	} else {
		errs = append(errs, e.applySequential(ctx, st, m))
	}

	if m.File != "" {
		errs = append(errs, e.notifyFile(ctx, m.Stage, m.File))
	}
	errs = append(errs, e.updateProgress(ctx))
	return errors.Join(errs...)
}

// closeEarlierStages completes sequential stages declared before st that are
// still running, and closes the fan-out join once a later stage starts.
func (e *Executor) closeEarlierStages(ctx context.Context, st *stageState) error {
	idx := e.def.Index(st.spec.ID)
	var errs []error
	for _, prev := range e.stages[:idx] {
		if prev.spec.FanOut {
			if prev.status == events.StatusRunning {
				errs = append(errs, e.settleFanOut(ctx, prev, e.fanOut.Close()))
			}
			continue
		}
		if prev.status == events.StatusRunning {
			errs = append(errs, e.finishStage(ctx, prev, events.StatusCompleted, prev.message))
		}
	}
	return errors.Join(errs...)
}

func (e *Executor) applySequential(ctx context.Context, st *stageState, m Marker) error {
	switch m.Status {
	case MarkerCompleted:
		return e.finishStage(ctx, st, events.StatusCompleted, m.Message)
	case MarkerError:
		if err := e.finishStage(ctx, st, events.StatusError, m.Message); err != nil {
			return err
		}
		if st.spec.Terminal {
			return e.fail(ctx, fmt.Sprintf("%s failed: %s", st.spec.Name, m.Message))
		}
		return nil
	default:
		return e.runStage(ctx, st, m.Progress, m.Message)
	}
}

func (e *Executor) applyFanOut(ctx context.Context, st *stageState, m Marker) error {
	if e.fanOut.State() != JoinOpen {
		// late results after the join was decided
		return nil
	}

	if m.Unit == "" {
		switch m.Status {
		case MarkerCompleted:
			e.fanOut.Force()
			return e.settleFanOut(ctx, st, JoinCompleted)
		case MarkerError:
			e.fanOut.Record(UnitResult{Unit: "", Outcome: UnitError, Message: m.Message})
			return e.settleFanOut(ctx, st, JoinFailed)
		default:
			return e.runStage(ctx, st, m.Progress, m.Message)
		}
	}

	var errs []error
	if st.status != events.StatusRunning {
		errs = append(errs, e.runStage(ctx, st, nil, m.Message))
	}
	outcome := UnitRunning
	switch m.Status {
	case MarkerCompleted:
		outcome = UnitCompleted
	case MarkerError:
		outcome = UnitError
	}
	state, _ := e.fanOut.Record(UnitResult{Unit: m.Unit, Outcome: outcome, Message: m.Message})
	if state != JoinOpen {
		errs = append(errs, e.settleFanOut(ctx, st, state))
	}
	return errors.Join(errs...)
}

func (e *Executor) settleFanOut(ctx context.Context, st *stageState, state JoinState) error {
	switch state {
	case JoinCompleted:
		msg := fmt.Sprintf("%d/%d units completed", e.fanOut.Completed(), e.fanOut.Width())
		if e.fanOut.Width() == 0 {
			msg = st.message
		}
		return e.finishStage(ctx, st, events.StatusCompleted, msg)
	case JoinFailed:
		cause, _ := e.fanOut.Cause()
		msg := cause.Message
		if cause.Unit != "" {
			msg = fmt.Sprintf("unit %s: %s", cause.Unit, cause.Message)
		}
		if err := e.finishStage(ctx, st, events.StatusError, msg); err != nil {
			return err
		}
		if st.spec.Terminal {
			return e.fail(ctx, fmt.Sprintf("%s failed: %s", st.spec.Name, msg))
		}
	}
	return nil
}

// runStage moves a stage to running. An agent_update is emitted on the
// transition and afterwards only when the reported progress changes.
func (e *Executor) runStage(ctx context.Context, st *stageState, progress *int, message string) error {
	wasRunning := st.status == events.StatusRunning
	changed := progress != nil && (st.progress == nil || *st.progress != *progress)

	if !wasRunning {
		st.status = events.StatusRunning
		st.progress = nil
		_, st.span = tracing.TraceStage(e.runCtx, e.sessionID, string(st.spec.ID), st.spec.FanOut)
		e.logger.WithStage(string(st.spec.ID)).Debug("Stage running")
	}
	if message != "" {
		st.message = message
	}
	if progress != nil {
		st.progress = events.IntPtr(*progress)
		st.reported = true
	}
	if wasRunning && !changed {
		return nil
	}
	return e.publish(ctx, events.AgentUpdate, events.AgentUpdatePayload{
		Agent:    string(st.spec.ID),
		Status:   events.StatusRunning,
		Progress: st.progress,
		Message:  st.message,
	})
}

// finishStage moves a stage to completed or error. A completed stage that
// reported progress ends at 100; otherwise progress stays absent.
func (e *Executor) finishStage(ctx context.Context, st *stageState, status, message string) error {
	if st.status == status && status == events.StatusCompleted {
		return nil
	}
	st.status = status
	st.progress = nil
	if status == events.StatusCompleted && st.reported {
		st.progress = events.IntPtr(100)
	}
	if message != "" {
		st.message = message
	}
	if st.span != nil {
		tracing.TraceStageResult(st.span, status, st.message)
		st.span = nil
	}
	e.logger.WithStage(string(st.spec.ID)).Info("Stage finished", zap.String("status", status))

	return e.publish(ctx, events.AgentUpdate, events.AgentUpdatePayload{
		Agent:    string(st.spec.ID),
		Status:   status,
		Progress: st.progress,
		Message:  st.message,
	})
}

// updateProgress emits research_status when the share of completed stages
// grows.
func (e *Executor) updateProgress(ctx context.Context) error {
	if e.status != events.StatusRunning {
		return nil
	}
	done := 0
	for _, st := range e.stages {
		if st.status == events.StatusCompleted {
			done++
		}
	}
	p := done * 100 / len(e.stages)
	if p <= e.progress {
		return nil
	}
	e.progress = p
	return e.publish(ctx, events.ResearchStatus, events.ResearchStatusPayload{
		Status:   events.StatusRunning,
		Progress: p,
		Message:  fmt.Sprintf("%d of %d stages completed", done, len(e.stages)),
	})
}

// NotifyFile reports a new output file. An empty stage attributes the file
// to the latest running stage, or the terminal stage when none is running.
// Each path is reported once.
func (e *Executor) NotifyFile(ctx context.Context, stage Stage, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifyFile(ctx, stage, path)
}

func (e *Executor) notifyFile(ctx context.Context, stage Stage, path string) error {
	path = filepath.Clean(path)
	if path == "." || e.files[path] {
		return nil
	}
	if _, ok := e.byID[stage]; !ok {
		stage = e.currentStage()
	}
	e.files[path] = true
	return e.publish(ctx, events.FileGenerated, events.FileGeneratedPayload{
		Agent:      string(stage),
		Path:       path,
		Name:       filepath.Base(path),
		DetectedAt: e.now(),
	})
}

// CurrentStage returns the stage new files are attributed to.
func (e *Executor) CurrentStage() Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentStage()
}

func (e *Executor) currentStage() Stage {
	for i := len(e.stages) - 1; i >= 0; i-- {
		if e.stages[i].status == events.StatusRunning {
			return e.stages[i].spec.ID
		}
	}
	return e.def.TerminalStage()
}

// Abort fails the session on behalf of an external caller. Running stages
// are marked as errored.
func (e *Executor) Abort(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal() {
		return nil
	}
	if reason == "" {
		reason = ErrAborted.Error()
	}
	var errs []error
	for _, st := range e.stages {
		if st.status == events.StatusRunning {
			errs = append(errs, e.finishStage(ctx, st, events.StatusError, "aborted"))
		}
	}
	errs = append(errs, e.fail(ctx, reason))
	return errors.Join(errs...)
}

// Finish ends the run after the child process exited. A nil runErr
// completes every running stage and the session; otherwise the session
// fails. Finish after the session already ended is a no-op.
func (e *Executor) Finish(ctx context.Context, runErr error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal() {
		return nil
	}

	var errs []error
	if runErr != nil {
		for _, st := range e.stages {
			if st.status == events.StatusRunning {
				errs = append(errs, e.finishStage(ctx, st, events.StatusError, runErr.Error()))
			}
		}
		errs = append(errs, e.fail(ctx, runErr.Error()))
		return errors.Join(errs...)
	}

	for _, st := range e.stages {
		if st.status != events.StatusRunning {
			continue
		}
		if st.spec.FanOut {
			e.fanOut.Force()
		}
		errs = append(errs, e.finishStage(ctx, st, events.StatusCompleted, st.message))
	}
	e.status = events.StatusCompleted
	e.progress = 100
	e.endRun(nil)
	errs = append(errs, e.publish(ctx, events.ResearchStatus, events.ResearchStatusPayload{
		Status:   events.StatusCompleted,
		Progress: 100,
		Message:  "pipeline completed",
	}))
	return errors.Join(errs...)
}

func (e *Executor) fail(ctx context.Context, message string) error {
	e.status = events.StatusFailed
	e.endRun(errors.New(message))
	e.logger.Warn("Pipeline failed", zap.String("reason", message))
	return e.publish(ctx, events.ResearchStatus, events.ResearchStatusPayload{
		Status:   events.StatusFailed,
		Progress: e.progress,
		Message:  message,
	})
}

func (e *Executor) endRun(err error) {
	if e.runSpan == nil {
		return
	}
	tracing.RecordError(e.runSpan, err)
	e.runSpan.End()
	e.runSpan = nil
}

func (e *Executor) terminal() bool {
	return e.status == events.StatusCompleted || e.status == events.StatusFailed
}

func (e *Executor) publish(ctx context.Context, typ events.Type, payload interface{}) error {
	ev, err := events.NewEvent(e.sessionID, typ, payload)
	if err != nil {
		return err
	}
	if err := e.emit.Publish(ctx, e.sessionID, ev); err != nil {
		e.logger.Error("Failed to publish event",
			zap.String("event_type", string(typ)),
			zap.Error(err))
		return err
	}
	return nil
}
