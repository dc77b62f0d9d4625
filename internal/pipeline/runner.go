package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/constants"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/stream"
)

// RunnerConfig describes how the child process is launched and read.
type RunnerConfig struct {
	Command      []string
	WorkDir      string
	Env          []string
	UsePTY       bool
	ChunkSize    int
	MaxLineBytes int
	KillGrace    time.Duration
}

// RunnerConfigFrom converts the pipeline configuration section.
func RunnerConfigFrom(cfg config.PipelineConfig) RunnerConfig {
	grace := cfg.KillGraceDuration()
	if grace <= 0 {
		grace = constants.DefaultKillGrace
	}
	return RunnerConfig{
		Command:      cfg.Command,
		WorkDir:      cfg.WorkDir,
		UsePTY:       cfg.UsePTY,
		ChunkSize:    cfg.ChunkSize,
		MaxLineBytes: cfg.MaxLineBytes,
		KillGrace:    grace,
	}
}

// Runner runs the pipeline child process of one session and feeds its
// output through the framer into an Executor.
type Runner struct {
	cfg    RunnerConfig
	logger *logger.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig, log *logger.Logger) *Runner {
	return &Runner{cfg: cfg, logger: log}
}

// Expand substitutes {name} placeholders in the command with vars.
func Expand(command []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = r.Replace(arg)
	}
	return out
}

// Run starts the child, drives ex until the child exits and returns the
// run's outcome. Cancelling ctx terminates the child's process group:
// SIGTERM first, SIGKILL after the grace period. Run always leaves ex in a
// terminal state. drain functions run after the child exited and before the
// session is finished.
func (r *Runner) Run(ctx context.Context, ex *Executor, vars map[string]string, drain ...func()) error {
	argv := Expand(r.cfg.Command, vars)
	if len(argv) == 0 {
		err := errors.New("empty pipeline command")
		_ = ex.Finish(context.WithoutCancel(ctx), err)
		return err
	}
	log := r.logger.WithSessionID(ex.SessionID())

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	for k, v := range vars {
		cmd.Env = append(cmd.Env, "RESEARCHD_"+strings.ToUpper(k)+"="+v)
	}
	cmd.Env = append(cmd.Env, r.cfg.Env...)

	streams, err := r.start(cmd)
	if err != nil {
		err = fmt.Errorf("start %s: %w", argv[0], err)
		_ = ex.Finish(context.WithoutCancel(ctx), err)
		return err
	}
	pid := cmd.Process.Pid
	log.Info("Pipeline process started", zap.Int("pid", pid), zap.Strings("argv", argv))

	// Output read after cancellation is still recorded.
	emitCtx := context.WithoutCancel(ctx)
	if err := ex.Start(emitCtx); err != nil {
		log.Warn("Failed to announce pipeline start", zap.Error(err))
	}

	exited := make(chan struct{})
	go r.terminateOnCancel(ctx, pid, exited, log)

	var g errgroup.Group
	for name, rd := range streams {
		g.Go(func() error {
			return r.pump(emitCtx, ex, name, rd)
		})
	}
	pumpErr := g.Wait()
	waitErr := cmd.Wait()
	close(exited)
	for _, rd := range streams {
		_ = rd.Close()
	}

	var runErr error
	switch {
	case ctx.Err() != nil:
		runErr = fmt.Errorf("%w: %v", ErrAborted, context.Cause(ctx))
	case waitErr != nil:
		runErr = fmt.Errorf("pipeline process exited: %w", waitErr)
	case pumpErr != nil:
		runErr = fmt.Errorf("read pipeline output: %w", pumpErr)
	}
	if runErr != nil {
		log.Warn("Pipeline process ended abnormally", zap.Error(runErr))
	} else {
		log.Info("Pipeline process exited")
	}
	for _, fn := range drain {
		fn()
	}

	if err := ex.Finish(emitCtx, runErr); err != nil {
		log.Error("Failed to record pipeline end", zap.Error(err))
	}
	return runErr
}

// start launches cmd and returns its output streams by name.
func (r *Runner) start(cmd *exec.Cmd) (map[string]io.ReadCloser, error) {
	if r.cfg.UsePTY {
		// pty.Start makes the child a session leader, so its pid is also its
		// process group id.
		f, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		return map[string]io.ReadCloser{"stdout": &ptyReader{f}}, nil
	}

	setProcGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return map[string]io.ReadCloser{"stdout": stdout, "stderr": stderr}, nil
}

func (r *Runner) pump(ctx context.Context, ex *Executor, name string, rd io.Reader) error {
	opts := []stream.FramerOption{stream.WithChunkSize(r.cfg.ChunkSize)}
	if r.cfg.MaxLineBytes > 0 {
		opts = append(opts, stream.WithMaxLineBytes(r.cfg.MaxLineBytes))
	}
	framer := stream.NewFramer(rd, opts...)
	for line, err := range framer.Lines() {
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := ex.HandleLine(ctx, name, line); err != nil {
			r.logger.Debug("Failed to handle output line", zap.String("stream", name), zap.Error(err))
		}
	}
	return nil
}

func (r *Runner) terminateOnCancel(ctx context.Context, pid int, exited <-chan struct{}, log *logger.Logger) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	log.Info("Terminating pipeline process group", zap.Int("pgid", pid))
	if err := terminateProcessGroup(pid); err != nil {
		log.Debug("SIGTERM failed", zap.Error(err))
	}

	timer := time.NewTimer(r.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		log.Warn("Pipeline process ignored SIGTERM, killing", zap.Int("pgid", pid))
		if err := killProcessGroup(pid); err != nil {
			log.Warn("Failed to kill process group", zap.Error(err))
		}
	}
}

// ptyReader turns the EIO a pty master returns once the child side closes
// into io.EOF.
type ptyReader struct {
	f *os.File
}

func (p *ptyReader) Read(b []byte) (int, error) {
	n, err := p.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *ptyReader) Close() error { return p.f.Close() }
