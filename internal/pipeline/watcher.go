package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
)

// FileNotifier receives output files discovered by an OutputWatcher.
type FileNotifier interface {
	NotifyFile(ctx context.Context, stage Stage, path string) error
}

const defaultSettle = 100 * time.Millisecond

// OutputWatcher watches a session's output directory tree and reports
// files once writes to them have settled. An empty stage is passed, so the
// notifier attributes each file to whatever stage is running.
type OutputWatcher struct {
	root     string
	notifier FileNotifier
	logger   *logger.Logger
	settle   time.Duration
	ignore   []string

	watcher *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}
}

// NewOutputWatcher starts watching root, which must exist.
func NewOutputWatcher(root string, notifier FileNotifier, log *logger.Logger) (*OutputWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ow := &OutputWatcher{
		root:     root,
		notifier: notifier,
		logger:   log,
		settle:   defaultSettle,
		ignore:   []string{".git", "__pycache__", ".DS_Store"},
		watcher:  w,
		done:     make(chan struct{}),
	}
	if err := ow.watchDirRecursive(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	return ow, nil
}

func (w *OutputWatcher) watchDirRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *OutputWatcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return true
	}
	for _, ig := range w.ignore {
		if base == ig {
			return true
		}
	}
	return false
}

// Run processes filesystem events until ctx is done or Close is called.
// Files still settling when Run returns are reported before it returns.
func (w *OutputWatcher) Run(ctx context.Context) error {
	settle := time.NewTimer(w.settle)
	if !settle.Stop() {
		<-settle.C
	}
	pending := make(map[string]struct{})

	flush := func() {
		for path := range pending {
			w.report(context.WithoutCancel(ctx), path)
		}
		clear(pending)
	}
	defer flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.done:
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					// files created before the watch was added are picked up below
					if err := w.watchDirRecursive(ev.Name); err != nil {
						w.logger.Debug("Failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
					}
					w.collect(ev.Name, pending)
					settle.Reset(w.settle)
					continue
				}
			}
			pending[ev.Name] = struct{}{}
			settle.Reset(w.settle)

		case <-settle.C:
			flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Output watcher error", zap.String("root", w.root), zap.Error(err))
		}
	}
}

// collect queues the regular files already present under dir.
func (w *OutputWatcher) collect(dir string, pending map[string]struct{}) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.ignored(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !w.ignored(path) {
			pending[path] = struct{}{}
		}
		return nil
	})
}

func (w *OutputWatcher) report(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := w.notifier.NotifyFile(ctx, "", path); err != nil {
		w.logger.Warn("Failed to report output file", zap.String("path", path), zap.Error(err))
	}
}

// Flush reports every file currently under the root. Files already reported
// are deduplicated by the notifier.
func (w *OutputWatcher) Flush(ctx context.Context) {
	pending := make(map[string]struct{})
	w.collect(w.root, pending)
	for path := range pending {
		w.report(ctx, path)
	}
}

// Close stops the watcher. It is safe to call more than once.
func (w *OutputWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
