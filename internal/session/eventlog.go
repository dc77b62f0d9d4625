package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/kandev/researchd/internal/events"
)

const logExt = ".jsonl"

// EventLog is the durable, append-only record of every session: one JSONL
// file per session at <dir>/<session-id>.jsonl, one event per line.
type EventLog struct {
	dir      string
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	repaired map[string]bool
}

// NewEventLog creates an EventLog rooted at dir.
func NewEventLog(dir string) *EventLog {
	return &EventLog{
		dir:      dir,
		locks:    make(map[string]*sync.Mutex),
		repaired: make(map[string]bool),
	}
}

// Dir returns the directory holding the log files.
func (l *EventLog) Dir() string {
	return l.dir
}

func (l *EventLog) lock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	l.locks[sessionID] = lock
	return lock
}

func (l *EventLog) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+logExt)
}

// Exists reports whether a log file exists for the session.
func (l *EventLog) Exists(sessionID string) bool {
	_, err := os.Stat(l.path(sessionID))
	return err == nil
}

// Append writes ev as one line and syncs the file before returning.
func (l *EventLog) Append(_ context.Context, ev *events.Event) error {
	lock := l.lock(ev.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	path := l.path(ev.SessionID)
	if !l.isRepaired(ev.SessionID) {
		if err := truncateTornTail(path); err != nil {
			return fmt.Errorf("repair event log: %w", err)
		}
		l.markRepaired(ev.SessionID)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync event log: %w", err)
	}
	return nil
}

func (l *EventLog) isRepaired(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repaired[sessionID]
}

func (l *EventLog) markRepaired(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.repaired[sessionID] = true
}

// Read returns every event of the session in append order. A final line
// that does not decode is a write torn by a crash and is skipped; a bad
// line anywhere else is an error.
func (l *EventLog) Read(_ context.Context, sessionID string) ([]*events.Event, error) {
	f, err := os.Open(l.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var (
		out     []*events.Event
		pending error
		lineNo  int
	)
	r := bufio.NewReader(f)
	for {
		raw, err := r.ReadBytes('\n')
		if len(raw) == 0 && errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read event log: %w", err)
		}
		line := bytes.TrimSpace(raw)
		lineNo++
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		var ev events.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			pending = fmt.Errorf("event log %s line %d: %w", sessionID, lineNo, err)
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// Sessions lists the ids of every session with a log file, sorted.
func (l *EventLog) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), logExt)
		if ValidateID(id) == nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// truncateTornTail drops a trailing partial line left by an interrupted
// write so the next append starts on a fresh line.
func truncateTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}

	const window = 64 * 1024
	size := info.Size()
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}

	for end := size; end > 0; end -= window {
		start := max(end-window, 0)
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if i := bytes.LastIndexByte(buf, '\n'); i >= 0 {
			return f.Truncate(start + int64(i) + 1)
		}
	}
	return f.Truncate(0)
}
