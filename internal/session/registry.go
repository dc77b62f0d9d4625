package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
)

// Indexer receives a summary of a session after every state-changing
// event. Failures are logged and never fail an apply.
type Indexer interface {
	Upsert(ctx context.Context, s *Session) error
}

type entry struct {
	mu      sync.Mutex
	session *Session
	dropped bool
}

// Registry is the single owner of every cached Session. Each session is
// guarded by its own lock; operations on different sessions never block
// each other.
type Registry struct {
	log     *EventLog
	indexer Indexer
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a registry persisting to log. indexer may be nil.
func NewRegistry(log *EventLog, indexer Indexer, l *logger.Logger) *Registry {
	return &Registry{
		log:     log,
		indexer: indexer,
		logger:  l,
		entries: make(map[string]*entry),
	}
}

// Log returns the underlying event log.
func (r *Registry) Log() *EventLog {
	return r.log
}

// acquire returns the locked entry for id, rebuilding it from the log the
// first time the session is touched in this process. create controls
// whether an unknown session is created.
func (r *Registry) acquire(ctx context.Context, id string, create bool) (*entry, error) {
	var e *entry
	for {
		r.mu.Lock()
		cached, ok := r.entries[id]
		if !ok && !create && !r.log.Exists(id) {
			r.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		if !ok {
			cached = &entry{}
			r.entries[id] = cached
		}
		r.mu.Unlock()

		cached.mu.Lock()
		if !cached.dropped {
			e = cached
			break
		}
		cached.mu.Unlock()
	}
	if e.session != nil {
		return e, nil
	}

	rebuilt, err := r.Rebuild(ctx, id)
	switch {
	case err == nil:
		e.session = rebuilt
	case errors.Is(err, ErrSessionNotFound) && create:
		e.session = New(id)
	default:
		e.mu.Unlock()
		return nil, err
	}
	return e, nil
}

// Apply persists ev to the session's log and then folds it into the cached
// state, both under the session lock. It returns false when ev was already
// applied; a duplicate is neither re-logged nor re-applied.
func (r *Registry) Apply(ctx context.Context, ev *events.Event) (bool, error) {
	if ev == nil {
		return false, errors.New("nil event")
	}
	if err := ValidateID(ev.SessionID); err != nil {
		return false, err
	}
	if !events.IsDomain(ev.Type) {
		return false, fmt.Errorf("event type %q is not persisted", ev.Type)
	}

	e, err := r.acquire(ctx, ev.SessionID, true)
	if err != nil {
		return false, err
	}
	defer e.mu.Unlock()
	logged := false
	defer func() {
		if !logged {
			r.discardUnlogged(ev.SessionID, e)
		}
	}()

	if e.session.Seen(ev.MessageID) {
		return false, nil
	}

	// Validate the payload against a scratch copy before persisting so a
	// malformed event never reaches the log.
	next := Adopt(e.session.Clone(), nil)
	if _, err := next.Apply(ev); err != nil {
		return false, err
	}

	if err := r.log.Append(ctx, ev); err != nil {
		return false, fmt.Errorf("append event log: %w", err)
	}
	logged = true
	if _, err := e.session.Apply(ev); err != nil {
		return false, err
	}

	if r.indexer != nil && ev.Type != events.Log {
		if err := r.indexer.Upsert(ctx, e.session); err != nil {
			r.logger.WithSessionID(ev.SessionID).Warn("Failed to update session catalog", zap.Error(err))
		}
	}
	return true, nil
}

// discardUnlogged drops a cached entry whose session never reached the
// log, so a rejected first event does not leave a pending session behind.
// The caller holds e.mu.
func (r *Registry) discardUnlogged(id string, e *entry) {
	if e.session == nil || e.session.EventCount > 0 || r.log.Exists(id) {
		return
	}
	r.mu.Lock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	e.dropped = true
}

// Snapshot returns a copy of the session's current state.
func (r *Registry) Snapshot(ctx context.Context, id string) (Session, error) {
	if err := ValidateID(id); err != nil {
		return Session{}, err
	}
	e, err := r.acquire(ctx, id, false)
	if err != nil {
		return Session{}, err
	}
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

// Rebuild reconstructs a session purely from its event log. The registry's
// cached state is not touched.
func (r *Registry) Rebuild(ctx context.Context, id string) (*Session, error) {
	evs, err := r.log.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	s := New(id)
	for _, ev := range evs {
		if _, err := s.Apply(ev); err != nil {
			return nil, fmt.Errorf("replay %s: %w", id, err)
		}
	}
	return s, nil
}

// Events returns the logged events of a session, optionally only those
// after the event with message id after. An unknown after id yields the
// full history.
func (r *Registry) Events(ctx context.Context, id, after string) ([]*events.Event, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	evs, err := r.log.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	if after == "" {
		return evs, nil
	}
	for i, ev := range evs {
		if ev.MessageID == after {
			return evs[i+1:], nil
		}
	}
	return evs, nil
}

// Load rebuilds every logged session into the cache and refreshes the
// catalog. Sessions whose log cannot be replayed are logged and skipped.
func (r *Registry) Load(ctx context.Context) (int, error) {
	ids, err := r.log.Sessions()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, id := range ids {
		e, err := r.acquire(ctx, id, false)
		if err != nil {
			r.logger.WithSessionID(id).Error("Failed to rebuild session from log", zap.Error(err))
			continue
		}
		if r.indexer != nil {
			if err := r.indexer.Upsert(ctx, e.session); err != nil {
				r.logger.WithSessionID(id).Warn("Failed to update session catalog", zap.Error(err))
			}
		}
		e.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

// List returns copies of every cached session ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.session != nil {
			out = append(out, e.session.Clone())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
