package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
)

type recordingIndexer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingIndexer) Upsert(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s.ID+":"+string(s.Status))
	return r.err
}

func newTestRegistry(t *testing.T) (*Registry, *recordingIndexer) {
	t.Helper()
	idx := &recordingIndexer{}
	return NewRegistry(NewEventLog(t.TempDir()), idx, logger.NewNop()), idx
}

func TestRegistryScenarioAReplay(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	for _, ev := range scenarioA(t) {
		applied, err := reg.Apply(ctx, ev)
		require.NoError(t, err)
		require.True(t, applied)
	}

	rebuilt, err := reg.Rebuild(ctx, "s1")
	require.NoError(t, err)

	browser, ok := rebuilt.Agent("browser")
	require.True(t, ok)
	assert.Equal(t, AgentCompleted, browser.Status)
	assert.Len(t, rebuilt.Files, 1)
	assert.Equal(t, StatusCompleted, rebuilt.Status)
}

func TestRegistryReplayEquivalence(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	evs := []*events.Event{
		newEvent(t, "s1", 1, events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning, Stages: []string{"browser", "researcher", "publisher"}}),
		newEvent(t, "s1", 2, events.Log, events.LogPayload{Stream: "stdout", Line: "Browser: starting"}),
		newEvent(t, "s1", 3, events.AgentUpdate, events.AgentUpdatePayload{Agent: "browser", Status: events.StatusRunning, Progress: events.IntPtr(50)}),
		newEvent(t, "s1", 4, events.AgentUpdate, events.AgentUpdatePayload{Agent: "browser", Status: events.StatusCompleted, Progress: events.IntPtr(100)}),
		newEvent(t, "s1", 5, events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning, Progress: 33}),
		newEvent(t, "s1", 6, events.AgentUpdate, events.AgentUpdatePayload{Agent: "researcher", Status: events.StatusError, Message: "timeout"}),
	}

	for i, ev := range evs {
		_, err := reg.Apply(ctx, ev)
		require.NoError(t, err)
		_, err = reg.Apply(ctx, ev) // duplicate delivery
		require.NoError(t, err)

		live, err := reg.Snapshot(ctx, "s1")
		require.NoError(t, err)
		rebuilt, err := reg.Rebuild(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, live, rebuilt.Clone(), "after event %d", i)
	}

	logged, err := reg.Events(ctx, "s1", "")
	require.NoError(t, err)
	assert.Len(t, logged, len(evs), "duplicates must not be logged twice")
}

func TestRegistryRestartRecoversFromLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := NewRegistry(NewEventLog(dir), nil, logger.NewNop())
	for _, ev := range scenarioA(t) {
		_, err := first.Apply(ctx, ev)
		require.NoError(t, err)
	}
	want, err := first.Snapshot(ctx, "s1")
	require.NoError(t, err)

	idx := &recordingIndexer{}
	second := NewRegistry(NewEventLog(dir), idx, logger.NewNop())
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"s1:completed"}, idx.calls)

	got, err := second.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRegistryDuplicateAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	evs := scenarioA(t)

	first := NewRegistry(NewEventLog(dir), nil, logger.NewNop())
	_, err := first.Apply(ctx, evs[0])
	require.NoError(t, err)

	second := NewRegistry(NewEventLog(dir), nil, logger.NewNop())
	applied, err := second.Apply(ctx, evs[0])
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRegistrySnapshotErrors(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	_, err := reg.Snapshot(ctx, "unknown")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = reg.Snapshot(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = reg.Apply(ctx, newEvent(t, "bad id", 1, events.Log, events.LogPayload{}))
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestRegistryRejectsControlEvents(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Apply(context.Background(), newEvent(t, "s1", 1, events.Ack, struct{}{}))
	assert.Error(t, err)
}

func TestRegistryMalformedEventIsNotLogged(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	ev := newEvent(t, "s1", 1, events.AgentUpdate, events.AgentUpdatePayload{})
	ev.Payload = []byte(`[1,2]`)

	_, err := reg.Apply(ctx, ev)
	require.Error(t, err)

	_, err = reg.Events(ctx, "s1", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = reg.Snapshot(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "a rejected first event leaves no session behind")
	assert.Empty(t, reg.List())

	applied, err := reg.Apply(ctx, newEvent(t, "s1", 2, events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning}))
	require.NoError(t, err)
	assert.True(t, applied)
	snap, err := reg.Snapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestRegistryReplayKeepsControlCharacters(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	evs := []*events.Event{
		newEvent(t, "s1", 1, events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusRunning, Query: "q\u009b31mred \x1b[1mbold"}),
		newEvent(t, "s1", 2, events.FileGenerated, events.FileGeneratedPayload{Agent: "publisher", Path: "/out/r\u0085.md"}),
		newEvent(t, "s1", 3, events.Log, events.LogPayload{Stream: "stdout", Line: "tab\there\r"}),
		newEvent(t, "s1", 4, events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusCompleted, Progress: 100}),
	}
	for _, ev := range evs {
		_, err := reg.Apply(ctx, ev)
		require.NoError(t, err)
	}

	live, err := reg.Snapshot(ctx, "s1")
	require.NoError(t, err)
	rebuilt, err := reg.Rebuild(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, live, rebuilt.Clone())
	assert.Equal(t, "q\u009b31mred \x1b[1mbold", rebuilt.Query)
	require.Len(t, rebuilt.Files, 1)
	assert.Equal(t, "/out/r\u0085.md", rebuilt.Files[0].Path)

	logged, err := reg.Events(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, logged, len(evs))
	for i, ev := range evs {
		assert.JSONEq(t, string(ev.Payload), string(logged[i].Payload), "event %d", i)
	}
}

func TestRegistryIndexerFailureDoesNotFailApply(t *testing.T) {
	reg, idx := newTestRegistry(t)
	idx.err = errors.New("database is locked")

	applied, err := reg.Apply(context.Background(), scenarioA(t)[0])
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRegistryLogEventsSkipIndexer(t *testing.T) {
	reg, idx := newTestRegistry(t)

	_, err := reg.Apply(context.Background(), newEvent(t, "s1", 1, events.Log, events.LogPayload{Line: "x"}))
	require.NoError(t, err)
	assert.Empty(t, idx.calls)
}

func TestRegistryEventsAfter(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	evs := scenarioA(t)
	for _, ev := range evs {
		_, err := reg.Apply(ctx, ev)
		require.NoError(t, err)
	}

	tail, err := reg.Events(ctx, "s1", evs[1].MessageID)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, evs[2].MessageID, tail[0].MessageID)

	all, err := reg.Events(ctx, "s1", "unknown")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRegistryConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", n)
			for j := 0; j < 20; j++ {
				ev, err := events.NewEvent(id, events.AgentUpdate, events.AgentUpdatePayload{Agent: "browser", Status: events.StatusRunning, Progress: events.IntPtr(j)})
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := reg.Apply(ctx, ev); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	list := reg.List()
	require.Len(t, list, 8)
	for _, s := range list {
		assert.Equal(t, 20, s.EventCount)
		a, _ := s.Agent("browser")
		assert.Equal(t, 19, *a.Progress)
	}
}
