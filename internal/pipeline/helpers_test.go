package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingEmitter) Publish(_ context.Context, _ string, ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) all() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

func (r *recordingEmitter) ofType(t events.Type) []*events.Event {
	var out []*events.Event
	for _, ev := range r.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingEmitter) agentUpdates(t *testing.T, agent string) []events.AgentUpdatePayload {
	t.Helper()
	var out []events.AgentUpdatePayload
	for _, ev := range r.ofType(events.AgentUpdate) {
		var p events.AgentUpdatePayload
		require.NoError(t, ev.Decode(&p))
		if p.Agent == agent {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingEmitter) statuses(t *testing.T) []events.ResearchStatusPayload {
	t.Helper()
	var out []events.ResearchStatusPayload
	for _, ev := range r.ofType(events.ResearchStatus) {
		var p events.ResearchStatusPayload
		require.NoError(t, ev.Decode(&p))
		out = append(out, p)
	}
	return out
}

func (r *recordingEmitter) logLines(t *testing.T) []events.LogPayload {
	t.Helper()
	var out []events.LogPayload
	for _, ev := range r.ofType(events.Log) {
		var p events.LogPayload
		require.NoError(t, ev.Decode(&p))
		out = append(out, p)
	}
	return out
}

func newTestExecutor(t *testing.T) (*Executor, *recordingEmitter) {
	t.Helper()
	rec := &recordingEmitter{}
	ex := NewExecutor("s1", "quantum batteries", DefaultDefinition(), rec, logger.NewNop())
	require.NoError(t, ex.Start(context.Background()))
	return ex, rec
}

func feed(t *testing.T, ex *Executor, lines ...string) {
	t.Helper()
	for _, l := range lines {
		require.NoError(t, ex.HandleLine(context.Background(), "stdout", l))
	}
}
