package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/researchd/internal/events"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newEvent builds an event whose timestamp advances with seq.
func newEvent(t *testing.T, sessionID string, seq int, typ events.Type, payload interface{}) *events.Event {
	t.Helper()
	ev, err := events.NewEvent(sessionID, typ, payload)
	require.NoError(t, err)
	ev.Timestamp = baseTime.Add(time.Duration(seq) * time.Second)
	return ev
}

// scenarioA is the canonical four-event session s1.
func scenarioA(t *testing.T) []*events.Event {
	t.Helper()
	return []*events.Event{
		newEvent(t, "s1", 1, events.AgentUpdate, events.AgentUpdatePayload{Agent: "browser", Status: events.StatusRunning}),
		newEvent(t, "s1", 2, events.AgentUpdate, events.AgentUpdatePayload{Agent: "browser", Status: events.StatusCompleted, Message: "sources gathered"}),
		newEvent(t, "s1", 3, events.FileGenerated, events.FileGeneratedPayload{Agent: "publisher", Path: "/out/s1/report.md"}),
		newEvent(t, "s1", 4, events.ResearchStatus, events.ResearchStatusPayload{Status: events.StatusCompleted, Progress: 100}),
	}
}
