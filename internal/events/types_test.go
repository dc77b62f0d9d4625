package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCritical(t *testing.T) {
	assert.True(t, IsCritical(AgentUpdate))
	assert.True(t, IsCritical(FileGenerated))
	assert.True(t, IsCritical(ResearchStatus))
	assert.False(t, IsCritical(Log))
	assert.False(t, IsCritical(Ping))
	assert.False(t, IsCritical(Ack))

	assert.True(t, IsDomain(Log))
	assert.False(t, IsDomain(Pong))
}

func TestNewEventAssignsUniqueMessageIDs(t *testing.T) {
	a, err := NewEvent("s1", Log, LogPayload{Stream: "stdout", Line: "hello"})
	require.NoError(t, err)
	b, err := NewEvent("s1", Log, LogPayload{Stream: "stdout", Line: "hello"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.MessageID)
	assert.NotEqual(t, a.MessageID, b.MessageID)
	assert.Equal(t, "s1", a.SessionID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestEventDecodeRoundTrip(t *testing.T) {
	ev, err := NewEvent("s1", AgentUpdate, AgentUpdatePayload{Agent: "browser", Status: StatusRunning})
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))

	var payload AgentUpdatePayload
	require.NoError(t, decoded.Decode(&payload))
	assert.Equal(t, "browser", payload.Agent)
	assert.Nil(t, payload.Progress, "absent progress must stay absent")
	assert.NotContains(t, string(decoded.Payload), "progress")
}

func TestSessionSubject(t *testing.T) {
	assert.Equal(t, "research.session.s1", SessionSubject("s1"))
	assert.Equal(t, "research.session.*", SessionWildcard)
}
