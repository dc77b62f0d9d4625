// Package events provides the event model shared by the pipeline, the
// session registry and every subscriber transport.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminator of an Event.
type Type string

// Domain event types
const (
	AgentUpdate    Type = "agent_update"
	FileGenerated  Type = "file_generated"
	ResearchStatus Type = "research_status"
	Log            Type = "log"
)

// Control event types. These travel on the real-time channel only and are
// never persisted.
const (
	Ping Type = "ping"
	Pong Type = "pong"
	Ack  Type = "ack"
)

// IsCritical reports whether events of type t must be acknowledged by
// subscribers and retried until they are.
func IsCritical(t Type) bool {
	switch t {
	case AgentUpdate, FileGenerated, ResearchStatus:
		return true
	}
	return false
}

// IsDomain reports whether t is produced by the pipeline and persisted.
func IsDomain(t Type) bool {
	return t == Log || IsCritical(t)
}

// Pipeline and agent statuses carried in payloads.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusError     = "error"
)

// Event is one immutable record of something that happened in a session.
type Event struct {
	MessageID string          `json:"message_id"`
	SessionID string          `json:"session_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent creates an event with a fresh message id. The payload is
// marshalled once here; the event is not modified afterwards.
func NewEvent(sessionID string, eventType Type, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		MessageID: uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.MessageID)
	}
	return json.Unmarshal(e.Payload, v)
}

// AgentUpdatePayload reports a stage status change. Progress is nil when the
// stage never reported a numeric value.
type AgentUpdatePayload struct {
	Agent    string `json:"agent"`
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
}

// FileGeneratedPayload reports a newly written output file.
type FileGeneratedPayload struct {
	Agent      string    `json:"agent"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	DetectedAt time.Time `json:"detected_at"`
}

// ResearchStatusPayload reports the overall pipeline status. Query and
// Stages (canonical stage identifiers in declared order) are set on the
// first status event of a session.
type ResearchStatusPayload struct {
	Status   string   `json:"status"`
	Progress int      `json:"progress"`
	Message  string   `json:"message,omitempty"`
	Query    string   `json:"query,omitempty"`
	Stages   []string `json:"stages,omitempty"`
}

// LogPayload carries one framed line of child output.
type LogPayload struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

const subjectPrefix = "research.session."

// SessionWildcard matches the subject of every session.
const SessionWildcard = subjectPrefix + "*"

// SessionSubject returns the bus subject for a session.
func SessionSubject(sessionID string) string {
	return subjectPrefix + sessionID
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
