// Package session holds the authoritative state of every research session:
// the in-memory cache, its append-only event log and the SQL catalog.
package session

import (
	"slices"
	"time"

	"github.com/kandev/researchd/internal/events"
)

// Status is the overall pipeline status of a session.
type Status string

const (
	StatusPending   Status = events.StatusPending
	StatusRunning   Status = events.StatusRunning
	StatusCompleted Status = events.StatusCompleted
	StatusFailed    Status = events.StatusFailed
)

// IsTerminal reports whether no further status change is expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AgentStatus is the status of one pipeline stage.
type AgentStatus string

const (
	AgentPending   AgentStatus = events.StatusPending
	AgentRunning   AgentStatus = events.StatusRunning
	AgentCompleted AgentStatus = events.StatusCompleted
	AgentError     AgentStatus = events.StatusError
)

// AgentState is the latest known state of one stage. Progress is nil when
// the stage never reported a numeric value.
type AgentState struct {
	Stage     string      `json:"stage"`
	Status    AgentStatus `json:"status"`
	Progress  *int        `json:"progress,omitempty"`
	Message   string      `json:"message,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// GeneratedFile is an output file reported by a stage.
type GeneratedFile struct {
	Stage      string    `json:"stage"`
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	DetectedAt time.Time `json:"detected_at"`
}

// Session is the cached state of one research run. It is rebuilt from the
// event log by applying every event in arrival order.
type Session struct {
	ID            string          `json:"id"`
	Query         string          `json:"query,omitempty"`
	Status        Status          `json:"status"`
	Progress      int             `json:"progress"`
	Message       string          `json:"message,omitempty"`
	Agents        []AgentState    `json:"agents"`
	Files         []GeneratedFile `json:"files"`
	EventCount    int             `json:"event_count"`
	LastMessageID string          `json:"last_message_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`

	seen map[string]struct{}
}

// New returns an empty pending session.
func New(id string) *Session {
	return &Session{
		ID:     id,
		Status: StatusPending,
		Agents: []AgentState{},
		Files:  []GeneratedFile{},
		seen:   make(map[string]struct{}),
	}
}

// Agent returns the state of a stage.
func (s *Session) Agent(stage string) (AgentState, bool) {
	for _, a := range s.Agents {
		if a.Stage == stage {
			return a, true
		}
	}
	return AgentState{}, false
}

// Seen reports whether an event with messageID was already applied.
func (s *Session) Seen(messageID string) bool {
	_, ok := s.seen[messageID]
	return ok
}

// Clone returns a deep copy that shares nothing with s. The copy does not
// carry the applied message-id set.
func (s *Session) Clone() Session {
	c := *s
	c.seen = nil
	c.Agents = make([]AgentState, len(s.Agents))
	for i, a := range s.Agents {
		if a.Progress != nil {
			a.Progress = events.IntPtr(*a.Progress)
		}
		c.Agents[i] = a
	}
	c.Files = slices.Clone(s.Files)
	if c.Files == nil {
		c.Files = []GeneratedFile{}
	}
	return c
}

// Adopt turns a snapshot received from elsewhere into an appliable session,
// keeping the given set of already-applied message ids.
func Adopt(snapshot Session, seen map[string]struct{}) *Session {
	s := snapshot.Clone()
	s.seen = seen
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	return &s
}
