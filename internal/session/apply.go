package session

import (
	"fmt"
	"path/filepath"

	"github.com/kandev/researchd/internal/events"
)

// Apply folds one event into the session. It returns false without changing
// anything when the event's message id was already applied or the event is
// not a domain event. The result depends only on the sequence of events
// applied, never on wall-clock time.
func (s *Session) Apply(ev *events.Event) (bool, error) {
	if ev == nil || !events.IsDomain(ev.Type) {
		return false, nil
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, ok := s.seen[ev.MessageID]; ok {
		return false, nil
	}

	switch ev.Type {
	case events.AgentUpdate:
		var p events.AgentUpdatePayload
		if err := ev.Decode(&p); err != nil {
			return false, fmt.Errorf("decode agent_update %s: %w", ev.MessageID, err)
		}
		s.applyAgentUpdate(ev, p)
	case events.FileGenerated:
		var p events.FileGeneratedPayload
		if err := ev.Decode(&p); err != nil {
			return false, fmt.Errorf("decode file_generated %s: %w", ev.MessageID, err)
		}
		s.applyFile(ev, p)
	case events.ResearchStatus:
		var p events.ResearchStatusPayload
		if err := ev.Decode(&p); err != nil {
			return false, fmt.Errorf("decode research_status %s: %w", ev.MessageID, err)
		}
		s.applyStatus(p)
	}

	s.seen[ev.MessageID] = struct{}{}
	s.EventCount++
	s.LastMessageID = ev.MessageID
	if s.CreatedAt.IsZero() {
		s.CreatedAt = ev.Timestamp
	}
	if ev.Timestamp.After(s.UpdatedAt) {
		s.UpdatedAt = ev.Timestamp
	}
	return true, nil
}

func (s *Session) agentIndex(stage string) int {
	for i := range s.Agents {
		if s.Agents[i].Stage == stage {
			return i
		}
	}
	s.Agents = append(s.Agents, AgentState{Stage: stage, Status: AgentPending})
	return len(s.Agents) - 1
}

// applyAgentUpdate overwrites the stage in place; last write wins.
func (s *Session) applyAgentUpdate(ev *events.Event, p events.AgentUpdatePayload) {
	if p.Agent == "" {
		return
	}
	a := &s.Agents[s.agentIndex(p.Agent)]
	if p.Status != "" {
		a.Status = AgentStatus(p.Status)
	}
	a.Progress = nil
	if p.Progress != nil {
		a.Progress = events.IntPtr(*p.Progress)
	}
	if p.Message != "" {
		a.Message = p.Message
	}
	a.UpdatedAt = ev.Timestamp
}

// applyFile appends the file unless the same path was already reported.
func (s *Session) applyFile(ev *events.Event, p events.FileGeneratedPayload) {
	for _, f := range s.Files {
		if f.Path == p.Path {
			return
		}
	}
	name := p.Name
	if name == "" {
		name = filepath.Base(p.Path)
	}
	detected := p.DetectedAt
	if detected.IsZero() {
		detected = ev.Timestamp
	}
	s.Files = append(s.Files, GeneratedFile{
		Stage:      p.Agent,
		Path:       p.Path,
		Name:       name,
		DetectedAt: detected,
	})
}

// applyStatus updates the overall status. Progress never decreases and a
// terminal status is never replaced by a non-terminal one.
func (s *Session) applyStatus(p events.ResearchStatusPayload) {
	for _, stage := range p.Stages {
		s.agentIndex(stage)
	}
	if p.Query != "" {
		s.Query = p.Query
	}
	next := Status(p.Status)
	if next != "" && !(s.Status.IsTerminal() && !next.IsTerminal()) {
		s.Status = next
	}
	if p.Progress > s.Progress {
		s.Progress = min(p.Progress, 100)
	}
	if s.Status == StatusCompleted {
		s.Progress = 100
	}
	if p.Message != "" {
		s.Message = p.Message
	}
}
