package reconcile

import (
	"time"

	"github.com/kandev/researchd/internal/session"
)

// Staleness decides when the real-time channel of a session is too quiet
// to trust. It is not safe for concurrent use.
type Staleness struct {
	window    time.Duration
	lastEvent time.Time
}

// NewStaleness starts the window at now.
func NewStaleness(window time.Duration, now time.Time) *Staleness {
	return &Staleness{window: window, lastEvent: now}
}

// ObserveEvent records a domain event received at now.
func (s *Staleness) ObserveEvent(now time.Time) {
	if now.After(s.lastEvent) {
		s.lastEvent = now
	}
}

// Stale reports whether no event arrived for a full window.
func (s *Staleness) Stale(now time.Time) bool {
	return now.Sub(s.lastEvent) >= s.window
}

// ShouldPoll reports whether the snapshot should be fetched at now. A
// session in a terminal status is never polled; a session not yet known to
// have ended is polled while the channel is stale.
func (s *Staleness) ShouldPoll(now time.Time, status session.Status) bool {
	if status.IsTerminal() {
		return false
	}
	return s.Stale(now)
}

// LastEvent returns when the last event was observed.
func (s *Staleness) LastEvent() time.Time {
	return s.lastEvent
}
