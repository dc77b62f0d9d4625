package delivery

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/kandev/researchd/internal/events"
)

// PendingAck is one critical event sent to one subscriber and not yet
// acknowledged.
type PendingAck struct {
	SubscriberID string
	MessageID    string
	EventType    events.Type
	Data         []byte
	SentAt       time.Time
	Retries      int
	MaxRetries   int

	seq uint64
}

type ackKey struct {
	subscriber string
	message    string
}

// AckTracker holds the PendingAcks of one session. It is safe for
// concurrent use by the connection tasks and the session's Sweeper.
type AckTracker struct {
	policy  Policy
	mu      sync.Mutex
	pending map[ackKey]*PendingAck
	seq     uint64
}

// NewAckTracker creates an empty tracker.
func NewAckTracker(p Policy) *AckTracker {
	return &AckTracker{
		policy:  p,
		pending: make(map[ackKey]*PendingAck),
	}
}

// Track records that ev was sent to subscriberID at now as data. Only
// critical events are tracked; Track reports whether ev was.
func (t *AckTracker) Track(subscriberID string, ev *events.Event, data []byte, now time.Time) bool {
	if !events.IsCritical(ev.Type) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ackKey{subscriberID, ev.MessageID}
	if _, ok := t.pending[key]; ok {
		return true
	}
	t.seq++
	t.pending[key] = &PendingAck{
		SubscriberID: subscriberID,
		MessageID:    ev.MessageID,
		EventType:    ev.Type,
		Data:         data,
		SentAt:       now,
		MaxRetries:   t.policy.MaxRetries,
		seq:          t.seq,
	}
	return true
}

// Ack removes the PendingAck for messageID. It reports whether one existed.
func (t *AckTracker) Ack(subscriberID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := ackKey{subscriberID, messageID}
	if _, ok := t.pending[key]; !ok {
		return false
	}
	delete(t.pending, key)
	return true
}

// Due returns the PendingAcks older than the retry interval. Those still
// within their retry budget are returned in resend with Retries incremented
// and SentAt reset to now; the rest are removed and returned in exhausted.
// Both lists are in original send order.
func (t *AckTracker) Due(now time.Time) (resend, exhausted []PendingAck) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, p := range t.pending {
		if now.Sub(p.SentAt) < t.policy.RetryInterval {
			continue
		}
		if p.Retries >= p.MaxRetries {
			delete(t.pending, key)
			exhausted = append(exhausted, *p)
			continue
		}
		p.Retries++
		p.SentAt = now
		resend = append(resend, *p)
	}

	bySeq := func(a, b PendingAck) int { return cmp.Compare(a.seq, b.seq) }
	slices.SortFunc(resend, bySeq)
	slices.SortFunc(exhausted, bySeq)
	return resend, exhausted
}

// Forget drops every PendingAck of a subscriber and returns how many there
// were.
func (t *AckTracker) Forget(subscriberID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key := range t.pending {
		if key.subscriber == subscriberID {
			delete(t.pending, key)
			n++
		}
	}
	return n
}

// Pending returns copies of a subscriber's PendingAcks in send order.
func (t *AckTracker) Pending(subscriberID string) []PendingAck {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []PendingAck
	for key, p := range t.pending {
		if key.subscriber == subscriberID {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b PendingAck) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Len returns the number of PendingAcks across all subscribers.
func (t *AckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
