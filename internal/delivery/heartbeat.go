package delivery

import "time"

// Verdict is the outcome of a heartbeat check.
type Verdict int

const (
	// Wait means the connection is healthy or a ping is still in flight.
	Wait Verdict = iota
	// SendPing means the caller must send a ping now.
	SendPing
	// Dead means too many pings went unanswered; detach the connection.
	Dead
)

func (v Verdict) String() string {
	switch v {
	case SendPing:
		return "send_ping"
	case Dead:
		return "dead"
	default:
		return "wait"
	}
}

// Heartbeat tracks liveness of one connection. Any inbound traffic counts
// as proof of life. After an interval of silence a ping is due; each further
// silent interval sends another, and once MaxMissedPongs pings are
// outstanding for a full interval the connection is dead. A connection that
// stops answering is therefore declared dead MaxMissedPongs intervals after
// the first unanswered ping.
//
// Heartbeat is owned by a single connection task and is not safe for
// concurrent use.
type Heartbeat struct {
	interval    time.Duration
	maxMissed   int
	lastInbound time.Time
	lastPing    time.Time
	outstanding int
}

// NewHeartbeat starts tracking at now.
func NewHeartbeat(p Policy, now time.Time) *Heartbeat {
	maxMissed := p.MaxMissedPongs
	if maxMissed <= 0 {
		maxMissed = 1
	}
	return &Heartbeat{
		interval:    p.HeartbeatInterval,
		maxMissed:   maxMissed,
		lastInbound: now,
	}
}

// Inbound records traffic from the peer.
func (h *Heartbeat) Inbound(now time.Time) {
	h.lastInbound = now
	h.outstanding = 0
}

// Tick evaluates the connection at now.
func (h *Heartbeat) Tick(now time.Time) Verdict {
	if h.outstanding == 0 {
		if now.Sub(h.lastInbound) < h.interval {
			return Wait
		}
		h.outstanding = 1
		h.lastPing = now
		return SendPing
	}

	if now.Sub(h.lastPing) < h.interval {
		return Wait
	}
	if h.outstanding >= h.maxMissed {
		return Dead
	}
	h.outstanding++
	h.lastPing = now
	return SendPing
}

// Next returns when Tick should next be called.
func (h *Heartbeat) Next() time.Time {
	if h.outstanding == 0 {
		return h.lastInbound.Add(h.interval)
	}
	return h.lastPing.Add(h.interval)
}

// Outstanding returns the number of unanswered pings.
func (h *Heartbeat) Outstanding() int {
	return h.outstanding
}
