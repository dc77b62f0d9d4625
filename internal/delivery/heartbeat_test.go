package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() Policy {
	return Policy{
		HeartbeatInterval: 30 * time.Second,
		MaxMissedPongs:    3,
		RetryInterval:     5 * time.Second,
		MaxRetries:        3,
		SweepInterval:     time.Second,
	}
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestHeartbeatHealthyConnectionNeverPings(t *testing.T) {
	h := NewHeartbeat(testPolicy(), t0)

	for i := 1; i <= 10; i++ {
		now := t0.Add(time.Duration(i) * 20 * time.Second)
		assert.Equal(t, Wait, h.Tick(now))
		h.Inbound(now)
	}
}

func TestHeartbeatDeclaresDeadWithinThreeIntervalsOfFirstPing(t *testing.T) {
	p := testPolicy()
	h := NewHeartbeat(p, t0)

	var firstPing, dead time.Time
	pings := 0
	for now := t0; now.Before(t0.Add(10 * p.HeartbeatInterval)); now = now.Add(time.Second) {
		switch h.Tick(now) {
		case SendPing:
			if pings == 0 {
				firstPing = now
			}
			pings++
		case Dead:
			dead = now
		}
		if !dead.IsZero() {
			break
		}
	}

	assert.Equal(t, 3, pings)
	assert.Equal(t, t0.Add(p.HeartbeatInterval), firstPing)
	assert.False(t, dead.IsZero())
	assert.LessOrEqual(t, dead.Sub(firstPing), 3*p.HeartbeatInterval)
}

func TestHeartbeatPongResets(t *testing.T) {
	p := testPolicy()
	h := NewHeartbeat(p, t0)

	assert.Equal(t, SendPing, h.Tick(t0.Add(30*time.Second)))
	assert.Equal(t, SendPing, h.Tick(t0.Add(60*time.Second)))
	assert.Equal(t, 2, h.Outstanding())

	h.Inbound(t0.Add(61 * time.Second))
	assert.Equal(t, 0, h.Outstanding())
	assert.Equal(t, Wait, h.Tick(t0.Add(90*time.Second)))
	assert.Equal(t, SendPing, h.Tick(t0.Add(91*time.Second)))
}

func TestHeartbeatNext(t *testing.T) {
	h := NewHeartbeat(testPolicy(), t0)
	assert.Equal(t, t0.Add(30*time.Second), h.Next())

	h.Tick(t0.Add(31 * time.Second))
	assert.Equal(t, t0.Add(61*time.Second), h.Next())
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "wait", Wait.String())
	assert.Equal(t, "send_ping", SendPing.String())
	assert.Equal(t, "dead", Dead.String())
}
