// Package delivery keeps subscriber connections honest: a heartbeat finds
// half-open connections and an acknowledgment tracker retries critical
// events a bounded number of times.
package delivery

import (
	"time"

	"github.com/kandev/researchd/internal/common/config"
)

// Policy holds the timing and retry bounds shared by every subscriber.
type Policy struct {
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	RetryInterval     time.Duration
	MaxRetries        int
	SweepInterval     time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		HeartbeatInterval: 30 * time.Second,
		MaxMissedPongs:    3,
		RetryInterval:     5 * time.Second,
		MaxRetries:        3,
		SweepInterval:     time.Second,
	}
}

// PolicyFromConfig builds a Policy from configuration, falling back to the
// defaults for unset values.
func PolicyFromConfig(cfg config.DeliveryConfig) Policy {
	p := DefaultPolicy()
	if d := cfg.HeartbeatDuration(); d > 0 {
		p.HeartbeatInterval = d
	}
	if cfg.MaxMissedPongs > 0 {
		p.MaxMissedPongs = cfg.MaxMissedPongs
	}
	if d := cfg.RetryDuration(); d > 0 {
		p.RetryInterval = d
	}
	if cfg.MaxRetries >= 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if d := cfg.SweepDuration(); d > 0 {
		p.SweepInterval = d
	}
	return p
}
