package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
)

// Resender writes a previously sent event to a subscriber again. An error
// means the subscriber is gone.
type Resender interface {
	Resend(subscriberID, messageID string, data []byte) error
}

// Sweeper periodically resends due PendingAcks of one session and drops
// exhausted ones. Exhaustion is logged only: the session's event log and
// snapshot remain correct regardless of in-flight delivery.
type Sweeper struct {
	sessionID string
	tracker   *AckTracker
	resender  Resender
	interval  time.Duration
	logger    *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a Sweeper. Call Start to run it.
func NewSweeper(sessionID string, tracker *AckTracker, resender Resender, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		sessionID: sessionID,
		tracker:   tracker,
		resender:  resender,
		interval:  interval,
		logger:    log.WithSessionID(sessionID),
	}
}

// Start launches the sweep loop. Calling Start on a running Sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepOnce(now)
		}
	}
}

// SweepOnce performs a single sweep at now and returns how many events were
// resent and dropped.
func (s *Sweeper) SweepOnce(now time.Time) (resent, dropped int) {
	resend, exhausted := s.tracker.Due(now)

	for _, p := range exhausted {
		s.logger.Warn("Dropping undeliverable event after retries",
			zap.String("subscriber_id", p.SubscriberID),
			zap.String("message_id", p.MessageID),
			zap.String("event_type", string(p.EventType)),
			zap.Int("retries", p.Retries))
		dropped++
	}

	gone := make(map[string]bool)
	for _, p := range resend {
		if gone[p.SubscriberID] {
			continue
		}
		if err := s.resender.Resend(p.SubscriberID, p.MessageID, p.Data); err != nil {
			gone[p.SubscriberID] = true
			n := s.tracker.Forget(p.SubscriberID)
			s.logger.Info("Subscriber gone during resend",
				zap.String("subscriber_id", p.SubscriberID),
				zap.Int("forgotten", n),
				zap.Error(err))
			continue
		}
		resent++
		s.logger.Debug("Resent unacknowledged event",
			zap.String("subscriber_id", p.SubscriberID),
			zap.String("message_id", p.MessageID),
			zap.Int("attempt", p.Retries))
	}
	return resent, dropped
}
