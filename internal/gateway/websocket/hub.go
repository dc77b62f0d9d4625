// Package websocket serves the real-time channel of a session: it fans bus
// events out to attached subscribers, tracks acknowledgments of critical
// events and detaches subscribers that stop receiving.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/delivery"
	"github.com/kandev/researchd/internal/events"
	"github.com/kandev/researchd/internal/events/bus"
	"github.com/kandev/researchd/internal/session"
	ws "github.com/kandev/researchd/pkg/websocket"
)

// HistoryProvider returns the logged events of a session after the given
// message id (all of them when after is empty).
type HistoryProvider func(ctx context.Context, sessionID, after string) ([]*events.Event, error)

var errSubscriberGone = errors.New("subscriber gone")

// sessionSubscribers is the delivery state of one session with at least one
// attached subscriber.
type sessionSubscribers struct {
	id      string
	mu      sync.Mutex
	clients map[string]*Client
	tracker *delivery.AckTracker
	sweeper *delivery.Sweeper
	logger  *logger.Logger
}

// send delivers one frame to c. Critical events are tracked before the
// frame is queued. A client that cannot take the frame is dropped. The
// caller holds s.mu.
func (s *sessionSubscribers) send(c *Client, ev *events.Event, data []byte, now time.Time) bool {
	s.tracker.Track(c.ID, ev, data, now)
	if c.enqueue(data) {
		return true
	}
	delete(s.clients, c.ID)
	s.tracker.Forget(c.ID)
	c.close()
	s.logger.Info("Detached subscriber that failed to receive",
		zap.String("subscriber_id", c.ID),
		zap.String("message_id", ev.MessageID))
	return false
}

// Resend implements delivery.Resender.
func (s *sessionSubscribers) Resend(subscriberID, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[subscriberID]
	if !ok {
		return errSubscriberGone
	}
	if !c.enqueue(data) {
		delete(s.clients, subscriberID)
		c.close()
		return errSubscriberGone
	}
	return nil
}

// Hub manages the subscribers of every session.
type Hub struct {
	bus     bus.EventBus
	policy  delivery.Policy
	history HistoryProvider
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	sub      bus.Subscription
	sessions map[string]*sessionSubscribers
}

// NewHub creates a new WebSocket hub
func NewHub(eventBus bus.EventBus, policy delivery.Policy, log *logger.Logger) *Hub {
	return &Hub{
		bus:      eventBus,
		policy:   policy,
		logger:   log.WithFields(zap.String("component", "ws_hub")),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      context.Background(),
		sessions: make(map[string]*sessionSubscribers),
	}
}

// SetHistoryProvider sets the source of events replayed on attach.
func (h *Hub) SetHistoryProvider(p HistoryProvider) {
	h.history = p
}

// Start subscribes the hub to every session subject. Sweepers started
// afterwards stop when ctx is done.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		return nil
	}
	sub, err := h.bus.Subscribe(events.SessionWildcard, func(_ context.Context, ev *events.Event) error {
		h.Deliver(ev.SessionID, ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to session events: %w", err)
	}
	h.ctx = ctx
	h.sub = sub
	h.logger.Info("WebSocket hub started")
	return nil
}

// Attach registers c with its session. When replay is set and a history
// provider is configured, the client sends the session's logged events after
// the given message id before any live event; live events published
// meanwhile are held back until the history is written and may repeat
// logged ones, which the client drops by message id.
func (h *Hub) Attach(c *Client, replay bool, after string) {
	h.mu.Lock()
	s, ok := h.sessions[c.SessionID]
	if !ok {
		tracker := delivery.NewAckTracker(h.policy)
		s = &sessionSubscribers{
			id:      c.SessionID,
			clients: make(map[string]*Client),
			tracker: tracker,
			logger:  h.logger.WithSessionID(c.SessionID),
		}
		s.sweeper = delivery.NewSweeper(c.SessionID, tracker, s, h.policy.SweepInterval, h.logger)
		h.sessions[c.SessionID] = s
		s.sweeper.Start(h.ctx)
	}
	s.mu.Lock()
	h.mu.Unlock()
	defer s.mu.Unlock()

	if replay && h.history != nil {
		c.beginReplay(after)
	}
	s.clients[c.ID] = c
	h.logger.Debug("Subscriber attached",
		zap.String("session_id", c.SessionID),
		zap.String("subscriber_id", c.ID),
		zap.Bool("replay", replay),
		zap.Int("subscribers", len(s.clients)))
}

// loadHistory returns the logged events of a session after the given
// message id. A session without a log has no history.
func (h *Hub) loadHistory(ctx context.Context, sessionID, after string) ([]*events.Event, error) {
	if h.history == nil {
		return nil, nil
	}
	evs, err := h.history(ctx, sessionID, after)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return evs, nil
}

// track records a replayed critical event as pending for c.
func (h *Hub) track(c *Client, ev *events.Event, data []byte) {
	h.mu.Lock()
	s := h.sessions[c.SessionID]
	h.mu.Unlock()
	if s == nil {
		return
	}
	s.tracker.Track(c.ID, ev, data, h.now())
}

// Detach removes c from its session and closes it. The session's sweeper
// stops with its last subscriber.
func (h *Hub) Detach(c *Client) {
	var stop *delivery.Sweeper

	h.mu.Lock()
	if s, ok := h.sessions[c.SessionID]; ok {
		s.mu.Lock()
		delete(s.clients, c.ID)
		empty := len(s.clients) == 0
		s.mu.Unlock()
		s.tracker.Forget(c.ID)
		if empty {
			delete(h.sessions, c.SessionID)
			stop = s.sweeper
		}
	}
	h.mu.Unlock()

	c.close()
	if stop != nil {
		stop.Stop()
	}
	h.logger.Debug("Subscriber detached",
		zap.String("session_id", c.SessionID),
		zap.String("subscriber_id", c.ID))
}

// Deliver sends ev to every subscriber of the session.
func (h *Hub) Deliver(sessionID string, ev *events.Event) {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return
	}

	data, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", zap.String("message_id", ev.MessageID), zap.Error(err))
		return
	}

	now := h.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		s.send(c, ev, data, now)
	}
}

// Ack records a subscriber's acknowledgment. It reports whether a pending
// event was released.
func (h *Hub) Ack(c *Client, messageID string) bool {
	h.mu.Lock()
	s := h.sessions[c.SessionID]
	h.mu.Unlock()
	if s == nil {
		return false
	}
	return s.tracker.Ack(c.ID, messageID)
}

// SubscriberCount returns the number of subscribers attached to a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// PendingCount returns the number of unacknowledged critical events of a
// session.
func (h *Hub) PendingCount(sessionID string) int {
	h.mu.Lock()
	s := h.sessions[sessionID]
	h.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.tracker.Len()
}

// Shutdown unsubscribes from the bus and closes every subscriber.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	sessions := h.sessions
	h.sessions = make(map[string]*sessionSubscribers)
	h.mu.Unlock()

	if sub != nil && sub.IsValid() {
		_ = sub.Unsubscribe()
	}
	for _, s := range sessions {
		s.mu.Lock()
		for _, c := range s.clients {
			c.close()
		}
		s.mu.Unlock()
		s.sweeper.Stop()
	}
	h.logger.Info("WebSocket hub stopped")
}

func encodeEvent(ev *events.Event) ([]byte, error) {
	return json.Marshal(ws.NewEventMessage(string(ev.Type), ev.MessageID, ev.Payload, ev.Timestamp))
}
