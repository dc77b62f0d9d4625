package bus

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
)

// MemoryEventBus implements EventBus in-process. Every subscription owns a
// queue drained by its own goroutine, so Publish never waits on a handler
// and a handler sees events in publish order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact subjects
	handler EventHandler

	mu     sync.Mutex
	queue  []*events.Event
	active bool
	signal chan struct{}
	done   chan struct{}
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Publish enqueues the event on every matching subscription.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	delivered := 0
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if !matches(subject, pattern, sub.pattern) {
				continue
			}
			if sub.enqueue(event) {
				delivered++
			}
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("message_id", event.MessageID),
		zap.String("event_type", string(event.Type)),
		zap.Int("subscribers", delivered))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		active:  true,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.wg.Add(1)
	go sub.run(b.ctx)

	b.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close stops every subscription. Events still queued are discarded.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true (always connected for in-memory)
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) enqueue(event *events.Event) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *memorySubscription) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if !s.active || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			event := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if err := s.handler(ctx, event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.String("message_id", event.MessageID),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.queue = nil
	close(s.done)
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.stop()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(s.bus.subscriptions[s.subject]) == 0 {
			delete(s.bus.subscriptions, s.subject)
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// matches checks if a subject matches a pattern
// Supports NATS-style wildcards: * (single token) and > (multiple tokens)
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts NATS-style pattern to regex
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)

	regex, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return regex
}
