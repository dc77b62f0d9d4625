package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/researchd/internal/common/config"
	"github.com/kandev/researchd/internal/common/logger"
	"github.com/kandev/researchd/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newLogEvent(t *testing.T, sessionID, line string) *events.Event {
	t.Helper()
	ev, err := events.NewEvent(sessionID, events.Log, events.LogPayload{Stream: "stdout", Line: line})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}
	return ev
}

func TestNewMemoryEventBus(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	received := make(chan *events.Event, 1)
	sub, err := bus.Subscribe(events.SessionSubject("s1"), func(ctx context.Context, event *events.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := newLogEvent(t, "s1", "hello")
	if err := bus.Publish(context.Background(), events.SessionSubject("s1"), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.MessageID != event.MessageID {
			t.Errorf("Expected message ID %s, got %s", event.MessageID, e.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_PreservesOrderPerSubscription(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	const total = 500
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	_, err := bus.Subscribe(events.SessionWildcard, func(ctx context.Context, event *events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, event.MessageID)
		if len(got) == total {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := make([]string, 0, total)
	for i := 0; i < total; i++ {
		ev := newLogEvent(t, "s1", fmt.Sprintf("line %d", i))
		want = append(want, ev.MessageID)
		if err := bus.Publish(context.Background(), events.SessionSubject("s1"), ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d out of order", i)
		}
	}
}

func TestMemoryEventBus_SlowHandlerDoesNotBlockPublisher(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	release := make(chan struct{})
	var fast int32

	_, _ = bus.Subscribe(events.SessionSubject("s1"), func(ctx context.Context, event *events.Event) error {
		<-release
		return nil
	})
	_, _ = bus.Subscribe(events.SessionSubject("s1"), func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&fast, 1)
		return nil
	})

	batch := make([]*events.Event, 10)
	for i := range batch {
		batch[i] = newLogEvent(t, "s1", "x")
	}
	published := make(chan struct{})
	go func() {
		for _, ev := range batch {
			_ = bus.Publish(context.Background(), events.SessionSubject("s1"), ev)
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&fast) < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := atomic.LoadInt32(&fast); n != 10 {
		t.Errorf("Expected fast subscriber to receive 10 events, got %d", n)
	}
	close(release)
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("research.session.s1", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = bus.Publish(context.Background(), "research.session.s1", newLogEvent(t, "s1", "one"))
	time.Sleep(50 * time.Millisecond)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	_ = bus.Publish(context.Background(), "research.session.s1", newLogEvent(t, "s1", "two"))
	time.Sleep(50 * time.Millisecond)

	if n := atomic.LoadInt32(&count); n != 1 {
		t.Errorf("Expected 1 event, got %d", n)
	}
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"research.session.*", "research.session.s1", true},
		{"research.session.*", "research.session.s1.extra", false},
		{"research.>", "research.session.s1", true},
		{"research.session.s1", "research.session.s1", true},
		{"research.session.s1", "research.session.s2", false},
	}

	for _, tt := range tests {
		got := matches(tt.subject, tt.pattern, compilePattern(tt.pattern))
		if got != tt.match {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.subject, tt.pattern, got, tt.match)
		}
	}
}

func TestMemoryEventBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count int32
	_, _ = bus.Subscribe("research.session.s1", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return errors.New("handler failed")
	})

	for i := 0; i < 3; i++ {
		_ = bus.Publish(context.Background(), "research.session.s1", newLogEvent(t, "s1", "x"))
	}
	time.Sleep(100 * time.Millisecond)

	if n := atomic.LoadInt32(&count); n != 3 {
		t.Errorf("Expected 3 deliveries, got %d", n)
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	sub, err := bus.Subscribe("research.session.s1", func(ctx context.Context, event *events.Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Close()
	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after close")
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after close")
	}
	if err := bus.Publish(context.Background(), "research.session.s1", newLogEvent(t, "s1", "x")); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
	if _, err := bus.Subscribe("research.session.s1", nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
}

func TestProvideDefaultsToMemory(t *testing.T) {
	provided, cleanup, err := Provide(&config.Config{}, newTestLogger(t))
	if err != nil {
		t.Fatalf("Provide failed: %v", err)
	}
	defer func() { _ = cleanup() }()

	if provided.Memory == nil || provided.NATS != nil {
		t.Fatal("Expected in-memory bus when no NATS URL is configured")
	}
}
