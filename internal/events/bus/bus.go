// Package bus provides the session event bus used to fan events out from the
// publisher to live subscribers.
package bus

import (
	"context"
	"errors"

	"github.com/kandev/researchd/internal/events"
)

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *events.Event) error

	// Subscribe creates a subscription to a subject pattern. A subscription
	// sees events in the order they were published.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
