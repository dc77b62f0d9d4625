package websocket

import (
	"context"
	"fmt"
)

// ErrUnknownType is returned by Dispatch for unregistered control types.
var ErrUnknownType = fmt.Errorf("unknown control type")

// Handler is the interface for control message handlers
type Handler interface {
	Handle(ctx context.Context, msg *ControlMessage) error
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, msg *ControlMessage) error

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, msg *ControlMessage) error {
	return f(ctx, msg)
}

// Dispatcher routes control messages to handlers by type
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a control type
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a control type
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes a message to the appropriate handler
func (d *Dispatcher) Dispatch(ctx context.Context, msg *ControlMessage) error {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	return handler.Handle(ctx, msg)
}

// HasHandler returns true if a handler is registered for the type
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}
