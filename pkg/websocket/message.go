// Package websocket defines the frames exchanged on a session's real-time
// channel.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Control message types sent by clients.
const (
	ControlAck  = "ack"
	ControlPing = "ping"
	ControlPong = "pong"
)

// Event types of server frames that are not session events.
const (
	EventPing  = "ping"
	EventPong  = "pong"
	EventError = "error"
)

// Error codes carried by error frames.
const (
	ErrorCodeBadRequest  = "BAD_REQUEST"
	ErrorCodeUnknownType = "UNKNOWN_TYPE"
	ErrorCodeInternal    = "INTERNAL_ERROR"
)

// Message is a server to client frame. MessageID is set for session events
// and must be echoed in an ack for critical ones.
type Message struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id,omitempty"`
}

// ControlMessage is a client to server frame.
type ControlMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEventMessage wraps one session event.
func NewEventMessage(eventType, messageID string, payload json.RawMessage, ts time.Time) *Message {
	return &Message{
		EventType: eventType,
		Payload:   payload,
		Timestamp: ts,
		MessageID: messageID,
	}
}

// NewPing creates a server heartbeat ping.
func NewPing(now time.Time) *Message {
	return &Message{EventType: EventPing, Timestamp: now.UTC()}
}

// NewPong creates the server reply to a client ping.
func NewPong(now time.Time) *Message {
	return &Message{EventType: EventPong, Timestamp: now.UTC()}
}

// NewError creates an error frame.
func NewError(code, message string) (*Message, error) {
	data, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return &Message{
		EventType: EventError,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ParseMessage decodes a server frame.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.EventType == "" {
		return nil, errors.New("message has no event_type")
	}
	return &m, nil
}

// NewAck creates the acknowledgment of a received event.
func NewAck(messageID string) *ControlMessage {
	return &ControlMessage{Type: ControlAck, MessageID: messageID}
}

// ParseControl decodes and validates a client frame.
func ParseControl(data []byte) (*ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	switch m.Type {
	case ControlAck:
		if m.MessageID == "" {
			return nil, errors.New("ack requires message_id")
		}
	case "":
		return nil, errors.New("control message has no type")
	}
	return &m, nil
}
