// Package websocket defines the frame envelope, the event taxonomy and the
// type-keyed dispatcher shared by the hub and every event publisher.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the JSON frame exchanged in both directions: {type, payload}.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a frame with the payload marshalled in place.
func NewMessage(eventType string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", eventType, err)
	}
	return &Message{Type: eventType, Payload: raw}, nil
}

// MustMessage is NewMessage for payloads that cannot fail to marshal
// (maps and plain structs built in-process).
func MustMessage(eventType string, payload any) *Message {
	msg, err := NewMessage(eventType, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// ParsePayload decodes the payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode marshals the full frame.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewPing builds the periodic keepalive frame.
func NewPing(now time.Time) *Message {
	return MustMessage(EventPing, map[string]any{"timestamp": now.UTC().Format(time.RFC3339)})
}

// ErrorPayload is the payload of an "error" frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewError builds an error frame.
func NewError(code, message string, details map[string]any) *Message {
	return MustMessage(EventError, ErrorPayload{Code: code, Message: message, Details: details})
}
