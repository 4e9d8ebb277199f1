// Package protocol defines the JSON message envelope exchanged over the
// websocket transport.
//
// Every inbound message is a JSON object carrying an integer correlation "id"
// (echoed in the response) and a string "type" selecting the operation.
// Operation parameters travel in "data"; event subscription messages carry
// "event_type" at the top level.
package protocol

import (
	"encoding/json"
	"errors"
)

// MaxMessageSize bounds a single inbound frame. This is transport hygiene;
// the much tighter broadcast payload bound is enforced by the router.
const MaxMessageSize = 64 * 1024

// ErrInvalidMessage reports a frame that does not satisfy the base schema.
var ErrInvalidMessage = errors.New("invalid message format")

// Message is a decoded inbound message.
type Message struct {
	ID        int
	Type      string
	Data      json.RawMessage
	EventType string
}

type rawMessage struct {
	ID        *int            `json:"id"`
	Type      *string         `json:"type"`
	Data      json.RawMessage `json:"data"`
	EventType string          `json:"event_type"`
}

// Decode parses data against the base schema: "id" and "type" are required,
// everything else is passed through. Returns ErrInvalidMessage on any frame
// that is not a JSON object with both required fields.
func Decode(data []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrInvalidMessage
	}

	if raw.ID == nil || raw.Type == nil || *raw.Type == "" {
		return nil, ErrInvalidMessage
	}

	return &Message{
		ID:        *raw.ID,
		Type:      *raw.Type,
		Data:      raw.Data,
		EventType: raw.EventType,
	}, nil
}

// CorrelationID extracts the "id" field from a frame best-effort, so error
// replies to frames failing base-schema validation can still correlate.
func CorrelationID(data []byte) int {
	var raw struct {
		ID int `json:"id"`
	}
	json.Unmarshal(data, &raw)

	return raw.ID
}

// ErrorResponse builds the standard error reply for a request id.
func ErrorResponse(id int, message string) map[string]interface{} {
	return map[string]interface{}{
		"id":      id,
		"success": false,
		"error":   map[string]interface{}{"message": message},
	}
}

// EventMessage builds an event push for a subscription id. Envelope fields,
// if any, are merged at the top level next to "event_type".
func EventMessage(subscriptionID int, eventType string, fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["id"] = subscriptionID
	out["type"] = "event"
	out["event_type"] = eventType

	return out
}
