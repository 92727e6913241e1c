package signal

import (
	"encoding/json"
	"fmt"
)

// Envelope frames every message on the socket connection: an event name plus
// an opaque JSON payload. The relay does not guarantee ordering across
// different event types, so nothing here may assume offer-before-candidate.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an envelope with the given payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses a raw socket frame into an envelope. A frame without an
// event name is a protocol error.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope without event name")
	}
	return &env, nil
}
