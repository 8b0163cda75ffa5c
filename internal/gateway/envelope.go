package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses one inbound frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: event is required", ErrDecode)
	}
	return env, nil
}

// EncodeEnvelope builds one outbound frame.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		data = encoded
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
