package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jsonx "alexwatch/internal/shared/json"
)

// ErrMissingType is returned for frames whose type tag is empty.
var ErrMissingType = errors.New("envelope type is empty")

// Envelope is the wire unit exchanged in both directions. It is treated as
// immutable once decoded.
type Envelope struct {
	Type      EventType
	Payload   jsonx.RawMessage
	Timestamp time.Time
	RequestID string
}

type wireEnvelope struct {
	Type      string           `json:"type"`
	Payload   jsonx.RawMessage `json:"payload,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := jsonx.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(wire.Type) == "" {
		return Envelope{}, ErrMissingType
	}
	env := Envelope{
		Type:      EventType(strings.TrimSpace(wire.Type)),
		Payload:   wire.Payload,
		RequestID: wire.RequestID,
	}
	if wire.Timestamp != "" {
		ts, err := parseTimestamp(wire.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope %s: %w", env.Type, err)
		}
		env.Timestamp = ts
	}
	return env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	wire := wireEnvelope{
		Type:      string(env.Type),
		Payload:   env.Payload,
		RequestID: env.RequestID,
	}
	if !env.Timestamp.IsZero() {
		wire.Timestamp = env.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return jsonx.Marshal(wire)
}

// NewEnvelope marshals payload into an envelope stamped with at.
func NewEnvelope(eventType EventType, payload any, at time.Time) (Envelope, error) {
	env := Envelope{Type: eventType, Timestamp: at}
	if payload != nil {
		data, err := jsonx.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		env.Payload = data
	}
	return env, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", value)
}
