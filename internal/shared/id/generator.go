package id

import (
	"fmt"

	"github.com/google/uuid"
)

// NewMessageID generates a client-side message identifier, stable for the
// life of a view.
func NewMessageID() string {
	return newIdentifier("msg")
}

// NewRequestID generates the correlation id stamped on outbound envelopes.
func NewRequestID() string {
	return newIdentifier("req")
}

// NewTaskID is used by the development server to mint task identifiers.
func NewTaskID() string {
	return newIdentifier("task")
}

// NewSessionID is used by the development server to mint session identifiers.
func NewSessionID() string {
	return newIdentifier("session")
}

func newIdentifier(prefix string) string {
	// UUIDv7 keeps identifiers time-ordered; fall back to v4 if the clock
	// source fails.
	body, err := uuid.NewV7()
	if err != nil {
		body = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, body.String())
}
