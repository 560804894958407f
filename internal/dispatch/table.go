// Package dispatch maps envelope type tags to derived-state handlers.
package dispatch

import (
	"fmt"
	"time"

	"alexwatch/internal/protocol"
	jsonx "alexwatch/internal/shared/json"
	"alexwatch/internal/state"
)

// Meta carries the envelope fields a handler may need besides the payload.
type Meta struct {
	Type      protocol.EventType
	Timestamp time.Time
	RequestID string
}

// Handler applies one decoded payload to the store.
type Handler func(store *state.Store, payload jsonx.RawMessage, meta Meta) error

// Table is a total mapping from type tag to handler. A missing entry is a
// deliberate no-op.
type Table map[protocol.EventType]Handler

// Lookup returns the handler for eventType.
func (t Table) Lookup(eventType protocol.EventType) (Handler, bool) {
	h, ok := t[eventType]
	return h, ok && h != nil
}

// With returns a copy of the table with h registered for eventType.
func (t Table) With(eventType protocol.EventType, h Handler) Table {
	out := make(Table, len(t)+1)
	for k, v := range t {
		out[k] = v
	}
	out[eventType] = h
	return out
}

func typed[T any](apply func(*state.Store, T, time.Time)) Handler {
	return func(store *state.Store, payload jsonx.RawMessage, meta Meta) error {
		decoded, err := jsonx.Decode[T](payload)
		if err != nil {
			return fmt.Errorf("decode %s payload: %w", meta.Type, err)
		}
		apply(store, decoded, meta.Timestamp)
		return nil
	}
}

func ack(store *state.Store, _ jsonx.RawMessage, _ Meta) error {
	return nil
}

// Default returns the table for the live event vocabulary.
func Default() Table {
	return Table{
		protocol.EventConnected:    ack,
		protocol.EventAuthSuccess:  ack,
		protocol.EventSubscribed:   ack,
		protocol.EventUnsubscribed: ack,
		protocol.EventPong:         ack,

		protocol.EventError:          typed((*state.Store).ServerError),
		protocol.EventSessionUpdate:  typed((*state.Store).SessionUpdated),

		protocol.EventTaskStarted:   typed((*state.Store).TaskStarted),
		protocol.EventTaskProgress:  typed((*state.Store).TaskProgress),
		protocol.EventTaskCompleted: typed((*state.Store).TaskCompleted),
		protocol.EventTaskFailed:    typed((*state.Store).TaskFailed),

		protocol.EventMilestoneStarted:   typed(milestoneStarted),
		protocol.EventMilestoneProgress:  typed((*state.Store).MilestoneProgress),
		protocol.EventMilestoneCompleted: typed((*state.Store).MilestoneCompleted),
		protocol.EventMilestoneRetry:     typed((*state.Store).MilestoneRetry),

		protocol.EventTokenChunk:    typed((*state.Store).TokenChunk),
		protocol.EventTokenComplete: typed((*state.Store).TokenComplete),

		protocol.EventContextCompressed: typed((*state.Store).ContextCompressed),

		protocol.EventBreakpointHit:     typed((*state.Store).BreakpointHit),
		protocol.EventBreakpointResumed: typed(breakpointResumed),
	}
}

// milestone_started shares the progress payload but may omit the status.
func milestoneStarted(store *state.Store, p protocol.MilestoneProgressPayload, at time.Time) {
	if p.Status == "" {
		p.Status = string(protocol.ProgressStarted)
	}
	store.MilestoneProgress(p, at)
}

type resumedPayload struct {
	TaskID string `json:"task_id"`
}

func breakpointResumed(store *state.Store, p resumedPayload, at time.Time) {
	store.BreakpointResumed(p.TaskID, at)
}
