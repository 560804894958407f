package protocol

import (
	"time"

	"alexwatch/internal/shared/id"
)

// SubscriptionPayload scopes the stream to one session.
type SubscriptionPayload struct {
	SessionID string `json:"session_id"`
}

// ResumePayload continues a paused task, optionally with human feedback.
type ResumePayload struct {
	TaskID    string `json:"task_id"`
	UserInput string `json:"user_input,omitempty"`
}

// RejectPayload rejects the paused step. A non-empty feedback asks the
// server to re-run the step with it; empty feedback cancels the task.
type RejectPayload struct {
	TaskID   string `json:"task_id"`
	Feedback string `json:"feedback,omitempty"`
}

// CancelPayload asks the server to stop a task.
type CancelPayload struct {
	TaskID string `json:"task_id"`
}

// Granularity selects which boundaries trigger a breakpoint.
type Granularity string

const (
	GranularityOff       Granularity = "off"
	GranularityMilestone Granularity = "milestone"
	GranularityAgent     Granularity = "agent"
)

// BreakpointPolicy is the pause policy that can be changed mid-task.
type BreakpointPolicy struct {
	TaskID         string      `json:"task_id,omitempty"`
	Granularity    Granularity `json:"granularity"`
	PauseOnFailure bool        `json:"pause_on_failure"`
}

func outbound(eventType EventType, payload any) Envelope {
	env, err := NewEnvelope(eventType, payload, time.Now())
	if err != nil {
		// Outbound payloads are plain structs; marshalling cannot fail.
		panic(err)
	}
	env.RequestID = id.NewRequestID()
	return env
}

// NewSubscribe builds a subscribe control message.
func NewSubscribe(sessionID string) Envelope {
	return outbound(EventSubscribe, SubscriptionPayload{SessionID: sessionID})
}

// NewUnsubscribe builds an unsubscribe control message.
func NewUnsubscribe(sessionID string) Envelope {
	return outbound(EventUnsubscribe, SubscriptionPayload{SessionID: sessionID})
}

// NewResume builds a breakpoint resume message.
func NewResume(taskID, userInput string) Envelope {
	return outbound(EventBreakpointResume, ResumePayload{TaskID: taskID, UserInput: userInput})
}

// NewReject builds a breakpoint reject message.
func NewReject(taskID, feedback string) Envelope {
	return outbound(EventBreakpointReject, RejectPayload{TaskID: taskID, Feedback: feedback})
}

// NewCancel builds a task cancel message.
func NewCancel(taskID string) Envelope {
	return outbound(EventTaskCancelRequest, CancelPayload{TaskID: taskID})
}

// NewPolicyUpdate builds a breakpoint policy update.
func NewPolicyUpdate(policy BreakpointPolicy) Envelope {
	return outbound(EventBreakpointUpdate, policy)
}
