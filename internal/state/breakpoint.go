package state

import (
	"strings"
	"time"

	"alexwatch/internal/protocol"
)

const pausedMessage = "Paused, awaiting review"

// BreakpointHit records the server's pause.
func (s *Store) BreakpointHit(p protocol.BreakpointHitPayload, at time.Time) {
	taskID := s.resolveTaskID(p.TaskID)
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}
	agent := protocol.ParseAgentType(p.AgentType)
	s.breakpoint = &Breakpoint{
		TaskID:    taskID,
		SessionID: sessionID,
		NodeName:  p.NodeName,
		AgentType: agent,
		Execution: copyInterfaceMap(p.CurrentExecution),
		Timestamp: s.stamp(at),
	}
	s.SetTransitionalActivity(agent, ActivityPending, pausedMessage, at)
}

// BreakpointResumed is the server acknowledging a decision. The local state
// was already cleared when the decision was sent.
func (s *Store) BreakpointResumed(taskID string, _ time.Time) {
	if s.breakpoint == nil {
		return
	}
	if taskID == "" || strings.EqualFold(taskID, s.breakpoint.TaskID) {
		s.breakpoint = nil
	}
}

// Breakpoint returns a copy of the pending breakpoint, or nil.
func (s *Store) Breakpoint() *Breakpoint {
	if s.breakpoint == nil {
		return nil
	}
	clone := *s.breakpoint
	clone.Execution = copyInterfaceMap(s.breakpoint.Execution)
	return &clone
}

// ClearBreakpoint drops the pause optimistically.
func (s *Store) ClearBreakpoint() {
	s.breakpoint = nil
}

// SetTransitionalActivity replaces the current activity with a synthetic
// entry such as "resuming".
func (s *Store) SetTransitionalActivity(agent protocol.AgentType, status ActivityStatus, message string, at time.Time) {
	startedAt := s.stamp(at)
	s.activity = &Activity{
		Agent:     agent,
		Status:    status,
		Message:   message,
		StartedAt: &startedAt,
	}
	if agent != "" && s.streaming.IsStreaming {
		s.streaming.CurrentAgent = agent
	}
}
