package state

import (
	"sort"

	"alexwatch/internal/protocol"
)

// Snapshot is a deep copy of the store that readers may keep.
type Snapshot struct {
	SessionID       string
	Title           string
	Messages        []Message
	Streaming       Streaming
	Activity        *Activity
	Breakpoint      *Breakpoint
	Usage           UsageTotals
	CompletedAgents []protocol.AgentType
	ActiveTaskID    string
	ConnectionPhase string
	LastError       string
	OperationError  string
}

// Snapshot captures the current state.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		SessionID:       s.sessionID,
		Title:           s.title,
		Streaming:       copyStreaming(s.streaming),
		Activity:        copyActivityPtr(s.activity),
		Breakpoint:      s.Breakpoint(),
		Usage:           s.usage,
		ActiveTaskID:    s.taskID,
		ConnectionPhase: s.phase,
		LastError:       s.lastError,
		OperationError:  s.opError,
	}
	if len(s.messages) > 0 {
		snap.Messages = make([]Message, 0, len(s.messages))
		for _, msg := range s.messages {
			snap.Messages = append(snap.Messages, copyMessage(msg))
		}
	}
	if len(s.completedAgents) > 0 {
		snap.CompletedAgents = make([]protocol.AgentType, 0, len(s.completedAgents))
		for agent := range s.completedAgents {
			snap.CompletedAgents = append(snap.CompletedAgents, agent)
		}
		sort.Slice(snap.CompletedAgents, func(i, j int) bool {
			return snap.CompletedAgents[i] < snap.CompletedAgents[j]
		})
	}
	return snap
}

// Paused reports whether the server is waiting for a breakpoint decision.
func (s Snapshot) Paused() bool {
	return s.Breakpoint != nil
}

// StreamingMessage returns the message that is still generating, if any.
func (s Snapshot) StreamingMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Streaming {
			return &s.Messages[i]
		}
	}
	return nil
}

// TaskMessage returns the assistant message correlated to taskID.
func (s Snapshot) TaskMessage(taskID string) *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant && s.Messages[i].TaskID == taskID {
			return &s.Messages[i]
		}
	}
	return nil
}

func copyStreaming(src Streaming) Streaming {
	dst := src
	dst.Chunks = append([]string(nil), src.Chunks...)
	return dst
}

func copyActivityPtr(src *Activity) *Activity {
	if src == nil {
		return nil
	}
	clone := copyActivity(*src)
	return &clone
}

func copyActivity(src Activity) Activity {
	dst := src
	dst.StartedAt = copyTimePtr(src.StartedAt)
	dst.CompletedAt = copyTimePtr(src.CompletedAt)
	dst.Details = copyInterfaceMap(src.Details)
	return dst
}

func copyMessage(src *Message) Message {
	dst := *src
	dst.Usage = copyUsage(src.Usage)
	dst.FinishedAt = copyTimePtr(src.FinishedAt)
	if src.Milestones != nil {
		dst.Milestones = make([]Milestone, len(src.Milestones))
		for i, m := range src.Milestones {
			m.Usage = copyUsage(m.Usage)
			m.QA = copyQA(m.QA)
			dst.Milestones[i] = m
		}
	}
	if src.Activities != nil {
		dst.Activities = make([]Activity, len(src.Activities))
		for i, a := range src.Activities {
			dst.Activities[i] = copyActivity(a)
		}
	}
	if src.Artifacts != nil {
		dst.Artifacts = append([]protocol.Artifact(nil), src.Artifacts...)
	}
	return dst
}
