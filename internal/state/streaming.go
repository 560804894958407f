package state

import (
	"time"

	"alexwatch/internal/protocol"
)

// TokenChunk appends one fragment. For the active message the content is
// always the fold of the chunk list.
func (s *Store) TokenChunk(p protocol.TokenChunkPayload, at time.Time) {
	msg, _ := s.getOrCreateTaskMessage(p.TaskID, at)
	if !msg.Streaming {
		s.logger.Debug("dropping chunk for finished task %s", msg.TaskID)
		return
	}
	if !s.isActive(msg) {
		msg.Content += p.Content
		return
	}
	s.streaming.Chunks = append(s.streaming.Chunks, p.Content)
	s.streamText.WriteString(p.Content)
	msg.Content = s.streamText.String()
	if p.Agent != "" {
		s.streaming.CurrentAgent = protocol.ParseAgentType(p.Agent)
	}
}

// TokenComplete ends one token stream.
func (s *Store) TokenComplete(p protocol.TokenCompletePayload, at time.Time) {
	s.activity = nil
	msg := s.findTaskMessage(s.resolveTaskID(p.TaskID))
	if msg == nil {
		return
	}
	i := s.recentMilestone(msg)
	if i < 0 {
		return
	}
	m := &msg.Milestones[i]
	if p.Usage != nil {
		m.Usage = copyUsage(p.Usage)
	}
	if m.SelectedModel == "" && p.Model != "" {
		m.SelectedModel = p.Model
	}
}
