package state

import (
	"fmt"
	"strings"
	"time"

	"alexwatch/internal/protocol"
	alexerrors "alexwatch/internal/shared/errors"
)

// TaskStarted opens the narrative for a task.
func (s *Store) TaskStarted(p protocol.TaskStartedPayload, at time.Time) {
	taskID := s.resolveTaskID(p.TaskID)
	s.observeSessionTitle(p.SessionID, p.OriginalRequest)

	expected := len(p.PreviousMilestones) + p.TotalMilestones
	if msg := s.findTaskMessage(taskID); msg != nil {
		// A milestone event got here first; only the count expectation changes.
		if s.isActive(msg) && p.TotalMilestones > 0 {
			s.streaming.TotalMilestones = max(expected, len(msg.Milestones))
		}
		return
	}

	msg, _ := s.getOrCreateTaskMessage(taskID, at)
	msg.Milestones = milestonesFromWire(p.PreviousMilestones)
	s.streaming.CurrentMilestone = len(p.PreviousMilestones)
	s.streaming.TotalMilestones = expected
	s.logger.Debug("task %s started with %d previous milestones", taskID, len(p.PreviousMilestones))
}

func (s *Store) observeSessionTitle(sessionID, request string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = s.sessionID
	}
	if sessionID == "" || s.titledSessions[sessionID] {
		return
	}
	s.titledSessions[sessionID] = true
	if strings.TrimSpace(request) == "" {
		return
	}
	title := TruncateTitle(request)
	if s.titles.SetTitleIfEmpty(sessionID, title) && sessionID == s.sessionID {
		s.title = title
	}
}

// TaskProgress moves the milestone cursor and marks the current milestone as
// in progress.
func (s *Store) TaskProgress(p protocol.TaskProgressPayload, at time.Time) {
	msg, _ := s.getOrCreateTaskMessage(p.TaskID, at)
	if s.isActive(msg) {
		s.streaming.CurrentMilestone = p.CurrentMilestone
		if p.TotalMilestones > 0 {
			s.streaming.TotalMilestones = p.TotalMilestones
		}
	}
	if p.CurrentMilestone >= 0 && p.CurrentMilestone < len(msg.Milestones) {
		m := &msg.Milestones[p.CurrentMilestone]
		if m.Status == protocol.MilestonePending {
			m.Status = protocol.MilestoneInProgress
		}
		s.lastMilestone[s.taskKey(msg)] = m.Sequence
	}
}

// TaskCompleted freezes the task message with the cleaned final result.
func (s *Store) TaskCompleted(p protocol.TaskCompletedPayload, at time.Time) {
	msg := s.terminalTaskMessage(p.TaskID, at)
	alreadyFinished := msg.FinishedAt != nil

	raw := p.FinalResult
	if strings.TrimSpace(raw) == "" {
		raw = msg.Content
	}
	msg.RawContent = raw
	msg.Content = CleanFinalResult(raw)
	msg.Streaming = false
	if p.Usage != nil {
		msg.Usage = copyUsage(p.Usage)
	}
	if len(p.Artifacts) > 0 {
		msg.Artifacts = append([]protocol.Artifact(nil), p.Artifacts...)
	}
	if p.TraceID != "" {
		msg.TraceID = p.TraceID
	}
	finished := s.stamp(at)
	msg.FinishedAt = &finished

	if !alreadyFinished {
		s.foldUsage(p.Usage)
	}
	if s.isActive(msg) {
		s.releaseActive()
	}
}

func (s *Store) foldUsage(u *protocol.Usage) {
	s.usage.Tasks++
	if u == nil {
		return
	}
	s.usage.InputTokens += max(u.InputTokens, 0)
	s.usage.OutputTokens += max(u.OutputTokens, 0)
	s.usage.TotalTokens += max(u.Tokens(), 0)
	if u.Cost > 0 {
		s.usage.Cost += u.Cost
	}
}

// TaskFailed annotates the task message with an error marker in place.
func (s *Store) TaskFailed(p protocol.TaskFailedPayload, at time.Time) {
	msg := s.terminalTaskMessage(p.TaskID, at)
	msg.Content = ErrorMarker(p.Error)
	msg.Streaming = false
	finished := s.stamp(at)
	msg.FinishedAt = &finished

	s.lastError = strings.TrimSpace(p.Error)
	if s.lastError == "" {
		s.lastError = "task failed"
	}
	if s.onError != nil {
		s.onError(alexerrors.Wrap(alexerrors.KindTask, msg.TaskID, fmt.Errorf("%s", s.lastError)))
	}
	if s.isActive(msg) {
		s.releaseActive()
	}
}

// ContextCompressed appends a system notice and touches nothing else.
func (s *Store) ContextCompressed(p protocol.ContextCompressedPayload, at time.Time) {
	content := CompressedNotice
	if p.OriginalTokens > 0 && p.CompressedTokens > 0 {
		content = fmt.Sprintf("%s (%d → %d tokens)", CompressedNotice, p.OriginalTokens, p.CompressedTokens)
	}
	s.messages = append(s.messages, &Message{
		ID:        s.newID(),
		Role:      RoleSystem,
		Content:   content,
		Timestamp: s.stamp(at),
	})
}

// ServerError records a server notice that is not a task failure.
func (s *Store) ServerError(p protocol.ErrorPayload, _ time.Time) {
	message := strings.TrimSpace(p.Message)
	if message == "" {
		message = p.Code
	}
	s.lastError = message
	s.logger.Warn("server error notice code=%s task=%s: %s", p.Code, p.TaskID, message)
}

// SessionUpdated adopts a server-provided title if none exists yet.
func (s *Store) SessionUpdated(p protocol.SessionUpdatePayload, _ time.Time) {
	title := strings.TrimSpace(p.Title)
	if title == "" || p.SessionID == "" {
		return
	}
	if s.titles.SetTitleIfEmpty(p.SessionID, title) && p.SessionID == s.sessionID {
		s.title = title
	}
}

// FinalizeCancelled ends the active task locally regardless of server
// acknowledgement. Real content is never overwritten.
func (s *Store) FinalizeCancelled(at time.Time) {
	msg := s.findMessage(s.streamingMessageID)
	if msg == nil && s.taskID != "" {
		msg = s.findTaskMessage(s.taskID)
	}
	if msg != nil {
		if msg.Content == "" {
			msg.Content = CancelledMarker
		}
		msg.Streaming = false
		if msg.FinishedAt == nil {
			finished := s.stamp(at)
			msg.FinishedAt = &finished
		}
	}
	s.breakpoint = nil
	s.releaseActive()
}
