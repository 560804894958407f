package state

import (
	"fmt"
	"time"

	"alexwatch/internal/protocol"
)

// MilestoneProgress handles both milestone_started and milestone_progress.
// Completion is decided by the explicit status field; LegacyProgressStatus
// only runs when the server omitted it.
func (s *Store) MilestoneProgress(p protocol.MilestoneProgressPayload, at time.Time) {
	msg, created := s.getOrCreateTaskMessage(p.TaskID, at)
	if created {
		s.logger.Debug("milestone progress for task %s arrived before task_started", msg.TaskID)
	}
	agent := protocol.ParseAgentType(p.Agent)

	status, ok := protocol.ParseProgressStatus(p.Status)
	if !ok {
		status = LegacyProgressStatus(p.Message)
	}
	if p.MilestoneIndex != nil {
		s.lastMilestone[s.taskKey(msg)] = *p.MilestoneIndex
	}

	if status.Terminal() {
		s.finishAgentStep(msg, agent, status, p, at)
		return
	}

	entry := s.upsertRunning(msg, agent, p, at)
	current := *entry
	s.activity = &current
	if s.isActive(msg) {
		s.streaming.CurrentAgent = agent
	}
	if p.MilestoneIndex != nil {
		if i := findBySequence(msg.Milestones, *p.MilestoneIndex); i >= 0 {
			advanceStatus(&msg.Milestones[i], protocol.MilestoneInProgress)
		}
	}
}

func (s *Store) finishAgentStep(msg *Message, agent protocol.AgentType, status protocol.ProgressStatus, p protocol.MilestoneProgressPayload, at time.Time) {
	s.markAgentCompleted(agent)

	activityStatus := ActivityCompleted
	if status == protocol.ProgressFailed {
		activityStatus = ActivityFailed
	}
	doneAt := s.stamp(at)
	if i := latestRunning(msg.Activities, agent); i >= 0 {
		entry := &msg.Activities[i]
		entry.Status = activityStatus
		entry.CompletedAt = &doneAt
		if p.Message != "" {
			entry.Message = p.Message
		}
		if p.Model != "" {
			entry.Model = p.Model
		}
		if p.Details != nil && len(p.Details.Extra) > 0 {
			entry.Details = copyInterfaceMap(p.Details.Extra)
		}
	} else {
		startedAt := doneAt
		msg.Activities = append(msg.Activities, Activity{
			Agent:       agent,
			Status:      activityStatus,
			Message:     p.Message,
			StartedAt:   &startedAt,
			CompletedAt: &doneAt,
			Model:       p.Model,
			Details:     detailsExtra(p.Details),
		})
	}

	if status == protocol.ProgressCompleted && p.Details != nil {
		switch agent {
		case protocol.AgentPlanner:
			if len(p.Details.Milestones) > 0 {
				msg.Milestones = milestonesFromWire(p.Details.Milestones)
				if s.isActive(msg) {
					s.streaming.TotalMilestones = len(msg.Milestones)
				}
			}
		case protocol.AgentExecutor:
			if len(p.Details.Artifacts) > 0 {
				// Each executor step reports a complete artifact snapshot. A
				// server that sends deltas would lose earlier entries here.
				s.logger.Debug("replacing %d artifacts with %d for task %s", len(msg.Artifacts), len(p.Details.Artifacts), msg.TaskID)
				msg.Artifacts = append([]protocol.Artifact(nil), p.Details.Artifacts...)
			}
		}
	}

	if s.activity != nil && s.activity.Agent == agent {
		s.activity = nil
	}
}

func (s *Store) upsertRunning(msg *Message, agent protocol.AgentType, p protocol.MilestoneProgressPayload, at time.Time) *Activity {
	if i := latestRunning(msg.Activities, agent); i >= 0 {
		entry := &msg.Activities[i]
		if p.Message != "" {
			entry.Message = p.Message
		}
		if p.Model != "" {
			entry.Model = p.Model
		}
		if p.Details != nil && len(p.Details.Extra) > 0 {
			entry.Details = copyInterfaceMap(p.Details.Extra)
		}
		return entry
	}
	startedAt := s.stamp(at)
	msg.Activities = append(msg.Activities, Activity{
		Agent:     agent,
		Status:    ActivityRunning,
		Message:   p.Message,
		StartedAt: &startedAt,
		Model:     p.Model,
		Details:   detailsExtra(p.Details),
	})
	return &msg.Activities[len(msg.Activities)-1]
}

func latestRunning(list []Activity, agent protocol.AgentType) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == ActivityRunning && (agent == "" || list[i].Agent == agent) {
			return i
		}
	}
	return -1
}

func detailsExtra(d *protocol.ProgressDetails) map[string]any {
	if d == nil || len(d.Extra) == 0 {
		return nil
	}
	return copyInterfaceMap(d.Extra)
}

// MilestoneCompleted marks the referenced milestone as passed. Delivering the
// same event twice leaves the list unchanged.
func (s *Store) MilestoneCompleted(p protocol.MilestoneCompletedPayload, at time.Time) {
	msg, _ := s.getOrCreateTaskMessage(p.TaskID, at)
	seq := p.MilestoneIndex

	i := findBySequence(msg.Milestones, seq)
	if i < 0 {
		placeholder := Milestone{
			ID:         provisionalID(seq),
			Sequence:   seq,
			Title:      fmt.Sprintf("Milestone %d", seq+1),
			Complexity: protocol.ComplexityModerate,
			Status:     protocol.MilestonePending,
		}
		if p.Milestone != nil {
			placeholder = milestoneFromWire(*p.Milestone)
			placeholder.Sequence = seq
		}
		s.logger.Warn("milestone desync: task %s completed sequence %d which is not in its plan of %d", msg.TaskID, seq, len(msg.Milestones))
		msg.Milestones = append(msg.Milestones, placeholder)
		i = len(msg.Milestones) - 1
	}

	m := &msg.Milestones[i]
	m.Status = protocol.MilestonePassed
	if p.Milestone != nil {
		if p.Milestone.ID != "" {
			m.ID = p.Milestone.ID
		}
		if m.Title == "" {
			m.Title = p.Milestone.Title
		}
		if m.SelectedModel == "" {
			m.SelectedModel = p.Milestone.SelectedModel
		}
		if p.Milestone.Usage != nil {
			m.Usage = copyUsage(p.Milestone.Usage)
		}
		if p.Milestone.QAResult != nil {
			m.QA = copyQA(p.Milestone.QAResult)
		}
	}
	if p.QAResult != nil {
		m.QA = copyQA(p.QAResult)
	}
	if p.Usage != nil {
		m.Usage = copyUsage(p.Usage)
	}
	s.lastMilestone[s.taskKey(msg)] = seq

	var agent protocol.AgentType
	if p.Agent != "" {
		agent = protocol.ParseAgentType(p.Agent)
		s.markAgentCompleted(agent)
	}
	if j := latestRunning(msg.Activities, agent); j >= 0 {
		doneAt := s.stamp(at)
		msg.Activities[j].Status = ActivityCompleted
		msg.Activities[j].CompletedAt = &doneAt
	}
	s.activity = nil

	if s.isActive(msg) {
		s.streaming.CurrentMilestone = max(s.streaming.CurrentMilestone, seq+1)
	}
}

// MilestoneRetry annotates a milestone being re-attempted without touching
// its status.
func (s *Store) MilestoneRetry(p protocol.MilestoneRetryPayload, at time.Time) {
	msg, _ := s.getOrCreateTaskMessage(p.TaskID, at)
	i := -1
	if p.MilestoneIndex != nil {
		i = findBySequence(msg.Milestones, *p.MilestoneIndex)
		s.lastMilestone[s.taskKey(msg)] = *p.MilestoneIndex
	}
	if i < 0 {
		i = s.recentMilestone(msg)
	}
	if i < 0 {
		s.logger.Debug("retry for task %s has no milestone to annotate", msg.TaskID)
		return
	}
	m := &msg.Milestones[i]
	m.RetryCount = max(m.RetryCount+1, p.Attempt)
	if p.Feedback != "" {
		m.RetryFeedback = p.Feedback
	}
}
