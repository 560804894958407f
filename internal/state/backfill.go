package state

import "strings"

// RestoreTask seeds the transcript with a finished task from session history.
// It never touches the streaming refs.
func (s *Store) RestoreTask(rt RestoredTask) {
	if rt.TaskID != "" && s.findTaskMessage(rt.TaskID) != nil {
		return
	}
	at := s.stamp(rt.CreatedAt)
	if strings.TrimSpace(rt.Request) != "" {
		s.messages = append(s.messages, &Message{
			ID:        s.newID(),
			Role:      RoleHuman,
			Content:   rt.Request,
			Timestamp: at,
			TaskID:    rt.TaskID,
		})
	}
	msg := &Message{
		ID:         s.newID(),
		Role:       RoleAssistant,
		Timestamp:  at,
		TaskID:     rt.TaskID,
		RawContent: rt.Result,
		FinishedAt: &at,
	}
	if rt.Failed {
		msg.Content = ErrorMarker(rt.Error)
	} else {
		msg.Content = CleanFinalResult(rt.Result)
	}
	s.messages = append(s.messages, msg)
}

// MergeTaskDetail folds backfilled task detail into an existing message. The
// fetch runs outside the event loop, so matching is by task id and milestone
// id or sequence, and statuses never regress. It reports whether a message
// was found.
func (s *Store) MergeTaskDetail(detail TaskDetail) bool {
	if detail.TaskID == "" {
		return false
	}
	msg := s.findTaskMessage(detail.TaskID)
	if msg == nil {
		s.logger.Debug("task detail for %s arrived after its message was gone", detail.TaskID)
		return false
	}

	for _, wire := range detail.Milestones {
		incoming := milestoneFromWire(wire)
		i := -1
		if !incoming.Provisional() {
			for j := range msg.Milestones {
				if msg.Milestones[j].ID == incoming.ID {
					i = j
					break
				}
			}
		}
		if i < 0 {
			i = findBySequence(msg.Milestones, incoming.Sequence)
		}
		if i < 0 {
			msg.Milestones = append(msg.Milestones, incoming)
			continue
		}
		mergeMilestone(&msg.Milestones[i], incoming)
	}

	if len(msg.Artifacts) == 0 && len(detail.Artifacts) > 0 {
		msg.Artifacts = append(msg.Artifacts[:0:0], detail.Artifacts...)
	}
	if msg.Usage == nil && detail.Usage != nil {
		msg.Usage = copyUsage(detail.Usage)
	}
	if !msg.Streaming && strings.TrimSpace(detail.FinalResult) != "" && msg.RawContent == "" {
		msg.RawContent = detail.FinalResult
		// A history entry without a result was shown with the fallback text.
		if msg.Content == "" || msg.Content == FallbackResult {
			msg.Content = CleanFinalResult(detail.FinalResult)
		}
	}
	if msg.FinishedAt == nil && !msg.Streaming {
		finished := s.now()
		msg.FinishedAt = &finished
	}
	return true
}

func mergeMilestone(dst *Milestone, src Milestone) {
	if dst.Provisional() && !src.Provisional() {
		dst.ID = src.ID
	}
	advanceStatus(dst, src.Status)
	if dst.Title == "" {
		dst.Title = src.Title
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
	if dst.SelectedModel == "" {
		dst.SelectedModel = src.SelectedModel
	}
	if dst.Usage == nil {
		dst.Usage = copyUsage(src.Usage)
	}
	if dst.QA == nil {
		dst.QA = copyQA(src.QA)
	}
}

