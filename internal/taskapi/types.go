package taskapi

import (
	"strings"
	"time"

	"alexwatch/internal/protocol"
	"alexwatch/internal/state"
)

// CreateTaskRequest starts a task, creating a session when SessionID is empty.
type CreateTaskRequest struct {
	SessionID        string                     `json:"session_id,omitempty"`
	Task             string                     `json:"task"`
	BreakpointPolicy *protocol.BreakpointPolicy `json:"breakpoint_policy,omitempty"`
}

// CreateTaskResponse identifies the created task.
type CreateTaskResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status,omitempty"`
}

// SessionTask is one entry of a session's history.
type SessionTask struct {
	TaskID    string    `json:"task_id"`
	Request   string    `json:"request"`
	Result    string    `json:"result,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Terminal reports whether the task finished, successfully or not.
func (t SessionTask) Terminal() bool {
	return isTerminalStatus(t.Status)
}

// Restored converts a history entry for the store.
func (t SessionTask) Restored() state.RestoredTask {
	return state.RestoredTask{
		TaskID:    t.TaskID,
		Request:   t.Request,
		Result:    t.Result,
		Failed:    strings.EqualFold(t.Status, "failed"),
		Error:     t.Error,
		CreatedAt: t.CreatedAt,
	}
}

// Session is the REST view of a session.
type Session struct {
	ID        string        `json:"session_id"`
	Title     string        `json:"title,omitempty"`
	Tasks     []SessionTask `json:"tasks"`
	CreatedAt time.Time     `json:"created_at"`
}

// TaskDetail is the full record of one task.
type TaskDetail struct {
	TaskID      string               `json:"task_id"`
	SessionID   string               `json:"session_id,omitempty"`
	Status      string               `json:"status"`
	FinalResult string               `json:"final_result,omitempty"`
	Milestones  []protocol.Milestone `json:"milestones,omitempty"`
	Artifacts   []protocol.Artifact  `json:"artifacts,omitempty"`
	Usage       *protocol.Usage      `json:"usage,omitempty"`
}

// Terminal reports whether the detail can no longer change.
func (d TaskDetail) Terminal() bool {
	return isTerminalStatus(d.Status)
}

// StateDetail converts the detail for Store.MergeTaskDetail.
func (d TaskDetail) StateDetail() state.TaskDetail {
	return state.TaskDetail{
		TaskID:      d.TaskID,
		Milestones:  d.Milestones,
		Artifacts:   d.Artifacts,
		FinalResult: d.FinalResult,
		Usage:       d.Usage,
	}
}

type resumeRequest struct {
	UserInput string `json:"user_input,omitempty"`
}

type rejectRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func isTerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
