package protocol

import (
	jsonx "alexwatch/internal/shared/json"
)

// Usage reports token and cost accounting for a step or a whole task.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// Tokens returns TotalTokens, falling back to input+output.
func (u Usage) Tokens() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// QAResult is the quality checker's verdict for a milestone.
type QAResult struct {
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// Milestone is the wire form of one planned milestone.
type Milestone struct {
	ID            string    `json:"id,omitempty"`
	Index         int       `json:"index"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	Complexity    string    `json:"complexity,omitempty"`
	Status        string    `json:"status,omitempty"`
	SelectedModel string    `json:"selected_model,omitempty"`
	Usage         *Usage    `json:"usage,omitempty"`
	QAResult      *QAResult `json:"qa_result,omitempty"`
}

// Artifact references a file or document produced by the executor.
type Artifact struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Language string `json:"language,omitempty"`
}

// TaskStartedPayload opens a task narrative.
type TaskStartedPayload struct {
	TaskID             string      `json:"task_id"`
	SessionID          string      `json:"session_id,omitempty"`
	OriginalRequest    string      `json:"original_request,omitempty"`
	TotalMilestones    int         `json:"total_milestones,omitempty"`
	PreviousMilestones []Milestone `json:"previous_milestones,omitempty"`
}

// TaskProgressPayload moves the milestone cursor.
type TaskProgressPayload struct {
	TaskID           string `json:"task_id"`
	CurrentMilestone int    `json:"current_milestone"`
	TotalMilestones  int    `json:"total_milestones,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ProgressDetails holds the structured side payloads of a progress event.
type ProgressDetails struct {
	Milestones []Milestone    `json:"milestones,omitempty"`
	Artifacts  []Artifact     `json:"artifacts,omitempty"`
	Extra      map[string]any `json:"-"`
}

// UnmarshalJSON keeps the full detail map alongside the typed fields.
func (d *ProgressDetails) UnmarshalJSON(data []byte) error {
	type typed struct {
		Milestones []Milestone `json:"milestones,omitempty"`
		Artifacts  []Artifact  `json:"artifacts,omitempty"`
	}
	var t typed
	if err := jsonx.Unmarshal(data, &t); err != nil {
		return err
	}
	var extra map[string]any
	if err := jsonx.Unmarshal(data, &extra); err != nil {
		return err
	}
	delete(extra, "milestones")
	delete(extra, "artifacts")
	d.Milestones = t.Milestones
	d.Artifacts = t.Artifacts
	d.Extra = extra
	return nil
}

// MilestoneProgressPayload is shared by milestone_started and milestone_progress.
type MilestoneProgressPayload struct {
	TaskID         string           `json:"task_id"`
	Agent          string           `json:"agent"`
	Status         string           `json:"status,omitempty"`
	Message        string           `json:"message,omitempty"`
	MilestoneIndex *int             `json:"milestone_index,omitempty"`
	Model          string           `json:"model,omitempty"`
	Details        *ProgressDetails `json:"details,omitempty"`
}

// MilestoneCompletedPayload closes one milestone.
type MilestoneCompletedPayload struct {
	TaskID         string     `json:"task_id"`
	MilestoneIndex int        `json:"milestone_index"`
	Agent          string     `json:"agent,omitempty"`
	Milestone      *Milestone `json:"milestone,omitempty"`
	QAResult       *QAResult  `json:"qa_result,omitempty"`
	Usage          *Usage     `json:"usage,omitempty"`
}

// MilestoneRetryPayload annotates a milestone being re-attempted.
type MilestoneRetryPayload struct {
	TaskID         string `json:"task_id"`
	MilestoneIndex *int   `json:"milestone_index,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	Feedback       string `json:"feedback,omitempty"`
}

// TokenChunkPayload carries one streamed text fragment.
type TokenChunkPayload struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

// TokenCompletePayload ends a token stream.
type TokenCompletePayload struct {
	TaskID string `json:"task_id"`
	Model  string `json:"model,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
}

// TaskCompletedPayload finishes a task.
type TaskCompletedPayload struct {
	TaskID      string     `json:"task_id"`
	SessionID   string     `json:"session_id,omitempty"`
	FinalResult string     `json:"final_result"`
	Usage       *Usage     `json:"usage,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	TraceID     string     `json:"trace_id,omitempty"`
}

// TaskFailedPayload reports a failed task.
type TaskFailedPayload struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// ContextCompressedPayload announces that earlier context was summarized.
type ContextCompressedPayload struct {
	SessionID        string `json:"session_id,omitempty"`
	OriginalTokens   int    `json:"original_tokens,omitempty"`
	CompressedTokens int    `json:"compressed_tokens,omitempty"`
}

// BreakpointHitPayload signals that the server paused and awaits review.
type BreakpointHitPayload struct {
	TaskID           string         `json:"task_id"`
	SessionID        string         `json:"session_id,omitempty"`
	NodeName         string         `json:"node_name,omitempty"`
	AgentType        string         `json:"agent_type,omitempty"`
	CurrentExecution map[string]any `json:"current_execution,omitempty"`
}

// ErrorPayload is a server-side notice not tied to a task failure.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
}

// SessionUpdatePayload carries session metadata changes.
type SessionUpdatePayload struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}
