package state

import (
	"fmt"
	"strings"
	"time"

	"alexwatch/internal/protocol"
)

// Role identifies who authored a message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ActivityStatus captures the lifecycle of one agent step.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivityCompleted ActivityStatus = "completed"
	ActivityFailed    ActivityStatus = "failed"
)

func (s ActivityStatus) rank() int {
	switch s {
	case ActivityCompleted, ActivityFailed:
		return 2
	case ActivityRunning:
		return 1
	default:
		return 0
	}
}

// Milestone is one ordered unit of a task plan.
type Milestone struct {
	ID            string
	Sequence      int
	Title         string
	Description   string
	Complexity    protocol.Complexity
	Status        protocol.MilestoneStatus
	SelectedModel string
	Usage         *protocol.Usage
	QA            *protocol.QAResult
	RetryCount    int
	RetryFeedback string
}

const provisionalPrefix = "planned-"

func provisionalID(sequence int) string {
	return fmt.Sprintf("%s%d", provisionalPrefix, sequence)
}

// Provisional reports whether the milestone still carries a client-made id.
func (m Milestone) Provisional() bool {
	return m.ID == "" || strings.HasPrefix(m.ID, provisionalPrefix)
}

// Activity is one unit of work by one agent.
type Activity struct {
	Agent       protocol.AgentType
	Status      ActivityStatus
	Message     string
	StartedAt   *time.Time
	CompletedAt *time.Time
	Model       string
	Details     map[string]any
}

// Message is one conversational turn.
type Message struct {
	ID         string
	Role       Role
	Content    string
	Timestamp  time.Time
	TaskID     string
	Milestones []Milestone
	Activities []Activity
	Usage      *protocol.Usage
	Streaming  bool
	Artifacts  []protocol.Artifact
	RawContent string
	TraceID    string
	FinishedAt *time.Time
}

// Streaming is the incremental generation state of the active message.
type Streaming struct {
	IsStreaming      bool
	CurrentAgent     protocol.AgentType
	CurrentMilestone int
	TotalMilestones  int
	Chunks           []string
}

// Breakpoint is non-nil while the server waits for a human decision.
type Breakpoint struct {
	TaskID    string
	SessionID string
	NodeName  string
	AgentType protocol.AgentType
	Execution map[string]any
	Timestamp time.Time
}

// UsageTotals accumulates usage across the viewed session.
type UsageTotals struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	Cost         float64
	Tasks        int
}

// TaskDetail is the backfill shape fetched for a completed task.
type TaskDetail struct {
	TaskID      string
	Milestones  []protocol.Milestone
	Artifacts   []protocol.Artifact
	FinalResult string
	Usage       *protocol.Usage
}

// RestoredTask seeds the transcript with a task from session history.
type RestoredTask struct {
	TaskID    string
	Request   string
	Result    string
	Failed    bool
	Error     string
	CreatedAt time.Time
}

const (
	// CancelledMarker replaces empty content of a cancelled message.
	CancelledMarker = "Task cancelled."
	// CompressedNotice is the system message for context compression.
	CompressedNotice = "Earlier conversation context was summarized to save space."

	errorMarkerPrefix = "Task failed: "
	titleLimit        = 50
)

// ErrorMarker is the content written into a failed task's message.
func ErrorMarker(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	return errorMarkerPrefix + reason
}

// TruncateTitle derives a session title from the original request.
func TruncateTitle(request string) string {
	request = strings.Join(strings.Fields(request), " ")
	runes := []rune(request)
	if len(runes) <= titleLimit {
		return request
	}
	return string(runes[:titleLimit]) + "..."
}

func milestoneFromWire(m protocol.Milestone) Milestone {
	status, ok := protocol.ParseMilestoneStatus(m.Status)
	if !ok {
		status = protocol.MilestonePending
	}
	id := strings.TrimSpace(m.ID)
	if id == "" {
		id = provisionalID(m.Index)
	}
	return Milestone{
		ID:            id,
		Sequence:      m.Index,
		Title:         m.Title,
		Description:   m.Description,
		Complexity:    protocol.ParseComplexity(m.Complexity),
		Status:        status,
		SelectedModel: m.SelectedModel,
		Usage:         copyUsage(m.Usage),
		QA:            copyQA(m.QAResult),
	}
}

func milestonesFromWire(list []protocol.Milestone) []Milestone {
	if len(list) == 0 {
		return nil
	}
	out := make([]Milestone, 0, len(list))
	for _, m := range list {
		out = append(out, milestoneFromWire(m))
	}
	return out
}

func copyUsage(u *protocol.Usage) *protocol.Usage {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}

func copyQA(q *protocol.QAResult) *protocol.QAResult {
	if q == nil {
		return nil
	}
	clone := *q
	clone.Issues = append([]string(nil), q.Issues...)
	return &clone
}

func copyTimePtr(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}

func copyInterfaceMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
