package protocol

import "strings"

// EventType is the discriminated tag carried by every envelope.
type EventType string

// Inbound tags. The vocabulary is closed; unknown tags decode fine and are
// ignored by the dispatch table.
const (
	EventConnected     EventType = "connected"
	EventAuthSuccess   EventType = "auth_success"
	EventSubscribed    EventType = "subscribed"
	EventUnsubscribed  EventType = "unsubscribed"
	EventPong          EventType = "pong"
	EventError         EventType = "error"
	EventSessionUpdate EventType = "session_updated"

	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	EventMilestoneStarted   EventType = "milestone_started"
	EventMilestoneProgress  EventType = "milestone_progress"
	EventMilestoneCompleted EventType = "milestone_completed"
	EventMilestoneRetry     EventType = "milestone_retry"

	EventTokenChunk    EventType = "llm_token"
	EventTokenComplete EventType = "llm_complete"

	EventContextCompressed EventType = "context_compressed"

	EventBreakpointHit     EventType = "breakpoint_hit"
	EventBreakpointResumed EventType = "breakpoint_resumed"
)

// Outbound tags.
const (
	EventSubscribe         EventType = "subscribe"
	EventUnsubscribe       EventType = "unsubscribe"
	EventPing              EventType = "ping"
	EventBreakpointResume  EventType = "breakpoint_resume"
	EventBreakpointReject  EventType = "breakpoint_reject"
	EventBreakpointUpdate  EventType = "breakpoint_update"
	EventTaskCancelRequest EventType = "task_cancel"
)

// MilestoneStatus is the lifecycle of one milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestonePassed     MilestoneStatus = "passed"
	MilestoneFailed     MilestoneStatus = "failed"
)

// ParseMilestoneStatus normalizes the spellings servers use. Unknown or empty
// values report false.
func ParseMilestoneStatus(value string) (MilestoneStatus, bool) {
	switch normalize(value) {
	case "pending", "planned":
		return MilestonePending, true
	case "in_progress", "running", "started":
		return MilestoneInProgress, true
	case "passed", "completed", "done", "success":
		return MilestonePassed, true
	case "failed", "error":
		return MilestoneFailed, true
	}
	return "", false
}

// Rank orders statuses so updates never regress a milestone.
func (s MilestoneStatus) Rank() int {
	switch s {
	case MilestoneInProgress:
		return 1
	case MilestonePassed, MilestoneFailed:
		return 2
	default:
		return 0
	}
}

// Complexity is the planner's size estimate for a milestone.
type Complexity string

const (
	ComplexityTrivial      Complexity = "trivial"
	ComplexitySimple       Complexity = "simple"
	ComplexityModerate     Complexity = "moderate"
	ComplexityComplex      Complexity = "complex"
	ComplexityContextHeavy Complexity = "context_heavy"
)

// ParseComplexity maps wire values onto the closed enum, defaulting to moderate.
func ParseComplexity(value string) Complexity {
	switch normalize(value) {
	case "trivial":
		return ComplexityTrivial
	case "simple":
		return ComplexitySimple
	case "complex":
		return ComplexityComplex
	case "context_heavy":
		return ComplexityContextHeavy
	default:
		return ComplexityModerate
	}
}

// AgentType names an automated actor in the execution pipeline.
type AgentType string

const (
	AgentPlanner        AgentType = "planner"
	AgentExecutor       AgentType = "executor"
	AgentQualityChecker AgentType = "quality_checker"
	AgentSummarizer     AgentType = "summarizer"
	AgentResponder      AgentType = "responder"
	AgentRouter         AgentType = "router"
	AgentSystem         AgentType = "system"
)

// ParseAgentType accepts common aliases. Unrecognized names are kept verbatim
// so the activity history still shows them.
func ParseAgentType(value string) AgentType {
	switch normalize(value) {
	case "planner", "planning", "plan":
		return AgentPlanner
	case "executor", "execution", "coder":
		return AgentExecutor
	case "quality_checker", "qa", "qa_checker", "reviewer":
		return AgentQualityChecker
	case "summarizer", "summary":
		return AgentSummarizer
	case "responder", "response":
		return AgentResponder
	case "router", "routing":
		return AgentRouter
	case "", "system":
		return AgentSystem
	default:
		return AgentType(normalize(value))
	}
}

// ProgressStatus is the explicit status carried by milestone progress events.
type ProgressStatus string

const (
	ProgressStarted   ProgressStatus = "started"
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
)

// ParseProgressStatus returns false when the server omitted the field or sent
// something unknown.
func ParseProgressStatus(value string) (ProgressStatus, bool) {
	switch normalize(value) {
	case "started", "start":
		return ProgressStarted, true
	case "running", "in_progress", "progress":
		return ProgressRunning, true
	case "completed", "passed", "done", "success":
		return ProgressCompleted, true
	case "failed", "error":
		return ProgressFailed, true
	}
	return "", false
}

// Terminal reports whether the status closes out the agent's step.
func (s ProgressStatus) Terminal() bool {
	return s == ProgressCompleted || s == ProgressFailed
}

func normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return strings.NewReplacer("-", "_", " ", "_").Replace(value)
}
