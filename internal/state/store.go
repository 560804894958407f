package state

import (
	"strings"
	"time"

	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/id"
	"alexwatch/internal/shared/logging"
)

// Options configures a Store.
type Options struct {
	Logger logging.Logger
	// Titles receives the once-per-session title derived from the first request.
	Titles TitleSink
	// OnError is the external error channel for task failures.
	OnError func(err error)
	Now     func() time.Time
	NewID   func() string
}

// Store holds the derived view of one session's event stream.
//
// Store is not safe for concurrent use. The session engine owns it from a
// single goroutine and hands out Snapshots to readers.
type Store struct {
	logger  logging.Logger
	titles  TitleSink
	onError func(error)
	now     func() time.Time
	newID   func() string

	sessionID string
	title     string
	messages  []*Message

	streaming  Streaming
	streamText strings.Builder

	activity   *Activity
	breakpoint *Breakpoint
	usage      UsageTotals

	completedAgents map[protocol.AgentType]struct{}
	lastMilestone   map[string]int
	titledSessions  map[string]bool

	// Correlation refs for the task currently narrated.
	taskID             string
	streamingMessageID string

	phase     string
	lastError string
	opError   string
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	s := &Store{
		logger:  logging.OrNop(opts.Logger),
		titles:  opts.Titles,
		onError: opts.OnError,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if s.titles == nil {
		s.titles = NewTitleRegistry()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = id.NewMessageID
	}
	s.resetCollections()
	return s
}

func (s *Store) resetCollections() {
	s.messages = nil
	s.streaming = Streaming{}
	s.streamText.Reset()
	s.activity = nil
	s.breakpoint = nil
	s.usage = UsageTotals{}
	s.completedAgents = make(map[protocol.AgentType]struct{})
	s.lastMilestone = make(map[string]int)
	s.titledSessions = make(map[string]bool)
	s.taskID = ""
	s.streamingMessageID = ""
	s.lastError = ""
	s.opError = ""
	s.title = ""
}

// Reset clears all state, aggregate usage included, and scopes the store to
// a new session.
func (s *Store) Reset(sessionID string) {
	s.resetCollections()
	s.sessionID = sessionID
}

// SetTitle shows a title delivered out of band, e.g. by session history.
func (s *Store) SetTitle(title string) {
	s.title = strings.TrimSpace(title)
}

// SessionID returns the session the store is scoped to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// ActiveTaskID returns the task currently narrated, if any.
func (s *Store) ActiveTaskID() string {
	return s.taskID
}

// SetConnectionPhase records the transport phase for the passive indicator.
func (s *Store) SetConnectionPhase(phase string) {
	s.phase = phase
}

// SetOperationError records a transient error from a client-side operation.
// It never rolls back state.
func (s *Store) SetOperationError(err error) {
	if err == nil {
		s.opError = ""
		return
	}
	s.opError = err.Error()
}

// AppendHumanMessage records the user's turn.
func (s *Store) AppendHumanMessage(content string, at time.Time) {
	if strings.TrimSpace(content) == "" {
		return
	}
	s.messages = append(s.messages, &Message{
		ID:        s.newID(),
		Role:      RoleHuman,
		Content:   content,
		Timestamp: s.stamp(at),
	})
}

func (s *Store) stamp(at time.Time) time.Time {
	if at.IsZero() {
		return s.now()
	}
	return at
}

func (s *Store) resolveTaskID(taskID string) string {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return s.taskID
	}
	return taskID
}

func (s *Store) findTaskMessage(taskID string) *Message {
	if taskID == "" {
		return s.findMessage(s.streamingMessageID)
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.Role == RoleAssistant && msg.TaskID == taskID {
			return msg
		}
	}
	return nil
}

func (s *Store) findMessage(messageID string) *Message {
	if messageID == "" {
		return nil
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == messageID {
			return s.messages[i]
		}
	}
	return nil
}

// getOrCreateTaskMessage is the single lazy-creation path for task messages;
// milestone or token events may precede task_started.
func (s *Store) getOrCreateTaskMessage(taskID string, at time.Time) (*Message, bool) {
	taskID = s.resolveTaskID(taskID)
	if msg := s.findTaskMessage(taskID); msg != nil {
		return msg, false
	}
	s.freezeStreaming()
	msg := &Message{
		ID:        s.newID(),
		Role:      RoleAssistant,
		Timestamp: s.stamp(at),
		TaskID:    taskID,
		Streaming: true,
	}
	s.messages = append(s.messages, msg)
	s.taskID = taskID
	s.streamingMessageID = msg.ID
	s.streaming = Streaming{IsStreaming: true}
	s.streamText.Reset()
	return msg, true
}

// terminalTaskMessage finds the message a terminal event applies to. A task
// this store never saw gets a finished message appended; the active stream
// and its correlation refs are left alone.
func (s *Store) terminalTaskMessage(taskID string, at time.Time) *Message {
	taskID = s.resolveTaskID(taskID)
	if msg := s.findTaskMessage(taskID); msg != nil {
		return msg
	}
	if s.streamingMessageID != "" {
		s.logger.Debug("terminal event for unseen task %s while %s is active", taskID, s.taskID)
	}
	msg := &Message{
		ID:        s.newID(),
		Role:      RoleAssistant,
		Timestamp: s.stamp(at),
		TaskID:    taskID,
	}
	s.messages = append(s.messages, msg)
	return msg
}

// freezeStreaming stops the previously active message before another task
// takes over the streaming refs.
func (s *Store) freezeStreaming() {
	if prev := s.findMessage(s.streamingMessageID); prev != nil && prev.Streaming {
		s.logger.Warn("task %s superseded while streaming; freezing message %s", prev.TaskID, prev.ID)
		prev.Streaming = false
	}
}

func (s *Store) isActive(msg *Message) bool {
	return msg != nil && msg.ID == s.streamingMessageID
}

// releaseActive clears streaming state, current activity and correlation refs
// so the next task starts cleanly.
func (s *Store) releaseActive() {
	s.streaming = Streaming{}
	s.streamText.Reset()
	s.activity = nil
	s.taskID = ""
	s.streamingMessageID = ""
}

func (s *Store) markAgentCompleted(agent protocol.AgentType) {
	if agent == "" {
		return
	}
	s.completedAgents[agent] = struct{}{}
}

func (s *Store) taskKey(msg *Message) string {
	if msg.TaskID != "" {
		return msg.TaskID
	}
	return msg.ID
}

func findBySequence(list []Milestone, sequence int) int {
	for i := range list {
		if list[i].Sequence == sequence {
			return i
		}
	}
	return -1
}

// recentMilestone returns the index of the most recently referenced
// milestone of msg, falling back to the last one.
func (s *Store) recentMilestone(msg *Message) int {
	if len(msg.Milestones) == 0 {
		return -1
	}
	if seq, ok := s.lastMilestone[s.taskKey(msg)]; ok {
		if i := findBySequence(msg.Milestones, seq); i >= 0 {
			return i
		}
	}
	return len(msg.Milestones) - 1
}

func advanceStatus(m *Milestone, next protocol.MilestoneStatus) {
	if next.Rank() >= m.Status.Rank() {
		m.Status = next
	}
}
