package state

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alexwatch/internal/protocol"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	seq := 0
	s := NewStore(Options{
		Now: func() time.Time { return baseTime },
		NewID: func() string {
			seq++
			return fmt.Sprintf("msg-%d", seq)
		},
	})
	s.Reset("session-1")
	return s
}

func intPtr(v int) *int { return &v }

func streamingCount(snap Snapshot, taskID string) int {
	n := 0
	for _, msg := range snap.Messages {
		if msg.TaskID == taskID && msg.Streaming {
			n++
		}
	}
	return n
}

func TestTokenChunksFoldIntoContentInOrder(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1", SessionID: "session-1"}, baseTime)

	chunks := []string{"Hel", "lo", ", ", "", "wor", "ld"}
	for _, chunk := range chunks {
		s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-1", Content: chunk}, baseTime)
	}

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-1")
	require.NotNil(t, msg)
	assert.Equal(t, "Hello, world", msg.Content)
	assert.Equal(t, chunks, snap.Streaming.Chunks)
	assert.Equal(t, strings.Join(snap.Streaming.Chunks, ""), msg.Content)
}

func TestSingleActiveStreamPerTask(t *testing.T) {
	s := newTestStore(t)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "running"}, baseTime)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1", TotalMilestones: 3}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-1", Content: "a"}, baseTime)
	assert.Equal(t, 1, streamingCount(s.Snapshot(), "task-1"))

	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-2"}, baseTime)
	snap := s.Snapshot()
	assert.Equal(t, 0, streamingCount(snap, "task-1"))
	assert.Equal(t, 1, streamingCount(snap, "task-2"))
	assert.Equal(t, "task-2", snap.ActiveTaskID)
}

func TestMilestoneProgressBeforeTaskStarted(t *testing.T) {
	s := newTestStore(t)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "planner", Status: "started"}, baseTime)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Streaming)
	require.NotNil(t, snap.Activity)
	assert.Equal(t, protocol.AgentPlanner, snap.Activity.Agent)

	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1", TotalMilestones: 4}, baseTime)
	snap = s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, 4, snap.Streaming.TotalMilestones)
}

func TestTaskStartedSeedsPreviousMilestones(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{
		TaskID:          "task-2",
		TotalMilestones: 2,
		PreviousMilestones: []protocol.Milestone{
			{ID: "m-a", Index: 0, Title: "first", Status: "passed"},
			{Index: 1, Title: "second", Status: "passed"},
		},
	}, baseTime)

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-2")
	require.NotNil(t, msg)
	require.Len(t, msg.Milestones, 2)
	assert.Equal(t, "m-a", msg.Milestones[0].ID)
	assert.Equal(t, "planned-1", msg.Milestones[1].ID)
	assert.True(t, msg.Milestones[1].Provisional())
	assert.Equal(t, 2, snap.Streaming.CurrentMilestone)
	assert.Equal(t, 4, snap.Streaming.TotalMilestones)
}

func TestPlannerCompletionReplacesMilestones(t *testing.T) {
	s := newTestStore(t)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{
		TaskID: "task-1",
		Agent:  "planner",
		Status: "completed",
		Details: &protocol.ProgressDetails{Milestones: []protocol.Milestone{
			{Index: 0, Title: "gather"},
			{Index: 1, Title: "write"},
		}},
	}, baseTime)

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-1")
	require.NotNil(t, msg)
	require.Len(t, msg.Milestones, 2)
	for i, m := range msg.Milestones {
		assert.Equal(t, i, m.Sequence)
		assert.Equal(t, protocol.MilestonePending, m.Status)
	}
	assert.Equal(t, 2, snap.Streaming.TotalMilestones)
	assert.Contains(t, snap.CompletedAgents, protocol.AgentPlanner)
}

func TestExecutorArtifactsReplacedWholesale(t *testing.T) {
	s := newTestStore(t)
	complete := func(names ...string) {
		artifacts := make([]protocol.Artifact, 0, len(names))
		for _, name := range names {
			artifacts = append(artifacts, protocol.Artifact{Name: name})
		}
		s.MilestoneProgress(protocol.MilestoneProgressPayload{
			TaskID:  "task-1",
			Agent:   "executor",
			Status:  "completed",
			Details: &protocol.ProgressDetails{Artifacts: artifacts},
		}, baseTime)
	}
	complete("a.md", "b.md")
	complete("c.md")

	msg := s.Snapshot().TaskMessage("task-1")
	require.NotNil(t, msg)
	require.Len(t, msg.Artifacts, 1)
	assert.Equal(t, "c.md", msg.Artifacts[0].Name)
}

func TestCompletionUpgradesRunningEntry(t *testing.T) {
	s := newTestStore(t)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "running", Message: "writing"}, baseTime)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "running", Message: "still writing"}, baseTime.Add(time.Second))
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "completed"}, baseTime.Add(2*time.Second))

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-1")
	require.NotNil(t, msg)
	require.Len(t, msg.Activities, 1)
	entry := msg.Activities[0]
	assert.Equal(t, ActivityCompleted, entry.Status)
	assert.Equal(t, "still writing", entry.Message)
	require.NotNil(t, entry.CompletedAt)
	assert.Nil(t, snap.Activity)
}

func TestExplicitStatusWinsOverKeywords(t *testing.T) {
	s := newTestStore(t)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "running", Message: "completed step one of three"}, baseTime)

	snap := s.Snapshot()
	require.NotNil(t, snap.Activity)
	assert.Equal(t, ActivityRunning, snap.Activity.Status)
	assert.Empty(t, snap.CompletedAgents)
}

func TestLegacyKeywordsWhenStatusMissing(t *testing.T) {
	s := newTestStore(t)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "summarizer", Message: "Summary finished"}, baseTime)
	assert.Contains(t, s.Snapshot().CompletedAgents, protocol.AgentSummarizer)
}

func TestMilestoneCompletedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{
		TaskID: "task-1", Agent: "planner", Status: "completed",
		Details: &protocol.ProgressDetails{Milestones: []protocol.Milestone{{Index: 0}, {Index: 1}}},
	}, baseTime)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "running", MilestoneIndex: intPtr(0)}, baseTime)

	event := protocol.MilestoneCompletedPayload{
		TaskID:         "task-1",
		MilestoneIndex: 0,
		Agent:          "executor",
		Milestone:      &protocol.Milestone{ID: "srv-0", Index: 0},
	}
	s.MilestoneCompleted(event, baseTime)
	once := s.Snapshot().TaskMessage("task-1").Milestones

	s.MilestoneCompleted(event, baseTime)
	twice := s.Snapshot().TaskMessage("task-1").Milestones

	assert.Equal(t, once, twice)
	require.Len(t, twice, 2)
	assert.Equal(t, protocol.MilestonePassed, twice[0].Status)
	assert.Equal(t, "srv-0", twice[0].ID)
	assert.Equal(t, protocol.MilestonePending, twice[1].Status)
}

func TestMilestoneCompletedUnknownSequenceAppends(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.MilestoneCompleted(protocol.MilestoneCompletedPayload{TaskID: "task-1", MilestoneIndex: 3}, baseTime)

	msg := s.Snapshot().TaskMessage("task-1")
	require.Len(t, msg.Milestones, 1)
	assert.Equal(t, 3, msg.Milestones[0].Sequence)
	assert.Equal(t, protocol.MilestonePassed, msg.Milestones[0].Status)
}

func TestTaskProgressNeverRegresses(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{
		TaskID:             "task-1",
		PreviousMilestones: []protocol.Milestone{{Index: 0, Status: "passed"}, {Index: 1}},
	}, baseTime)

	s.TaskProgress(protocol.TaskProgressPayload{TaskID: "task-1", CurrentMilestone: 0, TotalMilestones: 2}, baseTime)
	s.TaskProgress(protocol.TaskProgressPayload{TaskID: "task-1", CurrentMilestone: 1, TotalMilestones: 2}, baseTime)

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-1")
	assert.Equal(t, protocol.MilestonePassed, msg.Milestones[0].Status)
	assert.Equal(t, protocol.MilestoneInProgress, msg.Milestones[1].Status)
	assert.Equal(t, 1, snap.Streaming.CurrentMilestone)
}

func TestMilestoneRetryAnnotatesRecentMilestone(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{
		TaskID:             "task-1",
		PreviousMilestones: []protocol.Milestone{{Index: 0}, {Index: 1}},
	}, baseTime)
	s.TaskProgress(protocol.TaskProgressPayload{TaskID: "task-1", CurrentMilestone: 0}, baseTime)
	s.MilestoneRetry(protocol.MilestoneRetryPayload{TaskID: "task-1", Feedback: "add sources"}, baseTime)
	s.MilestoneRetry(protocol.MilestoneRetryPayload{TaskID: "task-1", Attempt: 3}, baseTime)

	m := s.Snapshot().TaskMessage("task-1").Milestones[0]
	assert.Equal(t, 3, m.RetryCount)
	assert.Equal(t, "add sources", m.RetryFeedback)
	assert.Equal(t, protocol.MilestoneInProgress, m.Status)
}

func TestTokenCompleteRecordsUsage(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1", PreviousMilestones: []protocol.Milestone{{Index: 0}}}, baseTime)
	s.MilestoneProgress(protocol.MilestoneProgressPayload{TaskID: "task-1", Agent: "executor", Status: "running", MilestoneIndex: intPtr(0)}, baseTime)
	s.TokenComplete(protocol.TokenCompletePayload{TaskID: "task-1", Model: "m-large", Usage: &protocol.Usage{InputTokens: 5, OutputTokens: 7}}, baseTime)

	snap := s.Snapshot()
	assert.Nil(t, snap.Activity)
	m := snap.TaskMessage("task-1").Milestones[0]
	require.NotNil(t, m.Usage)
	assert.Equal(t, 12, m.Usage.Tokens())
	assert.Equal(t, "m-large", m.SelectedModel)
}

func TestTaskCompletedFreezesAndFoldsUsage(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-1", Content: "draft"}, baseTime)

	done := protocol.TaskCompletedPayload{
		TaskID:      "task-1",
		FinalResult: "Here it is:\n```go\nfmt.Println()\n```\n\n\n\nDone `ok`.",
		Usage:       &protocol.Usage{InputTokens: 10, OutputTokens: 20, Cost: 0.5},
		TraceID:     "trace-9",
	}
	s.TaskCompleted(done, baseTime)
	s.TaskCompleted(done, baseTime)

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-1")
	require.NotNil(t, msg)
	assert.False(t, msg.Streaming)
	assert.Equal(t, "Here it is:\n\nDone `ok`.", msg.Content)
	assert.Equal(t, done.FinalResult, msg.RawContent)
	assert.Equal(t, "trace-9", msg.TraceID)
	assert.Equal(t, 30, snap.Usage.TotalTokens)
	assert.InDelta(t, 0.5, snap.Usage.Cost, 1e-9)
	assert.Equal(t, 1, snap.Usage.Tasks)
	assert.Empty(t, snap.Streaming.Chunks)
	assert.False(t, snap.Streaming.IsStreaming)
	assert.Empty(t, snap.ActiveTaskID)
}

func TestTaskFailedAnnotatesInPlace(t *testing.T) {
	var reported error
	s := NewStore(Options{OnError: func(err error) { reported = err }})
	s.Reset("session-1")
	s.AppendHumanMessage("do it", baseTime)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-1", Content: "half"}, baseTime)
	s.TaskFailed(protocol.TaskFailedPayload{TaskID: "task-1", Error: "model unavailable"}, baseTime)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Task failed: model unavailable", snap.Messages[1].Content)
	assert.False(t, snap.Messages[1].Streaming)
	assert.Equal(t, "model unavailable", snap.LastError)
	require.Error(t, reported)
	assert.Contains(t, reported.Error(), "model unavailable")
	assert.Empty(t, snap.ActiveTaskID)
}

func TestCancelEmptyVersusPartialContent(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.FinalizeCancelled(baseTime)
	assert.Equal(t, CancelledMarker, s.Snapshot().TaskMessage("task-1").Content)

	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-2"}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-2", Content: "partial output"}, baseTime)
	s.FinalizeCancelled(baseTime)

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-2")
	assert.Equal(t, "partial output", msg.Content)
	assert.False(t, msg.Streaming)
	assert.Empty(t, snap.Streaming.Chunks)
	assert.Nil(t, snap.Activity)
	assert.Empty(t, snap.ActiveTaskID)
}

func TestTitleTruncatedAndWrittenOnce(t *testing.T) {
	registry := NewTitleRegistry()
	s := NewStore(Options{Titles: registry})
	s.Reset("session-1")

	request := strings.Repeat("abcdefghij", 8)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1", SessionID: "session-1", OriginalRequest: request}, baseTime)
	s.TaskCompleted(protocol.TaskCompletedPayload{TaskID: "task-1", FinalResult: "ok"}, baseTime)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-2", SessionID: "session-1", OriginalRequest: "something else"}, baseTime)

	title, ok := registry.Title("session-1")
	require.True(t, ok)
	assert.Equal(t, request[:50]+"...", title)
	assert.Len(t, []rune(title), 53)
	assert.Equal(t, title, s.Snapshot().Title)
}

func TestSessionUpdatedDoesNotOverwrite(t *testing.T) {
	registry := NewTitleRegistry()
	require.True(t, registry.SetTitleIfEmpty("session-1", "first"))
	s := NewStore(Options{Titles: registry})
	s.Reset("session-1")
	s.SessionUpdated(protocol.SessionUpdatePayload{SessionID: "session-1", Title: "second"}, baseTime)

	title, _ := registry.Title("session-1")
	assert.Equal(t, "first", title)
}

func TestContextCompressedOnlyAppendsNotice(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-1", Content: "x"}, baseTime)
	before := s.Snapshot()

	s.ContextCompressed(protocol.ContextCompressedPayload{}, baseTime)
	after := s.Snapshot()

	require.Len(t, after.Messages, len(before.Messages)+1)
	notice := after.Messages[len(after.Messages)-1]
	assert.Equal(t, RoleSystem, notice.Role)
	assert.Equal(t, CompressedNotice, notice.Content)
	assert.Equal(t, before.Streaming, after.Streaming)
	assert.Equal(t, before.ActiveTaskID, after.ActiveTaskID)
}

func TestBreakpointHitSetsPausedActivity(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.BreakpointHit(protocol.BreakpointHitPayload{
		TaskID:           "task-1",
		NodeName:         "execute_milestone",
		AgentType:        "executor",
		CurrentExecution: map[string]any{"milestone": 1.0},
	}, baseTime)

	snap := s.Snapshot()
	require.True(t, snap.Paused())
	assert.Equal(t, "task-1", snap.Breakpoint.TaskID)
	assert.Equal(t, "session-1", snap.Breakpoint.SessionID)
	require.NotNil(t, snap.Activity)
	assert.Equal(t, ActivityPending, snap.Activity.Status)
	assert.Equal(t, protocol.AgentExecutor, snap.Activity.Agent)

	snap.Breakpoint.Execution["milestone"] = 2.0
	assert.Equal(t, 1.0, s.Breakpoint().Execution["milestone"])

	s.BreakpointResumed("task-1", baseTime)
	assert.Nil(t, s.Breakpoint())
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1", PreviousMilestones: []protocol.Milestone{{Index: 0}}}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-1", Content: "a"}, baseTime)

	snap := s.Snapshot()
	snap.Messages[0].Milestones[0].Title = "mutated"
	snap.Streaming.Chunks[0] = "b"

	fresh := s.Snapshot()
	assert.Empty(t, fresh.Messages[0].Milestones[0].Title)
	assert.Equal(t, "a", fresh.Streaming.Chunks[0])
}

func TestResetClearsUsage(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.TaskCompleted(protocol.TaskCompletedPayload{TaskID: "task-1", Usage: &protocol.Usage{TotalTokens: 9}}, baseTime)
	require.Equal(t, 9, s.Snapshot().Usage.TotalTokens)

	s.Reset("session-2")
	snap := s.Snapshot()
	assert.Zero(t, snap.Usage)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, "session-2", snap.SessionID)
}

func TestOperationErrorDoesNotRollBack(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-1"}, baseTime)
	s.FinalizeCancelled(baseTime)
	s.SetOperationError(errors.New("cancel delivery failed"))

	snap := s.Snapshot()
	assert.Equal(t, "cancel delivery failed", snap.OperationError)
	assert.Equal(t, CancelledMarker, snap.TaskMessage("task-1").Content)
}

func TestMergeTaskDetailMatchesByIDAndSequence(t *testing.T) {
	s := newTestStore(t)
	s.RestoreTask(RestoredTask{TaskID: "task-1", Request: "hi", Result: "done", CreatedAt: baseTime})
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-2"}, baseTime)

	ok := s.MergeTaskDetail(TaskDetail{
		TaskID: "task-1",
		Milestones: []protocol.Milestone{
			{ID: "m-1", Index: 0, Title: "one", Status: "passed"},
			{Index: 1, Title: "two", Status: "failed"},
		},
		Artifacts: []protocol.Artifact{{Name: "report.md"}},
	})
	require.True(t, ok)
	ok = s.MergeTaskDetail(TaskDetail{
		TaskID:     "task-1",
		Milestones: []protocol.Milestone{{ID: "m-1", Index: 0, Status: "in_progress"}},
	})
	require.True(t, ok)

	snap := s.Snapshot()
	msg := snap.TaskMessage("task-1")
	require.Len(t, msg.Milestones, 2)
	assert.Equal(t, protocol.MilestonePassed, msg.Milestones[0].Status)
	assert.Equal(t, "two", msg.Milestones[1].Title)
	assert.Len(t, msg.Artifacts, 1)
	assert.Equal(t, "done", msg.Content)
	assert.Equal(t, "task-2", snap.ActiveTaskID)

	assert.False(t, s.MergeTaskDetail(TaskDetail{TaskID: "missing"}))
}

func TestMergeTaskDetailReplacesFallbackContent(t *testing.T) {
	s := newTestStore(t)
	s.RestoreTask(RestoredTask{TaskID: "task-1", Request: "hi", CreatedAt: baseTime})
	s.RestoreTask(RestoredTask{TaskID: "task-2", Request: "again", Failed: true, Error: "boom", CreatedAt: baseTime})
	require.Equal(t, FallbackResult, s.Snapshot().TaskMessage("task-1").Content)

	require.True(t, s.MergeTaskDetail(TaskDetail{TaskID: "task-1", FinalResult: "Here is the real answer."}))
	require.True(t, s.MergeTaskDetail(TaskDetail{TaskID: "task-2", FinalResult: "partial"}))

	snap := s.Snapshot()
	first := snap.TaskMessage("task-1")
	assert.Equal(t, "Here is the real answer.", first.Content)
	assert.Equal(t, "Here is the real answer.", first.RawContent)
	assert.Equal(t, "Task failed: boom", snap.TaskMessage("task-2").Content)
}

func TestTerminalEventForUnseenTaskKeepsActiveStream(t *testing.T) {
	s := newTestStore(t)
	s.TaskStarted(protocol.TaskStartedPayload{TaskID: "task-a"}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-a", Content: "hel"}, baseTime)

	s.TaskCompleted(protocol.TaskCompletedPayload{TaskID: "old", FinalResult: "earlier answer"}, baseTime)
	s.TaskFailed(protocol.TaskFailedPayload{TaskID: "older", Error: "timeout"}, baseTime)
	s.TokenChunk(protocol.TokenChunkPayload{TaskID: "task-a", Content: "lo"}, baseTime)

	snap := s.Snapshot()
	active := snap.TaskMessage("task-a")
	require.NotNil(t, active)
	assert.Equal(t, "hello", active.Content)
	assert.True(t, active.Streaming)
	assert.Equal(t, "task-a", snap.ActiveTaskID)
	assert.True(t, snap.Streaming.IsStreaming)

	old := snap.TaskMessage("old")
	require.NotNil(t, old)
	assert.False(t, old.Streaming)
	assert.Equal(t, "earlier answer", old.Content)
	assert.Equal(t, "Task failed: timeout", snap.TaskMessage("older").Content)
	assert.Len(t, snap.Messages, 3)
}
