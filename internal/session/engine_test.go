package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alexwatch/internal/protocol"
	"alexwatch/internal/state"
	"alexwatch/internal/taskapi"
	"alexwatch/internal/transport"
)

var baseTime = time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu        sync.Mutex
	listener  func(protocol.Envelope)
	connected []string
	sent      []protocol.Envelope
	available bool
	reconnect int
}

func (f *fakeTransport) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeTransport) Connect(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, sessionID)
	f.available = true
	return nil
}

func (f *fakeTransport) Reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnect++
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = false
}

func (f *fakeTransport) OnMessage(fn func(protocol.Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.listener = nil
	}
}

func (f *fakeTransport) deliver(t *testing.T, eventType protocol.EventType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(eventType, payload, baseTime)
	require.NoError(t, err)
	f.mu.Lock()
	fn := f.listener
	f.mu.Unlock()
	require.NotNil(t, fn, "engine is not listening")
	fn(env)
}

func (f *fakeTransport) sentTypes() []protocol.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.EventType, 0, len(f.sent))
	for _, env := range f.sent {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeTransport) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connected...)
}

type fakeAPI struct {
	mu       sync.Mutex
	created  []taskapi.CreateTaskRequest
	session  taskapi.Session
	details  map[string]taskapi.TaskDetail
	fetched  chan string
	createFn func(req taskapi.CreateTaskRequest) (taskapi.CreateTaskResponse, error)
}

func (f *fakeAPI) CreateTask(_ context.Context, req taskapi.CreateTaskRequest) (taskapi.CreateTaskResponse, error) {
	f.mu.Lock()
	f.created = append(f.created, req)
	f.mu.Unlock()
	if f.createFn != nil {
		return f.createFn(req)
	}
	return taskapi.CreateTaskResponse{TaskID: "task-1", SessionID: "sess-1"}, nil
}

func (f *fakeAPI) GetSession(_ context.Context, sessionID string) (taskapi.Session, error) {
	if f.session.ID != sessionID {
		return taskapi.Session{}, fmt.Errorf("session %s not found", sessionID)
	}
	return f.session, nil
}

func (f *fakeAPI) GetTask(_ context.Context, taskID string) (taskapi.TaskDetail, error) {
	if f.fetched != nil {
		defer func() { f.fetched <- taskID }()
	}
	detail, ok := f.details[taskID]
	if !ok {
		return taskapi.TaskDetail{}, errors.New("not found")
	}
	return detail, nil
}

func (f *fakeAPI) CancelTask(context.Context, string) error         { return nil }
func (f *fakeAPI) ResumeTask(context.Context, string, string) error { return nil }
func (f *fakeAPI) RejectTask(context.Context, string, string) error { return nil }

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return baseTime }
	}
	e := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	require.Eventually(t, func() bool { return e.running.Load() }, time.Second, time.Millisecond)
	// Wait until the listener is registered.
	require.NoError(t, e.call(context.Background(), func(*state.Store) error { return nil }))
	return e
}

func eventually(t *testing.T, e *Engine, cond func(state.Snapshot) bool) state.Snapshot {
	t.Helper()
	var snap state.Snapshot
	require.Eventually(t, func() bool {
		snap = e.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestStartTaskCreatesAndConnects(t *testing.T) {
	tr := &fakeTransport{}
	api := &fakeAPI{}
	e := startEngine(t, Options{Transport: tr, API: api})

	resp, err := e.StartTask(context.Background(), "  write a haiku  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Equal(t, []string{"sess-1"}, tr.sessions())
	require.Len(t, api.created, 1)
	assert.Empty(t, api.created[0].SessionID)

	snap := eventually(t, e, func(s state.Snapshot) bool { return len(s.Messages) == 1 })
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, state.RoleHuman, snap.Messages[0].Role)
	assert.Equal(t, "write a haiku", snap.Messages[0].Content)

	_, err = e.StartTask(context.Background(), "and another", nil)
	require.NoError(t, err)
	require.Len(t, api.created, 2)
	assert.Equal(t, "sess-1", api.created[1].SessionID)
}

func TestStartTaskFailureSetsOperationError(t *testing.T) {
	api := &fakeAPI{createFn: func(taskapi.CreateTaskRequest) (taskapi.CreateTaskResponse, error) {
		return taskapi.CreateTaskResponse{}, errors.New("quota exceeded")
	}}
	tr := &fakeTransport{}
	e := startEngine(t, Options{Transport: tr, API: api})

	_, err := e.StartTask(context.Background(), "x", nil)
	require.Error(t, err)
	eventually(t, e, func(s state.Snapshot) bool { return s.OperationError == "quota exceeded" })
	assert.Empty(t, tr.sessions())
}

func TestInboundEventsAreAppliedInOrder(t *testing.T) {
	tr := &fakeTransport{}
	e := startEngine(t, Options{Transport: tr})

	tr.deliver(t, protocol.EventTaskStarted, protocol.TaskStartedPayload{TaskID: "t-1", SessionID: "s", OriginalRequest: "go"})
	for _, chunk := range []string{"a", "b", "c", "d"} {
		tr.deliver(t, protocol.EventTokenChunk, protocol.TokenChunkPayload{TaskID: "t-1", Content: chunk})
	}

	snap := eventually(t, e, func(s state.Snapshot) bool { return len(s.Streaming.Chunks) == 4 })
	assert.Equal(t, []string{"a", "b", "c", "d"}, snap.Streaming.Chunks)
	assert.Equal(t, "abcd", snap.TaskMessage("t-1").Content)
}

func TestTaskFailureReachesOnError(t *testing.T) {
	tr := &fakeTransport{}
	failures := make(chan error, 1)
	e := startEngine(t, Options{Transport: tr, OnError: func(err error) { failures <- err }})

	tr.deliver(t, protocol.EventTaskStarted, protocol.TaskStartedPayload{TaskID: "t-1"})
	tr.deliver(t, protocol.EventTaskFailed, protocol.TaskFailedPayload{TaskID: "t-1", Error: "tool crashed"})

	select {
	case err := <-failures:
		assert.ErrorContains(t, err, "tool crashed")
	case <-time.After(2 * time.Second):
		t.Fatal("OnError not called")
	}
	snap := eventually(t, e, func(s state.Snapshot) bool { return s.LastError != "" })
	assert.Equal(t, state.ErrorMarker("tool crashed"), snap.TaskMessage("t-1").Content)
}

func TestLoadSessionRestoresAndBackfills(t *testing.T) {
	tr := &fakeTransport{}
	api := &fakeAPI{
		session: taskapi.Session{
			ID:    "sess-9",
			Title: "Release notes",
			Tasks: []taskapi.SessionTask{
				{TaskID: "t-1", Request: "summarize", Result: "```\nlog\n```\nDone.", Status: "completed", CreatedAt: baseTime},
				{TaskID: "t-2", Request: "ongoing", Status: "running", CreatedAt: baseTime},
			},
		},
		details: map[string]taskapi.TaskDetail{
			"t-1": {
				TaskID: "t-1",
				Status: "completed",
				Milestones: []protocol.Milestone{
					{ID: "m-1", Index: 0, Title: "Collect", Status: "passed"},
				},
			},
		},
		fetched: make(chan string, 4),
	}
	e := startEngine(t, Options{Transport: tr, API: api})

	require.NoError(t, e.LoadSession(context.Background(), "sess-9"))
	assert.Equal(t, []string{"sess-9"}, tr.sessions())
	assert.Equal(t, "t-1", <-api.fetched)

	snap := eventually(t, e, func(s state.Snapshot) bool {
		msg := s.TaskMessage("t-1")
		return msg != nil && len(msg.Milestones) == 1
	})
	assert.Equal(t, "Release notes", snap.Title)
	assert.Equal(t, "Done.", snap.TaskMessage("t-1").Content)
	assert.Nil(t, snap.TaskMessage("t-2"))
	assert.Equal(t, protocol.MilestonePassed, snap.TaskMessage("t-1").Milestones[0].Status)
}

func TestLoadSessionUnknown(t *testing.T) {
	e := startEngine(t, Options{Transport: &fakeTransport{}, API: &fakeAPI{}})
	assert.Error(t, e.LoadSession(context.Background(), "missing"))
	assert.Error(t, e.LoadSession(context.Background(), " "))
}

func TestBreakpointRoundTrip(t *testing.T) {
	tr := &fakeTransport{available: true}
	e := startEngine(t, Options{Transport: tr})

	tr.deliver(t, protocol.EventTaskStarted, protocol.TaskStartedPayload{TaskID: "t-1"})
	tr.deliver(t, protocol.EventBreakpointHit, protocol.BreakpointHitPayload{TaskID: "t-1", AgentType: "planner"})
	eventually(t, e, func(s state.Snapshot) bool { return s.Paused() })

	require.NoError(t, e.Resume(context.Background(), "looks good"))
	snap := eventually(t, e, func(s state.Snapshot) bool { return !s.Paused() })
	require.NotNil(t, snap.Activity)
	assert.Equal(t, state.ActivityRunning, snap.Activity.Status)
	assert.Equal(t, []protocol.EventType{protocol.EventBreakpointResume}, tr.sentTypes())

	assert.Error(t, e.Resume(context.Background(), "again"))
}

func TestCancelAndPolicy(t *testing.T) {
	tr := &fakeTransport{available: true}
	e := startEngine(t, Options{Transport: tr})

	tr.deliver(t, protocol.EventTaskStarted, protocol.TaskStartedPayload{TaskID: "t-1"})
	eventually(t, e, func(s state.Snapshot) bool { return s.ActiveTaskID == "t-1" })

	require.NoError(t, e.UpdatePolicy(context.Background(), protocol.BreakpointPolicy{Granularity: protocol.GranularityMilestone}))
	require.NoError(t, e.Cancel(context.Background()))

	snap := eventually(t, e, func(s state.Snapshot) bool { return s.ActiveTaskID == "" })
	assert.Equal(t, state.CancelledMarker, snap.TaskMessage("t-1").Content)
	assert.Equal(t, []protocol.EventType{protocol.EventBreakpointUpdate, protocol.EventTaskCancelRequest}, tr.sentTypes())
}

func TestPhaseChangesReachSnapshot(t *testing.T) {
	e := startEngine(t, Options{Transport: &fakeTransport{}})

	e.PhaseChanged(transport.PhaseConnecting)
	e.PhaseChanged(transport.PhaseConnected)

	assert.Equal(t, transport.PhaseConnected, e.Phase())
	eventually(t, e, func(s state.Snapshot) bool { return s.ConnectionPhase == string(transport.PhaseConnected) })
}

func TestSubscribeKeepsLatest(t *testing.T) {
	tr := &fakeTransport{}
	e := startEngine(t, Options{Transport: tr})
	ch := e.Subscribe(1)

	tr.deliver(t, protocol.EventTaskStarted, protocol.TaskStartedPayload{TaskID: "t-1"})
	for i := 0; i < 20; i++ {
		tr.deliver(t, protocol.EventTokenChunk, protocol.TokenChunkPayload{TaskID: "t-1", Content: "x"})
	}
	eventually(t, e, func(s state.Snapshot) bool { return len(s.Streaming.Chunks) == 20 })

	var last state.Snapshot
	require.Eventually(t, func() bool {
		select {
		case last = <-ch:
		default:
		}
		return len(last.Streaming.Chunks) == 20
	}, 2*time.Second, 5*time.Millisecond)

	e.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestCommandsAfterStop(t *testing.T) {
	e := New(Options{Transport: &fakeTransport{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	require.Eventually(t, func() bool { return e.running.Load() }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, e.Cancel(context.Background()), ErrStopped)
	assert.ErrorIs(t, e.Run(context.Background()), ErrRunning)
	_, open := <-e.Subscribe(1)
	assert.False(t, open)
}
