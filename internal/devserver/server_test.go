package devserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alexwatch/internal/auth"
	"alexwatch/internal/protocol"
	jsonx "alexwatch/internal/shared/json"
	"alexwatch/internal/session"
	"alexwatch/internal/state"
	"alexwatch/internal/taskapi"
	"alexwatch/internal/transport"
)

func newTestServer(t *testing.T, issuer *auth.Issuer, script *Script) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Options{Config: DefaultConfig(), Issuer: issuer, Script: script})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.cancel()
		srv.wg.Wait()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestRESTRequiresToken(t *testing.T) {
	issuer, err := auth.NewIssuer("secret", time.Minute)
	require.NoError(t, err)
	_, ts := newTestServer(t, issuer, nil)

	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(`{"task":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRefreshExchangesToken(t *testing.T) {
	issuer, err := auth.NewIssuer("secret", time.Minute)
	require.NoError(t, err)
	srv, ts := newTestServer(t, issuer, nil)
	token, err := srv.IssueToken("dev")
	require.NoError(t, err)

	client, err := taskapi.New(taskapi.Options{BaseURL: ts.URL + "/api"})
	require.NoError(t, err)
	fresh, err := client.RefreshToken(context.Background(), token)
	require.NoError(t, err)
	_, err = issuer.Verify(fresh)
	assert.NoError(t, err)

	_, err = client.RefreshToken(context.Background(), "garbage")
	assert.Error(t, err)
}

func TestTaskLifecycleOverREST(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	client, err := taskapi.New(taskapi.Options{BaseURL: ts.URL + "/api", MaxTries: 1})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := client.CreateTask(ctx, taskapi.CreateTaskRequest{Task: "summarize the changelog"})
	require.NoError(t, err)
	require.NotEmpty(t, created.SessionID)

	sess, err := client.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Tasks, 1)
	assert.Equal(t, "pending", sess.Tasks[0].Status)
	assert.Equal(t, "summarize the changelog", sess.Title)

	// Not running until a stream subscribes.
	assert.Error(t, client.CancelTask(ctx, created.TaskID))
	_, err = client.GetTask(ctx, "task-unknown")
	assert.Error(t, err)
}

func TestStreamRejectsBadToken(t *testing.T) {
	issuer, err := auth.NewIssuer("secret", time.Minute)
	require.NoError(t, err)
	_, ts := newTestServer(t, issuer, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/s-1?token=bad"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, transport.CloseCredentialRejected, ce.Code)
}

func TestScriptWaitsForResume(t *testing.T) {
	script, err := ParseScript([]byte(`
name: pause
steps:
  - emit: task_started
    payload:
      task_id: "${task_id}"
  - emit: breakpoint_hit
    payload:
      task_id: "${task_id}"
  - wait_for: breakpoint_resume
  - emit: task_completed
    payload:
      task_id: "${task_id}"
      final_result: done
`))
	require.NoError(t, err)
	srv, ts := newTestServer(t, nil, script)

	body, _ := jsonx.Marshal(taskapi.CreateTaskRequest{Task: "go"})
	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created taskapi.CreateTaskResponse
	require.NoError(t, jsonx.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/"+created.SessionID), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, protocol.EventConnected, readEnvelope(t, conn).Type)
	assert.Equal(t, protocol.EventTaskStarted, readEnvelope(t, conn).Type)
	assert.Equal(t, protocol.EventBreakpointHit, readEnvelope(t, conn).Type)

	data, err := protocol.Encode(protocol.NewResume(created.TaskID, "ok"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	assert.Equal(t, protocol.EventBreakpointResumed, readEnvelope(t, conn).Type)
	done := readEnvelope(t, conn)
	assert.Equal(t, protocol.EventTaskCompleted, done.Type)

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		task := srv.tasks[created.TaskID]
		return task.status == statusCompleted && task.finalResult == "done"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndToEndWithEngine(t *testing.T) {
	issuer, err := auth.NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	srv, ts := newTestServer(t, issuer, nil)
	token, err := srv.IssueToken("dev")
	require.NoError(t, err)
	holder := auth.NewHolder(token, auth.HolderOptions{})
	t.Cleanup(holder.Close)

	api, err := taskapi.New(taskapi.Options{BaseURL: ts.URL + "/api", Token: holder.Token})
	require.NoError(t, err)

	var engine *session.Engine
	manager := transport.NewManager(transport.Options{
		BaseURL:     wsURL(ts, "/ws"),
		Credentials: holder,
		Hooks: transport.Hooks{OnPhase: func(p transport.Phase) {
			if engine != nil {
				engine.PhaseChanged(p)
			}
		}},
	})
	engine = session.New(session.Options{Transport: manager, API: api})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})
	snapshot := func(cond func(state.Snapshot) bool) state.Snapshot {
		var snap state.Snapshot
		require.Eventually(t, func() bool {
			snap = engine.Snapshot()
			return cond(snap)
		}, 5*time.Second, 10*time.Millisecond)
		return snap
	}
	created, err := engine.StartTask(ctx, "write the release notes", nil)
	require.NoError(t, err)

	paused := snapshot(func(s state.Snapshot) bool { return s.Paused() })
	assert.Equal(t, created.TaskID, paused.Breakpoint.TaskID)
	assert.Equal(t, "write the release notes", paused.Title)
	require.Len(t, paused.TaskMessage(created.TaskID).Milestones, 2)

	require.NoError(t, engine.Resume(ctx, ""))

	done := snapshot(func(s state.Snapshot) bool {
		msg := s.TaskMessage(created.TaskID)
		return msg != nil && msg.FinishedAt != nil
	})
	msg := done.TaskMessage(created.TaskID)
	assert.Equal(t, "Here is the answer.", msg.Content)
	assert.False(t, msg.Streaming)
	assert.Equal(t, 1, done.Usage.Tasks)
	assert.Empty(t, done.ActiveTaskID)
	assert.Equal(t, string(transport.PhaseConnected), done.ConnectionPhase)

	var detail taskapi.TaskDetail
	require.Eventually(t, func() bool {
		detail, err = api.GetTask(ctx, created.TaskID)
		return err == nil && detail.Terminal()
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "completed", detail.Status)
	require.Len(t, detail.Milestones, 2)
	assert.Equal(t, string(protocol.MilestonePassed), detail.Milestones[1].Status)
}
