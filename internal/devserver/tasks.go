package devserver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/id"
	jsonx "alexwatch/internal/shared/json"
	"alexwatch/internal/state"
	"alexwatch/internal/taskapi"
)

const (
	statusPending   = "pending"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

type sessionRecord struct {
	id        string
	title     string
	createdAt time.Time
	taskIDs   []string
	pending   []string
	conns     map[*wsConn]struct{}
}

type taskRef struct {
	TaskID string `json:"task_id"`
}

type taskRecord struct {
	id          string
	sessionID   string
	request     string
	status      string
	finalResult string
	errMessage  string
	milestones  []protocol.Milestone
	artifacts   []protocol.Artifact
	usage       *protocol.Usage
	createdAt   time.Time
	controls    chan protocol.Envelope
}

func (t *taskRecord) terminal() bool {
	switch t.status {
	case statusCompleted, statusFailed, statusCancelled:
		return true
	}
	return false
}

// sessionLocked returns the record for id, creating it. s.mu must be held.
func (s *Server) sessionLocked(id string) *sessionRecord {
	rec, ok := s.sessions[id]
	if !ok {
		rec = &sessionRecord{id: id, createdAt: time.Now(), conns: make(map[*wsConn]struct{})}
		s.sessions[id] = rec
	}
	return rec
}

// attach subscribes wc to sessionID and starts tasks that were waiting for a
// subscriber. A connection follows one session at a time.
func (s *Server) attach(sessionID string, wc *wsConn) {
	s.mu.Lock()
	if prev := wc.sessionID(); prev != "" && prev != sessionID {
		if old, ok := s.sessions[prev]; ok {
			delete(old.conns, wc)
		}
	}
	rec := s.sessionLocked(sessionID)
	rec.conns[wc] = struct{}{}
	wc.setSession(sessionID)
	pending := rec.pending
	rec.pending = nil
	s.mu.Unlock()

	for _, taskID := range pending {
		s.startTask(taskID)
	}
}

func (s *Server) detach(wc *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[wc.sessionID()]; ok {
		delete(rec.conns, wc)
	}
	wc.setSession("")
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req taskapi.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	request := strings.TrimSpace(req.Task)
	if request == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task is required"})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = id.NewSessionID()
	}

	task := &taskRecord{
		id:        id.NewTaskID(),
		sessionID: sessionID,
		request:   request,
		status:    statusPending,
		createdAt: time.Now(),
		controls:  make(chan protocol.Envelope, 16),
	}
	s.mu.Lock()
	rec := s.sessionLocked(sessionID)
	if rec.title == "" {
		rec.title = state.TruncateTitle(request)
	}
	rec.taskIDs = append(rec.taskIDs, task.id)
	s.tasks[task.id] = task
	live := len(rec.conns) > 0
	if !live {
		rec.pending = append(rec.pending, task.id)
	}
	s.mu.Unlock()

	if live {
		s.startTask(task.id)
	}
	s.logger.Info("created task %s in session %s", task.id, sessionID)
	c.JSON(http.StatusCreated, taskapi.CreateTaskResponse{TaskID: task.id, SessionID: sessionID, Status: statusPending})
}

func (s *Server) handleGetSession(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	out := taskapi.Session{ID: rec.id, Title: rec.title, CreatedAt: rec.createdAt, Tasks: []taskapi.SessionTask{}}
	for _, taskID := range rec.taskIDs {
		task := s.tasks[taskID]
		out.Tasks = append(out.Tasks, taskapi.SessionTask{
			TaskID:    task.id,
			Request:   task.request,
			Result:    task.finalResult,
			Status:    task.status,
			Error:     task.errMessage,
			CreatedAt: task.createdAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetTask(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskapi.TaskDetail{
		TaskID:      task.id,
		SessionID:   task.sessionID,
		Status:      task.status,
		FinalResult: task.finalResult,
		Milestones:  append([]protocol.Milestone(nil), task.milestones...),
		Artifacts:   append([]protocol.Artifact(nil), task.artifacts...),
		Usage:       task.usage,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	s.controlFromREST(c, protocol.NewCancel(c.Param("id")))
}

func (s *Server) handleResume(c *gin.Context) {
	var body struct {
		UserInput string `json:"user_input"`
	}
	_ = c.ShouldBindJSON(&body)
	s.controlFromREST(c, protocol.NewResume(c.Param("id"), body.UserInput))
}

func (s *Server) handleReject(c *gin.Context) {
	var body struct {
		Feedback string `json:"feedback"`
	}
	_ = c.ShouldBindJSON(&body)
	s.controlFromREST(c, protocol.NewReject(c.Param("id"), body.Feedback))
}

func (s *Server) controlFromREST(c *gin.Context, env protocol.Envelope) {
	s.mu.Lock()
	task, ok := s.tasks[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if !s.deliverControl(task, env) {
		c.JSON(http.StatusConflict, gin.H{"error": "task is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": task.id})
}

// routeControl hands a stream control message to its task. Messages without
// a task id go to the session's running task.
func (s *Server) routeControl(sessionID string, env protocol.Envelope) {
	var ref taskRef
	_ = decodeInto(env, &ref)

	s.mu.Lock()
	task := s.tasks[ref.TaskID]
	if task == nil {
		if rec, ok := s.sessions[sessionID]; ok {
			for i := len(rec.taskIDs) - 1; i >= 0; i-- {
				if t := s.tasks[rec.taskIDs[i]]; t.status == statusRunning {
					task = t
					break
				}
			}
		}
	}
	s.mu.Unlock()
	if task == nil {
		s.logger.Warn("no running task for %s in session %s", env.Type, sessionID)
		return
	}
	s.deliverControl(task, env)
}

func (s *Server) deliverControl(task *taskRecord, env protocol.Envelope) bool {
	s.mu.Lock()
	running := task.status == statusRunning
	s.mu.Unlock()
	if !running {
		return false
	}
	select {
	case task.controls <- env:
		return true
	default:
		s.logger.Warn("control queue full for task %s; dropping %s", task.id, env.Type)
		return false
	}
}

func (s *Server) startTask(taskID string) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok || task.status != statusPending {
		s.mu.Unlock()
		return
	}
	task.status = statusRunning
	s.mu.Unlock()
	s.goRun("devserver.task", func() { s.execute(s.ctx, task) })
}

// execute replays the script for task.
func (s *Server) execute(ctx context.Context, task *taskRecord) {
	replacer := vars{TaskID: task.id, SessionID: task.sessionID, Request: task.request}.replacer()
	for i, step := range s.script.Steps {
		if step.Delay > 0 {
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.finish(task, statusCancelled)
				return
			case <-timer.C:
			}
		}
		if s.cancelRequested(task) {
			s.finish(task, statusCancelled)
			return
		}

		switch {
		case step.WaitFor != "":
			if !s.waitFor(ctx, task, step.WaitFor) {
				s.finish(task, statusCancelled)
				return
			}
		case step.Close != 0:
			s.closeStream(task.sessionID, step.Close)
		default:
			payload, _ := render(step.Payload, replacer).(map[string]any)
			env, err := protocol.NewEnvelope(step.Emit, payload, time.Now())
			if err != nil {
				s.logger.Error("step %d of %s: %v", i, s.script.Name, err)
				continue
			}
			s.record(task, env)
			s.emit(task.sessionID, env)
		}
	}
	s.finish(task, statusCompleted)
}

// waitFor blocks until a control message satisfies want. It reports false
// when the task was cancelled instead.
func (s *Server) waitFor(ctx context.Context, task *taskRecord, want protocol.EventType) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case env := <-task.controls:
			switch env.Type {
			case protocol.EventTaskCancelRequest:
				return false
			case protocol.EventBreakpointReject:
				var p protocol.RejectPayload
				_ = decodeInto(env, &p)
				if strings.TrimSpace(p.Feedback) == "" {
					return false
				}
				if want == protocol.EventBreakpointResume || want == protocol.EventBreakpointReject {
					s.logger.Info("task %s re-running with feedback: %s", task.id, p.Feedback)
					s.emit(task.sessionID, mustEnvelope(protocol.EventBreakpointResumed, taskRef{TaskID: task.id}))
					return true
				}
			case protocol.EventBreakpointResume:
				if want == protocol.EventBreakpointResume {
					s.emit(task.sessionID, mustEnvelope(protocol.EventBreakpointResumed, taskRef{TaskID: task.id}))
					return true
				}
			case protocol.EventBreakpointUpdate:
				s.logger.Info("task %s breakpoint policy updated", task.id)
				if want == protocol.EventBreakpointUpdate {
					return true
				}
			}
		}
	}
}

// cancelRequested drains pending controls between steps, honouring cancels
// and hard rejects.
func (s *Server) cancelRequested(task *taskRecord) bool {
	for {
		select {
		case env := <-task.controls:
			switch env.Type {
			case protocol.EventTaskCancelRequest:
				return true
			case protocol.EventBreakpointReject:
				var p protocol.RejectPayload
				if decodeInto(env, &p) == nil && strings.TrimSpace(p.Feedback) == "" {
					return true
				}
			case protocol.EventBreakpointUpdate:
				s.logger.Info("task %s breakpoint policy updated", task.id)
			}
		default:
			return false
		}
	}
}

// record mirrors emitted events into the task's REST view.
func (s *Server) record(task *taskRecord, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch env.Type {
	case protocol.EventMilestoneProgress, protocol.EventMilestoneStarted:
		var p protocol.MilestoneProgressPayload
		if decodeInto(env, &p) != nil || p.Details == nil {
			return
		}
		if len(p.Details.Milestones) > 0 && protocol.ParseAgentType(p.Agent) == protocol.AgentPlanner {
			task.milestones = append([]protocol.Milestone(nil), p.Details.Milestones...)
		}
		if len(p.Details.Artifacts) > 0 {
			task.artifacts = append([]protocol.Artifact(nil), p.Details.Artifacts...)
		}
	case protocol.EventMilestoneCompleted:
		var p protocol.MilestoneCompletedPayload
		if decodeInto(env, &p) != nil {
			return
		}
		for i := range task.milestones {
			if task.milestones[i].Index == p.MilestoneIndex {
				task.milestones[i].Status = string(protocol.MilestonePassed)
			}
		}
	case protocol.EventTaskCompleted:
		var p protocol.TaskCompletedPayload
		if decodeInto(env, &p) != nil {
			return
		}
		task.finalResult = p.FinalResult
		task.usage = p.Usage
		if len(p.Artifacts) > 0 {
			task.artifacts = p.Artifacts
		}
	case protocol.EventTaskFailed:
		var p protocol.TaskFailedPayload
		if decodeInto(env, &p) != nil {
			return
		}
		task.status = statusFailed
		task.errMessage = p.Error
	}
}

func (s *Server) finish(task *taskRecord, status string) {
	s.mu.Lock()
	if !task.terminal() {
		task.status = status
	}
	final := task.status
	s.mu.Unlock()
	s.logger.Info("task %s finished: %s", task.id, final)
}

func (s *Server) subscribers(sessionID string, detach bool) []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*wsConn, 0, len(rec.conns))
	for wc := range rec.conns {
		out = append(out, wc)
	}
	if detach {
		rec.conns = make(map[*wsConn]struct{})
	}
	return out
}

func (s *Server) emit(sessionID string, env protocol.Envelope) {
	conns := s.subscribers(sessionID, false)
	if len(conns) == 0 {
		s.logger.Debug("no subscriber for session %s; dropping %s", sessionID, env.Type)
		return
	}
	for _, wc := range conns {
		if err := wc.send(env); err != nil {
			s.logger.Warn("send %s to session %s: %v", env.Type, sessionID, err)
		}
	}
}

func (s *Server) closeStream(sessionID string, code int) {
	for _, wc := range s.subscribers(sessionID, true) {
		wc.close(code, "scripted close")
	}
}

func decodeInto(env protocol.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return jsonx.Unmarshal(env.Payload, out)
}
