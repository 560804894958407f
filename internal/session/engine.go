// Package session runs the single goroutine that owns a session's derived
// state. Inbound envelopes, user commands, backfill results and transport
// phase changes are all serialized through one inbox, so store mutations
// never interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"alexwatch/internal/dispatch"
	"alexwatch/internal/gate"
	"alexwatch/internal/observability"
	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/async"
	"alexwatch/internal/shared/logging"
	"alexwatch/internal/state"
	"alexwatch/internal/taskapi"
	"alexwatch/internal/transport"
)

var (
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("session: engine stopped")
	// ErrRunning is returned when Run is called twice.
	ErrRunning = errors.New("session: engine already running")
)

// Transport is the slice of *transport.Manager the engine drives.
type Transport interface {
	gate.Sender
	Connect(sessionID string) error
	Reconnect()
	Disconnect()
	OnMessage(fn func(protocol.Envelope)) func()
}

// API is the REST collaborator.
type API interface {
	gate.Fallback
	CreateTask(ctx context.Context, req taskapi.CreateTaskRequest) (taskapi.CreateTaskResponse, error)
	GetSession(ctx context.Context, sessionID string) (taskapi.Session, error)
	GetTask(ctx context.Context, taskID string) (taskapi.TaskDetail, error)
}

// Options configures an Engine.
type Options struct {
	Transport Transport
	API       API
	Table     dispatch.Table
	Titles    state.TitleSink
	// OnError receives task failures in addition to the user-visible slot.
	OnError func(err error)

	InboxSize       int
	BackfillTimeout time.Duration
	Now             func() time.Time
	NewID           func() string
	Logger          logging.Logger
	Metrics         *observability.Metrics
}

// Engine serializes everything that touches one state.Store.
type Engine struct {
	opts       Options
	logger     logging.Logger
	transport  Transport
	api        API
	dispatcher *dispatch.Dispatcher
	gate       *gate.Gate
	store      *state.Store

	inbox   chan func(*state.Store)
	done    chan struct{}
	running atomic.Bool

	phase        atomic.Value
	phasePending atomic.Bool

	latest atomic.Pointer[state.Snapshot]
	subMu  sync.Mutex
	subs   map[chan state.Snapshot]struct{}
}

// New builds an Engine. Call Run to start processing.
func New(opts Options) *Engine {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.OrNop(opts.Logger)
	e := &Engine{
		opts:       opts,
		logger:     logger,
		transport:  opts.Transport,
		api:        opts.API,
		dispatcher: dispatch.NewDispatcher(opts.Table, logger, opts.Metrics),
		inbox:      make(chan func(*state.Store), opts.InboxSize),
		done:       make(chan struct{}),
		subs:       make(map[chan state.Snapshot]struct{}),
	}
	e.store = state.NewStore(state.Options{
		Logger:  logger,
		Titles:  opts.Titles,
		OnError: e.reportTaskError,
		Now:     opts.Now,
		NewID:   opts.NewID,
	})
	var sender gate.Sender
	if opts.Transport != nil {
		sender = opts.Transport
	}
	var fallback gate.Fallback
	if opts.API != nil {
		fallback = opts.API
	}
	e.gate = gate.New(gate.Options{
		Sender:      sender,
		Fallback:    fallback,
		ReportError: e.reportOperationError,
		Now:         opts.Now,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	e.phase.Store(transport.PhaseDisconnected)
	snap := e.store.Snapshot()
	e.latest.Store(&snap)
	return e
}

// Run processes the inbox until ctx is done, then disconnects the transport.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	if e.transport != nil {
		unlisten := e.transport.OnMessage(e.onEnvelope)
		defer unlisten()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		if e.transport != nil {
			e.transport.Disconnect()
		}
		return nil
	})
	err := g.Wait()
	e.closeSubscribers()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-e.inbox:
			e.apply(fn)
			// Publish once per burst; token streams arrive in runs.
			if len(e.inbox) == 0 {
				e.publish()
			}
		}
	}
}

func (e *Engine) apply(fn func(*state.Store)) {
	defer async.Recover(e.logger, "session.apply")
	fn(e.store)
}

// post enqueues fn. It only fails once the loop has exited.
func (e *Engine) post(fn func(*state.Store)) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.inbox <- fn:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func(*state.Store) error) error {
	result := make(chan error, 1)
	err := e.post(func(s *state.Store) {
		result <- fn(s)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) onEnvelope(env protocol.Envelope) {
	_ = e.post(func(s *state.Store) {
		_, _ = e.dispatcher.Dispatch(s, env)
	})
}

// PhaseChanged is wired to transport.Hooks.OnPhase. Bursts of transitions
// collapse into one store update carrying the latest phase.
func (e *Engine) PhaseChanged(phase transport.Phase) {
	e.phase.Store(phase)
	if !e.phasePending.CompareAndSwap(false, true) {
		return
	}
	_ = e.post(func(s *state.Store) {
		e.phasePending.Store(false)
		s.SetConnectionPhase(string(e.Phase()))
	})
}

// Phase returns the most recent transport phase.
func (e *Engine) Phase() transport.Phase {
	phase, _ := e.phase.Load().(transport.Phase)
	return phase
}

func (e *Engine) reportTaskError(err error) {
	e.logger.Warn("task failed: %v", err)
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}

func (e *Engine) reportOperationError(err error) {
	e.logger.Warn("operation failed: %v", err)
	_ = e.post(func(s *state.Store) {
		s.SetOperationError(err)
	})
}

// StartTask creates a task over REST, scoping the store to its session, and
// connects the stream to that session.
func (e *Engine) StartTask(ctx context.Context, task string, policy *protocol.BreakpointPolicy) (taskapi.CreateTaskResponse, error) {
	if e.api == nil {
		return taskapi.CreateTaskResponse{}, fmt.Errorf("session: no task API configured")
	}
	var current string
	if err := e.call(ctx, func(s *state.Store) error {
		current = s.SessionID()
		return nil
	}); err != nil {
		return taskapi.CreateTaskResponse{}, err
	}

	resp, err := e.api.CreateTask(ctx, taskapi.CreateTaskRequest{
		SessionID:        current,
		Task:             task,
		BreakpointPolicy: policy,
	})
	if err != nil {
		_ = e.post(func(s *state.Store) { s.SetOperationError(err) })
		return resp, err
	}
	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = current
	}
	at := e.opts.Now()
	if err := e.call(ctx, func(s *state.Store) error {
		if s.SessionID() != sessionID {
			s.Reset(sessionID)
		}
		s.SetOperationError(nil)
		s.AppendHumanMessage(strings.TrimSpace(task), at)
		return nil
	}); err != nil {
		return resp, err
	}
	e.logger.Info("created task %s in session %s", resp.TaskID, sessionID)
	return resp, e.connect(sessionID)
}

// LoadSession restores a session's history and connects to its live stream.
// Completed tasks are back-filled with full detail in the background.
func (e *Engine) LoadSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("session: empty session id")
	}
	if e.api == nil {
		if err := e.call(ctx, func(s *state.Store) error {
			s.Reset(sessionID)
			return nil
		}); err != nil {
			return err
		}
		return e.connect(sessionID)
	}

	history, err := e.api.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if err := e.call(ctx, func(s *state.Store) error {
		s.Reset(sessionID)
		if history.Title != "" {
			s.SessionUpdated(protocol.SessionUpdatePayload{SessionID: sessionID, Title: history.Title}, time.Time{})
			s.SetTitle(history.Title)
		}
		for _, task := range history.Tasks {
			if task.Terminal() {
				s.RestoreTask(task.Restored())
			}
		}
		return nil
	}); err != nil {
		return err
	}
	for _, task := range history.Tasks {
		if task.Terminal() && task.TaskID != "" {
			e.backfill(sessionID, task.TaskID)
		}
	}
	return e.connect(sessionID)
}

func (e *Engine) backfill(sessionID, taskID string) {
	async.Go(e.logger, "session.backfill", func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.BackfillTimeout)
		defer cancel()
		detail, err := e.api.GetTask(ctx, taskID)
		if err != nil {
			e.logger.Warn("backfill of task %s failed: %v", taskID, err)
			return
		}
		_ = e.post(func(s *state.Store) {
			if s.SessionID() != sessionID {
				return
			}
			s.MergeTaskDetail(detail.StateDetail())
		})
	})
}

func (e *Engine) connect(sessionID string) error {
	if e.transport == nil {
		return nil
	}
	if err := e.transport.Connect(sessionID); err != nil {
		e.logger.Warn("connect to session %s: %v", sessionID, err)
		return err
	}
	return nil
}

// Resume releases the pending breakpoint.
func (e *Engine) Resume(ctx context.Context, userInput string) error {
	return e.call(ctx, func(s *state.Store) error {
		return e.gate.Resume(s, userInput)
	})
}

// Reject rejects the pending breakpoint; empty feedback cancels the task.
func (e *Engine) Reject(ctx context.Context, feedback string) error {
	return e.call(ctx, func(s *state.Store) error {
		return e.gate.Reject(s, feedback)
	})
}

// Cancel stops the active task.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.call(ctx, func(s *state.Store) error {
		return e.gate.Cancel(s)
	})
}

// UpdatePolicy changes the breakpoint policy of the active task.
func (e *Engine) UpdatePolicy(ctx context.Context, policy protocol.BreakpointPolicy) error {
	return e.call(ctx, func(s *state.Store) error {
		if policy.TaskID == "" {
			policy.TaskID = s.ActiveTaskID()
		}
		return e.gate.UpdatePolicy(policy)
	})
}

// Reconnect forces a new connection cycle after the transport gave up.
func (e *Engine) Reconnect() {
	if e.transport != nil {
		e.transport.Reconnect()
	}
}
