// Package transport owns the persistent websocket connection to the event
// stream: handshake, heartbeat, reconnect with backoff and teardown.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"alexwatch/internal/observability"
	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/async"
	alexerrors "alexwatch/internal/shared/errors"
	"alexwatch/internal/shared/logging"
)

var (
	// ErrNoCredential is returned when Connect is called without a token.
	ErrNoCredential = errors.New("transport: no credential token")
	// ErrQueueFull is returned when the outbound queue cannot take more
	// control messages while disconnected.
	ErrQueueFull = errors.New("transport: outbound queue full")
	// ErrClosed is returned by Send after Disconnect.
	ErrClosed = errors.New("transport: manager not connected")
)

// CredentialSource is the auth collaborator. The manager only reads the
// token and asks for a refresh; it never sets the value itself.
type CredentialSource interface {
	Token() string
	RequestRefresh(ctx context.Context)
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Hooks observe lifecycle transitions. All fields are optional and are called
// from the manager's goroutines.
type Hooks struct {
	OnPhase              func(Phase)
	OnReconnectScheduled func(attempt int, delay time.Duration)
	OnCredentialRejected func()
}

// Options configures a Manager.
type Options struct {
	BaseURL     string
	Credentials CredentialSource
	Dialer      Dialer

	ReconnectInterval time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	// PongWait bounds the silence tolerated before the connection is
	// considered dead. Defaults to twice the heartbeat.
	PongWait      time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	QueueSize     int

	Logger  logging.Logger
	Metrics *observability.Metrics
	Hooks   Hooks

	// Sleep waits for a reconnect delay. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	defaultReconnectInterval = 3 * time.Second
	defaultMaxAttempts       = 5
	defaultHeartbeat         = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultMaxFrameBytes     = 4 << 20
	defaultQueueSize         = 64
)

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = defaultReconnectInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeat
	}
	if o.PongWait <= 0 {
		o.PongWait = 2 * o.HeartbeatInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manager keeps one connection per viewing context.
type Manager struct {
	opts    Options
	logger  logging.Logger
	metrics *observability.Metrics

	// lifeMu serializes Connect, Disconnect and restarts.
	lifeMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	sessionID   string
	activeToken string
	conn        *websocket.Conn
	queue       []protocol.Envelope
	listeners   map[int]func(protocol.Envelope)
	nextID      int
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:      opts,
		logger:    logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		phase:     PhaseDisconnected,
		listeners: make(map[int]func(protocol.Envelope)),
	}
}

// Phase returns the current connection phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Available reports whether Send will write immediately.
func (m *Manager) Available() bool {
	return m.Phase() == PhaseConnected
}

// SessionID returns the subscribed context.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// OnMessage registers a listener for every parsed inbound envelope. The
// returned func removes it.
func (m *Manager) OnMessage(fn func(protocol.Envelope)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Connect starts the connection loop for sessionID. Calling it again with a
// different session tears the connection down and reconnects, because the
// server binds subscription scope to the handshake.
func (m *Manager) Connect(sessionID string) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.mu.Lock()
	same := m.started && m.sessionID == sessionID
	m.sessionID = sessionID
	m.mu.Unlock()
	if same {
		return nil
	}

	m.stopLocked()
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	if m.opts.Credentials == nil || m.opts.Credentials.Token() == "" {
		m.setPhase(PhaseDisconnected)
		m.logger.Warn("refusing to connect session %s without a credential", sessionID)
		return ErrNoCredential
	}
	m.launchLocked()
	return nil
}

// Reconnect forces a fresh connection cycle, e.g. after the attempt cap.
func (m *Manager) Reconnect() {
	m.restart("manual reconnect")
}

// CredentialChanged must be called by the auth collaborator whenever the
// token value changes. A changed value on a live connection reconnects.
func (m *Manager) CredentialChanged(token string) {
	m.mu.Lock()
	unchanged := m.phase == PhaseConnected && token == m.activeToken
	m.mu.Unlock()
	if unchanged {
		return
	}
	m.restart("credential changed")
}

// Disconnect closes the connection deliberately; no reconnect follows.
func (m *Manager) Disconnect() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.stopLocked()
	m.mu.Lock()
	m.started = false
	m.queue = nil
	m.mu.Unlock()
	m.setPhase(PhaseDisconnected)
}

func (m *Manager) restart(reason string) {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	m.logger.Info("restarting connection: %s", reason)
	m.stopLocked()
	if m.opts.Credentials == nil || m.opts.Credentials.Token() == "" {
		m.setPhase(PhaseDisconnected)
		m.logger.Warn("credential missing; staying disconnected")
		return
	}
	m.launchLocked()
}

// stopLocked cancels the running loop and waits for it. lifeMu must be held.
func (m *Manager) stopLocked() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		m.closeConn(conn, websocket.CloseNormalClosure, "client closing")
	}
	<-done
}

// launchLocked starts a new loop. lifeMu must be held.
func (m *Manager) launchLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel, m.done = cancel, done
	sessionID := m.sessionID
	m.mu.Unlock()
	async.Go(m.logger, "transport.run", func() {
		defer close(done)
		m.run(ctx, sessionID)
	})
}

func (m *Manager) setPhase(phase Phase) {
	m.mu.Lock()
	changed := m.phase != phase
	m.phase = phase
	m.mu.Unlock()
	if !changed {
		return
	}
	m.metrics.SetPhase(string(phase))
	if m.opts.Hooks.OnPhase != nil {
		m.opts.Hooks.OnPhase(phase)
	}
}

func (m *Manager) run(ctx context.Context, sessionID string) {
	bo := newBackOff(m.opts.ReconnectInterval, m.opts.MaxAttempts)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		token := m.opts.Credentials.Token()
		if token == "" {
			m.setPhase(PhaseDisconnected)
			m.logger.Warn("credential gone; staying disconnected")
			return
		}
		if attempt == 0 {
			m.setPhase(PhaseConnecting)
		} else {
			m.setPhase(PhaseReconnecting)
		}

		reason := m.connectOnce(ctx, sessionID, token, func() {
			bo.Reset()
			attempt = 0
		})

		switch reason {
		case reasonDeliberate:
			return
		case reasonServerNormal:
			m.setPhase(PhaseDisconnected)
			m.logger.Info("server closed the connection normally; not reconnecting")
			return
		case reasonCredential:
			m.metrics.IncReconnect(reason.String())
			m.setPhase(PhaseDisconnected)
			m.logger.Warn("credential rejected; requesting refresh and waiting for a new token")
			if m.opts.Hooks.OnCredentialRejected != nil {
				m.opts.Hooks.OnCredentialRejected()
			}
			m.opts.Credentials.RequestRefresh(ctx)
			// CredentialChanged restarts the loop once a new value arrives.
			<-ctx.Done()
			return
		}

		if attempt >= m.opts.MaxAttempts {
			m.setPhase(PhaseDisconnected)
			m.logger.Warn("giving up after %d reconnect attempts", attempt)
			return
		}
		delay := bo.NextBackOff()
		attempt++
		m.metrics.IncReconnect(reason.String())
		m.setPhase(PhaseReconnecting)
		m.logger.Info("reconnect attempt %d/%d in %s", attempt, m.opts.MaxAttempts, delay)
		if m.opts.Hooks.OnReconnectScheduled != nil {
			m.opts.Hooks.OnReconnectScheduled(attempt, delay)
		}
		if err := m.opts.Sleep(ctx, delay); err != nil {
			return
		}
	}
}

// connectOnce dials, serves one connection until it closes and classifies
// the close.
func (m *Manager) connectOnce(ctx context.Context, sessionID, token string, onOpen func()) closeReason {
	target, err := BuildURL(m.opts.BaseURL, sessionID, token)
	if err != nil {
		m.logger.Error("invalid connection address: %v", err)
		return reasonServerNormal
	}
	conn, resp, err := m.opts.Dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return reasonDeliberate
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return reasonCredential
		}
		m.logger.Warn("dial failed: %v", alexerrors.Wrap(alexerrors.KindTransport, "dial", err))
		return reasonAbnormal
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return reasonDeliberate
	}
	m.conn = conn
	m.activeToken = token
	m.mu.Unlock()

	onOpen()
	m.setPhase(PhaseConnected)
	m.logger.Info("connected to session %q", sessionID)

	if sessionID != "" {
		if err := m.write(conn, protocol.NewSubscribe(sessionID)); err != nil {
			m.logger.Warn("subscribe failed: %v", err)
		}
	}
	m.flushQueue(conn)

	connDone := make(chan struct{})
	async.Go(m.logger, "transport.heartbeat", func() { m.heartbeat(conn, connDone) })
	reason := m.readLoop(ctx, conn)
	close(connDone)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
	return reason
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) closeReason {
	conn.SetReadLimit(m.opts.MaxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return reasonDeliberate
			}
			return classifyClose(err, m.logger)
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))

		env, err := protocol.Decode(data)
		if err != nil {
			m.metrics.IncFrameDropped("parse")
			m.logger.Warn("dropping unparsable frame: %v", err)
			continue
		}
		m.metrics.IncFrameReceived()
		m.broadcast(env)
	}
}

func classifyClose(err error, logger logging.Logger) closeReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case CloseCredentialRejected, websocket.ClosePolicyViolation:
			return reasonCredential
		case websocket.CloseNormalClosure:
			return reasonServerNormal
		}
		logger.Warn("connection closed with code %d: %s", ce.Code, ce.Text)
		return reasonAbnormal
	}
	logger.Warn("connection lost: %v", err)
	return reasonAbnormal
}

func (m *Manager) broadcast(env protocol.Envelope) {
	m.mu.Lock()
	listeners := make([]func(protocol.Envelope), 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(env)
	}
}

func (m *Manager) heartbeat(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Debug("heartbeat ping failed: %v", err)
				return
			}
		}
	}
}

// Send writes env now when connected. Otherwise it queues env and flushes it
// right after the next successful open.
func (m *Manager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		m.metrics.IncFrameSent(string(env.Type), "rejected")
		return ErrClosed
	}
	conn := m.conn
	if conn == nil || m.phase != PhaseConnected {
		if len(m.queue) >= m.opts.QueueSize {
			m.mu.Unlock()
			m.metrics.IncFrameSent(string(env.Type), "queue_full")
			return ErrQueueFull
		}
		m.queue = append(m.queue, env)
		m.mu.Unlock()
		m.metrics.IncFrameSent(string(env.Type), "queued")
		m.logger.Debug("queued %s until the connection opens", env.Type)
		return nil
	}
	m.mu.Unlock()
	if err := m.write(conn, env); err != nil {
		return alexerrors.Wrap(alexerrors.KindTransport, "send "+string(env.Type), err)
	}
	return nil
}

func (m *Manager) flushQueue(conn *websocket.Conn) {
	m.mu.Lock()
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()
	for i, env := range queued {
		if err := m.write(conn, env); err != nil {
			m.logger.Warn("flush stopped at %s: %v", env.Type, err)
			m.mu.Lock()
			m.queue = append(append([]protocol.Envelope(nil), queued[i:]...), m.queue...)
			m.mu.Unlock()
			return
		}
	}
	if len(queued) > 0 {
		m.logger.Debug("flushed %d queued messages", len(queued))
	}
}

func (m *Manager) write(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		m.metrics.IncFrameSent(string(env.Type), "failed")
		return err
	}
	m.metrics.IncFrameSent(string(env.Type), "sent")
	return nil
}

func (m *Manager) closeConn(conn *websocket.Conn, code int, text string) {
	m.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	m.writeMu.Unlock()
	_ = conn.Close()
}
