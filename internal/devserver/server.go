// Package devserver is a local stand-in for the task service. It serves the
// REST endpoints the client consumes and replays scripted event streams over
// websocket, pausing where the script waits for a human decision.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"alexwatch/internal/auth"
	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/async"
	"alexwatch/internal/shared/logging"
)

// Config holds the listener settings.
type Config struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig listens on localhost:8080.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Options configures a Server.
type Options struct {
	Config Config
	// Issuer verifies stream and REST tokens. Nil disables auth.
	Issuer *auth.Issuer
	Script *Script
	Logger logging.Logger
}

// Server is the development task service.
type Server struct {
	cfg    Config
	issuer *auth.Issuer
	script *Script
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	tasks    map[string]*taskRecord

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server with its routes.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg.Port == 0 && cfg.Host == "" {
		cfg = DefaultConfig()
	}
	script := opts.Script
	if script == nil {
		script = DefaultScript()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		issuer:   opts.Issuer,
		script:   script,
		logger:   logging.OrNop(opts.Logger),
		engine:   gin.New(),
		sessions: make(map[string]*sessionRecord),
		tasks:    make(map[string]*taskRecord),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local development only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.engine.Use(gin.Recovery(), s.requestLogger())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		s.engine.Use(cors.New(corsConfig))
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)
	s.engine.GET("/ws/:session", s.handleWebSocket)

	s.engine.GET("/api/health", s.handleHealth)
	s.engine.POST("/api/auth/refresh", s.handleRefresh)

	api := s.engine.Group("/api")
	api.Use(s.requireToken())
	{
		api.POST("/tasks", s.handleCreateTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.POST("/tasks/:id/cancel", s.handleCancel)
		api.POST("/tasks/:id/resume", s.handleResume)
		api.POST("/tasks/:id/reject", s.handleReject)
		api.GET("/sessions/:id", s.handleGetSession)
	}
}

// Handler exposes the routes, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// IssueToken mints a stream token when auth is enabled.
func (s *Server) IssueToken(user string) (string, error) {
	if s.issuer == nil {
		return "dev", nil
	}
	return s.issuer.Issue(user)
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("dev server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop cancels running scripts, closes streams and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.closeAllConnections()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("dev server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.issuer == nil {
			c.Next()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if _, err := s.issuer.Verify(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "script": s.script.Name})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if s.issuer == nil {
		c.JSON(http.StatusOK, gin.H{"token": req.Token})
		return
	}
	token, err := s.issuer.Refresh(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token cannot be refreshed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// handleWebSocket upgrades before checking the token so a rejected credential
// is reported with close code 4001 rather than a bare handshake failure.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	wc := newWSConn(conn, s.cfg.WriteTimeout)
	if s.issuer != nil {
		if _, err := s.issuer.Verify(c.Query("token")); err != nil {
			s.logger.Info("rejecting stream token: %v", err)
			wc.close(4001, "invalid token")
			return
		}
	}

	sessionID := c.Param("session")
	_ = wc.send(mustEnvelope(protocol.EventConnected, protocol.SubscriptionPayload{SessionID: sessionID}))
	if sessionID != "" {
		s.attach(sessionID, wc)
	}
	s.serveConn(wc)
}

func (s *Server) serveConn(wc *wsConn) {
	defer s.detach(wc)
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream closed: %v", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("ignoring bad client frame: %v", err)
			continue
		}
		switch env.Type {
		case protocol.EventSubscribe:
			var p protocol.SubscriptionPayload
			if decodeInto(env, &p) == nil && p.SessionID != "" {
				s.attach(p.SessionID, wc)
				_ = wc.send(mustEnvelope(protocol.EventSubscribed, p))
			}
		case protocol.EventUnsubscribe:
			var p protocol.SubscriptionPayload
			_ = decodeInto(env, &p)
			s.detach(wc)
			_ = wc.send(mustEnvelope(protocol.EventUnsubscribed, p))
		case protocol.EventPing:
			_ = wc.send(mustEnvelope(protocol.EventPong, struct{}{}))
		case protocol.EventBreakpointResume, protocol.EventBreakpointReject,
			protocol.EventBreakpointUpdate, protocol.EventTaskCancelRequest:
			s.routeControl(wc.sessionID(), env)
		default:
			s.logger.Debug("ignoring client frame %s", env.Type)
		}
	}
}

func (s *Server) closeAllConnections() {
	s.mu.Lock()
	var conns []*wsConn
	for _, rec := range s.sessions {
		for wc := range rec.conns {
			conns = append(conns, wc)
		}
		rec.conns = make(map[*wsConn]struct{})
	}
	s.mu.Unlock()
	for _, wc := range conns {
		wc.close(websocket.CloseGoingAway, "server stopping")
	}
}

// wsConn serializes writes to one websocket.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	mu      sync.Mutex
	session string
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (w *wsConn) sessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session
}

func (w *wsConn) setSession(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session = id
}

func (w *wsConn) send(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) close(code int, text string) {
	w.writeMu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	_ = w.conn.Close()
}

func mustEnvelope(eventType protocol.EventType, payload any) protocol.Envelope {
	env, err := protocol.NewEnvelope(eventType, payload, time.Now())
	if err != nil {
		panic(err)
	}
	return env
}

func (s *Server) goRun(name string, fn func()) {
	s.wg.Add(1)
	async.Go(s.logger, name, func() {
		defer s.wg.Done()
		fn()
	})
}
