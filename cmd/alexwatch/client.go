package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alexwatch/internal/auth"
	"alexwatch/internal/dispatch"
	"alexwatch/internal/observability"
	"alexwatch/internal/protocol"
	"alexwatch/internal/session"
	"alexwatch/internal/shared/async"
	"alexwatch/internal/shared/config"
	"alexwatch/internal/shared/logging"
	"alexwatch/internal/state"
	"alexwatch/internal/taskapi"
	"alexwatch/internal/transport"
)

// clientAction is what the command does once connected: start a task or
// attach to a session.
type clientAction struct {
	task      string
	sessionID string
}

// client owns the collaborators of one engine.
type client struct {
	cfg     config.Config
	logger  logging.Logger
	metrics *observability.Metrics

	holder    *auth.Holder
	api       *taskapi.Client
	transport *transport.Manager
	engine    *session.Engine

	cleanups []func()
}

func newClient(ctx context.Context, cfg config.Config) (*client, error) {
	if err := config.Validate(cfg).Err(); err != nil {
		return nil, err
	}
	c := &client{
		cfg:     cfg,
		logger:  newLogger(cfg.Log, "alexwatch"),
		metrics: observability.DefaultMetrics(),
	}

	api, err := taskapi.New(taskapi.Options{
		BaseURL:   cfg.API.BaseURL,
		Token:     func() string { return c.holder.Token() },
		Timeout:   cfg.API.Timeout,
		CacheSize: cfg.API.CacheSize,
		MaxTries:  uint(cfg.API.MaxTries),
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
	if err != nil {
		return nil, err
	}
	c.api = api

	c.holder = auth.NewHolder(cfg.Auth.Token, auth.HolderOptions{
		Refresher: auth.RefresherFunc(func(ctx context.Context, current string) (string, error) {
			return c.api.RefreshToken(ctx, current)
		}),
		RefreshAhead: cfg.Auth.RefreshAhead,
		MaxFailures:  cfg.Auth.MaxFailures,
		OnRefreshFailed: func(err error) {
			c.logger.Error("credential refresh gave up: %v", err)
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	c.cleanups = append(c.cleanups, c.holder.Close)
	if cfg.Auth.TokenFile != "" {
		if err := auth.WatchFile(ctx, cfg.Auth.TokenFile, c.holder); err != nil {
			c.close()
			return nil, err
		}
	}

	c.transport = transport.NewManager(transport.Options{
		BaseURL:           cfg.Stream.URL,
		Credentials:       c.holder,
		ReconnectInterval: cfg.Stream.ReconnectInterval,
		MaxAttempts:       cfg.Stream.MaxAttempts,
		HeartbeatInterval: cfg.Stream.Heartbeat,
		MaxFrameBytes:     cfg.Stream.MaxFrameBytes,
		QueueSize:         cfg.Stream.QueueSize,
		Logger:            c.logger,
		Metrics:           c.metrics,
		Hooks: transport.Hooks{
			OnPhase: func(phase transport.Phase) {
				if c.engine != nil {
					c.engine.PhaseChanged(phase)
				}
			},
			OnReconnectScheduled: func(attempt int, delay time.Duration) {
				c.logger.Debug("reconnect hook: attempt %d in %s", attempt, delay)
			},
			OnCredentialRejected: func() {
				c.logger.Warn("stream credential rejected, refreshing")
			},
		},
	})
	c.cleanups = append(c.cleanups, c.holder.Watch(c.transport.CredentialChanged))

	c.engine = session.New(session.Options{
		Transport: c.transport,
		API:       c.api,
		Table:     dispatch.Default(),
		Titles:    state.NewTitleRegistry(),
		OnError: func(err error) {
			c.logger.Warn("task error: %v", err)
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	return c, nil
}

func (c *client) close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
	c.cleanups = nil
}

func (c *client) serveMetrics(ctx context.Context) {
	addr := c.cfg.Metrics.Listen
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	async.Go(c.logger, "metrics.listen", func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics listener: %v", err)
		}
	})
	async.Go(c.logger, "metrics.shutdown", func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
}

func (c *client) policy() *protocol.BreakpointPolicy {
	granularity := protocol.Granularity(c.cfg.Breakpoint.Granularity)
	if granularity == "" {
		granularity = protocol.GranularityOff
	}
	if granularity == protocol.GranularityOff && !c.cfg.Breakpoint.PauseOnFailure {
		return nil
	}
	return &protocol.BreakpointPolicy{Granularity: granularity, PauseOnFailure: c.cfg.Breakpoint.PauseOnFailure}
}

// runClient connects, performs action and then renders snapshots while
// reading commands from stdin until ctx is done or the user quits.
func runClient(ctx context.Context, cfg config.Config, action clientAction) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()
	c.serveMetrics(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- c.engine.Run(ctx) }()

	renderer := NewRenderer(os.Stdout, RenderOptions{
		Color:        !cfg.View.NoColor && isTTY(),
		HistoryLimit: cfg.View.HistoryLimit,
		ShowAll:      cfg.View.ShowAll,
	})
	updates := c.engine.Subscribe(16)
	defer c.engine.Unsubscribe(updates)

	switch {
	case action.task != "":
		resp, err := c.engine.StartTask(ctx, action.task, c.policy())
		if err != nil {
			return err
		}
		renderer.Notice(fmt.Sprintf("task %s in session %s", resp.TaskID, resp.SessionID))
	case action.sessionID != "":
		if err := c.engine.LoadSession(ctx, action.sessionID); err != nil {
			return err
		}
	}

	lines := readLines(ctx, os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case err := <-runErr:
			return err
		case snap, ok := <-updates:
			if !ok {
				return <-runErr
			}
			renderer.Render(snap)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			cmd := ParseCommand(line, c.engine.Snapshot().Paused())
			if cmd.Kind == CommandQuit {
				cancel()
				continue
			}
			if err := c.execute(ctx, cmd, renderer); err != nil {
				renderer.Error(err)
			}
		}
	}
}

func (c *client) execute(ctx context.Context, cmd Command, r *Renderer) error {
	switch cmd.Kind {
	case CommandNone:
		return nil
	case CommandHelp:
		r.Notice(helpText)
		return nil
	case CommandTask:
		_, err := c.engine.StartTask(ctx, cmd.Arg, c.policy())
		return err
	case CommandResume:
		return c.engine.Resume(ctx, cmd.Arg)
	case CommandReject:
		return c.engine.Reject(ctx, cmd.Arg)
	case CommandCancel:
		return c.engine.Cancel(ctx)
	case CommandReconnect:
		c.engine.Reconnect()
		return nil
	case CommandPolicy:
		return c.engine.UpdatePolicy(ctx, protocol.BreakpointPolicy{
			Granularity:    protocol.Granularity(cmd.Arg),
			PauseOnFailure: c.cfg.Breakpoint.PauseOnFailure,
		})
	default:
		return fmt.Errorf("unknown command %q", cmd.Raw)
	}
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case out <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
