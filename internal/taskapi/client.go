// Package taskapi is the REST collaborator: it creates tasks, backfills
// session history and delivers control decisions when the stream is down.
package taskapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"alexwatch/internal/httpclient"
	"alexwatch/internal/observability"
	alexerrors "alexwatch/internal/shared/errors"
	jsonx "alexwatch/internal/shared/json"
	"alexwatch/internal/shared/logging"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 8 << 20
	defaultCacheSize    = 256
	defaultMaxTries     = 3
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// Token supplies the bearer credential per request.
	Token        func() string
	Timeout      time.Duration
	MaxBodyBytes int64
	CacheSize    int
	// MaxTries bounds attempts for idempotent reads on transient errors.
	MaxTries   uint
	HTTPClient *http.Client
	Logger     logging.Logger
	Metrics    *observability.Metrics
}

// Client talks to the task/session REST API.
type Client struct {
	base     *url.URL
	token    func() string
	http     *http.Client
	maxBody  int64
	maxTries uint
	details  *lru.Cache[string, TaskDetail]
	logger   logging.Logger
	metrics  *observability.Metrics
}

// New validates opts and builds a Client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("taskapi: invalid base url %q", opts.BaseURL)
	}
	logger := logging.OrNop(opts.Logger)
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = defaultMaxTries
	}
	client := opts.HTTPClient
	if client == nil {
		client, _ = httpclient.NewWithBreaker(opts.Timeout, logger, "taskapi", httpclient.DefaultBreakerConfig())
	}
	details, err := lru.New[string, TaskDetail](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("taskapi: detail cache: %w", err)
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		base:     base,
		token:    token,
		http:     client,
		maxBody:  opts.MaxBodyBytes,
		maxTries: opts.MaxTries,
		details:  details,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

// CreateTask starts a task.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (CreateTaskResponse, error) {
	var out CreateTaskResponse
	if strings.TrimSpace(req.Task) == "" {
		return out, alexerrors.NewPermanentError(fmt.Errorf("empty task"), "task description is required")
	}
	err := c.do(ctx, "create_task", http.MethodPost, "/tasks", req, &out)
	return out, err
}

// GetSession fetches a session and its task history.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	return retryRead(ctx, c, func() (Session, error) {
		var out Session
		err := c.do(ctx, "get_session", http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &out)
		return out, err
	})
}

// GetTask fetches full task detail. Finished tasks are served from cache.
func (c *Client) GetTask(ctx context.Context, taskID string) (TaskDetail, error) {
	if detail, ok := c.details.Get(taskID); ok {
		return detail, nil
	}
	detail, err := retryRead(ctx, c, func() (TaskDetail, error) {
		var out TaskDetail
		err := c.do(ctx, "get_task", http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
		return out, err
	})
	if err != nil {
		return TaskDetail{}, err
	}
	if detail.Terminal() {
		c.details.Add(taskID, detail)
	}
	return detail, nil
}

// CancelTask asks the server to stop a task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, "cancel_task", http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", nil, nil)
}

// ResumeTask releases a breakpoint.
func (c *Client) ResumeTask(ctx context.Context, taskID, userInput string) error {
	return c.do(ctx, "resume_task", http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/resume", resumeRequest{UserInput: userInput}, nil)
}

// RejectTask rejects a breakpoint, optionally with feedback for a re-run.
func (c *Client) RejectTask(ctx context.Context, taskID, feedback string) error {
	return c.do(ctx, "reject_task", http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/reject", rejectRequest{Feedback: feedback}, nil)
}

// RefreshToken exchanges the current credential for a new one.
func (c *Client) RefreshToken(ctx context.Context, current string) (string, error) {
	var out tokenResponse
	if err := c.do(ctx, "refresh_token", http.MethodPost, "/auth/refresh", tokenRequest{Token: current}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func retryRead[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !alexerrors.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := jsonx.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncRESTRequest(op, "error")
		return alexerrors.Wrap(alexerrors.KindOperation, op, err)
	}
	defer resp.Body.Close()

	data, err := httpclient.ReadBody(resp.Body, c.maxBody)
	if err != nil {
		c.metrics.IncRESTRequest(op, "error")
		return alexerrors.Wrap(alexerrors.KindOperation, op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.metrics.IncRESTRequest(op, "http_"+fmt.Sprint(resp.StatusCode))
		c.logger.Warn("%s returned %d", op, resp.StatusCode)
		return alexerrors.Wrap(alexerrors.KindOperation, op, alexerrors.FromHTTPStatus(resp.StatusCode, string(data)))
	}
	c.metrics.IncRESTRequest(op, "ok")
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := jsonx.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
