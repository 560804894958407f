package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"alexwatch/internal/observability"
	"alexwatch/internal/shared/async"
	"alexwatch/internal/shared/logging"
)

// ErrNoRefresher is reported when a refresh is requested but nothing can
// issue a new token.
var ErrNoRefresher = errors.New("auth: no token refresher configured")

// Refresher obtains a new token from the issuing service.
type Refresher interface {
	RefreshToken(ctx context.Context, current string) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, current string) (string, error)

func (f RefresherFunc) RefreshToken(ctx context.Context, current string) (string, error) {
	return f(ctx, current)
}

// HolderOptions configures a Holder.
type HolderOptions struct {
	Refresher Refresher
	// RefreshAhead triggers a proactive refresh this long before exp.
	RefreshAhead time.Duration
	// MaxFailures consecutive refresh failures are reported to
	// OnRefreshFailed. Earlier failures are only logged.
	MaxFailures     int
	OnRefreshFailed func(err error)
	RefreshTimeout  time.Duration
	Logger          logging.Logger
	Metrics         *observability.Metrics
}

// Holder owns the current credential value and notifies watchers on change.
type Holder struct {
	opts   HolderOptions
	logger logging.Logger

	mu         sync.Mutex
	token      string
	watchers   map[int]func(string)
	nextID     int
	refreshing bool
	failures   int
	timer      *time.Timer
	closed     bool
}

// NewHolder creates a Holder seeded with initial.
func NewHolder(initial string, opts HolderOptions) *Holder {
	if opts.RefreshAhead <= 0 {
		opts.RefreshAhead = time.Minute
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	h := &Holder{
		opts:     opts,
		logger:   logging.OrNop(opts.Logger),
		watchers: make(map[int]func(string)),
	}
	h.Set(initial)
	return h
}

// Token returns the current value.
func (h *Holder) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

// Set replaces the token. Watchers run only when the value changed.
func (h *Holder) Set(token string) {
	h.mu.Lock()
	if h.closed || token == h.token {
		h.mu.Unlock()
		return
	}
	h.token = token
	h.scheduleLocked(token)
	watchers := make([]func(string), 0, len(h.watchers))
	for id := 0; id < h.nextID; id++ {
		if fn, ok := h.watchers[id]; ok {
			watchers = append(watchers, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range watchers {
		fn(token)
	}
}

// Watch registers fn for token changes. The returned func removes it.
func (h *Holder) Watch(fn func(token string)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.watchers, id)
	}
}

// RequestRefresh asks the refresher for a new token in the background.
// Concurrent requests collapse into one.
func (h *Holder) RequestRefresh(ctx context.Context) {
	h.mu.Lock()
	if h.refreshing || h.closed {
		h.mu.Unlock()
		return
	}
	h.refreshing = true
	current := h.token
	h.mu.Unlock()

	base := context.WithoutCancel(ctx)
	async.Go(h.logger, "auth.refresh", func() {
		refreshCtx, cancel := context.WithTimeout(base, h.opts.RefreshTimeout)
		defer cancel()
		h.refresh(refreshCtx, current)
	})
}

func (h *Holder) refresh(ctx context.Context, current string) {
	var (
		token string
		err   error
	)
	if h.opts.Refresher == nil {
		err = ErrNoRefresher
	} else {
		token, err = h.opts.Refresher.RefreshToken(ctx, current)
		if err == nil && token == "" {
			err = errors.New("auth: refresher returned an empty token")
		}
	}

	h.mu.Lock()
	h.refreshing = false
	if err != nil {
		h.failures++
		failures := h.failures
		h.mu.Unlock()
		h.opts.Metrics.IncCredentialRefreshFailure()
		h.logger.Warn("token refresh failed (%d/%d): %v", failures, h.opts.MaxFailures, err)
		if failures >= h.opts.MaxFailures && h.opts.OnRefreshFailed != nil {
			h.opts.OnRefreshFailed(err)
		}
		return
	}
	h.failures = 0
	h.mu.Unlock()
	h.logger.Info("token refreshed")
	h.Set(token)
}

// Failures returns the count of consecutive failed refreshes.
func (h *Holder) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}

// Close stops proactive refreshes and drops watchers.
func (h *Holder) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.watchers = make(map[int]func(string))
}

func (h *Holder) scheduleLocked(token string) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if token == "" || h.opts.Refresher == nil {
		return
	}
	exp, ok := Expiry(token)
	if !ok {
		return
	}
	delay := max(time.Until(exp)-h.opts.RefreshAhead, 0)
	h.logger.Debug("scheduling token refresh in %s", delay)
	h.timer = async.AfterFunc(h.logger, "auth.proactive_refresh", delay, func() {
		h.RequestRefresh(context.Background())
	})
}
