package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	alexerrors "alexwatch/internal/shared/errors"
	"alexwatch/internal/shared/logging"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is wrapped by the error returned while the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // half-open successes that close it again
	Timeout          time.Duration // wait before probing in half-open
}

// DefaultBreakerConfig returns the stock thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker stops calling a failing upstream for a while.
type Breaker struct {
	name   string
	config BreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewBreaker creates a closed Breaker.
func NewBreaker(name string, config BreakerConfig, logger logging.Logger) *Breaker {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	return &Breaker{name: name, config: config, logger: logging.OrNop(logger), now: time.Now}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if wait := b.config.Timeout - b.now().Sub(b.lastFailure); wait > 0 {
		return alexerrors.NewTransientError(
			fmt.Errorf("%w for %s", ErrCircuitOpen, b.name),
			fmt.Sprintf("%s is temporarily unavailable; retry in %s", b.name, wait.Round(time.Second)),
		)
	}
	b.state = StateHalfOpen
	b.successCount = 0
	b.logger.Info("[%s] circuit half-open, probing", b.name)
	return nil
}

// Mark records an outcome. nil is a success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		switch b.state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = StateClosed
				b.failureCount = 0
				b.logger.Info("[%s] circuit closed", b.name)
			}
		}
		return
	}
	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("[%s] circuit opened after %d failures", b.name, b.failureCount)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("[%s] circuit reopened", b.name)
	}
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *Breaker
}

// WrapTransportWithBreaker guards base with breaker.
func WrapTransportWithBreaker(base http.RoundTripper, breaker *Breaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &breakerRoundTripper{base: base, breaker: breaker}
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
