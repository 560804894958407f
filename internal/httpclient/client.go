package httpclient

import (
	"net/http"
	"time"

	"alexwatch/internal/shared/logging"
)

// New builds an HTTP client that logs each exchange at debug level.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &loggingRoundTripper{
			base:   http.DefaultTransport,
			logger: logging.OrNop(logger),
		},
	}
}

// NewWithBreaker builds a client guarded by a circuit breaker named name.
func NewWithBreaker(timeout time.Duration, logger logging.Logger, name string, config BreakerConfig) (*http.Client, *Breaker) {
	client := New(timeout, logger)
	breaker := NewBreaker(name, config, logger)
	client.Transport = WrapTransportWithBreaker(client.Transport, breaker)
	return client, breaker
}

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		t.logger.Debug("%s %s failed after %s: %v", req.Method, req.URL.Redacted(), elapsed, err)
		return nil, err
	}
	t.logger.Debug("%s %s -> %d in %s", req.Method, req.URL.Redacted(), resp.StatusCode, elapsed)
	return resp, nil
}
