package httpclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alexerrors "alexwatch/internal/shared/errors"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("api", BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute}, nil)
	b.now = func() time.Time { return now }

	b.Mark(errors.New("boom"))
	require.NoError(t, b.Allow())
	b.Mark(errors.New("boom"))
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, alexerrors.IsTransient(err))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	b.Mark(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerRoundTripperCountsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client, breaker := NewWithBreaker(time.Second, nil, "upstream", BreakerConfig{FailureThreshold: 2, Timeout: time.Minute})
	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	assert.Equal(t, StateOpen, breaker.State())

	_, err := client.Get(srv.URL)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
