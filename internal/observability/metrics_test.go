package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordsPhaseAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.SetPhase("connecting")
	m.SetPhase("connected")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phase.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.phase.WithLabelValues("connecting")))

	m.IncReconnect("abnormal_close")
	m.IncReconnect("abnormal_close")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reconnects.WithLabelValues("abnormal_close")))

	m.IncUnknownEvent("future_event")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unknownEvents.WithLabelValues("future_event")))

	m.IncGateDecision("resume", "transport", "sent")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("resume", "transport", "sent")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPhase("connected")
		m.IncReconnect("x")
		m.IncFrameReceived()
		m.IncFrameDropped("parse")
		m.IncFrameSent("ping", "sent")
		m.IncEvent("task_started")
		m.IncUnknownEvent("x")
		m.IncHandlerError("x")
		m.IncGateDecision("cancel", "rest", "failed")
		m.IncRESTRequest("create_task", "ok")
		m.IncCredentialRefreshFailure()
	})
}
