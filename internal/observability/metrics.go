package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Phases reported by the connection gauge, in gauge value order.
var connectionPhases = []string{"disconnected", "connecting", "connected", "reconnecting"}

// Metrics records client-side health of the event stream. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	phase           *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	framesReceived  prometheus.Counter
	framesDropped   *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	events          *prometheus.CounterVec
	unknownEvents   *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	gateDecisions   *prometheus.CounterVec
	restRequests    *prometheus.CounterVec
	credentialFails prometheus.Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the instance registered with the default registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// MustNewMetrics registers the collectors with reg and panics on conflicts.
// Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		phase: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alexwatch",
			Subsystem: "transport",
			Name:      "connection_phase",
			Help:      "1 for the current connection phase, 0 for the others",
		}, []string{"phase"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled, by reason",
		}, []string{"reason"}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Inbound frames parsed into envelopes",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before dispatch, by reason",
		}, []string{"reason"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Outbound envelopes written or queued, by type and outcome",
		}, []string{"type", "outcome"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Envelopes applied to the derived state, by type",
		}, []string{"type"}),
		unknownEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "dispatch",
			Name:      "unknown_events_total",
			Help:      "Envelopes with no registered handler, by type",
		}, []string{"type"}),
		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "dispatch",
			Name:      "handler_errors_total",
			Help:      "Payloads that could not be decoded for their type",
		}, []string{"type"}),
		gateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Breakpoint and cancel decisions, by action and delivery path",
		}, []string{"action", "path", "outcome"}),
		restRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "taskapi",
			Name:      "requests_total",
			Help:      "REST calls to the task API, by operation and outcome",
		}, []string{"operation", "outcome"}),
		credentialFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "alexwatch",
			Subsystem: "auth",
			Name:      "refresh_failures_total",
			Help:      "Credential refresh attempts that failed",
		}),
	}
}

// SetPhase flips the phase gauge to phase.
func (m *Metrics) SetPhase(phase string) {
	if m == nil || m.phase == nil {
		return
	}
	for _, p := range connectionPhases {
		value := 0.0
		if p == phase {
			value = 1
		}
		m.phase.WithLabelValues(p).Set(value)
	}
}

func (m *Metrics) IncReconnect(reason string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncFrameReceived() {
	if m == nil || m.framesReceived == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) IncFrameDropped(reason string) {
	if m == nil || m.framesDropped == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncFrameSent(eventType, outcome string) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) IncEvent(eventType string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncUnknownEvent(eventType string) {
	if m == nil || m.unknownEvents == nil {
		return
	}
	m.unknownEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncHandlerError(eventType string) {
	if m == nil || m.handlerErrors == nil {
		return
	}
	m.handlerErrors.WithLabelValues(eventType).Inc()
}

// IncGateDecision counts one gate action. path is "transport" or "rest".
func (m *Metrics) IncGateDecision(action, path, outcome string) {
	if m == nil || m.gateDecisions == nil {
		return
	}
	m.gateDecisions.WithLabelValues(action, path, outcome).Inc()
}

func (m *Metrics) IncRESTRequest(operation, outcome string) {
	if m == nil || m.restRequests == nil {
		return
	}
	m.restRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) IncCredentialRefreshFailure() {
	if m == nil || m.credentialFails == nil {
		return
	}
	m.credentialFails.Inc()
}
