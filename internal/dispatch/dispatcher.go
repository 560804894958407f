package dispatch

import (
	"alexwatch/internal/observability"
	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/logging"
	"alexwatch/internal/state"
)

// Dispatcher routes envelopes through a Table.
type Dispatcher struct {
	table   Table
	logger  logging.Logger
	metrics *observability.Metrics
}

// NewDispatcher builds a Dispatcher. A nil table means Default().
func NewDispatcher(table Table, logger logging.Logger, metrics *observability.Metrics) *Dispatcher {
	if table == nil {
		table = Default()
	}
	return &Dispatcher{
		table:   table,
		logger:  logging.OrNop(logger),
		metrics: metrics,
	}
}

// Dispatch applies env to store. handled is false when no handler exists for
// the tag; that is not an error. A payload that fails to decode is logged and
// reported but the store is left untouched.
func (d *Dispatcher) Dispatch(store *state.Store, env protocol.Envelope) (handled bool, err error) {
	h, ok := d.table.Lookup(env.Type)
	if !ok {
		d.metrics.IncUnknownEvent(string(env.Type))
		d.logger.Debug("no handler for event type %q", env.Type)
		return false, nil
	}
	meta := Meta{Type: env.Type, Timestamp: env.Timestamp, RequestID: env.RequestID}
	if err := h(store, env.Payload, meta); err != nil {
		d.metrics.IncHandlerError(string(env.Type))
		d.logger.Warn("dropping %s event: %v", env.Type, err)
		return true, err
	}
	d.metrics.IncEvent(string(env.Type))
	return true, nil
}
