// Package gate turns human decisions at a breakpoint, and cancellation, into
// outbound control messages plus optimistic store transitions.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"alexwatch/internal/observability"
	"alexwatch/internal/protocol"
	"alexwatch/internal/shared/async"
	alexerrors "alexwatch/internal/shared/errors"
	"alexwatch/internal/shared/logging"
	"alexwatch/internal/state"
)

var (
	// ErrNoBreakpoint is returned by Resume and Reject when nothing is paused.
	ErrNoBreakpoint = errors.New("gate: no pending breakpoint")
	// ErrInvalidPolicy is returned for an unknown granularity.
	ErrInvalidPolicy = errors.New("gate: invalid breakpoint policy")
)

// Transitional activity messages.
const (
	ResumingMessage  = "Resuming"
	RerunningMessage = "Re-running with feedback"
)

// Sender is the transport side of delivery.
type Sender interface {
	Send(env protocol.Envelope) error
	Available() bool
}

// Fallback delivers decisions over REST while the transport is down.
type Fallback interface {
	CancelTask(ctx context.Context, taskID string) error
	ResumeTask(ctx context.Context, taskID, userInput string) error
	RejectTask(ctx context.Context, taskID, feedback string) error
}

// Options configures a Gate.
type Options struct {
	Sender   Sender
	Fallback Fallback
	// ReportError receives delivery failures that happen after the call
	// returned. It must not block.
	ReportError     func(err error)
	FallbackTimeout time.Duration
	Now             func() time.Time
	Logger          logging.Logger
	Metrics         *observability.Metrics
}

// Gate is used from the goroutine that owns the store.
type Gate struct {
	opts   Options
	logger logging.Logger
}

// New builds a Gate.
func New(opts Options) *Gate {
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReportError == nil {
		opts.ReportError = func(error) {}
	}
	return &Gate{opts: opts, logger: logging.OrNop(opts.Logger)}
}

// Resume releases the breakpoint. The breakpoint is cleared even when
// delivery fails; the failure is recorded as an operation error.
func (g *Gate) Resume(store *state.Store, userInput string) error {
	bp := store.Breakpoint()
	if bp == nil {
		return ErrNoBreakpoint
	}
	userInput = strings.TrimSpace(userInput)
	err := g.deliver("resume", protocol.NewResume(bp.TaskID, userInput), func(ctx context.Context, f Fallback) error {
		return f.ResumeTask(ctx, bp.TaskID, userInput)
	})

	now := g.opts.Now()
	store.ClearBreakpoint()
	store.SetTransitionalActivity(bp.AgentType, state.ActivityRunning, ResumingMessage, now)
	store.SetOperationError(err)
	return err
}

// Reject rejects the paused step. With feedback the server re-runs the step
// and streaming continues; without feedback it is a hard cancel.
func (g *Gate) Reject(store *state.Store, feedback string) error {
	bp := store.Breakpoint()
	if bp == nil {
		return ErrNoBreakpoint
	}
	feedback = strings.TrimSpace(feedback)
	err := g.deliver("reject", protocol.NewReject(bp.TaskID, feedback), func(ctx context.Context, f Fallback) error {
		return f.RejectTask(ctx, bp.TaskID, feedback)
	})

	now := g.opts.Now()
	if feedback == "" {
		store.FinalizeCancelled(now)
	} else {
		store.ClearBreakpoint()
		store.SetTransitionalActivity(bp.AgentType, state.ActivityRunning, RerunningMessage, now)
	}
	store.SetOperationError(err)
	return err
}

// Cancel stops the active task. The local message is finalized regardless of
// whether the server acknowledges.
func (g *Gate) Cancel(store *state.Store) error {
	taskID := store.ActiveTaskID()
	if taskID == "" {
		if bp := store.Breakpoint(); bp != nil {
			taskID = bp.TaskID
		}
	}
	var err error
	if taskID != "" {
		err = g.deliver("cancel", protocol.NewCancel(taskID), func(ctx context.Context, f Fallback) error {
			return f.CancelTask(ctx, taskID)
		})
	}
	store.FinalizeCancelled(g.opts.Now())
	store.SetOperationError(err)
	return err
}

// UpdatePolicy changes the pause policy mid-task. It is only deliverable over
// the transport and is queued while disconnected.
func (g *Gate) UpdatePolicy(policy protocol.BreakpointPolicy) error {
	switch policy.Granularity {
	case protocol.GranularityOff, protocol.GranularityMilestone, protocol.GranularityAgent:
	default:
		return fmt.Errorf("%w: granularity %q", ErrInvalidPolicy, policy.Granularity)
	}
	if g.opts.Sender == nil {
		return alexerrors.Wrap(alexerrors.KindOperation, "update policy", errors.New("no transport"))
	}
	if err := g.opts.Sender.Send(protocol.NewPolicyUpdate(policy)); err != nil {
		g.opts.Metrics.IncGateDecision("policy", "transport", "failed")
		return alexerrors.Wrap(alexerrors.KindOperation, "update policy", err)
	}
	g.opts.Metrics.IncGateDecision("policy", "transport", "sent")
	return nil
}

// deliver picks the transport when it is connected, the REST fallback when it
// is not, and the transport queue when no fallback exists. REST calls run on
// their own goroutine and report through ReportError.
func (g *Gate) deliver(action string, env protocol.Envelope, rest func(context.Context, Fallback) error) error {
	sender, fallback := g.opts.Sender, g.opts.Fallback

	if sender != nil && sender.Available() {
		err := sender.Send(env)
		if err == nil {
			g.opts.Metrics.IncGateDecision(action, "transport", "sent")
			return nil
		}
		g.opts.Metrics.IncGateDecision(action, "transport", "failed")
		g.logger.Warn("%s over transport failed: %v", action, err)
		if fallback == nil {
			return alexerrors.Wrap(alexerrors.KindOperation, action, err)
		}
	}

	if fallback != nil {
		async.Go(g.logger, "gate."+action, func() {
			ctx, cancel := context.WithTimeout(context.Background(), g.opts.FallbackTimeout)
			defer cancel()
			if err := rest(ctx, fallback); err != nil {
				g.opts.Metrics.IncGateDecision(action, "rest", "failed")
				g.logger.Warn("%s over REST failed: %v", action, err)
				g.opts.ReportError(alexerrors.Wrap(alexerrors.KindOperation, action, err))
				return
			}
			g.opts.Metrics.IncGateDecision(action, "rest", "sent")
		})
		return nil
	}

	if sender == nil {
		return alexerrors.Wrap(alexerrors.KindOperation, action, errors.New("no delivery path"))
	}
	if err := sender.Send(env); err != nil {
		g.opts.Metrics.IncGateDecision(action, "queue", "failed")
		return alexerrors.Wrap(alexerrors.KindOperation, action, err)
	}
	g.opts.Metrics.IncGateDecision(action, "queue", "queued")
	return nil
}
