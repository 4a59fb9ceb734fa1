package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleetgate/internal/events"
	"fleetgate/internal/metrics"
	"fleetgate/internal/protocol"
)

const (
	DefaultCommandTimeout = 30 * time.Second
	MaxCommandTimeout     = 5 * time.Minute
)

// DispatcherOptions tunes command timeouts. Zero values use the defaults.
type DispatcherOptions struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// Dispatcher sends correlated commands to agents and waits for exactly one
// of reply, timeout or connection loss.
type Dispatcher struct {
	registry       *Registry
	defaultTimeout time.Duration
	maxTimeout     time.Duration

	bus     *events.Bus
	metrics *metrics.Metrics
	audit   *zap.Logger
}

func NewDispatcher(registry *Registry, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultCommandTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = MaxCommandTimeout
	}
	if opts.DefaultTimeout > opts.MaxTimeout {
		opts.DefaultTimeout = opts.MaxTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:       registry,
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		bus:            registry.bus,
		metrics:        registry.metrics,
		audit:          logger.Named("dispatcher"),
	}
}

// Timeout returns the effective timeout for a requested one: zero or
// negative means the default, anything above the maximum is clamped.
func (d *Dispatcher) Timeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return d.defaultTimeout
	case requested > d.maxTimeout:
		return d.maxTimeout
	default:
		return requested
	}
}

// Send runs method on the agent and returns its result payload. params may
// be nil, a json.RawMessage, or any value encoding/json can marshal.
func (d *Dispatcher) Send(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %s: %w", method, err)
	}
	return d.roundTrip(ctx, agentID, method, timeout, func(id string) protocol.Message {
		return protocol.Request{ID: id, Method: method, Params: raw}
	})
}

// Wake sends a wake frame and waits for the agent to acknowledge it.
func (d *Dispatcher) Wake(ctx context.Context, agentID, reason string, timeout time.Duration) error {
	_, err := d.roundTrip(ctx, agentID, "wake", timeout, func(id string) protocol.Message {
		return protocol.Wake{ID: id, Reason: reason}
	})
	return err
}

func (d *Dispatcher) roundTrip(ctx context.Context, agentID, method string, timeout time.Duration, frame func(id string) protocol.Message) (result json.RawMessage, err error) {
	start := time.Now()
	id := uuid.NewString()
	defer func() { d.record(agentID, method, id, start, err) }()

	s, ok := d.registry.Lookup(agentID)
	if !ok {
		return nil, newError(KindAgentNotFound, agentID, "agent is not connected")
	}
	if lic := s.License(); !lic.AcceptsCommands() {
		return nil, newError(KindAgentNotFound, agentID, "agent license is %s, commands are refused", lic)
	}

	timeout = d.Timeout(timeout)
	p, err := s.addPending(id, method, start.Add(timeout))
	if err != nil {
		return nil, err
	}

	if err := s.Send(ctx, frame(id)); err != nil {
		if _, mine := s.takePending(id); mine {
			return nil, &sendError{agentID: agentID, err: err}
		}
		out := <-p.done
		return out.result, out.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-timer.C:
		if _, mine := s.takePending(id); mine {
			d.bus.Publish(events.Event{
				Type:     events.CommandTimeout,
				Severity: events.SeverityWarning,
				AgentID:  agentID,
				Hostname: s.meta.Hostname,
				Message:  fmt.Sprintf("Command %s to %s timed out after %s", method, s.meta.Hostname, timeout),
				Metadata: map[string]string{"method": method, "correlation_id": id},
			})
			return nil, newError(KindTimeout, agentID, "%s did not answer within %s", method, timeout)
		}
		out := <-p.done
		return out.result, out.err
	case <-ctx.Done():
		if _, mine := s.takePending(id); mine {
			return nil, ctx.Err()
		}
		out := <-p.done
		return out.result, out.err
	}
}

// sendError reports a failed transport write. It is a ConnectionLost for
// callers but recorded separately in the audit log.
type sendError struct {
	agentID string
	err     error
}

func (e *sendError) Error() string {
	return fmt.Sprintf("connection_lost: agent %s: write failed: %v", e.agentID, e.err)
}

func (e *sendError) Unwrap() error { return e.err }

func (e *sendError) Is(target error) bool { return target == ErrConnectionLost }

func (d *Dispatcher) record(agentID, method, correlationID string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := outcomeOf(err)

	d.metrics.Commands.WithLabelValues(outcome).Inc()
	d.metrics.CommandDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome == metrics.OutcomeDenied {
		d.metrics.SecurityDenials.WithLabelValues(method).Inc()
	}

	fields := []zap.Field{
		zap.String("agent_id", agentID),
		zap.String("method", method),
		zap.String("correlation_id", correlationID),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	d.audit.Info("command", fields...)
}

func outcomeOf(err error) string {
	var se *sendError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &se):
		return metrics.OutcomeSendFailed
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrConnectionLost):
		return metrics.OutcomeConnectionLost
	case errors.Is(err, ErrSecurityDenied):
		return metrics.OutcomeDenied
	default:
		return metrics.OutcomeError
	}
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, errors.New("params are not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("params are not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
