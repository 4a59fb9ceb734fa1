// Package notify forwards fleet events to operator channels through Shoutrrr.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"fleetgate/internal/events"
	"fleetgate/internal/metrics"
)

// Delivery results used as the "result" label.
const (
	ResultSent       = "sent"
	ResultFailed     = "failed"
	ResultSuppressed = "suppressed"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(url, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

type Options struct {
	// URLs are Shoutrrr service URLs, e.g. "discord://token@id".
	URLs []string

	// Cooldown is the minimum gap between two notifications for the same
	// event type and agent.
	Cooldown time.Duration

	// MinSeverity filters out quieter events. Defaults to warning.
	MinSeverity events.Severity
}

// Dispatcher consumes bus events and delivers them to every configured URL.
// Each URL sits behind its own circuit breaker so a dead webhook does not
// stall the others.
type Dispatcher struct {
	urls        []string
	cooldown    time.Duration
	minSeverity events.Severity
	sender      Sender
	breakers    map[string]*gobreaker.CircuitBreaker
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	// cooldowns tracks the last dispatch time per (event type, agent).
	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// NewDispatcher builds a dispatcher. A nil sender uses Shoutrrr.
func NewDispatcher(opts Options, sender Sender, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MinSeverity == events.SeverityInfo {
		opts.MinSeverity = events.SeverityWarning
	}
	d := &Dispatcher{
		urls:        opts.URLs,
		cooldown:    opts.Cooldown,
		minSeverity: opts.MinSeverity,
		sender:      sender,
		breakers:    make(map[string]*gobreaker.CircuitBreaker, len(opts.URLs)),
		metrics:     m,
		logger:      logger.Named("notify"),
		now:         time.Now,
		cooldowns:   make(map[string]time.Time),
	}
	for i, url := range opts.URLs {
		d.breakers[url] = d.newBreaker(fmt.Sprintf("notify-%d", i))
	}
	return d
}

func (d *Dispatcher) newBreaker(name string) *gobreaker.CircuitBreaker {
	d.metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.metrics.BreakerState.WithLabelValues(name).Set(breakerValue(to))
			d.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Run handles events from sub until ctx is done or the subscription closes.
func (d *Dispatcher) Run(ctx context.Context, sub *events.Subscription) {
	if len(d.urls) == 0 {
		d.logger.Info("no notification urls configured")
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			d.Handle(e)
		}
	}
}

// Handle filters one event and delivers it if it passes.
func (d *Dispatcher) Handle(e events.Event) {
	if e.Severity < d.minSeverity || len(d.urls) == 0 {
		return
	}
	if !d.allow(e) {
		d.metrics.Notifications.WithLabelValues(ResultSuppressed).Inc()
		return
	}

	msg := formatMessage(e)
	for _, url := range d.urls {
		d.deliver(url, e, msg)
	}
}

// allow enforces the cooldown for e's type and agent.
func (d *Dispatcher) allow(e events.Event) bool {
	if d.cooldown <= 0 {
		return true
	}
	key := string(e.Type) + ":" + e.AgentID
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.cooldowns[key]; ok && now.Sub(last) < d.cooldown {
		return false
	}
	d.cooldowns[key] = now
	return true
}

func (d *Dispatcher) deliver(url string, e events.Event, msg string) {
	cb := d.breakers[url]
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, d.sender.Send(url, msg)
	})
	if err == nil {
		d.metrics.Notifications.WithLabelValues(ResultSent).Inc()
		return
	}

	d.metrics.Notifications.WithLabelValues(ResultFailed).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		d.logger.Debug("notification skipped, breaker open",
			zap.String("breaker", cb.Name()), zap.String("event", string(e.Type)))
		return
	}
	d.logger.Warn("notification failed",
		zap.String("breaker", cb.Name()),
		zap.String("event", string(e.Type)),
		zap.String("agent_id", e.AgentID),
		zap.Error(err))
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	severity := e.Severity.String()
	msg := fmt.Sprintf("[%s] %s", severity, e.Message)
	if e.Hostname != "" {
		msg = fmt.Sprintf("[%s] [%s] %s", severity, e.Hostname, e.Message)
	}
	return msg
}
