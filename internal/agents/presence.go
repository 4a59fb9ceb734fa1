package agents

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/events"
)

// PresenceOptions controls when an agent is considered gone.
type PresenceOptions struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int           // consecutive misses before OFFLINE, typically 3
	SweepInterval     time.Duration // defaults to HeartbeatInterval
	WakeTimeout       time.Duration
}

// Status is the presence and power view of one agent.
type Status struct {
	AgentID         string        `json:"agent_id"`
	Presence        PresenceState `json:"presence"`
	PowerState      PowerState    `json:"power_state,omitempty"`
	ScreenLocked    bool          `json:"screen_locked"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at,omitempty"`
}

// Presence drives ONLINE/OFFLINE from heartbeats and exposes wake.
// An agent is ONLINE exactly while it has a session in the registry; the
// sweeper removes sessions that missed too many heartbeats.
type Presence struct {
	registry   *Registry
	dispatcher *Dispatcher
	opts       PresenceOptions
	logger     *zap.Logger
}

func NewPresence(registry *Registry, dispatcher *Dispatcher, opts PresenceOptions, logger *zap.Logger) *Presence {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.MissedHeartbeats <= 0 {
		opts.MissedHeartbeats = 3
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.HeartbeatInterval
	}
	if opts.WakeTimeout <= 0 {
		opts.WakeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger.Named("presence"),
	}
}

// GraceWindow is how long a session may go without a heartbeat.
func (p *Presence) GraceWindow() time.Duration {
	return p.opts.HeartbeatInterval * time.Duration(p.opts.MissedHeartbeats)
}

// Run sweeps for stale sessions until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	p.logger.Info("presence sweeper started",
		zap.Duration("interval", p.opts.HeartbeatInterval),
		zap.Int("missed", p.opts.MissedHeartbeats))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("presence sweeper stopped")
			return ctx.Err()
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

// Sweep moves every session whose last heartbeat is older than the grace
// window to OFFLINE by removing it. It returns the affected agent ids.
func (p *Presence) Sweep(now time.Time) []string {
	deadline := now.Add(-p.GraceWindow())

	var stale []string
	for _, s := range p.registry.sessions() {
		last := s.LastHeartbeat()
		if !last.Before(deadline) {
			continue
		}
		if p.registry.RemoveSession(s, CauseStale) {
			p.logger.Warn("agent missed heartbeats",
				zap.String("agent_id", s.agentID),
				zap.String("hostname", s.meta.Hostname),
				zap.Time("last_heartbeat", last),
				zap.Int("missed", p.opts.MissedHeartbeats))
			stale = append(stale, s.agentID)
		}
	}
	return stale
}

// State returns the presence of agentID. Unknown agents are OFFLINE.
func (p *Presence) State(agentID string) Status {
	s, ok := p.registry.Lookup(agentID)
	if !ok {
		return Status{AgentID: agentID, Presence: Offline}
	}
	sum := s.summary()
	return Status{
		AgentID:         agentID,
		Presence:        Online,
		PowerState:      sum.PowerState,
		ScreenLocked:    sum.ScreenLocked,
		LastHeartbeatAt: sum.LastHeartbeatAt,
	}
}

// Wake asks a sleeping agent to wake. It returns false without error, and
// without sending anything, when the agent is not connected or is already
// ACTIVE; State tells the two apart. On success the power state is set to
// ACTIVE until the next heartbeat confirms or corrects it.
func (p *Presence) Wake(ctx context.Context, agentID, reason string) (bool, error) {
	s, ok := p.registry.Lookup(agentID)
	if !ok {
		return false, nil
	}
	if s.PowerState() != PowerSleep {
		return false, nil
	}

	if err := p.dispatcher.Wake(ctx, agentID, reason, p.opts.WakeTimeout); err != nil {
		p.logger.Warn("wake failed", zap.String("agent_id", agentID), zap.Error(err))
		return false, err
	}
	s.setPower(PowerActive)

	p.logger.Info("agent woken", zap.String("agent_id", agentID), zap.String("reason", reason))
	p.registry.bus.Publish(events.Event{
		Type:     events.AgentWoken,
		Severity: events.SeverityInfo,
		AgentID:  agentID,
		Hostname: s.meta.Hostname,
		Message:  fmt.Sprintf("Agent %s woken: %s", s.meta.Hostname, reason),
		Metadata: map[string]string{"reason": reason},
	})
	return true, nil
}
