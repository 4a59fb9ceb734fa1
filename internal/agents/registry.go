package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/events"
	"fleetgate/internal/metrics"
	"fleetgate/internal/protocol"
)

// Removal causes, recorded in logs, events and metrics.
const (
	CauseClosed   = "closed"
	CauseReplaced = "replaced"
	CauseEvicted  = "evicted"
	CauseStale    = "stale"
	CauseShutdown = "shutdown"
)

// slot serializes every mutation for one agent id. A slot is deleted from
// the map when its session goes; dead marks a slot that was deleted while
// another goroutine was waiting on its lock.
type slot struct {
	mu      sync.Mutex
	session *Session
	dead    bool
}

// Registry holds at most one live session per agent id. Operations on
// different agents never contend on a shared lock.
type Registry struct {
	slots   sync.Map // agentID -> *slot
	count   atomic.Int64
	closing atomic.Bool

	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry. A nil bus gets a private one.
func NewRegistry(bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Registry {
	if bus == nil {
		bus = events.NewBus()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		bus:     bus,
		metrics: m,
		logger:  logger.Named("registry"),
		now:     time.Now,
	}
}

// lockSlot returns the live slot for agentID, locked, creating it if
// needed.
func (r *Registry) lockSlot(agentID string) *slot {
	for {
		v, ok := r.slots.Load(agentID)
		if !ok {
			v, _ = r.slots.LoadOrStore(agentID, &slot{})
		}
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead {
			return sl
		}
		sl.mu.Unlock()
	}
}

// lockExisting is lockSlot without creation.
func (r *Registry) lockExisting(agentID string) (*slot, bool) {
	for {
		v, ok := r.slots.Load(agentID)
		if !ok {
			return nil, false
		}
		sl := v.(*slot)
		sl.mu.Lock()
		if !sl.dead {
			return sl, true
		}
		sl.mu.Unlock()
	}
}

// Register binds agentID to a new session over t. A previous live session
// for the same id is removed and its transport closed first, failing its
// pending commands with ConnectionLost.
func (r *Registry) Register(agentID string, t Transport, meta Metadata, license LicenseState) (*Session, error) {
	if agentID == "" {
		return nil, fmt.Errorf("register: empty agent id")
	}
	if r.closing.Load() {
		return nil, ErrShuttingDown
	}

	sl := r.lockSlot(agentID)
	prev := sl.session
	s := newSession(agentID, t, meta, license, r.now())
	sl.session = s
	if prev != nil {
		prev.close(newError(KindConnectionLost, agentID, "replaced by a newer connection"))
	} else {
		r.count.Add(1)
	}
	sl.mu.Unlock()

	r.metrics.Sessions.Set(float64(r.count.Load()))

	if prev != nil {
		r.metrics.SessionsClosed.WithLabelValues(CauseReplaced).Inc()
		r.logger.Info("agent session replaced", zap.String("agent_id", agentID))
		r.bus.Publish(events.Event{
			Type:     events.AgentReplaced,
			Severity: events.SeverityInfo,
			AgentID:  agentID,
			Hostname: meta.Hostname,
			Message:  fmt.Sprintf("Agent %s reconnected, previous connection closed", meta.Hostname),
		})
	}

	r.logger.Info("agent online",
		zap.String("agent_id", agentID),
		zap.String("hostname", meta.Hostname),
		zap.String("license", string(license)),
		zap.String("version", meta.AgentVersion))
	r.bus.Publish(events.Event{
		Type:     events.AgentOnline,
		Severity: events.SeverityInfo,
		AgentID:  agentID,
		Hostname: meta.Hostname,
		Message:  fmt.Sprintf("Agent %s is online", meta.Hostname),
		Metadata: map[string]string{"machine_id": meta.MachineID, "version": meta.AgentVersion},
	})
	return s, nil
}

// Lookup returns the live session for agentID.
func (r *Registry) Lookup(agentID string) (*Session, bool) {
	sl, ok := r.lockExisting(agentID)
	if !ok {
		return nil, false
	}
	defer sl.mu.Unlock()
	return sl.session, sl.session != nil
}

// Remove closes and removes whatever session is bound to agentID.
func (r *Registry) Remove(agentID string) bool {
	return r.remove(agentID, nil, CauseClosed, "removed")
}

// RemoveSession removes s only if it is still the live session for its
// agent. Transport readers call this on disconnect so a stale reader cannot
// remove the connection that replaced it.
func (r *Registry) RemoveSession(s *Session, cause string) bool {
	return r.remove(s.agentID, s, cause, cause)
}

// Evict removes the agent's session for an administrative reason such as a
// revoked license. The agent is told why before the transport is closed.
func (r *Registry) Evict(ctx context.Context, agentID, reason string) bool {
	s, ok := r.Lookup(agentID)
	if !ok {
		return false
	}

	notifyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := s.Send(notifyCtx, protocol.Error{Code: "evicted", Message: reason}); err != nil {
		r.logger.Debug("evict notice not delivered", zap.String("agent_id", agentID), zap.Error(err))
	}
	cancel()

	if !r.remove(agentID, s, CauseEvicted, "evicted: "+reason) {
		return false
	}
	r.bus.Publish(events.Event{
		Type:     events.AgentEvicted,
		Severity: events.SeverityWarning,
		AgentID:  agentID,
		Hostname: s.meta.Hostname,
		Message:  fmt.Sprintf("Agent %s evicted: %s", s.meta.Hostname, reason),
		Metadata: map[string]string{"reason": reason},
	})
	return true
}

// remove unbinds the session for agentID (only if it is want, when want is
// non-nil), retires the slot and closes the session while still holding the
// slot lock.
func (r *Registry) remove(agentID string, want *Session, cause, reason string) bool {
	sl, ok := r.lockExisting(agentID)
	if !ok {
		return false
	}
	s := sl.session
	if s == nil || (want != nil && s != want) {
		sl.mu.Unlock()
		return false
	}
	sl.session = nil
	sl.dead = true
	r.slots.CompareAndDelete(agentID, sl)
	s.close(newError(KindConnectionLost, agentID, "%s", reason))
	sl.mu.Unlock()

	r.count.Add(-1)
	r.metrics.Sessions.Set(float64(r.count.Load()))
	r.metrics.SessionsClosed.WithLabelValues(cause).Inc()

	r.logger.Info("agent offline",
		zap.String("agent_id", agentID),
		zap.String("hostname", s.meta.Hostname),
		zap.String("cause", cause))

	severity := events.SeverityWarning
	if cause == CauseShutdown {
		severity = events.SeverityInfo
	}
	r.bus.Publish(events.Event{
		Type:     events.AgentOffline,
		Severity: severity,
		AgentID:  agentID,
		Hostname: s.meta.Hostname,
		Message:  fmt.Sprintf("Agent %s is offline (%s)", s.meta.Hostname, cause),
		Metadata: map[string]string{"cause": cause},
	})
	return true
}

// Heartbeat applies hb to the agent's session. Older heartbeats (by agent
// timestamp) refresh liveness but never overwrite newer power state.
func (r *Registry) Heartbeat(agentID string, hb Heartbeat) (*Session, error) {
	sl, ok := r.lockExisting(agentID)
	if !ok {
		return nil, newError(KindAgentNotFound, agentID, "heartbeat for unknown agent")
	}
	s := sl.session
	if s == nil {
		sl.mu.Unlock()
		return nil, newError(KindAgentNotFound, agentID, "heartbeat for unknown agent")
	}
	changed, _ := s.applyHeartbeat(hb)
	sl.mu.Unlock()

	r.metrics.Heartbeats.Inc()
	if changed {
		r.logger.Debug("agent power state changed",
			zap.String("agent_id", agentID),
			zap.String("power_state", string(hb.PowerState)))
		r.bus.Publish(events.Event{
			Type:     events.AgentPower,
			Severity: events.SeverityInfo,
			AgentID:  agentID,
			Hostname: s.meta.Hostname,
			Message:  fmt.Sprintf("Agent %s power state is %s", s.meta.Hostname, hb.PowerState),
			Metadata: map[string]string{"power_state": string(hb.PowerState)},
		})
	}
	return s, nil
}

// sessions returns every live session.
func (r *Registry) sessions() []*Session {
	var out []*Session
	r.slots.Range(func(_, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		if sl.session != nil {
			out = append(out, sl.session)
		}
		sl.mu.Unlock()
		return true
	})
	return out
}

// List returns summaries of all live sessions, sorted by display name,
// with display names that are unique across the list.
func (r *Registry) List() []Summary {
	sessions := r.sessions()
	list := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, s.summary())
	}
	assignDisplayNames(list)
	sort.Slice(list, func(i, j int) bool {
		if list[i].DisplayName != list[j].DisplayName {
			return list[i].DisplayName < list[j].DisplayName
		}
		return list[i].AgentID < list[j].AgentID
	})
	return list
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Subscribe returns a bounded stream of registry events.
func (r *Registry) Subscribe(buffer int, types ...events.EventType) *events.Subscription {
	return r.bus.Subscribe(buffer, types...)
}

// CloseAll removes every session and rejects further registrations.
func (r *Registry) CloseAll() {
	r.closing.Store(true)
	for _, s := range r.sessions() {
		r.remove(s.agentID, s, CauseShutdown, "server shutdown")
	}
}
