package agents

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fleetgate/internal/protocol"
)

// Transport is the framed, bidirectional connection to one agent.
// Implementations must allow concurrent Send calls.
type Transport interface {
	Send(ctx context.Context, m protocol.Message) error
	Close() error
}

// outcome is the single result delivered to a pending command.
type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCommand struct {
	method   string
	deadline time.Time
	done     chan outcome // buffered 1, written exactly once
}

// Session is one live agent connection. It owns its transport and closes it
// exactly once.
type Session struct {
	agentID     string
	meta        Metadata
	transport   Transport
	connectedAt time.Time

	mu            sync.Mutex
	license       LicenseState
	power         PowerState
	screenLocked  bool
	lastHeartbeat time.Time // server clock
	lastSentAt    time.Time // agent clock of the last applied heartbeat
	pending       map[string]*pendingCommand
	closed        bool

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(agentID string, t Transport, meta Metadata, license LicenseState, now time.Time) *Session {
	return &Session{
		agentID:       agentID,
		meta:          meta,
		transport:     t,
		connectedAt:   now,
		license:       license,
		power:         PowerActive,
		lastHeartbeat: now,
		pending:       make(map[string]*pendingCommand),
		done:          make(chan struct{}),
	}
}

func (s *Session) AgentID() string { return s.agentID }

func (s *Session) Metadata() Metadata { return s.meta }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Done is closed when the session has been removed and its transport closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) License() LicenseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.license
}

func (s *Session) SetLicense(l LicenseState) {
	s.mu.Lock()
	s.license = l
	s.mu.Unlock()
}

func (s *Session) PowerState() PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Send writes a frame on the session's transport.
func (s *Session) Send(ctx context.Context, m protocol.Message) error {
	return s.transport.Send(ctx, m)
}

func (s *Session) summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		AgentID:         s.agentID,
		Metadata:        s.meta,
		License:         s.license,
		Presence:        Online,
		PowerState:      s.power,
		ScreenLocked:    s.screenLocked,
		ConnectedAt:     s.connectedAt,
		LastHeartbeatAt: s.lastHeartbeat,
		PendingCommands: len(s.pending),
	}
}

// applyHeartbeat refreshes liveness unconditionally and the power fields
// only when hb is not older than the last applied heartbeat. It reports
// whether the power state changed.
func (s *Session) applyHeartbeat(hb Heartbeat) (changed, applied bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hb.ReceivedAt.After(s.lastHeartbeat) {
		s.lastHeartbeat = hb.ReceivedAt
	}
	if hb.SentAt.Before(s.lastSentAt) {
		return false, false
	}
	s.lastSentAt = hb.SentAt
	changed = s.power != hb.PowerState
	s.power = hb.PowerState
	s.screenLocked = hb.ScreenLocked
	return changed, true
}

// setPower is used for the optimistic transition after a successful wake.
func (s *Session) setPower(p PowerState) {
	s.mu.Lock()
	s.power = p
	s.mu.Unlock()
}

// addPending registers a command awaiting a reply. It fails once the
// session is closed.
func (s *Session) addPending(id, method string, deadline time.Time) (*pendingCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, newError(KindConnectionLost, s.agentID, "session closed")
	}
	p := &pendingCommand{method: method, deadline: deadline, done: make(chan outcome, 1)}
	s.pending[id] = p
	return p, nil
}

// takePending removes and returns the pending command for id. Only the
// caller that takes an entry may deliver its outcome.
func (s *Session) takePending(id string) (*pendingCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p, ok
}

// Resolve delivers a response to its pending command. It returns false for
// unknown or already settled correlation ids, which callers drop.
func (s *Session) Resolve(resp protocol.Response) bool {
	p, ok := s.takePending(resp.ID)
	if !ok {
		return false
	}
	if resp.Error != nil {
		p.done <- outcome{err: &RemoteError{
			AgentID: s.agentID,
			Method:  p.method,
			Kind:    resp.Error.Kind,
			Message: resp.Error.Message,
		}}
		return true
	}
	p.done <- outcome{result: resp.Result}
	return true
}

func (s *Session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// close fails every pending command with cause and closes the transport.
// Safe to call more than once; only the first call has effect.
func (s *Session) close(cause *Error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = make(map[string]*pendingCommand)
		s.mu.Unlock()

		for _, p := range pending {
			p.done <- outcome{err: cause}
		}
		_ = s.transport.Close()
		close(s.done)
	})
}
