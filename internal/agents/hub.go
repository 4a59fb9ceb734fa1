package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleetgate/internal/protocol"
)

// Admission is the license decision for a registering machine.
type Admission struct {
	AgentID string
	License LicenseState
}

// Admitter resolves a register frame to an agent id and license. It is
// backed by the license store.
type Admitter interface {
	Admit(ctx context.Context, reg protocol.Register) (Admission, error)
}

// UpdateAdvisor computes the update flag returned with each heartbeat ack.
type UpdateAdvisor interface {
	UpdateFlag(ctx context.Context, meta Metadata) int
}

// HubOptions tunes the agent websocket endpoint. Zero values use defaults.
type HubOptions struct {
	HandshakeTimeout  time.Duration // first frame must be register within this window
	HeartbeatInterval time.Duration // pushed to agents in the registered frame
	PingInterval      time.Duration
	PongWait          time.Duration
}

// Hub accepts agent websocket connections, runs the registration handshake
// and feeds heartbeats and responses into the registry.
type Hub struct {
	registry *Registry
	admitter Admitter
	advisor  UpdateAdvisor
	opts     HubOptions
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewHub(registry *Registry, admitter Admitter, advisor UpdateAdvisor, opts HubOptions, logger *zap.Logger) *Hub {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry: registry,
		admitter: admitter,
		advisor:  advisor,
		opts:     opts,
		logger:   logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the agent until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.serve(protocol.NewConn(ws), r.RemoteAddr)
}

func (h *Hub) serve(conn *protocol.Conn, remote string) {
	log := h.logger.With(zap.String("remote", remote))

	reg, err := h.handshake(conn)
	if err != nil {
		log.Warn("handshake failed", zap.Error(err))
		h.reject(conn, "handshake_failed", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.HandshakeTimeout)
	admission, err := h.admitter.Admit(ctx, reg)
	cancel()
	if err != nil {
		log.Warn("registration rejected", zap.String("machine_id", reg.MachineID), zap.Error(err))
		h.reject(conn, "registration_rejected", err.Error())
		return
	}
	if admission.License == LicenseBlocked {
		log.Warn("blocked machine refused", zap.String("machine_id", reg.MachineID), zap.String("agent_id", admission.AgentID))
		h.reject(conn, "license_blocked", "this machine's license is blocked")
		return
	}

	meta := Metadata{
		MachineID:    reg.MachineID,
		Hostname:     reg.MachineName,
		OSType:       reg.OSType,
		OSVersion:    reg.OSVersion,
		Arch:         reg.Arch,
		AgentVersion: reg.AgentVersion,
	}
	s, err := h.registry.Register(admission.AgentID, conn, meta, admission.License)
	if err != nil {
		h.reject(conn, "unavailable", err.Error())
		return
	}
	defer h.registry.RemoveSession(s, CauseClosed)

	ack := protocol.Registered{
		AgentID:       admission.AgentID,
		LicenseStatus: string(admission.License),
		Config:        protocol.AgentConfig{HeartbeatInterval: h.opts.HeartbeatInterval.Milliseconds()},
	}
	if err := conn.Send(context.Background(), ack); err != nil {
		log.Warn("registered frame not delivered", zap.String("agent_id", s.agentID), zap.Error(err))
		return
	}

	conn.KeepAlive(h.opts.PingInterval, h.opts.PongWait)
	h.readLoop(s, conn)
}

// handshake waits for the register frame.
func (h *Hub) handshake(conn *protocol.Conn) (protocol.Register, error) {
	conn.SetReadTimeout(h.opts.HandshakeTimeout)
	m, err := conn.Read()
	if err != nil {
		return protocol.Register{}, fmt.Errorf("read register: %w", err)
	}
	reg, ok := m.(protocol.Register)
	if !ok {
		return protocol.Register{}, fmt.Errorf("expected register, got %s", m.FrameType())
	}
	return reg, nil
}

func (h *Hub) reject(conn *protocol.Conn, code, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Send(ctx, protocol.Error{Code: code, Message: msg})
	_ = conn.Close()
}

// readLoop handles frames until the transport fails. Malformed frames are
// logged and skipped; they never affect other sessions.
func (h *Hub) readLoop(s *Session, conn *protocol.Conn) {
	log := h.logger.With(zap.String("agent_id", s.agentID))

	for {
		m, err := conn.Read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType) {
				log.Warn("invalid frame", zap.Error(err))
				continue
			}
			if !protocol.IsClosed(err) {
				select {
				case <-s.Done():
				default:
					log.Info("agent connection ended", zap.Error(err))
				}
			}
			return
		}

		switch f := m.(type) {
		case protocol.Heartbeat:
			h.handleHeartbeat(s, conn, f)
		case protocol.Response:
			if !s.Resolve(f) {
				log.Debug("discarding response for unknown or settled command", zap.String("correlation_id", f.ID))
			}
		case protocol.Error:
			log.Warn("agent reported error", zap.String("code", f.Code), zap.String("message", f.Message))
		default:
			log.Warn("unexpected frame from agent", zap.String("type", string(m.FrameType())))
		}
	}
}

func (h *Hub) handleHeartbeat(s *Session, conn *protocol.Conn, f protocol.Heartbeat) {
	now := time.Now()
	sentAt := now
	if f.Timestamp > 0 {
		sentAt = time.UnixMilli(f.Timestamp)
	}
	if _, err := h.registry.Heartbeat(s.agentID, Heartbeat{
		SentAt:       sentAt,
		ReceivedAt:   now,
		PowerState:   ParsePowerState(f.PowerState),
		ScreenLocked: f.IsScreenLocked,
	}); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	flag := protocol.UpdateNone
	if h.advisor != nil {
		flag = h.advisor.UpdateFlag(ctx, s.meta)
	}
	ack := protocol.HeartbeatAck{LicenseStatus: string(s.License()), UpdateFlag: flag}
	if err := conn.Send(ctx, ack); err != nil {
		h.logger.Debug("heartbeat ack not delivered", zap.String("agent_id", s.agentID), zap.Error(err))
	}
}
