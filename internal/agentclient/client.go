// Package agentclient is the agent side of the control plane connection:
// it registers, heartbeats, and runs vetted tools on behalf of the server.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleetgate/internal/protocol"
)

// ErrBlocked is returned by Run when the server refuses this machine's
// license. Reconnecting will not help.
var ErrBlocked = errors.New("license blocked")

const (
	defaultHeartbeat        = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = time.Minute
)

// Options configures a Client.
type Options struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:9080/agent/ws.
	ServerURL string
	System    SystemInfo
	Secret    string
	// Tools is required; Power defaults to a StaticPower.
	Tools *Tools
	Power Power

	// HeartbeatInterval is used until the server pushes its own.
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration

	// OnUpdate is called when the update flag in heartbeat acks changes.
	OnUpdate func(flag int)
	Dialer   *websocket.Dialer
}

// Client keeps one connection to the server alive.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu         sync.RWMutex
	agentID    string
	license    string
	updateFlag int
}

func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	if opts.Power == nil {
		opts.Power = NewStaticPower()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, logger: logger.Named("agent")}
}

// AgentID is the id assigned by the last successful handshake.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// License is the last license status reported by the server.
func (c *Client) License() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.license
}

// UpdateFlag is the last update flag reported by the server.
func (c *Client) UpdateFlag() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateFlag
}

// Run connects and serves until ctx is cancelled or the license is
// blocked. Lost connections are re-established with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		var (
			conn *protocol.Conn
			reg  protocol.Registered
		)
		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(c.opts.MinBackoff),
			retry.MaxDelay(c.opts.MaxBackoff),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrBlocked) }),
			retry.OnRetry(func(n uint, err error) {
				c.logger.Warn("connect failed", zap.Uint("attempt", n+1), zap.Error(err))
			}),
		).Do(func() error {
			var err error
			conn, reg, err = c.connect(ctx)
			return err
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}

		err = c.serve(ctx, conn, reg)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("disconnected", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.MinBackoff):
		}
	}
}

// connect dials and completes the registration handshake.
func (c *Client) connect(ctx context.Context) (*protocol.Conn, protocol.Registered, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.opts.Dialer.DialContext(dialCtx, c.opts.ServerURL, nil)
	if err != nil {
		return nil, protocol.Registered{}, fmt.Errorf("dial %s: %w", c.opts.ServerURL, err)
	}
	conn := protocol.NewConn(ws)
	conn.SetReadTimeout(c.opts.HandshakeTimeout)

	sys := c.opts.System
	if err := conn.Send(dialCtx, protocol.Register{
		MachineID:    sys.MachineID,
		MachineName:  sys.Hostname,
		OSType:       sys.OSType,
		OSVersion:    sys.OSVersion,
		Arch:         sys.Arch,
		AgentVersion: sys.AgentVersion,
		Secret:       c.opts.Secret,
	}); err != nil {
		conn.Close()
		return nil, protocol.Registered{}, fmt.Errorf("send register: %w", err)
	}

	m, err := conn.Read()
	if err != nil {
		conn.Close()
		return nil, protocol.Registered{}, fmt.Errorf("handshake: %w", err)
	}
	switch f := m.(type) {
	case protocol.Registered:
		c.mu.Lock()
		c.agentID = f.AgentID
		c.license = f.LicenseStatus
		c.mu.Unlock()
		c.logger.Info("registered",
			zap.String("agent_id", f.AgentID),
			zap.String("license", f.LicenseStatus))
		return conn, f, nil
	case protocol.Error:
		conn.Close()
		if f.Code == "license_blocked" {
			return nil, protocol.Registered{}, fmt.Errorf("%w: %s", ErrBlocked, f.Message)
		}
		return nil, protocol.Registered{}, fmt.Errorf("handshake rejected: %s: %s", f.Code, f.Message)
	default:
		conn.Close()
		return nil, protocol.Registered{}, fmt.Errorf("handshake: unexpected %s frame", m.FrameType())
	}
}

// serve runs one registered connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn *protocol.Conn, reg protocol.Registered) error {
	interval := c.opts.HeartbeatInterval
	if reg.Config.HeartbeatInterval > 0 {
		interval = time.Duration(reg.Config.HeartbeatInterval) * time.Millisecond
	}
	// Every heartbeat is acked, so silence for three intervals means the
	// server is gone.
	conn.SetReadTimeout(3 * interval)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(ctx, conn, interval)
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		m, err := conn.Read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType) {
				c.logger.Debug("skipping frame", zap.Error(err))
				continue
			}
			return err
		}
		switch f := m.(type) {
		case protocol.Request:
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.respond(ctx, conn, f.ID, f.Method, f.Params)
			}()
		case protocol.Wake:
			params, _ := json.Marshal(map[string]string{"reason": f.Reason})
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.respond(ctx, conn, f.ID, "wake", params)
			}()
		case protocol.HeartbeatAck:
			c.ack(f)
		case protocol.Error:
			c.logger.Warn("server error", zap.String("code", f.Code), zap.String("message", f.Message))
		default:
			c.logger.Debug("ignoring frame", zap.String("type", string(m.FrameType())))
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *protocol.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		power, locked := c.opts.Power.State()
		hb := protocol.Heartbeat{
			Timestamp:      time.Now().UnixMilli(),
			PowerState:     string(power),
			IsScreenLocked: locked,
		}
		if err := conn.Send(ctx, hb); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				conn.Close()
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) ack(f protocol.HeartbeatAck) {
	c.mu.Lock()
	changed := f.UpdateFlag != c.updateFlag
	c.license = f.LicenseStatus
	c.updateFlag = f.UpdateFlag
	c.mu.Unlock()

	if changed {
		c.logger.Info("update flag changed", zap.Int("flag", f.UpdateFlag))
		if c.opts.OnUpdate != nil {
			c.opts.OnUpdate(f.UpdateFlag)
		}
	}
}

func (c *Client) respond(ctx context.Context, conn *protocol.Conn, id, method string, params json.RawMessage) {
	resp := protocol.Response{ID: id}
	result, err := c.opts.Tools.Handle(ctx, method, params)
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Result = nil
		resp.Error = errorBody(err)
		c.logger.Info("request failed",
			zap.String("id", id),
			zap.String("method", method),
			zap.String("kind", resp.Error.Kind))
	}
	if err := conn.Send(ctx, resp); err != nil && ctx.Err() == nil {
		c.logger.Warn("send response failed", zap.String("id", id), zap.Error(err))
	}
}
