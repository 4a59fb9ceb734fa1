// Package license applies license state changes to connected agents. Changes
// arrive over a Redis channel so every control plane instance evicts the
// agent, and are persisted to the license store.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fleetgate/internal/agents"
)

// Store persists license states.
type Store interface {
	SetLicenseState(ctx context.Context, agentID string, state agents.LicenseState) error
}

// Registry is the part of the connection registry the revoker drives.
type Registry interface {
	Lookup(agentID string) (*agents.Session, bool)
	Evict(ctx context.Context, agentID, reason string) bool
}

// Change is one license state change.
type Change struct {
	AgentID string
	State   agents.LicenseState
}

// ParseChange decodes a channel payload: "<agentId>" revokes (BLOCKED),
// "<agentId>:<STATE>" sets STATE.
func ParseChange(payload string) (Change, error) {
	payload = strings.TrimSpace(payload)
	id, state, hasState := strings.Cut(payload, ":")
	if id == "" {
		return Change{}, fmt.Errorf("invalid license payload %q", payload)
	}
	c := Change{AgentID: id, State: agents.LicenseBlocked}
	if hasState {
		switch s := agents.LicenseState(strings.ToUpper(strings.TrimSpace(state))); s {
		case agents.LicensePending, agents.LicenseActive, agents.LicenseBlocked, agents.LicenseExpired:
			c.State = s
		default:
			return Change{}, fmt.Errorf("invalid license state %q", state)
		}
	}
	return c, nil
}

func (c Change) String() string {
	return c.AgentID + ":" + string(c.State)
}

// Revoker applies license changes locally and, when Redis is configured,
// announces them to the other instances.
type Revoker struct {
	store    Store
	registry Registry
	rdb      *redis.Client
	channel  string
	logger   *zap.Logger
}

// NewRevoker builds a Revoker. rdb may be nil, in which case changes are
// only applied to this instance.
func NewRevoker(store Store, registry Registry, rdb *redis.Client, channel string, logger *zap.Logger) *Revoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Revoker{store: store, registry: registry, rdb: rdb, channel: channel, logger: logger.Named("license")}
}

// Apply persists c and updates the live session. Agents whose license no
// longer accepts commands are evicted; their pending commands fail with
// connection lost.
func (r *Revoker) Apply(ctx context.Context, c Change) error {
	var storeErr error
	if r.store != nil {
		storeErr = r.store.SetLicenseState(ctx, c.AgentID, c.State)
		if storeErr != nil {
			r.logger.Warn("license state not persisted", zap.String("agent_id", c.AgentID), zap.Error(storeErr))
		}
	}

	if c.State.AcceptsCommands() {
		if s, ok := r.registry.Lookup(c.AgentID); ok {
			s.SetLicense(c.State)
		}
		r.logger.Info("license updated", zap.String("agent_id", c.AgentID), zap.String("state", string(c.State)))
		return storeErr
	}

	reason := "license " + strings.ToLower(string(c.State))
	if r.registry.Evict(ctx, c.AgentID, reason) {
		r.logger.Info("agent evicted", zap.String("agent_id", c.AgentID), zap.String("reason", reason))
	}
	return storeErr
}

// Announce applies c and publishes it so other instances apply it too.
func (r *Revoker) Announce(ctx context.Context, c Change) error {
	if err := r.Apply(ctx, c); err != nil {
		return err
	}
	if r.rdb == nil {
		return nil
	}
	if err := r.rdb.Publish(ctx, r.channel, c.String()).Err(); err != nil {
		return fmt.Errorf("publish license change: %w", err)
	}
	if !c.State.AcceptsCommands() {
		if err := r.rdb.SAdd(ctx, r.blockedSet(), c.AgentID).Err(); err != nil {
			return fmt.Errorf("record revoked agent: %w", err)
		}
	} else if err := r.rdb.SRem(ctx, r.blockedSet(), c.AgentID).Err(); err != nil {
		return fmt.Errorf("clear revoked agent: %w", err)
	}
	return nil
}

// blockedSet holds revoked agent ids so a reconnecting listener can catch
// up on changes it missed.
func (r *Revoker) blockedSet() string {
	return r.channel + ":set"
}

// Process applies every message from ch until ctx is done or ch closes.
func (r *Revoker) Process(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			c, err := ParseChange(msg.Payload)
			if err != nil {
				r.logger.Error("invalid license signal", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			if err := r.Apply(ctx, c); err != nil {
				r.logger.Warn("license change partially applied", zap.String("agent_id", c.AgentID), zap.Error(err))
			}
		}
	}
}

// Listen subscribes to the revocation channel and applies changes until ctx
// is done, resubscribing after connection loss. On every (re)subscribe the
// revoked set is replayed so changes missed while disconnected still evict.
func (r *Revoker) Listen(ctx context.Context) error {
	if r.rdb == nil {
		return errors.New("license listener requires redis")
	}
	for {
		pubsub := r.rdb.Subscribe(ctx, r.channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("failed to subscribe", zap.String("channel", r.channel), zap.Error(err))
			if !sleep(ctx, 5*time.Second) {
				return ctx.Err()
			}
			continue
		}

		r.replay(ctx)
		r.Process(ctx, pubsub.Channel())
		pubsub.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleep(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

func (r *Revoker) replay(ctx context.Context) {
	ids, err := r.rdb.SMembers(ctx, r.blockedSet()).Result()
	if err != nil {
		r.logger.Error("sync failed on reconnect", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, ok := r.registry.Lookup(id); ok {
			r.registry.Evict(ctx, id, "license blocked")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
