package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"fleetgate/internal/agents"
	"fleetgate/internal/events"
	"fleetgate/internal/protocol"
)

// ErrInvalidSecret is returned by Admit when the enrollment secret does not
// match the one recorded for the machine.
var ErrInvalidSecret = errors.New("invalid enrollment secret")

// License is one agent license record.
type License struct {
	AgentID      string              `json:"agent_id"`
	MachineID    string              `json:"machine_id"`
	MachineName  string              `json:"machine_name"`
	OSType       string              `json:"os_type"`
	Arch         string              `json:"arch"`
	AgentVersion string              `json:"agent_version"`
	Status       agents.LicenseState `json:"status"`
	LastSeen     time.Time           `json:"last_seen"`
	CreatedAt    time.Time           `json:"created_at"`
}

const licenseColumns = `agent_id, machine_id, machine_name, os_type, arch, agent_version, status, last_seen, created_at`

func scanLicense(row interface{ Scan(...any) error }) (License, error) {
	var (
		l         License
		status    string
		lastSeen  sql.NullString
		createdAt sql.NullString
	)
	if err := row.Scan(&l.AgentID, &l.MachineID, &l.MachineName, &l.OSType, &l.Arch, &l.AgentVersion, &status, &lastSeen, &createdAt); err != nil {
		return License{}, err
	}
	l.Status = agents.ParseLicenseState(status)
	l.LastSeen = parseNullTime(lastSeen)
	l.CreatedAt = parseNullTime(createdAt)
	return l, nil
}

// Admit resolves a register frame to an agent id and license state.
// Unknown machines are enrolled as PENDING with a fresh agent id. When a
// secret hash is on record the frame must carry the matching secret; the
// first secret presented by a machine without one is recorded.
func (s *Store) Admit(ctx context.Context, reg protocol.Register) (agents.Admission, error) {
	if reg.MachineID == "" {
		return agents.Admission{}, errors.New("machine id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agents.Admission{}, fmt.Errorf("begin admit: %w", err)
	}
	defer tx.Rollback()

	var (
		agentID    string
		status     string
		secretHash sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT agent_id, status, secret_hash FROM agent_licenses WHERE machine_id = ?`,
		reg.MachineID,
	).Scan(&agentID, &status, &secretHash)

	now := timeString(s.now())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		agentID = uuid.NewString()
		status = string(agents.LicensePending)
		hash, herr := hashSecret(reg.Secret)
		if herr != nil {
			return agents.Admission{}, herr
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_licenses (agent_id, machine_id, machine_name, os_type, arch, agent_version, status, secret_hash, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			agentID, reg.MachineID, reg.MachineName, reg.OSType, reg.Arch, reg.AgentVersion, status, hash, now, now, now,
		); err != nil {
			return agents.Admission{}, fmt.Errorf("enroll machine %s: %w", reg.MachineID, err)
		}
		s.logger.Info("enrolled new machine", zap.String("machine_id", reg.MachineID), zap.String("agent_id", agentID))

	case err != nil:
		return agents.Admission{}, fmt.Errorf("lookup license for %s: %w", reg.MachineID, err)

	default:
		hash := secretHash
		if secretHash.Valid && secretHash.String != "" {
			if bcrypt.CompareHashAndPassword([]byte(secretHash.String), []byte(reg.Secret)) != nil {
				return agents.Admission{}, ErrInvalidSecret
			}
		} else if reg.Secret != "" {
			h, herr := hashSecret(reg.Secret)
			if herr != nil {
				return agents.Admission{}, herr
			}
			hash = h
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_licenses
			SET machine_name = ?, os_type = ?, arch = ?, agent_version = ?, secret_hash = ?, last_seen = ?, updated_at = ?
			WHERE agent_id = ?`,
			reg.MachineName, reg.OSType, reg.Arch, reg.AgentVersion, hash, now, now, agentID,
		); err != nil {
			return agents.Admission{}, fmt.Errorf("update license %s: %w", agentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return agents.Admission{}, fmt.Errorf("commit admit: %w", err)
	}
	return agents.Admission{AgentID: agentID, License: agents.ParseLicenseState(status)}, nil
}

func hashSecret(secret string) (sql.NullString, error) {
	if secret == "" {
		return sql.NullString{}, nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("hash secret: %w", err)
	}
	return sql.NullString{String: string(h), Valid: true}, nil
}

// GetLicense returns the license record for agentID.
func (s *Store) GetLicense(ctx context.Context, agentID string) (License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM agent_licenses WHERE agent_id = ?`, agentID)
	l, err := scanLicense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, fmt.Errorf("get license %s: %w", agentID, err)
	}
	return l, nil
}

// ListLicenses returns every license record ordered by machine name.
func (s *Store) ListLicenses(ctx context.Context) ([]License, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM agent_licenses ORDER BY machine_name, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var out []License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetLicenseState changes the license state of agentID.
func (s *Store) SetLicenseState(ctx context.Context, agentID string, state agents.LicenseState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_licenses SET status = ?, updated_at = ? WHERE agent_id = ?`,
		string(state), timeString(s.now()), agentID,
	)
	if err != nil {
		return fmt.Errorf("set license %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen records that agentID was seen at t.
func (s *Store) TouchLastSeen(ctx context.Context, agentID string, t time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE agent_licenses SET last_seen = ? WHERE agent_id = ?`,
		timeString(t), agentID,
	); err != nil {
		return fmt.Errorf("touch last seen %s: %w", agentID, err)
	}
	return nil
}

// TrackPresence updates last_seen for every online and offline event on sub
// until ctx is done or the subscription closes.
func (s *Store) TrackPresence(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Type != events.AgentOnline && e.Type != events.AgentOffline {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.TouchLastSeen(wctx, e.AgentID, e.Timestamp); err != nil {
				s.logger.Warn("last seen update failed", zap.String("agent_id", e.AgentID), zap.Error(err))
			}
			cancel()
		}
	}
}
