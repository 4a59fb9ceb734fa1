package agents

import (
	"regexp"
	"strings"
	"time"
)

// LicenseState is the licensing status of an agent as recorded by the store.
type LicenseState string

const (
	LicensePending LicenseState = "PENDING"
	LicenseActive  LicenseState = "ACTIVE"
	LicenseBlocked LicenseState = "BLOCKED"
	LicenseExpired LicenseState = "EXPIRED"
)

// ParseLicenseState maps a stored or wire value to a LicenseState.
// Unknown values are treated as PENDING.
func ParseLicenseState(s string) LicenseState {
	switch LicenseState(strings.ToUpper(strings.TrimSpace(s))) {
	case LicenseActive:
		return LicenseActive
	case LicenseBlocked:
		return LicenseBlocked
	case LicenseExpired:
		return LicenseExpired
	default:
		return LicensePending
	}
}

// AcceptsCommands reports whether commands may be dispatched under this license.
func (l LicenseState) AcceptsCommands() bool {
	return l == LicenseActive || l == LicensePending
}

// PowerState is the display power state reported by heartbeats.
type PowerState string

const (
	PowerActive PowerState = "ACTIVE"
	PowerSleep  PowerState = "SLEEP"
)

// ParsePowerState maps a heartbeat value to a PowerState. Anything other
// than SLEEP is ACTIVE.
func ParsePowerState(s string) PowerState {
	if strings.EqualFold(strings.TrimSpace(s), string(PowerSleep)) {
		return PowerSleep
	}
	return PowerActive
}

// PresenceState is the connectivity state of an agent.
type PresenceState string

const (
	Online  PresenceState = "ONLINE"
	Offline PresenceState = "OFFLINE"
)

// Metadata describes the machine an agent runs on. It is fixed for the
// life of a session and refreshed only by re-registration.
type Metadata struct {
	MachineID    string `json:"machine_id"`
	Hostname     string `json:"hostname"`
	OSType       string `json:"os_type"`
	OSVersion    string `json:"os_version,omitempty"`
	Arch         string `json:"arch"`
	AgentVersion string `json:"agent_version"`
}

// Heartbeat is a decoded heartbeat as applied to a session.
type Heartbeat struct {
	SentAt       time.Time // agent clock, orders heartbeats
	ReceivedAt   time.Time // server clock, drives presence
	PowerState   PowerState
	ScreenLocked bool
}

// Summary is a point-in-time view of a session for listings.
type Summary struct {
	AgentID         string        `json:"agent_id"`
	DisplayName     string        `json:"display_name"`
	Metadata        Metadata      `json:"metadata"`
	License         LicenseState  `json:"license"`
	Presence        PresenceState `json:"presence"`
	PowerState      PowerState    `json:"power_state"`
	ScreenLocked    bool          `json:"screen_locked"`
	ConnectedAt     time.Time     `json:"connected_at"`
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	PendingCommands int           `json:"pending_commands"`
}

var (
	unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	underscoreRuns  = regexp.MustCompile(`_{2,}`)
)

// SanitizeName turns a machine name into a tool-prefix safe name.
// Runs of characters outside [A-Za-z0-9_-] collapse to a single underscore,
// so the result never contains the "__" tool prefix separator.
func SanitizeName(name string) string {
	s := unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = underscoreRuns.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "agent"
	}
	return s
}

// assignDisplayNames gives every summary a unique display name. Agents
// sharing a sanitized machine name get "-" plus the first six characters of
// their agent id appended.
func assignDisplayNames(list []Summary) {
	counts := make(map[string]int, len(list))
	for i := range list {
		list[i].DisplayName = SanitizeName(list[i].Metadata.Hostname)
		counts[list[i].DisplayName]++
	}
	for i := range list {
		if counts[list[i].DisplayName] > 1 {
			list[i].DisplayName += "-" + shortID(list[i].AgentID)
		}
	}
}

func shortID(id string) string {
	id = SanitizeName(id)
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
