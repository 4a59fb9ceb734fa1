package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Presence events
	AgentOnline   EventType = "agent_online"
	AgentOffline  EventType = "agent_offline"
	AgentReplaced EventType = "agent_replaced"
	AgentEvicted  EventType = "agent_evicted"
	AgentPower    EventType = "agent_power"

	// Command events
	CommandTimeout EventType = "command_timeout"
	AgentWoken     EventType = "agent_woken"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	AgentID   string            `json:"agent_id,omitempty"`
	Hostname  string            `json:"hostname,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
