package agents

import (
	"errors"
	"fmt"
)

// Kind is the machine readable class of an agent error.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindConnectionLost  Kind = "connection_lost"
	KindAgentNotFound   Kind = "agent_not_found"
	KindAgentRequired   Kind = "agent_required"
	KindAmbiguousTarget Kind = "ambiguous_target"
	KindSecurityDenied  Kind = "security_denied"
	KindRemote          Kind = "remote_error"
)

// Error is returned by the registry, dispatcher and bridge. Kind is stable
// for programs; Reason is meant for people.
type Error struct {
	Kind    Kind
	AgentID string
	Reason  string
}

func (e *Error) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("%s: agent %s: %s", e.Kind, e.AgentID, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches on Kind so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrTimeout         = &Error{Kind: KindTimeout, Reason: "command timed out"}
	ErrConnectionLost  = &Error{Kind: KindConnectionLost, Reason: "agent connection lost"}
	ErrAgentNotFound   = &Error{Kind: KindAgentNotFound, Reason: "agent is not connected"}
	ErrAgentRequired   = &Error{Kind: KindAgentRequired, Reason: "an agent must be specified"}
	ErrAmbiguousTarget = &Error{Kind: KindAmbiguousTarget, Reason: "more than one agent matches"}
	ErrSecurityDenied  = &Error{Kind: KindSecurityDenied, Reason: "denied by agent security policy"}
	ErrShuttingDown    = errors.New("registry is shutting down")
)

func newError(kind Kind, agentID, format string, args ...any) *Error {
	return &Error{Kind: kind, AgentID: agentID, Reason: fmt.Sprintf(format, args...)}
}

// RemoteError is a failure reported by the agent in a response frame.
type RemoteError struct {
	AgentID string
	Method  string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("agent %s: %s: %s (%s)", e.AgentID, e.Method, e.Message, e.Kind)
	}
	return fmt.Sprintf("agent %s: %s: %s", e.AgentID, e.Method, e.Message)
}

// Is reports security vetoes as ErrSecurityDenied.
func (e *RemoteError) Is(target error) bool {
	return target == ErrSecurityDenied && e.Kind == string(KindSecurityDenied)
}

// KindOf returns the Kind carried by err, or "" if it is not an agent error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, ErrConnectionLost) {
		return KindConnectionLost
	}
	var re *RemoteError
	if errors.As(err, &re) {
		if re.Kind == string(KindSecurityDenied) {
			return KindSecurityDenied
		}
		return KindRemote
	}
	return ""
}
