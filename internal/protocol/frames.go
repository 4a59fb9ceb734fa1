// Package protocol defines the JSON frames exchanged between the control
// plane and agents over the persistent websocket connection.
//
// Every frame is a JSON object with a "type" discriminator. Decode validates
// the required fields of each known kind and returns a typed Message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates frame kinds on the wire.
type Type string

const (
	TypeRegister     Type = "register"
	TypeRegistered   Type = "registered"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeWake         Type = "wake"
	TypeError        Type = "error"
)

// Update flags carried by heartbeat_ack.
const (
	UpdateNone      = 0
	UpdateAvailable = 1
	UpdateForced    = 2
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

// Message is implemented by every frame kind.
type Message interface {
	FrameType() Type
}

// Register is the first frame an agent sends after connecting.
type Register struct {
	MachineID    string `json:"machineId"`
	MachineName  string `json:"machineName"`
	OSType       string `json:"osType"`
	OSVersion    string `json:"osVersion,omitempty"`
	Arch         string `json:"arch"`
	AgentVersion string `json:"agentVersion"`
	Secret       string `json:"secret,omitempty"`
}

// Registered acknowledges a successful handshake.
type Registered struct {
	AgentID       string      `json:"agentId"`
	LicenseStatus string      `json:"licenseStatus"`
	Config        AgentConfig `json:"config"`
}

// AgentConfig is pushed to the agent on registration.
type AgentConfig struct {
	HeartbeatInterval int64 `json:"heartbeatInterval"` // milliseconds
}

// Heartbeat reports liveness plus power and lock state.
type Heartbeat struct {
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
	PowerState     string `json:"powerState"`
	IsScreenLocked bool   `json:"isScreenLocked"`
}

type HeartbeatAck struct {
	LicenseStatus string `json:"licenseStatus"`
	UpdateFlag    int    `json:"updateFlag"`
}

// Request asks the agent to run Method. ID is the correlation id.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID. Exactly one of Result
// and Error is meaningful; a non-nil Error wins.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the error payload of a response.
type ErrorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Wake asks a sleeping agent to wake its display. The agent answers with a
// Response carrying the same ID.
type Wake struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Error is a connection level failure, for example a rejected handshake.
// The sender closes the transport after writing it.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Register) FrameType() Type { return TypeRegister }
func (Registered) FrameType() Type { return TypeRegistered }
func (Heartbeat) FrameType() Type { return TypeHeartbeat }
func (HeartbeatAck) FrameType() Type { return TypeHeartbeatAck }
func (Request) FrameType() Type { return TypeRequest }
func (Response) FrameType() Type { return TypeResponse }
func (Wake) FrameType() Type { return TypeWake }
func (Error) FrameType() Type { return TypeError }

// Encode serializes m with its "type" field.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.FrameType(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.FrameType(), err)
	}
	fields["type"], _ = json.Marshal(m.FrameType())
	return json.Marshal(fields)
}

// Decode parses a frame and validates the fields its kind requires.
// Unknown kinds return ErrUnknownType so callers can ignore them.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		m   Message
		err error
	)
	switch head.Type {
	case TypeRegister:
		var f Register
		if err = json.Unmarshal(data, &f); err == nil && f.MachineID == "" {
			err = errors.New("register without machineId")
		}
		m = f
	case TypeRegistered:
		var f Registered
		if err = json.Unmarshal(data, &f); err == nil && f.AgentID == "" {
			err = errors.New("registered without agentId")
		}
		m = f
	case TypeHeartbeat:
		var f Heartbeat
		err = json.Unmarshal(data, &f)
		m = f
	case TypeHeartbeatAck:
		var f HeartbeatAck
		err = json.Unmarshal(data, &f)
		m = f
	case TypeRequest:
		var f Request
		if err = json.Unmarshal(data, &f); err == nil && (f.ID == "" || f.Method == "") {
			err = errors.New("request without id or method")
		}
		m = f
	case TypeResponse:
		var f Response
		if err = json.Unmarshal(data, &f); err == nil && f.ID == "" {
			err = errors.New("response without id")
		}
		m = f
	case TypeWake:
		var f Wake
		if err = json.Unmarshal(data, &f); err == nil && f.ID == "" {
			err = errors.New("wake without id")
		}
		m = f
	case TypeError:
		var f Error
		err = json.Unmarshal(data, &f)
		m = f
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return m, nil
}
