package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeAddsType(t *testing.T) {
	data, err := Encode(Request{ID: "c1", Method: "fs_list", Params: json.RawMessage(`{"path":"/tmp"}`)})
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["type"] != "request" {
		t.Errorf("type = %v", fields["type"])
	}
	if fields["id"] != "c1" || fields["method"] != "fs_list" {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestDecodeKnownKinds(t *testing.T) {
	tests := []struct {
		raw  string
		want Type
	}{
		{`{"type":"register","machineId":"m1","machineName":"host","osType":"linux","arch":"x64","agentVersion":"1.0.0"}`, TypeRegister},
		{`{"type":"registered","agentId":"a1","licenseStatus":"ACTIVE","config":{"heartbeatInterval":5000}}`, TypeRegistered},
		{`{"type":"heartbeat","timestamp":1700000000000,"powerState":"SLEEP","isScreenLocked":true}`, TypeHeartbeat},
		{`{"type":"heartbeat_ack","licenseStatus":"ACTIVE","updateFlag":1}`, TypeHeartbeatAck},
		{`{"type":"request","id":"c1","method":"ping"}`, TypeRequest},
		{`{"type":"response","id":"c1","result":{"pong":true}}`, TypeResponse},
		{`{"type":"wake","id":"c2","reason":"operator"}`, TypeWake},
		{`{"type":"error","code":"license_blocked","message":"blocked"}`, TypeError},
	}
	for _, tt := range tests {
		m, err := Decode([]byte(tt.raw))
		if err != nil {
			t.Errorf("Decode(%s): %v", tt.raw, err)
			continue
		}
		if m.FrameType() != tt.want {
			t.Errorf("Decode(%s) type = %s, want %s", tt.raw, m.FrameType(), tt.want)
		}
	}
}

func TestDecodeHeartbeatFields(t *testing.T) {
	m, err := Decode([]byte(`{"type":"heartbeat","timestamp":42,"powerState":"SLEEP","isScreenLocked":true}`))
	if err != nil {
		t.Fatal(err)
	}
	hb, ok := m.(Heartbeat)
	if !ok {
		t.Fatalf("got %T", m)
	}
	if hb.Timestamp != 42 || hb.PowerState != "SLEEP" || !hb.IsScreenLocked {
		t.Errorf("unexpected heartbeat %+v", hb)
	}
}

func TestDecodeResponseError(t *testing.T) {
	m, err := Decode([]byte(`{"type":"response","id":"c1","error":{"kind":"security_denied","message":"nope"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp := m.(Response)
	if resp.Error == nil || resp.Error.Kind != "security_denied" {
		t.Errorf("error body not decoded: %+v", resp)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `{{`, ErrMalformed},
		{"missing type", `{"id":"x"}`, ErrMalformed},
		{"unknown type", `{"type":"telemetry"}`, ErrUnknownType},
		{"register without machine", `{"type":"register"}`, ErrMalformed},
		{"request without method", `{"type":"request","id":"c1"}`, ErrMalformed},
		{"response without id", `{"type":"response","result":1}`, ErrMalformed},
		{"wrong field type", `{"type":"heartbeat","timestamp":"soon"}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundTripWake(t *testing.T) {
	data, err := Encode(Wake{ID: "w1", Reason: "operator"})
	if err != nil {
		t.Fatal(err)
	}
	m, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if w, ok := m.(Wake); !ok || w.ID != "w1" || w.Reason != "operator" {
		t.Errorf("got %#v", m)
	}
}
