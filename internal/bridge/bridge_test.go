package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleetgate/internal/agents"
	"fleetgate/internal/metrics"
)

type call struct {
	agentID string
	method  string
	params  json.RawMessage
}

// fakeSender answers by agent id.
type fakeSender struct {
	mu       sync.Mutex
	calls    []call
	handlers map[string]func(method string, params json.RawMessage) (json.RawMessage, error)
}

func (f *fakeSender) Send(_ context.Context, agentID, method string, params any, _ time.Duration) (json.RawMessage, error) {
	raw, _ := json.Marshal(params)
	f.mu.Lock()
	f.calls = append(f.calls, call{agentID, method, raw})
	h := f.handlers[agentID]
	f.mu.Unlock()
	if h == nil {
		return nil, &agents.Error{Kind: agents.KindAgentNotFound, AgentID: agentID, Reason: "agent is not connected"}
	}
	return h(method, raw)
}

func (f *fakeSender) callsTo(agentID string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.agentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

type fakeFleet []agents.Summary

func (f fakeFleet) List() []agents.Summary {
	return append([]agents.Summary(nil), f...)
}

func online(id, name string) agents.Summary {
	return agents.Summary{
		AgentID:     id,
		DisplayName: name,
		Metadata:    agents.Metadata{Hostname: name},
		License:     agents.LicenseActive,
		Presence:    agents.Online,
	}
}

// toolAgent lists the given tools and echoes tools/call requests.
func toolAgent(tools ...string) func(string, json.RawMessage) (json.RawMessage, error) {
	return func(method string, params json.RawMessage) (json.RawMessage, error) {
		switch method {
		case "tools/list":
			list := toolsList{}
			for _, name := range tools {
				list.Tools = append(list.Tools, map[string]json.RawMessage{
					"name":        mustMarshal(name),
					"description": mustMarshal("does " + name),
					"inputSchema": json.RawMessage(`{"type":"object"}`),
				})
			}
			return json.Marshal(list)
		case "tools/call":
			return json.Marshal(map[string]any{
				"content": []map[string]string{{"type": "text", "text": string(params)}},
			})
		}
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func setup(fleet fakeFleet, handlers map[string]func(string, json.RawMessage) (json.RawMessage, error)) (*Bridge, *fakeSender, *metrics.Metrics) {
	s := &fakeSender{handlers: handlers}
	m := metrics.New(nil)
	return New(s, fleet, Options{ListTimeout: time.Second}, m, nil), s, m
}

func request(id, method string, params any) *Request {
	req := &Request{JSONRPC: "2.0", Method: method}
	if id != "" {
		req.ID = json.RawMessage(id)
	}
	if params != nil {
		req.Params, _ = json.Marshal(params)
	}
	return req
}

func toolNames(t *testing.T, resp *Response) []string {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	var list struct {
		Tools []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(list.Tools))
	for i, tool := range list.Tools {
		names[i] = tool.Name
	}
	sort.Strings(names)
	return names
}

func TestToolsListPrefixesEveryAgent(t *testing.T) {
	b, _, _ := setup(
		fakeFleet{online("id-a", "A"), online("id-b", "B")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){
			"id-a": toolAgent("x"),
			"id-b": toolAgent("x"),
		},
	)

	resp := b.Handle(context.Background(), "", request("1", "tools/list", nil))
	got := toolNames(t, resp)
	if len(got) != 2 || got[0] != "A__x" || got[1] != "B__x" {
		t.Errorf("tools = %v, want [A__x B__x]", got)
	}
}

func TestToolsListKeepsExtraFields(t *testing.T) {
	b, _, _ := setup(fakeFleet{online("id-a", "A")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){"id-a": toolAgent("fs_read")})

	resp := b.Handle(context.Background(), "", request("1", "tools/list", nil))
	var list toolsList
	json.Unmarshal(resp.Result, &list)
	if len(list.Tools) != 1 {
		t.Fatalf("tools = %d", len(list.Tools))
	}
	if string(list.Tools[0]["inputSchema"]) != `{"type":"object"}` {
		t.Errorf("inputSchema lost: %s", list.Tools[0]["inputSchema"])
	}
}

func TestToolsListSwallowsAgentFailures(t *testing.T) {
	b, _, _ := setup(
		fakeFleet{online("id-a", "A"), online("id-b", "B"), online("id-c", "C")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){
			"id-a": toolAgent("x", "y"),
			"id-b": func(string, json.RawMessage) (json.RawMessage, error) { return nil, agents.ErrTimeout },
			"id-c": func(string, json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`not json`), nil },
		},
	)

	got := toolNames(t, b.Handle(context.Background(), "", request("1", "tools/list", nil)))
	if len(got) != 2 || got[0] != "A__x" || got[1] != "A__y" {
		t.Errorf("tools = %v", got)
	}
}

func TestToolsListSkipsOfflineAndRefusedAgents(t *testing.T) {
	blocked := online("id-b", "B")
	blocked.License = agents.LicenseExpired
	offline := online("id-c", "C")
	offline.Presence = agents.Offline

	b, s, _ := setup(fakeFleet{online("id-a", "A"), blocked, offline},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){
			"id-a": toolAgent("x"), "id-b": toolAgent("x"), "id-c": toolAgent("x"),
		})

	got := toolNames(t, b.Handle(context.Background(), "", request("1", "tools/list", nil)))
	if len(got) != 1 || got[0] != "A__x" {
		t.Errorf("tools = %v", got)
	}
	if len(s.callsTo("id-b"))+len(s.callsTo("id-c")) != 0 {
		t.Error("ineligible agents were contacted")
	}
}

func TestToolsListEmptyFleet(t *testing.T) {
	b, _, _ := setup(fakeFleet{}, nil)
	resp := b.Handle(context.Background(), "", request("1", "tools/list", nil))
	if resp.Error != nil || string(resp.Result) != `{"tools":[]}` {
		t.Errorf("resp = %s %+v", resp.Result, resp.Error)
	}
}

func TestToolsCallRoutesByPrefix(t *testing.T) {
	b, s, _ := setup(
		fakeFleet{online("id-a", "A"), online("id-b", "B")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){
			"id-a": toolAgent("x"),
			"id-b": toolAgent("x"),
		},
	)

	resp := b.Handle(context.Background(), "", request(`"req-7"`, "tools/call", map[string]any{
		"name":      "B__x",
		"arguments": map[string]int{"n": 1},
	}))
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	if string(resp.ID) != `"req-7"` {
		t.Errorf("id = %s", resp.ID)
	}

	calls := s.callsTo("id-b")
	if len(calls) != 1 || calls[0].method != "tools/call" {
		t.Fatalf("calls to B = %+v", calls)
	}
	var forwarded toolsCallParams
	json.Unmarshal(calls[0].params, &forwarded)
	if forwarded.Name != "x" || string(forwarded.Arguments) != `{"n":1}` {
		t.Errorf("forwarded %+v", forwarded)
	}
	if len(s.callsTo("id-a")) != 0 {
		t.Error("A should not be called")
	}
}

func TestToolsCallRoutesByAgentID(t *testing.T) {
	b, s, _ := setup(fakeFleet{online("id-a", "A"), online("id-b", "B")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){"id-a": toolAgent("x"), "id-b": toolAgent("x")})

	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "id-a__x"}))
	if resp.Error != nil || len(s.callsTo("id-a")) != 1 {
		t.Errorf("resp = %+v", resp.Error)
	}
}

func TestToolsCallUnprefixedRequiresAgent(t *testing.T) {
	b, s, _ := setup(
		fakeFleet{online("id-a", "A"), online("id-b", "B")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){"id-a": toolAgent("x"), "id-b": toolAgent("x")},
	)

	resp := b.Handle(context.Background(), "", request("3", "tools/call", map[string]any{"name": "x"}))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Error.Data == nil || resp.Error.Data.Kind != string(agents.KindAgentRequired) {
		t.Errorf("data = %+v", resp.Error.Data)
	}
	if resp.Result != nil {
		t.Error("result and error both set")
	}
	if len(s.callsTo("id-a"))+len(s.callsTo("id-b")) != 0 {
		t.Error("ambiguous call reached an agent")
	}
}

func TestToolsCallSingleAgentNeedsNoPrefix(t *testing.T) {
	b, s, _ := setup(fakeFleet{online("id-a", "A")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){"id-a": toolAgent("x")})

	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "x"}))
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	if len(s.callsTo("id-a")) != 1 {
		t.Error("call not routed to the only agent")
	}
}

func TestToolsCallNoAgents(t *testing.T) {
	b, _, _ := setup(fakeFleet{}, nil)
	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "x"}))
	if resp.Error == nil || resp.Error.Data.Kind != string(agents.KindAgentRequired) {
		t.Errorf("resp = %+v", resp.Error)
	}
}

func TestToolsCallUnknownPrefix(t *testing.T) {
	b, _, _ := setup(fakeFleet{online("id-a", "A"), online("id-b", "B")}, nil)
	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "Z__x"}))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams || resp.Error.Data.Kind != string(agents.KindAgentNotFound) {
		t.Errorf("resp = %+v", resp.Error)
	}
}

func TestToolsCallAmbiguousPrefix(t *testing.T) {
	b, _, _ := setup(fakeFleet{online("id-a", "Kiosk"), online("id-b", "kiosk")}, nil)
	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "KIOSK__x"}))
	if resp.Error == nil || resp.Error.Data.Kind != string(agents.KindAmbiguousTarget) {
		t.Errorf("resp = %+v", resp.Error)
	}
}

func TestToolsCallAgentParam(t *testing.T) {
	b, s, _ := setup(fakeFleet{online("id-a", "A"), online("id-b", "B")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){"id-a": toolAgent("x"), "id-b": toolAgent("x")})

	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "x", "agent": "B"}))
	if resp.Error != nil || len(s.callsTo("id-b")) != 1 {
		t.Errorf("resp = %+v", resp.Error)
	}
}

func TestToolsCallInvalidParams(t *testing.T) {
	b, _, _ := setup(fakeFleet{online("id-a", "A")}, nil)
	for _, params := range []any{nil, map[string]any{"arguments": 1}, []int{1}} {
		resp := b.Handle(context.Background(), "", request("1", "tools/call", params))
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Errorf("params %v: resp = %+v", params, resp.Error)
		}
	}
}

func TestScopedRequests(t *testing.T) {
	b, s, _ := setup(fakeFleet{online("id-a", "A"), online("id-b", "B")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){"id-a": toolAgent("x"), "id-b": toolAgent("x")})

	// Scoped tools/list is the agent's own list, unprefixed.
	got := toolNames(t, b.Handle(context.Background(), "id-b", request("1", "tools/list", nil)))
	if len(got) != 1 || got[0] != "x" {
		t.Errorf("scoped tools = %v", got)
	}

	// A prefixed name is stripped before forwarding.
	resp := b.Handle(context.Background(), "B", request("2", "tools/call", map[string]any{"name": "B__x"}))
	if resp.Error != nil {
		t.Fatal(resp.Error)
	}
	calls := s.callsTo("id-b")
	var forwarded toolsCallParams
	json.Unmarshal(calls[len(calls)-1].params, &forwarded)
	if forwarded.Name != "x" {
		t.Errorf("forwarded name %q", forwarded.Name)
	}
	if len(s.callsTo("id-a")) != 0 {
		t.Error("scoped request reached another agent")
	}
}

func TestScopeUnknownAgent(t *testing.T) {
	b, _, _ := setup(fakeFleet{online("id-a", "A")}, nil)
	resp := b.Handle(context.Background(), "ghost", request("1", "ping", nil))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams || resp.Error.Data.Kind != string(agents.KindAgentNotFound) {
		t.Errorf("resp = %+v", resp.Error)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"timeout", agents.ErrTimeout, CodeInternalError, "timeout"},
		{"connection lost", &agents.Error{Kind: agents.KindConnectionLost, AgentID: "id-a", Reason: "gone"}, CodeInternalError, "connection_lost"},
		{"denied", &agents.RemoteError{AgentID: "id-a", Method: "tools/call", Kind: "security_denied", Message: "Access to protected directory blocked"}, CodeInternalError, "security_denied"},
		{"remote", &agents.RemoteError{AgentID: "id-a", Method: "tools/call", Message: "boom"}, CodeInternalError, "remote_error"},
		{"plain", errors.New("disk full"), CodeInternalError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.err
			b, _, _ := setup(fakeFleet{online("id-a", "A")},
				map[string]func(string, json.RawMessage) (json.RawMessage, error){
					"id-a": func(string, json.RawMessage) (json.RawMessage, error) { return nil, err },
				})
			resp := b.Handle(context.Background(), "", request("9", "tools/call", map[string]any{"name": "x"}))
			if resp.Error == nil {
				t.Fatal("expected error")
			}
			if resp.Error.Code != tt.code || resp.Error.Data.Kind != tt.kind {
				t.Errorf("error = %+v data %+v", resp.Error, resp.Error.Data)
			}
			if resp.Error.Message == "" {
				t.Error("missing human readable message")
			}
		})
	}
}

func TestDeniedMessageIsReason(t *testing.T) {
	b, _, _ := setup(fakeFleet{online("id-a", "A")},
		map[string]func(string, json.RawMessage) (json.RawMessage, error){
			"id-a": func(string, json.RawMessage) (json.RawMessage, error) {
				return nil, &agents.RemoteError{AgentID: "id-a", Kind: "security_denied", Message: "Access to protected directory blocked"}
			},
		})
	resp := b.Handle(context.Background(), "", request("1", "tools/call", map[string]any{"name": "fs_read"}))
	if resp.Error.Message != "Access to protected directory blocked" || resp.Error.Data.AgentID != "id-a" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestBasicMethods(t *testing.T) {
	b, _, _ := setup(fakeFleet{}, nil)

	initResp := b.Handle(context.Background(), "", request("1", "initialize", map[string]any{"protocolVersion": "2025-06-18"}))
	var res initializeResult
	if err := json.Unmarshal(initResp.Result, &res); err != nil {
		t.Fatal(err)
	}
	if res.ProtocolVersion != protocolVersion || res.ServerInfo.Name != "fleetgate" || res.Capabilities.Tools == nil {
		t.Errorf("initialize = %+v", res)
	}

	for method, want := range map[string]string{
		"ping":           `{}`,
		"resources/list": `{"resources":[]}`,
		"prompts/list":   `{"prompts":[]}`,
	} {
		resp := b.Handle(context.Background(), "", request("2", method, nil))
		if resp.Error != nil || string(resp.Result) != want {
			t.Errorf("%s = %s %+v", method, resp.Result, resp.Error)
		}
	}
}

func TestUnknownMethodPreservesID(t *testing.T) {
	b, _, m := setup(fakeFleet{}, nil)
	resp := b.Handle(context.Background(), "", request("42", "tools/destroy", nil))
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("resp = %+v", resp)
	}
	if string(resp.ID) != "42" {
		t.Errorf("id = %s", resp.ID)
	}
	if got := testutil.ToFloat64(m.BridgeRequests.WithLabelValues("other", "-32601")); got != 1 {
		t.Errorf("metric = %v", got)
	}
}

func TestNotificationsGetNoResponse(t *testing.T) {
	b, _, _ := setup(fakeFleet{}, nil)
	if resp := b.Handle(context.Background(), "", request("", "notifications/initialized", nil)); resp != nil {
		t.Errorf("notification answered: %+v", resp)
	}
}

func TestInvalidRequest(t *testing.T) {
	b, _, _ := setup(fakeFleet{}, nil)
	for _, req := range []*Request{
		{JSONRPC: "1.0", ID: json.RawMessage("1"), Method: "ping"},
		{JSONRPC: "2.0", ID: json.RawMessage("1")},
		{JSONRPC: "2.0", ID: json.RawMessage(`{"a":1}`), Method: "ping"},
	} {
		resp := b.Handle(context.Background(), "", req)
		if resp == nil || resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
			t.Errorf("request %+v: resp = %+v", req, resp)
		}
	}
}

func TestResponseEnvelopeResultXorError(t *testing.T) {
	b, _, _ := setup(fakeFleet{}, nil)
	for _, method := range []string{"ping", "nope"} {
		data, err := json.Marshal(b.Handle(context.Background(), "", request("1", method, nil)))
		if err != nil {
			t.Fatal(err)
		}
		var env map[string]json.RawMessage
		json.Unmarshal(data, &env)
		_, hasResult := env["result"]
		_, hasError := env["error"]
		if hasResult == hasError {
			t.Errorf("%s: result=%v error=%v in %s", method, hasResult, hasError, data)
		}
		if string(env["jsonrpc"]) != `"2.0"` || string(env["id"]) != "1" {
			t.Errorf("%s: envelope %s", method, data)
		}
	}
}
