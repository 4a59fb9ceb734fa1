// Package bridge translates JSON-RPC tool invocation requests from external
// callers into commands for one or more connected agents.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/agents"
	"fleetgate/internal/metrics"
)

// Separator joins an agent's display name and a tool name.
const Separator = "__"

// Sender sends one command to one agent.
type Sender interface {
	Send(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Fleet lists connected agents.
type Fleet interface {
	List() []agents.Summary
}

// Options tunes the bridge. Zero values use defaults.
type Options struct {
	Name        string
	Version     string
	ListTimeout time.Duration // per-agent bound on tools/list fan-out
	CallTimeout time.Duration // 0 leaves the dispatcher default
}

// Bridge answers JSON-RPC requests.
type Bridge struct {
	sender  Sender
	fleet   Fleet
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(sender Sender, fleet Fleet, opts Options, m *metrics.Metrics, logger *zap.Logger) *Bridge {
	if opts.Name == "" {
		opts.Name = "fleetgate"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{sender: sender, fleet: fleet, opts: opts, metrics: m, logger: logger.Named("bridge")}
}

// Handle answers req. scope is an agent id or display name, or "" for the
// whole fleet. It returns nil for notifications.
func (b *Bridge) Handle(ctx context.Context, scope string, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" || !validID(req.ID) {
		if req.isNotification() {
			return nil
		}
		return b.finish(req, errorResponse(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "invalid JSON-RPC 2.0 request"}))
	}
	if req.isNotification() {
		b.logger.Debug("notification", zap.String("method", req.Method))
		return nil
	}

	var target *agents.Summary
	if scope != "" {
		s, err := b.lookup(scope)
		if err != nil {
			return b.finish(req, b.fail(req.ID, err))
		}
		target = s
	}

	var (
		result json.RawMessage
		err    error
	)
	switch req.Method {
	case "initialize":
		result, err = b.initialize(target)
	case "ping":
		result = json.RawMessage(`{}`)
	case "tools/list":
		result, err = b.toolsList(ctx, target)
	case "tools/call":
		result, err = b.toolsCall(ctx, target, req.Params)
	case "resources/list":
		result = json.RawMessage(`{"resources":[]}`)
	case "prompts/list":
		result = json.RawMessage(`{"prompts":[]}`)
	default:
		return b.finish(req, errorResponse(req.ID, &RPCError{Code: CodeMethodNotFound, Message: "unknown method: " + req.Method}))
	}
	if err != nil {
		return b.finish(req, b.fail(req.ID, err))
	}
	return b.finish(req, resultResponse(req.ID, result))
}

func (b *Bridge) finish(req *Request, resp *Response) *Response {
	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	method := req.Method
	switch method {
	case "initialize", "ping", "tools/list", "tools/call", "resources/list", "prompts/list":
	default:
		method = "other"
	}
	b.metrics.BridgeRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	return resp
}

func (b *Bridge) initialize(target *agents.Summary) (json.RawMessage, error) {
	res := initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &listCapability{},
			Resources: &listCapability{},
			Prompts:   &listCapability{},
		},
		ServerInfo: serverInfo{Name: b.opts.Name, Version: b.opts.Version},
	}
	if target != nil {
		res.Instructions = fmt.Sprintf("Tools run on agent %s (%s).", target.DisplayName, target.Metadata.Hostname)
	} else {
		res.Instructions = "Tool names are prefixed with the agent they run on: <agent>" + Separator + "<tool>."
	}
	return json.Marshal(res)
}

// eligible returns online agents whose license accepts commands, in display
// name order.
func (b *Bridge) eligible() []agents.Summary {
	var out []agents.Summary
	for _, s := range b.fleet.List() {
		if s.Presence == agents.Online && s.License.AcceptsCommands() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// lookup resolves an explicit scope by agent id, then display name.
func (b *Bridge) lookup(scope string) (*agents.Summary, error) {
	list := b.fleet.List()
	for i := range list {
		if list[i].AgentID == scope {
			return &list[i], nil
		}
	}
	for i := range list {
		if list[i].DisplayName == scope {
			return &list[i], nil
		}
	}
	return nil, &agents.Error{Kind: agents.KindAgentNotFound, AgentID: scope, Reason: "no connected agent with this id or name"}
}

func (b *Bridge) toolsList(ctx context.Context, target *agents.Summary) (json.RawMessage, error) {
	if target != nil {
		return b.sender.Send(ctx, target.AgentID, "tools/list", nil, b.opts.ListTimeout)
	}

	fleet := b.eligible()
	lists := make([][]map[string]json.RawMessage, len(fleet))
	var wg sync.WaitGroup
	for i, s := range fleet {
		wg.Add(1)
		go func(i int, s agents.Summary) {
			defer wg.Done()
			tools, err := b.agentTools(ctx, s)
			if err != nil {
				b.logger.Warn("tools/list failed for agent, omitting it",
					zap.String("agent_id", s.AgentID), zap.String("agent", s.DisplayName), zap.Error(err))
				return
			}
			lists[i] = tools
		}(i, s)
	}
	wg.Wait()

	merged := toolsList{Tools: []map[string]json.RawMessage{}}
	for _, tools := range lists {
		merged.Tools = append(merged.Tools, tools...)
	}
	return json.Marshal(merged)
}

// agentTools fetches one agent's tools and prefixes their names.
func (b *Bridge) agentTools(ctx context.Context, s agents.Summary) ([]map[string]json.RawMessage, error) {
	raw, err := b.sender.Send(ctx, s.AgentID, "tools/list", nil, b.opts.ListTimeout)
	if err != nil {
		return nil, err
	}
	var list toolsList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	out := make([]map[string]json.RawMessage, 0, len(list.Tools))
	for _, t := range list.Tools {
		var name string
		if err := json.Unmarshal(t["name"], &name); err != nil || name == "" {
			continue
		}
		prefixed, _ := json.Marshal(s.DisplayName + Separator + name)
		t["name"] = prefixed
		out = append(out, t)
	}
	return out, nil
}

func (b *Bridge) toolsCall(ctx context.Context, target *agents.Summary, raw json.RawMessage) (json.RawMessage, error) {
	var p toolsCallParams
	if len(raw) == 0 {
		return nil, invalidParams("params required for tools/call")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams("invalid tools/call params: " + err.Error())
	}
	if p.Name == "" {
		return nil, invalidParams("tool name is required")
	}
	if target == nil && p.Agent != "" {
		s, err := b.lookup(p.Agent)
		if err != nil {
			return nil, err
		}
		target = s
	}

	var (
		agentID string
		tool    string
	)
	if target != nil {
		agentID = target.AgentID
		tool = strings.TrimPrefix(p.Name, target.DisplayName+Separator)
	} else {
		s, name, err := b.resolve(p.Name)
		if err != nil {
			return nil, err
		}
		agentID, tool = s.AgentID, name
	}

	params := map[string]json.RawMessage{"name": mustMarshal(tool)}
	if len(p.Arguments) > 0 {
		params["arguments"] = p.Arguments
	}
	return b.sender.Send(ctx, agentID, "tools/call", params, b.opts.CallTimeout)
}

// resolve maps an unscoped tool name to exactly one agent. A prefixed name
// selects the agent by display name or id and fails if no agent matches. An
// unprefixed name is accepted only when a single agent is connected;
// otherwise the caller must say which agent they mean.
func (b *Bridge) resolve(name string) (*agents.Summary, string, error) {
	fleet := b.eligible()

	if prefix, tool, ok := strings.Cut(name, Separator); ok && prefix != "" && tool != "" {
		for i := range fleet {
			if fleet[i].DisplayName == prefix || fleet[i].AgentID == prefix {
				return &fleet[i], tool, nil
			}
		}
		var folded []int
		for i := range fleet {
			if strings.EqualFold(fleet[i].DisplayName, prefix) {
				folded = append(folded, i)
			}
		}
		switch len(folded) {
		case 1:
			return &fleet[folded[0]], tool, nil
		case 0:
		default:
			return nil, "", &agents.Error{
				Kind:   agents.KindAmbiguousTarget,
				Reason: fmt.Sprintf("prefix %q matches %d agents; use the exact display name", prefix, len(folded)),
			}
		}
		return nil, "", &agents.Error{
			Kind:    agents.KindAgentNotFound,
			AgentID: prefix,
			Reason:  fmt.Sprintf("no connected agent named %q; call tools/list for valid tool names", prefix),
		}
	}

	switch len(fleet) {
	case 1:
		return &fleet[0], name, nil
	case 0:
		return nil, "", &agents.Error{Kind: agents.KindAgentRequired, Reason: "no agents are connected"}
	default:
		names := make([]string, len(fleet))
		for i, s := range fleet {
			names[i] = s.DisplayName
		}
		return nil, "", &agents.Error{
			Kind: agents.KindAgentRequired,
			Reason: fmt.Sprintf("%d agents are connected; prefix the tool name with one of %s (for example %s%s%s)",
				len(fleet), strings.Join(names, ", "), names[0], Separator, name),
		}
	}
}

type paramsError string

func (e paramsError) Error() string { return string(e) }

func invalidParams(msg string) error { return paramsError(msg) }

// fail maps an error to a JSON-RPC error object.
func (b *Bridge) fail(id json.RawMessage, err error) *Response {
	var pe paramsError
	if errors.As(err, &pe) {
		return errorResponse(id, &RPCError{Code: CodeInvalidParams, Message: string(pe)})
	}

	kind := agents.KindOf(err)
	e := &RPCError{Code: CodeInternalError, Message: err.Error()}
	switch kind {
	case agents.KindAgentNotFound, agents.KindAgentRequired, agents.KindAmbiguousTarget:
		e.Code = CodeInvalidParams
	case "":
		kind = "internal"
	}

	var ae *agents.Error
	var re *agents.RemoteError
	switch {
	case errors.As(err, &ae):
		e.Message = ae.Reason
		e.Data = &ErrorData{Kind: string(kind), AgentID: ae.AgentID}
	case errors.As(err, &re):
		e.Message = re.Message
		e.Data = &ErrorData{Kind: string(kind), AgentID: re.AgentID}
	default:
		e.Data = &ErrorData{Kind: string(kind)}
	}
	if kind == agents.KindSecurityDenied {
		b.logger.Warn("tool call denied by agent", zap.String("agent_id", e.Data.AgentID), zap.String("reason", e.Message))
	}
	return errorResponse(id, e)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
