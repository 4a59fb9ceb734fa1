package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/protocol"
	"fleetgate/internal/security"
)

const (
	defaultMaxRead      = 1 << 20
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 5 * time.Minute
	maxShellOutput      = 1 << 20
)

// Error kinds carried in response frames.
const (
	KindSecurityDenied = "security_denied"
	KindMethodNotFound = "method_not_found"
	KindInvalidParams  = "invalid_params"
	KindToolError      = "tool_error"
)

// ToolError is returned by tool handlers; Kind travels to the server.
type ToolError struct {
	Kind    string
	Message string
}

func (e *ToolError) Error() string { return e.Kind + ": " + e.Message }

func invalidParams(format string, args ...any) error {
	return &ToolError{Kind: KindInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// errorBody converts any handler error into the wire shape. Gatekeeper
// denials keep their kind so the control plane can report them as such.
func errorBody(err error) *protocol.ErrorBody {
	var te *ToolError
	if errors.As(err, &te) {
		return &protocol.ErrorBody{Kind: te.Kind, Message: te.Message}
	}
	var de *security.DeniedError
	if errors.As(err, &de) {
		return &protocol.ErrorBody{Kind: KindSecurityDenied, Message: de.Reason}
	}
	return &protocol.ErrorBody{Kind: KindToolError, Message: err.Error()}
}

// Waker wakes the local display. It reports the power state after waking.
type Waker interface {
	Wake(ctx context.Context, reason string) error
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	handler     handlerFunc
}

// Tools executes the agent's local methods. Every filesystem and shell
// operation passes through the gatekeeper first.
type Tools struct {
	gate    *security.Gatekeeper
	power   Waker
	info    SystemInfo
	logger  *zap.Logger
	started time.Time
	defs    []*toolDef
	byName  map[string]*toolDef
}

// NewTools builds the tool table. power may be nil.
func NewTools(gate *security.Gatekeeper, power Waker, info SystemInfo, logger *zap.Logger) *Tools {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tools{gate: gate, power: power, info: info, logger: logger.Named("tools"), started: time.Now()}
	t.defs = []*toolDef{
		{Name: "fs_list", Description: "List a directory.", InputSchema: schema(`{"path":{"type":"string"}}`, "path"), handler: t.fsList},
		{Name: "fs_read", Description: "Read a text file.", InputSchema: schema(`{"path":{"type":"string"},"max_bytes":{"type":"integer"}}`, "path"), handler: t.fsRead},
		{Name: "fs_write", Description: "Write or append to a file.", InputSchema: schema(`{"path":{"type":"string"},"content":{"type":"string"},"mode":{"type":"string","enum":["overwrite","append"]},"create_directories":{"type":"boolean"}}`, "path", "content"), handler: t.fsWrite},
		{Name: "fs_delete", Description: "Delete a file or directory.", InputSchema: schema(`{"path":{"type":"string"},"recursive":{"type":"boolean"}}`, "path"), handler: t.fsDelete},
		{Name: "shell_exec", Description: "Run a shell command and capture its output.", InputSchema: schema(`{"command":{"type":"string"},"cwd":{"type":"string"},"timeout_seconds":{"type":"integer"}}`, "command"), handler: t.shellExec},
		{Name: "system_info", Description: "Describe the host.", InputSchema: schema(`{}`), handler: t.systemInfo},
	}
	t.byName = make(map[string]*toolDef, len(t.defs))
	for _, d := range t.defs {
		t.byName[d.Name] = d
	}
	return t
}

func schema(props string, required ...string) json.RawMessage {
	s := map[string]any{"type": "object", "properties": json.RawMessage(props)}
	if len(required) > 0 {
		s["required"] = required
	}
	b, _ := json.Marshal(s)
	return b
}

// Handle runs method. The result is marshalled into the response frame.
func (t *Tools) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "ping":
		return map[string]any{"status": "ok", "uptime_seconds": int64(time.Since(t.started).Seconds())}, nil
	case "tools/list":
		return map[string]any{"tools": t.defs}, nil
	case "tools/call":
		return t.call(ctx, params)
	case "wake":
		var p struct {
			Reason string `json:"reason"`
		}
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		return t.wake(ctx, p.Reason)
	}
	if d, ok := t.byName[method]; ok {
		return d.handler(ctx, params)
	}
	return nil, &ToolError{Kind: KindMethodNotFound, Message: "unknown method: " + method}
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// call runs a tool and wraps its output as MCP content. Denials stay
// protocol errors; other failures are reported in-band.
func (t *Tools) call(ctx context.Context, raw json.RawMessage) (any, error) {
	var p callParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	d, ok := t.byName[p.Name]
	if !ok {
		return nil, &ToolError{Kind: KindMethodNotFound, Message: "unknown tool: " + p.Name}
	}
	out, err := d.handler(ctx, p.Arguments)
	if err != nil {
		if errors.Is(err, security.ErrDenied) {
			return nil, err
		}
		return callResult{Content: []content{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}
	text, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return callResult{Content: []content{{Type: "text", Text: string(text)}}}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// checkPath vets p and returns the expanded path to operate on.
func (t *Tools) checkPath(p string) (string, error) {
	if p == "" {
		return "", invalidParams("path is required")
	}
	if err := t.gate.CheckPath(p).Err(); err != nil {
		return "", err
	}
	return t.gate.Expand(p), nil
}

type entry struct {
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

func (t *Tools) fsList(_ context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	dir, err := t.checkPath(p.Path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(dirEntries))
	byName := make(map[string]os.DirEntry, len(dirEntries))
	for _, e := range dirEntries {
		names = append(names, e.Name())
		byName[e.Name()] = e
	}
	visible := t.gate.FilterEntries(dir, names)
	sort.Strings(visible)

	entries := make([]entry, 0, len(visible))
	for _, name := range visible {
		e := byName[name]
		out := entry{Name: name, Type: "file"}
		if e.IsDir() {
			out.Type = "directory"
		} else if e.Type()&os.ModeSymlink != 0 {
			out.Type = "symlink"
		}
		if info, err := e.Info(); err == nil {
			out.Size = info.Size()
			out.Modified = info.ModTime().UTC()
		}
		entries = append(entries, out)
	}
	return map[string]any{"path": dir, "entries": entries}, nil
}

func (t *Tools) fsRead(_ context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Path     string `json:"path"`
		MaxBytes int64  `json:"max_bytes"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	file, err := t.checkPath(p.Path)
	if err != nil {
		return nil, err
	}
	if p.MaxBytes <= 0 || p.MaxBytes > defaultMaxRead {
		p.MaxBytes = defaultMaxRead
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", file)
	}
	data, err := io.ReadAll(io.LimitReader(f, p.MaxBytes))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path":      file,
		"content":   string(data),
		"size":      info.Size(),
		"truncated": info.Size() > int64(len(data)),
	}, nil
}

func (t *Tools) fsWrite(_ context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Path       string `json:"path"`
		Content    string `json:"content"`
		Mode       string `json:"mode"`
		CreateDirs bool   `json:"create_directories"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	file, err := t.checkPath(p.Path)
	if err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch p.Mode {
	case "", "overwrite":
		flags |= os.O_TRUNC
	case "append":
		flags |= os.O_APPEND
	default:
		return nil, invalidParams("unknown mode %q", p.Mode)
	}
	if p.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(file, flags, 0o644)
	if err != nil {
		return nil, err
	}
	n, err := f.WriteString(p.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": file, "bytes_written": n}, nil
}

func (t *Tools) fsDelete(_ context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	target, err := t.checkPath(p.Path)
	if err != nil {
		return nil, err
	}
	if p.Recursive {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": target, "deleted": true}, nil
}

func (t *Tools) shellExec(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, invalidParams("command is required")
	}
	cwd := ""
	if p.Cwd != "" {
		var err error
		if cwd, err = t.checkPath(p.Cwd); err != nil {
			return nil, err
		}
	}
	// Relative arguments resolve against the directory the shell starts in.
	dir := cwd
	if dir == "" {
		dir, _ = os.Getwd()
	}
	if err := t.gate.CheckCommandIn(p.Command, dir).Err(); err != nil {
		return nil, err
	}

	timeout := defaultShellTimeout
	if p.TimeoutSeconds > 0 {
		timeout = min(time.Duration(p.TimeoutSeconds)*time.Second, maxShellTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", p.Command)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", p.Command)
	}
	cmd.Dir = cwd
	cmd.WaitDelay = time.Second
	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	exitCode := 0
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		case timedOut:
			exitCode = -1
		default:
			return nil, err
		}
	}
	t.logger.Info("shell command finished",
		zap.Int("exit_code", exitCode),
		zap.Bool("timed_out", timedOut),
		zap.Duration("duration", time.Since(start)))

	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
		"timed_out": timedOut,
	}, nil
}

func (t *Tools) systemInfo(context.Context, json.RawMessage) (any, error) {
	info := t.info
	info.NumCPU = runtime.NumCPU()
	info.UptimeSeconds = int64(time.Since(t.started).Seconds())
	return info, nil
}

func (t *Tools) wake(ctx context.Context, reason string) (any, error) {
	if t.power != nil {
		if err := t.power.Wake(ctx, reason); err != nil {
			return nil, err
		}
	}
	return map[string]any{"woken": true}, nil
}

// limitedBuffer keeps the first maxShellOutput bytes and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := maxShellOutput - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
