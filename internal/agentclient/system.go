package agentclient

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"

	"fleetgate/internal/agents"
)

// SystemInfo describes the host. It is sent during registration and
// returned by the system_info tool.
type SystemInfo struct {
	MachineID     string `json:"machine_id"`
	Hostname      string `json:"hostname"`
	OSType        string `json:"os_type"`
	OSVersion     string `json:"os_version,omitempty"`
	Arch          string `json:"arch"`
	AgentVersion  string `json:"agent_version"`
	NumCPU        int    `json:"num_cpu"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// DetectSystem fills SystemInfo from the running host.
func DetectSystem(machineID, name, version string) SystemInfo {
	if name == "" {
		name, _ = os.Hostname()
	}
	return SystemInfo{
		MachineID:    machineID,
		Hostname:     name,
		OSType:       Platform(runtime.GOOS),
		OSVersion:    osVersion(),
		Arch:         Arch(runtime.GOARCH),
		AgentVersion: version,
		NumCPU:       runtime.NumCPU(),
	}
}

// Platform maps GOOS to the platform names used by the build catalog.
func Platform(goos string) string {
	switch goos {
	case "darwin":
		return "macos"
	default:
		return goos
	}
}

// Arch maps GOARCH to the architecture names used by the build catalog.
func Arch(goarch string) string {
	switch goarch {
	case "amd64":
		return "x64"
	case "386":
		return "x86"
	default:
		return goarch
	}
}

func osVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// Power reports and changes the local display state.
type Power interface {
	Waker
	State() (power agents.PowerState, screenLocked bool)
}

// StaticPower is a Power whose state is set by the caller. Wake always
// succeeds and moves it to ACTIVE.
type StaticPower struct {
	mu     sync.Mutex
	state  agents.PowerState
	locked bool
}

// NewStaticPower starts in ACTIVE and unlocked.
func NewStaticPower() *StaticPower {
	return &StaticPower{state: agents.PowerActive}
}

func (p *StaticPower) Set(state agents.PowerState, locked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.locked = locked
}

func (p *StaticPower) State() (agents.PowerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.locked
}

func (p *StaticPower) Wake(context.Context, string) error {
	p.Set(agents.PowerActive, false)
	return nil
}
