package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9080 {
		t.Errorf("port = %d, want 9080", cfg.Server.Port)
	}
	if cfg.Dispatcher.DefaultTimeout != 30*time.Second {
		t.Errorf("default timeout = %s", cfg.Dispatcher.DefaultTimeout)
	}
	if cfg.Presence.MissedHeartbeats != 3 {
		t.Errorf("missed heartbeats = %d", cfg.Presence.MissedHeartbeats)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("redis should be disabled by default, got %q", cfg.Redis.Addr)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetgate.yaml")
	yaml := `
server:
  port: 7000
presence:
  heartbeat_interval: 2s
notify:
  urls: ["generic://example.com"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEETGATE_DISPATCHER_DEFAULT_TIMEOUT", "10s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Presence.HeartbeatInterval != 2*time.Second {
		t.Errorf("heartbeat interval = %s", cfg.Presence.HeartbeatInterval)
	}
	if cfg.Dispatcher.DefaultTimeout != 10*time.Second {
		t.Errorf("env override not applied: %s", cfg.Dispatcher.DefaultTimeout)
	}
	if len(cfg.Notify.URLs) != 1 {
		t.Errorf("notify urls = %v", cfg.Notify.URLs)
	}
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Presence:   PresenceConfig{HeartbeatInterval: time.Second, MissedHeartbeats: 3},
			Dispatcher: DispatcherConfig{DefaultTimeout: 30 * time.Second, MaxTimeout: time.Minute},
		}
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cfg = base()
	cfg.Dispatcher.DefaultTimeout = 2 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("default above max should fail")
	}

	cfg = base()
	cfg.Auth.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("auth without key material should fail")
	}
	cfg.Auth.HMACSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("auth with secret: %v", err)
	}
}
