package rollout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"fleetgate/internal/agents"
	"fleetgate/internal/metrics"
	"fleetgate/internal/protocol"
)

type fakeCatalog struct {
	build *Build
	err   error
}

func (f fakeCatalog) LatestBuild(context.Context, string, string) (*Build, error) {
	return f.build, f.err
}

func TestServiceCheck(t *testing.T) {
	build := &Build{
		Platform: "linux", Arch: "x64", Version: "1.2.0",
		Filename: "agent-1.2.0-linux-x64.tar.gz", Size: 1024, SHA256: "abc",
		MinVersion: "1.1.0", RolloutPercent: 0,
	}
	m := metrics.New(nil)
	svc := NewService(fakeCatalog{build: build}, m, nil)

	res, err := svc.Check(context.Background(), Query{MachineID: "m1", Version: "1.0.0", Platform: "linux", Arch: "x64"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Available || !res.Forced || res.Filename != build.Filename || res.SHA256 != "abc" {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = svc.Check(context.Background(), Query{MachineID: "m1", Version: "1.1.5", Platform: "linux", Arch: "x64"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Available {
		t.Errorf("0%% rollout above minVersion should hold, got %+v", res)
	}
	if got := testutil.ToFloat64(m.UpdateChecks.WithLabelValues("held")); got != 1 {
		t.Errorf("held = %v", got)
	}
}

func TestServiceCheckNoBuild(t *testing.T) {
	svc := NewService(fakeCatalog{}, nil, nil)
	res, err := svc.Check(context.Background(), Query{MachineID: "m1", Version: "1.0.0"})
	if err != nil || res.Available {
		t.Errorf("Check = %+v, %v", res, err)
	}
}

func TestServiceCheckRequiresMachine(t *testing.T) {
	svc := NewService(fakeCatalog{}, nil, nil)
	if _, err := svc.Check(context.Background(), Query{Version: "1.0.0"}); err == nil {
		t.Error("expected error without machine id")
	}
}

func TestUpdateFlag(t *testing.T) {
	meta := agents.Metadata{MachineID: "m1", AgentVersion: "1.0.0", OSType: "linux", Arch: "x64"}

	forced := NewService(fakeCatalog{build: &Build{Version: "2.0.0", MinVersion: "1.5.0"}}, nil, nil)
	if got := forced.UpdateFlag(context.Background(), meta); got != protocol.UpdateForced {
		t.Errorf("flag = %d, want forced", got)
	}

	available := NewService(fakeCatalog{build: &Build{Version: "2.0.0", RolloutPercent: 100}}, nil, nil)
	if got := available.UpdateFlag(context.Background(), meta); got != protocol.UpdateAvailable {
		t.Errorf("flag = %d, want available", got)
	}

	broken := NewService(fakeCatalog{err: errors.New("db down")}, nil, nil)
	if got := broken.UpdateFlag(context.Background(), meta); got != protocol.UpdateNone {
		t.Errorf("flag = %d, want none on error", got)
	}
}

type countingCatalog struct {
	mu    sync.Mutex
	calls map[string]int
	build *Build
}

func (c *countingCatalog) LatestBuild(_ context.Context, platform, arch string) (*Build, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[platform+"/"+arch]++
	return c.build, nil
}

func (c *countingCatalog) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

func TestUpdateFlagCachesLatestBuild(t *testing.T) {
	cat := &countingCatalog{build: &Build{Version: "2.0.0", RolloutPercent: 100}}
	svc := NewService(cat, nil, nil)
	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }

	linux := agents.Metadata{MachineID: "m1", AgentVersion: "1.0.0", OSType: "linux", Arch: "x64"}
	for i := 0; i < 10; i++ {
		if got := svc.UpdateFlag(context.Background(), linux); got != protocol.UpdateAvailable {
			t.Fatalf("flag = %d, want available", got)
		}
	}
	if n := cat.count("linux/x64"); n != 1 {
		t.Errorf("catalog read %d times for ten heartbeats, want 1", n)
	}

	mac := agents.Metadata{MachineID: "m2", AgentVersion: "1.0.0", OSType: "darwin", Arch: "arm64"}
	svc.UpdateFlag(context.Background(), mac)
	if n := cat.count("darwin/arm64"); n != 1 {
		t.Errorf("darwin/arm64 read %d times, want 1", n)
	}

	now = now.Add(buildTTL)
	svc.UpdateFlag(context.Background(), linux)
	if n := cat.count("linux/x64"); n != 2 {
		t.Errorf("catalog read %d times after expiry, want 2", n)
	}

	// Explicit checks always see the catalog.
	if _, err := svc.Check(context.Background(), Query{MachineID: "m1", Version: "1.0.0", Platform: "linux", Arch: "x64"}); err != nil {
		t.Fatal(err)
	}
	if n := cat.count("linux/x64"); n != 3 {
		t.Errorf("Check used the cache: %d reads", n)
	}
}
