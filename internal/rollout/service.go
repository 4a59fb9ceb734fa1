package rollout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fleetgate/internal/agents"
	"fleetgate/internal/metrics"
	"fleetgate/internal/protocol"
)

// Build is one published agent build.
type Build struct {
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	Version        string `json:"version"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
	SHA256         string `json:"sha256"`
	MinVersion     string `json:"min_version,omitempty"`
	RolloutPercent int    `json:"rollout_percent"`
}

// Catalog looks up the newest build for a platform and architecture.
// It returns nil, nil when no build is published.
type Catalog interface {
	LatestBuild(ctx context.Context, platform, arch string) (*Build, error)
}

// Query describes the machine asking for updates.
type Query struct {
	MachineID string
	Version   string
	Platform  string
	Arch      string
}

// Result is returned to update checks. Build fields are set only when an
// update is available.
type Result struct {
	Available bool   `json:"available"`
	Forced    bool   `json:"forced"`
	Version   string `json:"version,omitempty"`
	Filename  string `json:"filename,omitempty"`
	Size      int64  `json:"size,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
}

// buildTTL bounds how stale the heartbeat update flag can be after a build
// is published.
const buildTTL = 30 * time.Second

type cachedBuild struct {
	build   *Build
	fetched time.Time
}

// Service answers update checks from the build catalog.
type Service struct {
	catalog Catalog
	metrics *metrics.Metrics
	logger  *zap.Logger

	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
	builds map[string]cachedBuild // platform/arch -> latest
}

func NewService(catalog Catalog, m *metrics.Metrics, logger *zap.Logger) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog: catalog,
		metrics: m,
		logger:  logger.Named("rollout"),
		ttl:     buildTTL,
		now:     time.Now,
		builds:  make(map[string]cachedBuild),
	}
}

// Check decides whether q's machine should update. It always reads the
// catalog.
func (s *Service) Check(ctx context.Context, q Query) (Result, error) {
	if q.MachineID == "" || q.Version == "" {
		return Result{}, fmt.Errorf("machine id and version are required")
	}
	b, err := s.catalog.LatestBuild(ctx, q.Platform, q.Arch)
	if err != nil {
		return Result{}, fmt.Errorf("latest build for %s/%s: %w", q.Platform, q.Arch, err)
	}
	return s.decide(q, b), nil
}

func (s *Service) decide(q Query, b *Build) Result {
	if b == nil {
		s.metrics.UpdateChecks.WithLabelValues("none").Inc()
		return Result{}
	}

	d := Decide(q.MachineID, q.Version, b.Version, b.MinVersion, b.RolloutPercent)
	s.metrics.UpdateChecks.WithLabelValues(decisionLabel(d, q.Version, b.Version)).Inc()

	if !d.Available {
		return Result{}
	}
	return Result{
		Available: true,
		Forced:    d.Forced,
		Version:   b.Version,
		Filename:  b.Filename,
		Size:      b.Size,
		SHA256:    b.SHA256,
	}
}

// latest returns the newest build for platform/arch, reading the catalog
// at most once per ttl. Failures are not cached.
func (s *Service) latest(ctx context.Context, platform, arch string) (*Build, error) {
	key := platform + "/" + arch
	now := s.now()

	s.mu.Lock()
	c, ok := s.builds[key]
	s.mu.Unlock()
	if ok && now.Sub(c.fetched) < s.ttl {
		return c.build, nil
	}

	b, err := s.catalog.LatestBuild(ctx, platform, arch)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.builds[key] = cachedBuild{build: b, fetched: now}
	s.mu.Unlock()
	return b, nil
}

// UpdateFlag returns the heartbeat update flag for an agent. It runs on
// every heartbeat, so the catalog lookup is cached per platform and arch.
// Lookup failures are logged and reported as no update.
func (s *Service) UpdateFlag(ctx context.Context, meta agents.Metadata) int {
	if meta.MachineID == "" || meta.AgentVersion == "" {
		return protocol.UpdateNone
	}
	b, err := s.latest(ctx, meta.OSType, meta.Arch)
	if err != nil {
		s.logger.Warn("update check failed", zap.String("machine_id", meta.MachineID), zap.Error(err))
		return protocol.UpdateNone
	}
	res := s.decide(Query{
		MachineID: meta.MachineID,
		Version:   meta.AgentVersion,
		Platform:  meta.OSType,
		Arch:      meta.Arch,
	}, b)
	switch {
	case res.Forced:
		return protocol.UpdateForced
	case res.Available:
		return protocol.UpdateAvailable
	default:
		return protocol.UpdateNone
	}
}

func decisionLabel(d Decision, current, latest string) string {
	switch {
	case d.Forced:
		return "forced"
	case d.Available:
		return "available"
	case IsBehind(current, latest):
		return "held"
	default:
		return "none"
	}
}
