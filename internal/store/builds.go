package store

import (
	"context"
	"database/sql"
	"fmt"

	"fleetgate/internal/rollout"
)

// PutBuild inserts or replaces a build row keyed by platform, arch and version.
func (s *Store) PutBuild(ctx context.Context, b rollout.Build) error {
	var minVersion any
	if b.MinVersion != "" {
		minVersion = b.MinVersion
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_builds (platform, arch, version, filename, size_bytes, sha256, min_version, rollout_percent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, arch, version) DO UPDATE SET
			filename = excluded.filename,
			size_bytes = excluded.size_bytes,
			sha256 = excluded.sha256,
			min_version = excluded.min_version,
			rollout_percent = excluded.rollout_percent`,
		b.Platform, b.Arch, b.Version, b.Filename, b.Size, b.SHA256, minVersion, b.RolloutPercent,
	)
	if err != nil {
		return fmt.Errorf("put build %s/%s %s: %w", b.Platform, b.Arch, b.Version, err)
	}
	return nil
}

// LatestBuild returns the highest version published for platform and arch,
// or nil when none exists. Versions are compared numerically, not as text.
func (s *Store) LatestBuild(ctx context.Context, platform, arch string) (*rollout.Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, arch, version, filename, size_bytes, sha256, min_version, rollout_percent
		FROM update_builds WHERE platform = ? AND arch = ?`,
		platform, arch,
	)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer rows.Close()

	var latest *rollout.Build
	for rows.Next() {
		var (
			b          rollout.Build
			minVersion sql.NullString
		)
		if err := rows.Scan(&b.Platform, &b.Arch, &b.Version, &b.Filename, &b.Size, &b.SHA256, &minVersion, &b.RolloutPercent); err != nil {
			return nil, err
		}
		b.MinVersion = minVersion.String
		if latest == nil || rollout.Compare(b.Version, latest.Version) > 0 {
			latest = &b
		}
	}
	return latest, rows.Err()
}
