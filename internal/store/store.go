// Package store persists agent license records and the update build catalog
// in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

const timeFormat = "2006-01-02 15:04:05"

// Store wraps the SQLite handle.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" opens a private in-memory database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	memory := path == ":memory:"
	if !memory {
		if err := ensureDirectory(path); err != nil {
			return nil, err
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("store"), now: time.Now}
	if !memory {
		s.enableWAL()
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func ensureDirectory(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) enableWAL() {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		s.logger.Warn("could not enable WAL mode", zap.Error(err))
	}
}

func (s *Store) migrate() error {
	statements := []struct {
		label string
		sql   string
	}{
		{"agent_licenses", `
			CREATE TABLE IF NOT EXISTS agent_licenses (
				agent_id        TEXT    PRIMARY KEY,
				machine_id      TEXT    NOT NULL UNIQUE,
				machine_name    TEXT    NOT NULL DEFAULT '',
				os_type         TEXT    NOT NULL DEFAULT '',
				arch            TEXT    NOT NULL DEFAULT '',
				agent_version   TEXT    NOT NULL DEFAULT '',
				status          TEXT    NOT NULL DEFAULT 'PENDING',
				secret_hash     TEXT,
				last_seen       DATETIME,
				created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
				updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
			);`},
		{"agent_licenses indexes", `
			CREATE INDEX IF NOT EXISTS idx_licenses_status ON agent_licenses(status);`},

		{"update_builds", `
			CREATE TABLE IF NOT EXISTS update_builds (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				platform        TEXT    NOT NULL,
				arch            TEXT    NOT NULL,
				version         TEXT    NOT NULL,
				filename        TEXT    NOT NULL,
				size_bytes      INTEGER NOT NULL DEFAULT 0,
				sha256          TEXT    NOT NULL,
				min_version     TEXT,
				rollout_percent INTEGER NOT NULL DEFAULT 100,
				created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(platform, arch, version)
			);`},
		{"update_builds indexes", `
			CREATE INDEX IF NOT EXISTS idx_builds_target ON update_builds(platform, arch);`},
	}

	for _, st := range statements {
		if _, err := s.db.Exec(st.sql); err != nil {
			return fmt.Errorf("migration failed at [%s]: %w", st.label, err)
		}
		s.logger.Debug("migration applied", zap.String("step", st.label))
	}
	return nil
}

// parseNullTime parses a nullable time string from SQLite. The driver hands
// DATETIME columns back as RFC 3339 text once it has parsed them itself.
func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeFormat, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, ns.String, time.UTC); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func timeString(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
