// Package store persists device identities and a session audit log in
// sqlite. Everything here is best effort: the relay keeps working when
// the database is unavailable, callers log and move on.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"deskrelay/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id    TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	role         TEXT NOT NULL,
	status       TEXT NOT NULL,
	last_seen    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS session_log (
	session_id    TEXT PRIMARY KEY,
	controller_id TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	state         TEXT NOT NULL,
	reason        TEXT,
	created_at    INTEGER NOT NULL,
	ended_at      INTEGER
);

CREATE INDEX IF NOT EXISTS idx_session_log_created ON session_log(created_at);
`

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open creates the database file (and its directory) if needed and
// applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertDevice records a device registration.
func (s *Store) UpsertDevice(d models.Device) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, display_name, role, status, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		d.ID, d.Name, string(d.Role), d.Status, d.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// MarkDeviceOffline flips a device's status when its transport closes.
func (s *Store) MarkDeviceOffline(deviceID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE devices SET status = ?, last_seen = ? WHERE device_id = ?`,
		models.StatusOffline, at.Unix(), deviceID)
	if err != nil {
		return fmt.Errorf("mark device %s offline: %w", deviceID, err)
	}
	return nil
}

// RecordSession appends a terminal session to the audit log.
func (s *Store) RecordSession(info models.SessionInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO session_log (session_id, controller_id, target_id, state, reason, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			ended_at = excluded.ended_at`,
		info.ID, info.ControllerID, info.TargetID, info.State, info.Reason, info.CreatedAt, info.EndedAt)
	if err != nil {
		return fmt.Errorf("record session %s: %w", info.ID, err)
	}
	return nil
}

// RecentSessions returns the newest entries from the audit log.
func (s *Store) RecentSessions(limit int) ([]models.SessionInfo, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT session_id, controller_id, target_id, state, COALESCE(reason, ''), created_at, COALESCE(ended_at, 0)
		FROM session_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query session log: %w", err)
	}
	defer rows.Close()

	var out []models.SessionInfo
	for rows.Next() {
		var info models.SessionInfo
		if err := rows.Scan(&info.ID, &info.ControllerID, &info.TargetID, &info.State, &info.Reason, &info.CreatedAt, &info.EndedAt); err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
