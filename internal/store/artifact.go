package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveSandbox inserts or overwrites the session's single sandbox row.
func (s *Store) SaveSandbox(sb *Sandbox) error {
	sb.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO sandboxes (session_id, status, git_sync_status,
			provider_id, snapshot_id, auth_token, last_heartbeat_at,
			last_spawn_error, failure_count, last_failure_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.SessionID, sb.Status, sb.GitSyncStatus, sb.ProviderID, sb.SnapshotID,
		sb.AuthToken, nullTime(sb.LastHeartbeatAt), sb.LastSpawnError,
		sb.FailureCount, nullTime(sb.LastFailureAt), sb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save sandbox: %w", err)
	}
	return nil
}

// GetSandbox retrieves the session's sandbox row.
func (s *Store) GetSandbox(sessionID string) (*Sandbox, error) {
	row := s.db.QueryRow(
		`SELECT session_id, status, git_sync_status, provider_id, snapshot_id,
			auth_token, last_heartbeat_at, last_spawn_error, failure_count,
			last_failure_at, updated_at
		 FROM sandboxes WHERE session_id = ?`, sessionID)

	var sb Sandbox
	var heartbeat, failure sql.NullTime
	err := row.Scan(&sb.SessionID, &sb.Status, &sb.GitSyncStatus, &sb.ProviderID,
		&sb.SnapshotID, &sb.AuthToken, &heartbeat, &sb.LastSpawnError,
		&sb.FailureCount, &failure, &sb.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	sb.LastHeartbeatAt = timePtr(heartbeat)
	sb.LastFailureAt = timePtr(failure)
	return &sb, nil
}

// TouchSandboxHeartbeat updates only the heartbeat timestamp.
func (s *Store) TouchSandboxHeartbeat(sessionID string) error {
	_, err := s.db.Exec(
		`UPDATE sandboxes SET last_heartbeat_at = ?, updated_at = ? WHERE session_id = ?`,
		time.Now().UTC(), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touch sandbox heartbeat: %w", err)
	}
	return nil
}

// CreateArtifact inserts a session artifact.
func (s *Store) CreateArtifact(a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, session_id, type, branch, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Type, a.Branch, a.Metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns all artifacts of a session, oldest first.
func (s *Store) ListArtifacts(sessionID string) ([]*Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, type, branch, metadata, created_at
		 FROM artifacts WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &a.Branch, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// FindArtifact returns the first artifact of the given type, if any.
func (s *Store) FindArtifact(sessionID, artifactType string) (*Artifact, error) {
	return s.scanArtifact(s.db.QueryRow(
		`SELECT id, session_id, type, branch, metadata, created_at
		 FROM artifacts WHERE session_id = ? AND type = ?
		 ORDER BY created_at LIMIT 1`, sessionID, artifactType))
}

// FindArtifactByBranch returns the first artifact of the given type for a
// branch, if any.
func (s *Store) FindArtifactByBranch(sessionID, artifactType, branch string) (*Artifact, error) {
	return s.scanArtifact(s.db.QueryRow(
		`SELECT id, session_id, type, branch, metadata, created_at
		 FROM artifacts WHERE session_id = ? AND type = ? AND branch = ?
		 ORDER BY created_at LIMIT 1`, sessionID, artifactType, branch))
}

func (s *Store) scanArtifact(row *sql.Row) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ID, &a.SessionID, &a.Type, &a.Branch, &a.Metadata, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return &a, nil
}
