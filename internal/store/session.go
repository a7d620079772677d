package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts the session row. Called exactly once, on init.
func (s *Store) CreateSession(sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionCreated
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, title, repo_owner, repo_name, repo_id, branch,
			base_sha, current_sha, model, reasoning_effort, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.RepoOwner, sess.RepoName, sess.RepoID, sess.Branch,
		sess.BaseSHA, sess.CurrentSHA, sess.Model, sess.ReasoningEffort, sess.Status,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves the session row by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, title, repo_owner, repo_name, repo_id, branch, base_sha,
			current_sha, model, reasoning_effort, status, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.RepoOwner, &sess.RepoName,
		&sess.RepoID, &sess.Branch, &sess.BaseSHA, &sess.CurrentSHA, &sess.Model,
		&sess.ReasoningEffort, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

// UpdateSessionStatus sets the session status.
func (s *Store) UpdateSessionStatus(id string, status SessionStatus) error {
	return s.updateSession(id, "status = ?", status)
}

// UpdateSessionTitle sets the display title.
func (s *Store) UpdateSessionTitle(id, title string) error {
	return s.updateSession(id, "title = ?", title)
}

// UpdateSessionBranch records the branch the sandbox pushed to.
func (s *Store) UpdateSessionBranch(id, branch string) error {
	return s.updateSession(id, "branch = ?", branch)
}

// UpdateSessionCurrentSHA records the latest synced commit.
func (s *Store) UpdateSessionCurrentSHA(id, sha string) error {
	return s.updateSession(id, "current_sha = ?", sha)
}

func (s *Store) updateSession(id, setClause string, val any) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET `+setClause+`, updated_at = ? WHERE id = ?`,
		val, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertParticipant creates the participant on first contact, or updates
// mutable fields. Token columns are coalesced: an empty incoming value never
// clobbers a stored one, so a client that omits a still-valid token does not
// discard it.
func (s *Store) UpsertParticipant(p *Participant) (*Participant, error) {
	existing, err := s.GetParticipant(p.SessionID, p.UserID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if existing == nil {
		p.ID = uuid.New().String()
		p.CreatedAt = time.Now().UTC()
		if p.Role == "" {
			p.Role = "member"
		}
		_, err := s.db.Exec(
			`INSERT INTO participants (id, session_id, user_id, role, github_login,
				github_id, enc_access_token, enc_refresh_token, token_expires_at,
				socket_token_hash, socket_token_issued_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SessionID, p.UserID, p.Role, p.GithubLogin, p.GithubID,
			p.EncryptedAccessToken, p.EncryptedRefreshToken, nullTime(p.TokenExpiresAt),
			p.SocketTokenHash, nullTime(p.SocketTokenIssuedAt), p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert participant: %w", err)
		}
		return p, nil
	}

	_, err = s.db.Exec(
		`UPDATE participants SET
			github_login = CASE WHEN ? != '' THEN ? ELSE github_login END,
			github_id = CASE WHEN ? != '' THEN ? ELSE github_id END,
			enc_access_token = CASE WHEN ? != '' THEN ? ELSE enc_access_token END,
			enc_refresh_token = CASE WHEN ? != '' THEN ? ELSE enc_refresh_token END,
			token_expires_at = COALESCE(?, token_expires_at)
		 WHERE id = ?`,
		p.GithubLogin, p.GithubLogin,
		p.GithubID, p.GithubID,
		p.EncryptedAccessToken, p.EncryptedAccessToken,
		p.EncryptedRefreshToken, p.EncryptedRefreshToken,
		nullTime(p.TokenExpiresAt),
		existing.ID)
	if err != nil {
		return nil, fmt.Errorf("update participant: %w", err)
	}
	return s.GetParticipant(p.SessionID, p.UserID)
}

// GetParticipant looks up a participant by user id within the session.
func (s *Store) GetParticipant(sessionID, userID string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRow(
		participantColumns+` WHERE session_id = ? AND user_id = ?`, sessionID, userID))
}

// GetParticipantByID looks up a participant by row id.
func (s *Store) GetParticipantByID(id string) (*Participant, error) {
	return s.scanParticipant(s.db.QueryRow(participantColumns+` WHERE id = ?`, id))
}

const participantColumns = `SELECT id, session_id, user_id, role, github_login,
	github_id, enc_access_token, enc_refresh_token, token_expires_at,
	socket_token_hash, socket_token_issued_at, created_at FROM participants`

func (s *Store) scanParticipant(row *sql.Row) (*Participant, error) {
	var p Participant
	var expires, issued sql.NullTime
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Role, &p.GithubLogin,
		&p.GithubID, &p.EncryptedAccessToken, &p.EncryptedRefreshToken, &expires,
		&p.SocketTokenHash, &issued, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant: %w", err)
	}
	p.TokenExpiresAt = timePtr(expires)
	p.SocketTokenIssuedAt = timePtr(issued)
	return &p, nil
}

// ListParticipants returns all participants of a session, oldest first.
func (s *Store) ListParticipants(sessionID string) ([]*Participant, error) {
	rows, err := s.db.Query(
		participantColumns+` WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		var p Participant
		var expires, issued sql.NullTime
		if err := rows.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Role, &p.GithubLogin,
			&p.GithubID, &p.EncryptedAccessToken, &p.EncryptedRefreshToken, &expires,
			&p.SocketTokenHash, &issued, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.TokenExpiresAt = timePtr(expires)
		p.SocketTokenIssuedAt = timePtr(issued)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetParticipantSocketToken stores a new hashed subscribe token.
func (s *Store) SetParticipantSocketToken(participantID, tokenHash string) error {
	res, err := s.db.Exec(
		`UPDATE participants SET socket_token_hash = ?, socket_token_issued_at = ? WHERE id = ?`,
		tokenHash, time.Now().UTC(), participantID)
	if err != nil {
		return fmt.Errorf("update socket token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetParticipantTokens updates the encrypted OAuth token columns.
func (s *Store) SetParticipantTokens(participantID, encAccess, encRefresh string, expiresAt *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE participants SET
			enc_access_token = CASE WHEN ? != '' THEN ? ELSE enc_access_token END,
			enc_refresh_token = CASE WHEN ? != '' THEN ? ELSE enc_refresh_token END,
			token_expires_at = COALESCE(?, token_expires_at)
		 WHERE id = ?`,
		encAccess, encAccess, encRefresh, encRefresh, nullTime(expiresAt), participantID)
	if err != nil {
		return fmt.Errorf("update participant tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutSocketBinding persists a socket-to-participant mapping, replacing any
// previous binding for the same socket id.
func (s *Store) PutSocketBinding(b *SocketBinding) error {
	b.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO socket_bindings (socket_id, session_id, participant_id, client_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		b.SocketID, b.SessionID, b.ParticipantID, b.ClientID, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert socket binding: %w", err)
	}
	return nil
}

// GetSocketBinding retrieves a persisted socket mapping.
func (s *Store) GetSocketBinding(socketID string) (*SocketBinding, error) {
	row := s.db.QueryRow(
		`SELECT socket_id, session_id, participant_id, client_id, created_at
		 FROM socket_bindings WHERE socket_id = ?`, socketID)
	var b SocketBinding
	err := row.Scan(&b.SocketID, &b.SessionID, &b.ParticipantID, &b.ClientID, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan socket binding: %w", err)
	}
	return &b, nil
}

// DeleteSocketBinding removes a socket mapping after disconnect.
func (s *Store) DeleteSocketBinding(socketID string) error {
	_, err := s.db.Exec(`DELETE FROM socket_bindings WHERE socket_id = ?`, socketID)
	if err != nil {
		return fmt.Errorf("delete socket binding: %w", err)
	}
	return nil
}
