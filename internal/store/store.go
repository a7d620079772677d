package store

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Limit clamps applied server-side to pagination requests.
const (
	MaxEventLimit   = 200
	MaxMessageLimit = 100
)

// Store provides SQLite-backed persistence for all session-owned entities.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at dbPath and creates tables if they
// don't exist.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		repo_owner TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		repo_id TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		base_sha TEXT NOT NULL DEFAULT '',
		current_sha TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		reasoning_effort TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		github_login TEXT NOT NULL DEFAULT '',
		github_id TEXT NOT NULL DEFAULT '',
		enc_access_token TEXT NOT NULL DEFAULT '',
		enc_refresh_token TEXT NOT NULL DEFAULT '',
		token_expires_at DATETIME,
		socket_token_hash TEXT NOT NULL DEFAULT '',
		socket_token_issued_at DATETIME,
		created_at DATETIME NOT NULL,
		UNIQUE (session_id, user_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		reasoning_effort TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '',
		callback_url TEXT NOT NULL DEFAULT '',
		callback_context TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_status
		ON messages(session_id, status, created_at);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session
		ON events(session_id, created_at, id);

	CREATE TABLE IF NOT EXISTS sandboxes (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		git_sync_status TEXT NOT NULL DEFAULT '',
		provider_id TEXT NOT NULL DEFAULT '',
		snapshot_id TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		last_heartbeat_at DATETIME,
		last_spawn_error TEXT NOT NULL DEFAULT '',
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_failure_at DATETIME,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS socket_bindings (
		socket_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		participant_id TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Cursor is an opaque (timestamp, id) pagination cursor.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeCursor renders a cursor as an opaque token.
func EncodeCursor(c Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor token. An empty token yields a zero cursor,
// meaning "from the beginning".
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return Cursor{CreatedAt: ts, ID: parts[1]}, nil
}

func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
