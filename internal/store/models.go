package store

import "time"

// SessionStatus is the lifecycle status of a session row.
type SessionStatus string

const (
	SessionCreated  SessionStatus = "created"
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// MessageStatus is the queue status of a prompt message.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// SandboxStatus is the lifecycle status of the session's sandbox.
type SandboxStatus string

const (
	SandboxPending  SandboxStatus = "pending"
	SandboxSpawning SandboxStatus = "spawning"
	SandboxReady    SandboxStatus = "ready"
	SandboxStopped  SandboxStatus = "stopped"
	SandboxStale    SandboxStatus = "stale"
)

// Artifact types. A session has at most one "pr" artifact; "manual_pr"
// artifacts are reused by branch name instead of duplicated.
const (
	ArtifactBranch   = "branch"
	ArtifactPR       = "pr"
	ArtifactManualPR = "manual_pr"
)

// Session is the one row owned by a session actor.
type Session struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	RepoOwner       string        `json:"repo_owner"`
	RepoName        string        `json:"repo_name"`
	RepoID          string        `json:"repo_id"`
	Branch          string        `json:"branch,omitempty"`
	BaseSHA         string        `json:"base_sha,omitempty"`
	CurrentSHA      string        `json:"current_sha,omitempty"`
	Model           string        `json:"model,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Status          SessionStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Participant is a user as known to one session.
type Participant struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"` // "owner" or "member"

	GithubLogin string `json:"github_login,omitempty"`
	GithubID    string `json:"github_id,omitempty"`

	// OAuth tokens are stored encrypted; empty means none on file.
	EncryptedAccessToken  string     `json:"-"`
	EncryptedRefreshToken string     `json:"-"`
	TokenExpiresAt        *time.Time `json:"-"`

	SocketTokenHash     string     `json:"-"`
	SocketTokenIssuedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// Message is one user-submitted prompt.
type Message struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	ParticipantID   string        `json:"participant_id"`
	Content         string        `json:"content"`
	Source          string        `json:"source"` // "web", "slack", ...
	Model           string        `json:"model,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Attachments     string        `json:"attachments,omitempty"` // JSON array
	CallbackURL     string        `json:"callback_url,omitempty"`
	CallbackContext string        `json:"callback_context,omitempty"` // JSON object
	Status          MessageStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Event is an append-only log entry mirroring sandbox or synthetic events.
// Heartbeats are never persisted here.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

// Sandbox is the at-most-one live sandbox row for a session. Fields are
// overwritten in place across respawns rather than inserting new rows.
type Sandbox struct {
	SessionID     string        `json:"session_id"`
	Status        SandboxStatus `json:"status"`
	GitSyncStatus string        `json:"git_sync_status,omitempty"`
	ProviderID    string        `json:"provider_id,omitempty"` // Modal object id
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	AuthToken     string        `json:"-"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	LastSpawnError  string     `json:"last_spawn_error,omitempty"`

	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is a durable session output surfaced to clients.
type Artifact struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Branch    string    `json:"branch,omitempty"`
	Metadata  string    `json:"metadata"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

// SocketBinding maps a live socket id back to the participant it
// authenticated as, so identity survives an actor restart.
type SocketBinding struct {
	SocketID      string    `json:"socket_id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	ClientID      string    `json:"client_id"`
	CreatedAt     time.Time `json:"created_at"`
}
