// Package provision talks to the sandbox provisioning API. The session
// lifecycle machine consumes the Launcher interface; ModalLauncher is the
// HTTP implementation.
package provision

import (
	"context"
	"time"
)

// SandboxSpec describes the sandbox to spawn.
type SandboxSpec struct {
	SessionID  string            `json:"session_id"`
	Image      string            `json:"image"`
	SnapshotID string            `json:"snapshot_id,omitempty"`
	RepoOwner  string            `json:"repo_owner"`
	RepoName   string            `json:"repo_name"`
	Branch     string            `json:"branch,omitempty"`
	BaseSHA    string            `json:"base_sha,omitempty"`
	AuthToken  string            `json:"auth_token"`
	Env        map[string]string `json:"env,omitempty"`
}

// SandboxInfo is the provisioner's view of a spawned sandbox.
type SandboxInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotInfo identifies a saved filesystem snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Launcher is the provisioning contract the lifecycle machine depends on.
type Launcher interface {
	Spawn(ctx context.Context, spec SandboxSpec) (*SandboxInfo, error)
	Stop(ctx context.Context, sandboxID string) error
	Snapshot(ctx context.Context, sandboxID string) (*SnapshotInfo, error)
}
