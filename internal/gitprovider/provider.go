// Package gitprovider abstracts the source-control provider the session
// actor consumes: repository metadata, push credentials, pull requests, and
// OAuth token refresh. The orchestration core never sees a vendor API shape
// directly.
package gitprovider

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRepoNotFound = errors.New("repository not found")
	ErrUnauthorized = errors.New("provider rejected credentials")
	ErrProvider     = errors.New("provider error")
)

// Repository is the metadata the core needs about a repo.
type Repository struct {
	ID            string `json:"id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
}

// PushAuth is a short-lived credential for pushing to a repo.
type PushAuth struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PushSpec is everything the sandbox needs to run a push: transport URL
// with embedded credentials plus the refs involved.
type PushSpec struct {
	RemoteURL string `json:"remote_url"`
	Branch    string `json:"branch"`
	BaseSHA   string `json:"base_sha,omitempty"`
}

// PullRequest is a created PR as reported by the provider.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Head   string `json:"head"`
	Base   string `json:"base"`
}

// PullRequestInput describes a PR to create.
type PullRequestInput struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// OAuthToken is a refreshed user credential.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Provider is the contract the orchestration core requires from a
// source-control provider.
type Provider interface {
	// GetRepository resolves repo metadata by owner/name.
	GetRepository(ctx context.Context, owner, name string) (*Repository, error)

	// GeneratePushAuth mints a short-lived push credential for the repo.
	GeneratePushAuth(ctx context.Context, repoID string) (*PushAuth, error)

	// BuildGitPushSpec combines repo metadata and push auth into the
	// transport spec handed to the sandbox.
	BuildGitPushSpec(repo *Repository, auth *PushAuth, branch, baseSHA string) PushSpec

	// CreatePullRequest opens a PR as the given user token.
	CreatePullRequest(ctx context.Context, userToken string, in PullRequestInput) (*PullRequest, error)

	// BuildManualPullRequestURL returns a prefilled compare URL the user can
	// open to create the PR by hand.
	BuildManualPullRequestURL(repo *Repository, head, base string) string

	// RefreshOAuthToken exchanges a refresh token for a fresh access token.
	RefreshOAuthToken(ctx context.Context, refreshToken string) (*OAuthToken, error)
}
