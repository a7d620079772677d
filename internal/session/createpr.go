package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/gitprovider"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

var ErrPRExists = errors.New("pull request already created for this session")

// CreatePRRequest is the POST /create-pr body.
type CreatePRRequest struct {
	UserID string `json:"user_id"`
	Title  string `json:"title,omitempty"`
	Body   string `json:"body,omitempty"`
	Head   string `json:"head,omitempty"`
	Base   string `json:"base,omitempty"`
}

// CreatePR lands the session's work as a pull request: reserve the PR slot,
// mint push credentials, push through the sandbox, then open the PR as the
// requesting user. Without a usable user credential it degrades to a
// manual-PR artifact carrying a prefilled provider URL.
func (a *Actor) CreatePR(ctx context.Context, req CreatePRRequest) (*store.Artifact, error) {
	a.mu.Lock()
	sess, err := a.session()
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if _, err := a.store.FindArtifact(a.id, store.ArtifactPR); err == nil {
		a.mu.Unlock()
		return nil, ErrPRExists
	} else if err != store.ErrNotFound {
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	repo, err := a.provider.GetRepository(ctx, sess.RepoOwner, sess.RepoName)
	if err != nil {
		return nil, fmt.Errorf("resolve repository: %w", err)
	}
	auth, err := a.provider.GeneratePushAuth(ctx, repo.ID)
	if err != nil {
		return nil, fmt.Errorf("generate push auth: %w", err)
	}

	head := req.Head
	if head == "" {
		head = sess.Branch
	}
	if head == "" {
		head = generatedBranchName(a.id)
	}
	base := req.Base
	if base == "" {
		base = repo.DefaultBranch
	}

	spec := a.provider.BuildGitPushSpec(repo, auth, head, sess.BaseSHA)
	if err := a.pusher.PushBranch(head, spec); err != nil {
		return nil, fmt.Errorf("push branch %q: %w", head, err)
	}

	if err := a.store.UpdateSessionBranch(a.id, head); err != nil {
		a.logger.Warn("session branch update failed", "error", err)
	}
	a.recordBranchArtifact(head)

	// The push yielded; a concurrent call may have created the PR meanwhile.
	a.mu.Lock()
	if _, err := a.store.FindArtifact(a.id, store.ArtifactPR); err == nil {
		a.mu.Unlock()
		return nil, ErrPRExists
	}
	a.mu.Unlock()

	title := req.Title
	if title == "" {
		title = sess.Title
	}
	if title == "" {
		title = "Changes from coding session"
	}

	userToken, err := a.resolveUserToken(ctx, req.UserID)
	if err != nil {
		a.logger.Info("no usable user credential, degrading to manual PR",
			"userID", req.UserID, "reason", err)
		return a.manualPRArtifact(repo, head, base)
	}

	pr, err := a.provider.CreatePullRequest(ctx, userToken, gitprovider.PullRequestInput{
		Owner: sess.RepoOwner,
		Repo:  sess.RepoName,
		Title: title,
		Body:  req.Body,
		Head:  head,
		Base:  base,
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	meta := mustJSON(map[string]any{
		"number": pr.Number,
		"url":    pr.URL,
		"title":  pr.Title,
		"head":   pr.Head,
		"base":   pr.Base,
	})

	a.mu.Lock()
	if _, err := a.store.FindArtifact(a.id, store.ArtifactPR); err == nil {
		a.mu.Unlock()
		return nil, ErrPRExists
	}
	art := &store.Artifact{
		SessionID: a.id,
		Type:      store.ArtifactPR,
		Branch:    head,
		Metadata:  meta,
	}
	if err := a.store.CreateArtifact(art); err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	a.logger.Info("pull request created", "number", pr.Number, "head", head)
	a.registry.Broadcast(ServerFrame{Type: OutEvent, Event: json.RawMessage(
		mustJSON(map[string]any{"type": "pr_created", "url": pr.URL, "number": pr.Number}))})
	return art, nil
}

// manualPRArtifact reuses an existing manual-PR artifact for the branch or
// creates one. The user's action is degraded to a prefilled URL, never
// dropped.
func (a *Actor) manualPRArtifact(repo *gitprovider.Repository, head, base string) (*store.Artifact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if art, err := a.store.FindArtifactByBranch(a.id, store.ArtifactManualPR, head); err == nil {
		return art, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	url := a.provider.BuildManualPullRequestURL(repo, head, base)
	art := &store.Artifact{
		SessionID: a.id,
		Type:      store.ArtifactManualPR,
		Branch:    head,
		Metadata:  mustJSON(map[string]string{"url": url, "head": head, "base": base}),
	}
	if err := a.store.CreateArtifact(art); err != nil {
		return nil, err
	}
	a.logger.Info("manual PR artifact created", "head", head)
	return art, nil
}

// recordBranchArtifact marks the branch as pushed, once per branch name.
func (a *Actor) recordBranchArtifact(branch string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.store.FindArtifactByBranch(a.id, store.ArtifactBranch, branch); err == nil {
		return
	}
	if err := a.store.CreateArtifact(&store.Artifact{
		SessionID: a.id,
		Type:      store.ArtifactBranch,
		Branch:    branch,
		Metadata:  mustJSON(map[string]string{"branch": branch}),
	}); err != nil {
		a.logger.Warn("branch artifact create failed", "error", err)
	}
}

// resolveUserToken returns a usable OAuth access token for the user,
// refreshing once server-side when the stored token is expired.
func (a *Actor) resolveUserToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("no requesting user")
	}
	p, err := a.store.GetParticipant(a.id, userID)
	if err != nil {
		return "", errors.New("participant unknown")
	}
	if p.EncryptedAccessToken == "" {
		return "", errors.New("no token on file")
	}

	expired := p.TokenExpiresAt != nil && time.Now().After(*p.TokenExpiresAt)
	if !expired {
		return a.box.Decrypt(p.EncryptedAccessToken)
	}

	if p.EncryptedRefreshToken == "" {
		return "", errors.New("token expired and no refresh token on file")
	}
	refresh, err := a.box.Decrypt(p.EncryptedRefreshToken)
	if err != nil {
		return "", err
	}
	fresh, err := a.provider.RefreshOAuthToken(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("token refresh: %w", err)
	}

	encAccess, err := a.box.Encrypt(fresh.AccessToken)
	if err != nil {
		return "", err
	}
	encRefresh := ""
	if fresh.RefreshToken != "" {
		if encRefresh, err = a.box.Encrypt(fresh.RefreshToken); err != nil {
			return "", err
		}
	}
	expiresAt := fresh.ExpiresAt
	if err := a.store.SetParticipantTokens(p.ID, encAccess, encRefresh, &expiresAt); err != nil {
		a.logger.Warn("refreshed token save failed", "error", err)
	}
	return fresh.AccessToken, nil
}

func generatedBranchName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "session/" + short
}
