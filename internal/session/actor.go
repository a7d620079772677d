// Package session implements the per-session orchestration actor: one
// logical unit of state per coding session that multiplexes client and
// sandbox WebSockets, serializes prompt execution, drives sandbox
// lifecycle, and coordinates the push-then-create-PR workflow.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/config"
	"github.com/hyper-ai-inc/session-control/internal/gitprovider"
	"github.com/hyper-ai-inc/session-control/internal/notify"
	"github.com/hyper-ai-inc/session-control/internal/provision"
	"github.com/hyper-ai-inc/session-control/internal/secrets"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

var (
	ErrNotInitialized  = errors.New("session not initialized")
	ErrAlreadyArchived = errors.New("session is archived")
	ErrInvalidToken    = errors.New("invalid token")
	ErrSandboxGone     = errors.New("sandbox already stopped")
)

// Deps are the collaborators shared by all actors.
type Deps struct {
	Store    *store.Store
	Config   *config.Config
	Logger   *slog.Logger
	Box      *secrets.Box
	Provider gitprovider.Provider
	Launcher provision.Launcher
	Notifier *notify.Notifier
}

// Actor is the per-session orchestration unit. All invariant-critical
// check-then-mark sequences run under mu; outbound network calls never do.
type Actor struct {
	id     string
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger
	box    *secrets.Box

	provider gitprovider.Provider
	notifier *notify.Notifier

	// mu serializes handler sections that must observe and mutate state
	// atomically (processing-slot claims, sandbox transitions, PR checks).
	mu sync.Mutex

	registry  *Registry
	queue     *Queue
	lifecycle *Lifecycle
	pusher    *PushCoordinator
}

// NewActor builds an actor for one session id. Construction is cheap;
// persistent state is only touched on the first inbound operation.
func NewActor(id string, deps Deps) *Actor {
	logger := deps.Logger.With("sessionID", id)
	a := &Actor{
		id:       id,
		store:    deps.Store,
		cfg:      deps.Config,
		logger:   logger,
		box:      deps.Box,
		provider: deps.Provider,
		notifier: deps.Notifier,
	}
	a.registry = NewRegistry(id, deps.Store, deps.Config.Timeouts.SocketAuth, logger)
	a.lifecycle = newLifecycle(a, deps.Launcher)
	a.queue = newQueue(a)
	a.pusher = newPushCoordinator(a)
	return a
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// InitRequest carries everything needed to create the session row.
type InitRequest struct {
	Title           string `json:"title"`
	RepoOwner       string `json:"repo_owner"`
	RepoName        string `json:"repo_name"`
	RepoID          string `json:"repo_id"`
	BaseSHA         string `json:"base_sha"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoning_effort"`

	UserID       string     `json:"user_id"`
	GithubLogin  string     `json:"github_login"`
	GithubID     string     `json:"github_id"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	TokenExpires *time.Time `json:"token_expires_at"`
}

// Init creates the session, its pending sandbox row, and the owner
// participant. Idempotent: a second call returns the existing session.
func (a *Actor) Init(req InitRequest) (*store.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sess, err := a.store.GetSession(a.id); err == nil {
		return sess, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	sess := &store.Session{
		ID:              a.id,
		Title:           req.Title,
		RepoOwner:       req.RepoOwner,
		RepoName:        req.RepoName,
		RepoID:          req.RepoID,
		BaseSHA:         req.BaseSHA,
		CurrentSHA:      req.BaseSHA,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Status:          store.SessionCreated,
	}
	if err := a.store.CreateSession(sess); err != nil {
		return nil, err
	}

	if err := a.store.SaveSandbox(&store.Sandbox{
		SessionID: a.id,
		Status:    store.SandboxPending,
	}); err != nil {
		return nil, err
	}

	if req.UserID != "" {
		if _, err := a.upsertParticipant(req.UserID, "owner", req.GithubLogin, req.GithubID,
			req.AccessToken, req.RefreshToken, req.TokenExpires); err != nil {
			return nil, err
		}
	}

	a.logger.Info("session initialized", "repo", req.RepoOwner+"/"+req.RepoName)
	return sess, nil
}

// session loads the session row, mapping absence to ErrNotInitialized.
func (a *Actor) session() (*store.Session, error) {
	sess, err := a.store.GetSession(a.id)
	if err == store.ErrNotFound {
		return nil, ErrNotInitialized
	}
	return sess, err
}

// State is the composite snapshot served by GET /state.
type State struct {
	Session    *store.Session `json:"session"`
	Sandbox    *store.Sandbox `json:"sandbox,omitempty"`
	Processing *store.Message `json:"processing,omitempty"`
	Clients    int            `json:"clients"`
}

// GetState returns the session, sandbox, and in-flight message snapshot.
func (a *Actor) GetState() (*State, error) {
	sess, err := a.session()
	if err != nil {
		return nil, err
	}

	st := &State{Session: sess, Clients: a.registry.ClientCount()}
	if sb, err := a.store.GetSandbox(a.id); err == nil {
		sb.AuthToken = "" // never expose
		st.Sandbox = sb
	}
	if m, err := a.store.ProcessingMessage(a.id); err == nil {
		st.Processing = m
	}
	return st, nil
}

// upsertParticipant creates or refreshes a participant, encrypting any
// provided OAuth tokens. Empty token inputs never clobber stored values.
func (a *Actor) upsertParticipant(userID, role, login, githubID, accessToken, refreshToken string, expires *time.Time) (*store.Participant, error) {
	p := &store.Participant{
		SessionID:      a.id,
		UserID:         userID,
		Role:           role,
		GithubLogin:    login,
		GithubID:       githubID,
		TokenExpiresAt: expires,
	}
	if accessToken != "" {
		enc, err := a.box.Encrypt(accessToken)
		if err != nil {
			return nil, err
		}
		p.EncryptedAccessToken = enc
	}
	if refreshToken != "" {
		enc, err := a.box.Encrypt(refreshToken)
		if err != nil {
			return nil, err
		}
		p.EncryptedRefreshToken = enc
	}
	return a.store.UpsertParticipant(p)
}

// UpsertParticipant is the POST /participants entry: lazily creates the
// participant as a member and coalesce-updates identity/token fields.
func (a *Actor) UpsertParticipant(userID, login, githubID, accessToken, refreshToken string, expires *time.Time) (*store.Participant, error) {
	if _, err := a.session(); err != nil {
		return nil, err
	}
	return a.upsertParticipant(userID, "member", login, githubID, accessToken, refreshToken, expires)
}

// ListParticipants lists the session's participants.
func (a *Actor) ListParticipants() ([]*store.Participant, error) {
	if _, err := a.session(); err != nil {
		return nil, err
	}
	return a.store.ListParticipants(a.id)
}

// IssueWSToken mints a subscribe token for the user, storing only its hash.
// The participant row is created lazily if this is the user's first contact.
func (a *Actor) IssueWSToken(userID string) (string, error) {
	if _, err := a.session(); err != nil {
		return "", err
	}

	p, err := a.upsertParticipant(userID, "member", "", "", "", "", nil)
	if err != nil {
		return "", err
	}

	token, err := secrets.NewToken()
	if err != nil {
		return "", err
	}
	if err := a.store.SetParticipantSocketToken(p.ID, secrets.HashToken(token)); err != nil {
		return "", err
	}
	return token, nil
}

// authenticateSubscribe validates a subscribe frame's token against the
// stored hash and returns the participant.
func (a *Actor) authenticateSubscribe(userID, token string) (*store.Participant, error) {
	p, err := a.store.GetParticipant(a.id, userID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if p.SocketTokenHash == "" || !secrets.VerifyToken(token, p.SocketTokenHash) {
		return nil, ErrInvalidToken
	}
	return p, nil
}

// VerifySandboxToken checks a sandbox channel's bearer token and id against
// the persisted sandbox row. A stopped or stale sandbox is rejected with
// ErrSandboxGone so the transport can answer 410.
func (a *Actor) VerifySandboxToken(sandboxID, token string) error {
	sb, err := a.store.GetSandbox(a.id)
	if err != nil {
		return ErrInvalidToken
	}
	if sb.Status == store.SandboxStopped || sb.Status == store.SandboxStale {
		return ErrSandboxGone
	}
	if sb.ProviderID != sandboxID || sb.AuthToken == "" || !secrets.VerifyToken(token, secrets.HashToken(sb.AuthToken)) {
		return ErrInvalidToken
	}
	return nil
}

// Archive stops the sandbox, closes all sockets, and marks the session
// archived. Rows are never deleted.
func (a *Actor) Archive() error {
	a.mu.Lock()
	sess, err := a.session()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	if sess.Status == store.SessionArchived {
		a.mu.Unlock()
		return ErrAlreadyArchived
	}
	if err := a.store.UpdateSessionStatus(a.id, store.SessionArchived); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	a.lifecycle.StopSandbox("session archived")
	a.registry.CloseAll()
	a.logger.Info("session archived")
	return nil
}

// Unarchive returns an archived session to active.
func (a *Actor) Unarchive() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.session()
	if err != nil {
		return err
	}
	if sess.Status != store.SessionArchived {
		return nil
	}
	return a.store.UpdateSessionStatus(a.id, store.SessionActive)
}

// markActive flips a created session to active on first prompt.
func (a *Actor) markActive() {
	sess, err := a.session()
	if err != nil || sess.Status != store.SessionCreated {
		return
	}
	if err := a.store.UpdateSessionStatus(a.id, store.SessionActive); err != nil {
		a.logger.Warn("session activate failed", "error", err)
	}
}

// deriveTitle sets the display title from the first prompt when none was
// provided at init.
func (a *Actor) deriveTitle(content string) {
	sess, err := a.session()
	if err != nil || sess.Title != "" {
		return
	}
	title := content
	if len(title) > 80 {
		title = title[:80]
	}
	if err := a.store.UpdateSessionTitle(a.id, title); err != nil {
		a.logger.Warn("title derivation failed", "error", err)
	}
}

// Shutdown tears the actor down: timers stopped, sockets closed. Persistent
// state is untouched and the actor can be rebuilt from it.
func (a *Actor) Shutdown() {
	a.lifecycle.stopTimers()
	a.pusher.failAll(errors.New("actor shutting down"))
	a.registry.CloseAll()
}
