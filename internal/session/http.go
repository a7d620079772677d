package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/session-control/internal/gitprovider"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: implement proper origin checking
		return true
	},
}

// API is the HTTP/WebSocket surface over the actor map. Callers are
// trusted internal services authenticated by a shared token; user-level
// auth happens at the WebSocket subscribe handshake.
type API struct {
	manager       *Manager
	internalToken string
}

// NewAPI builds the HTTP surface.
func NewAPI(m *Manager, internalToken string) *API {
	return &API{manager: m, internalToken: internalToken}
}

// Register installs all routes on mux.
func (api *API) Register(mux *http.ServeMux) {
	h := api.withAuth

	mux.HandleFunc("POST /sessions/{id}/init", h(api.handleInit))
	mux.HandleFunc("GET /sessions/{id}/state", h(api.handleState))
	mux.HandleFunc("POST /sessions/{id}/prompt", h(api.handlePrompt))
	mux.HandleFunc("POST /sessions/{id}/stop", h(api.handleStop))
	mux.HandleFunc("POST /sessions/{id}/sandbox-event", h(api.handleSandboxEvent))
	mux.HandleFunc("GET /sessions/{id}/participants", h(api.handleListParticipants))
	mux.HandleFunc("POST /sessions/{id}/participants", h(api.handleUpsertParticipant))
	mux.HandleFunc("GET /sessions/{id}/events", h(api.handleListEvents))
	mux.HandleFunc("GET /sessions/{id}/artifacts", h(api.handleListArtifacts))
	mux.HandleFunc("GET /sessions/{id}/messages", h(api.handleListMessages))
	mux.HandleFunc("POST /sessions/{id}/create-pr", h(api.handleCreatePR))
	mux.HandleFunc("POST /sessions/{id}/ws-token", h(api.handleWSToken))
	mux.HandleFunc("POST /sessions/{id}/archive", h(api.handleArchive))
	mux.HandleFunc("POST /sessions/{id}/unarchive", h(api.handleUnarchive))
	mux.HandleFunc("POST /sessions/{id}/verify-sandbox-token", h(api.handleVerifySandboxToken))
	mux.HandleFunc("POST /sessions/{id}/warm", h(api.handleWarm))

	// WebSocket endpoints authenticate in-band, not with the internal token.
	mux.HandleFunc("GET /sessions/{id}/ws", api.handleClientWS)
	mux.HandleFunc("GET /sessions/{id}/sandbox/ws", api.handleSandboxWS)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (api *API) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if api.internalToken != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != api.internalToken {
				writeError(w, http.StatusUnauthorized, "invalid internal token")
				return
			}
		}
		next(w, r)
	}
}

func (api *API) actor(r *http.Request) *Actor {
	return api.manager.Get(r.PathValue("id"))
}

func (api *API) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RepoOwner == "" || req.RepoName == "" {
		writeError(w, http.StatusBadRequest, "repo_owner and repo_name are required")
		return
	}

	sess, err := api.actor(r).Init(req)
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (api *API) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := api.actor(r).GetState()
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (api *API) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "user_id and content are required")
		return
	}

	m, err := api.actor(r).queue.Enqueue(req)
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (api *API) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := api.actor(r).queue.Stop(); err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleSandboxEvent accepts sandbox events over HTTP for sandboxes that
// cannot hold a WebSocket open (e.g., short-lived callbacks).
func (api *API) handleSandboxEvent(w http.ResponseWriter, r *http.Request) {
	var ev SandboxEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if ev.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	api.actor(r).queue.OnSandboxEvent(ev)
	w.WriteHeader(http.StatusAccepted)
}

func (api *API) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	list, err := api.actor(r).ListParticipants()
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": list})
}

func (api *API) handleUpsertParticipant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string `json:"user_id"`
		GithubLogin  string `json:"github_login"`
		GithubID     string `json:"github_id"`
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenExpires *time.Time `json:"token_expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	p, err := api.actor(r).UpsertParticipant(req.UserID, req.GithubLogin, req.GithubID,
		req.AccessToken, req.RefreshToken, req.TokenExpires)
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (api *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := api.actor(r).ListEvents(q.Get("cursor"), intParam(q.Get("limit")),
		q.Get("type"), q.Get("message_id"))
	if err != nil {
		writeActorError(w, err)
		return
	}

	resp := map[string]any{"events": events}
	if n := len(events); n > 0 {
		resp["next_cursor"] = store.EncodeCursor(store.Cursor{
			CreatedAt: events[n-1].CreatedAt, ID: events[n-1].ID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	list, err := api.actor(r).ListArtifacts()
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": list})
}

func (api *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := store.MessageStatus(q.Get("status"))
	switch status {
	case "", store.MessagePending, store.MessageProcessing, store.MessageCompleted, store.MessageFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown message status filter")
		return
	}

	msgs, err := api.actor(r).ListMessages(q.Get("cursor"), intParam(q.Get("limit")), status)
	if err != nil {
		writeActorError(w, err)
		return
	}

	resp := map[string]any{"messages": msgs}
	if n := len(msgs); n > 0 {
		resp["next_cursor"] = store.EncodeCursor(store.Cursor{
			CreatedAt: msgs[n-1].CreatedAt, ID: msgs[n-1].ID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleCreatePR(w http.ResponseWriter, r *http.Request) {
	var req CreatePRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	art, err := api.actor(r).CreatePR(r.Context(), req)
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (api *API) handleWSToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	token, err := api.actor(r).IssueWSToken(req.UserID)
	if err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (api *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := api.actor(r).Archive(); err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (api *API) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	if err := api.actor(r).Unarchive(); err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (api *API) handleVerifySandboxToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SandboxID string `json:"sandbox_id"`
		Token     string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := api.actor(r).VerifySandboxToken(req.SandboxID, req.Token); err != nil {
		writeActorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "valid"})
}

// handleWarm speculatively spawns the sandbox ahead of the first prompt.
func (api *API) handleWarm(w http.ResponseWriter, r *http.Request) {
	a := api.actor(r)
	if _, err := a.session(); err != nil {
		writeActorError(w, err)
		return
	}
	// The request context dies as soon as the 202 is written; the spawn
	// must outlive it or every warm call becomes a breaker failure.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		a.lifecycle.Warm(ctx)
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (api *API) handleClientWS(w http.ResponseWriter, r *http.Request) {
	a := api.actor(r)
	if _, err := a.session(); err != nil {
		writeActorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go a.ServeClientSocket(conn)
}

// handleSandboxWS authenticates the sandbox channel with a bearer token and
// sandbox-id header against the persisted sandbox row. A stopped or stale
// sandbox gets 410 so it knows not to retry.
func (api *API) handleSandboxWS(w http.ResponseWriter, r *http.Request) {
	a := api.actor(r)
	sandboxID := r.Header.Get("X-Sandbox-ID")
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	if err := a.VerifySandboxToken(sandboxID, token); err != nil {
		writeActorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go a.ServeSandboxSocket(conn, sandboxID)
}

// writeActorError maps domain errors onto the HTTP taxonomy. Everything
// else is a 500 with a generic message; detail stays in the logs.
func writeActorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotInitialized):
		writeError(w, http.StatusNotFound, "session not initialized")
	case errors.Is(err, ErrAlreadyArchived):
		writeError(w, http.StatusConflict, "session is archived")
	case errors.Is(err, ErrPRExists):
		writeError(w, http.StatusConflict, "a pull request already exists for this session")
	case errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, ErrSandboxGone):
		writeError(w, http.StatusGone, "sandbox already stopped")
	case errors.Is(err, ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "sandbox provisioning unavailable")
	case errors.Is(err, ErrPushTimeout):
		writeError(w, http.StatusGatewayTimeout, "push did not complete in time")
	case errors.Is(err, gitprovider.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, "repository not found")
	case errors.Is(err, gitprovider.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "provider rejected credentials")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
