package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/session-control/internal/store"
)

// Application close codes in the 4xxx private range.
const (
	// CloseSessionExpired tells a reconnecting client its identity could not
	// be recovered and it must re-subscribe.
	CloseSessionExpired = 4001
	// CloseAuthTimeout is sent when no subscribe completes within the grace
	// window after connect.
	CloseAuthTimeout = 4002
	// CloseSandboxReplaced is sent to a sandbox socket displaced by a newer one.
	CloseSandboxReplaced = 4003
)

// Identity is a resolved client identity.
type Identity struct {
	ParticipantID string
	ClientID      string
}

// ClientConn is one client WebSocket tracked by the registry.
type ClientConn struct {
	SocketID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	identity  *Identity
	authTimer *time.Timer
}

// Registry tracks the session's client sockets and its single sandbox
// socket. Identity survives actor restarts via persisted socket bindings.
type Registry struct {
	sessionID string
	store     *store.Store
	logger    *slog.Logger
	authGrace time.Duration

	mu            sync.RWMutex
	clients       map[string]*ClientConn
	sandbox       *websocket.Conn
	sandboxID     string
	sandboxWrites sync.Mutex
}

// NewRegistry creates a registry for one session.
func NewRegistry(sessionID string, st *store.Store, authGrace time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		sessionID: sessionID,
		store:     st,
		logger:    logger,
		authGrace: authGrace,
		clients:   make(map[string]*ClientConn),
	}
}

// AddClient tracks a freshly upgraded socket. The socket starts
// unauthenticated; if no subscribe succeeds within the auth grace window it
// is force-closed.
func (r *Registry) AddClient(conn *websocket.Conn) *ClientConn {
	c := &ClientConn{
		SocketID: uuid.New().String(),
		conn:     conn,
	}

	c.authTimer = time.AfterFunc(r.authGrace, func() {
		c.mu.Lock()
		authed := c.identity != nil
		c.mu.Unlock()
		if !authed {
			r.logger.Warn("closing unauthenticated socket after grace window",
				"sessionID", r.sessionID, "socketID", c.SocketID)
			r.CloseClient(c, CloseAuthTimeout, "subscribe required")
		}
	})

	r.mu.Lock()
	r.clients[c.SocketID] = c
	r.mu.Unlock()
	return c
}

// RegisterClient binds a socket to a participant identity and persists the
// mapping so the identity survives a restart.
func (r *Registry) RegisterClient(c *ClientConn, id Identity) error {
	if err := r.store.PutSocketBinding(&store.SocketBinding{
		SocketID:      c.SocketID,
		SessionID:     r.sessionID,
		ParticipantID: id.ParticipantID,
		ClientID:      id.ClientID,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.identity = &id
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()
	return nil
}

// LookupClient resolves a socket's identity: in-memory first, then the
// persisted binding. Returns nil if neither exists; the caller must close
// the socket with CloseSessionExpired.
func (r *Registry) LookupClient(c *ClientConn) *Identity {
	c.mu.Lock()
	if c.identity != nil {
		id := *c.identity
		c.mu.Unlock()
		return &id
	}
	c.mu.Unlock()

	b, err := r.store.GetSocketBinding(c.SocketID)
	if err != nil {
		return nil
	}
	id := Identity{ParticipantID: b.ParticipantID, ClientID: b.ClientID}
	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()
	return &id
}

// RemoveClient drops a socket from the registry and deletes its persisted
// binding.
func (r *Registry) RemoveClient(c *ClientConn) {
	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.clients, c.SocketID)
	r.mu.Unlock()

	if err := r.store.DeleteSocketBinding(c.SocketID); err != nil {
		r.logger.Warn("socket binding cleanup failed",
			"sessionID", r.sessionID, "socketID", c.SocketID, "error", err)
	}
}

// CloseClient sends a close frame with the given application code and
// closes the socket.
func (r *Registry) CloseClient(c *ClientConn, code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
	r.RemoveClient(c)
}

// SetSandboxSocket installs the sandbox socket. Exactly one may be active;
// the returned flag reports whether a prior socket was displaced, which
// indicates an unexpected second sandbox connection.
func (r *Registry) SetSandboxSocket(conn *websocket.Conn, sandboxID string) (displaced bool) {
	r.mu.Lock()
	prior := r.sandbox
	r.sandbox = conn
	r.sandboxID = sandboxID
	r.mu.Unlock()

	if prior != nil && prior != conn {
		_ = prior.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseSandboxReplaced, "replaced"), time.Now().Add(5*time.Second))
		_ = prior.Close()
		return true
	}
	return false
}

// ClearSandboxSocket removes the sandbox socket, but only if conn is still
// the registered one. A stale close must not clobber a replacement.
func (r *Registry) ClearSandboxSocket(conn *websocket.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sandbox != conn {
		return false
	}
	r.sandbox = nil
	r.sandboxID = ""
	return true
}

// SandboxSocket returns the live sandbox socket, or nil.
func (r *Registry) SandboxSocket() *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sandbox
}

// SandboxID returns the id the live sandbox socket connected as.
func (r *Registry) SandboxID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sandboxID
}

// ClientCount returns the number of tracked client sockets.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Broadcast sends a frame to every authenticated client socket. The
// sandbox socket is never included. Send failures are logged and skipped.
func (r *Registry) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("broadcast marshal failed", "sessionID", r.sessionID, "error", err)
		return
	}

	r.mu.RLock()
	targets := make([]*ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		c.mu.Lock()
		authed := c.identity != nil
		c.mu.Unlock()
		if authed {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !r.sendRaw(c, data) {
			r.logger.Warn("broadcast send failed",
				"sessionID", r.sessionID, "socketID", c.SocketID)
		}
	}
}

// Send is a best-effort single send. It returns false instead of an error
// on a broken socket so callers can log without unwinding the actor.
func (r *Registry) Send(c *ClientConn, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("send marshal failed", "sessionID", r.sessionID, "error", err)
		return false
	}
	return r.sendRaw(c, data)
}

func (r *Registry) sendRaw(c *ClientConn, data []byte) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// SendSandbox sends a command frame to the sandbox socket. Returns false
// if no sandbox is connected or the write fails.
func (r *Registry) SendSandbox(v any) bool {
	r.mu.RLock()
	conn := r.sandbox
	r.mu.RUnlock()
	if conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("sandbox send marshal failed", "sessionID", r.sessionID, "error", err)
		return false
	}

	r.sandboxWrites.Lock()
	defer r.sandboxWrites.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

// CloseAll tears down every socket; used on shutdown and archive.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	clients := make([]*ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*ClientConn)
	sandbox := r.sandbox
	r.sandbox = nil
	r.sandboxID = ""
	r.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		if c.authTimer != nil {
			c.authTimer.Stop()
			c.authTimer = nil
		}
		c.mu.Unlock()
		_ = c.conn.Close()
	}
	if sandbox != nil {
		_ = sandbox.Close()
	}
}
