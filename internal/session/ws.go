package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/session-control/internal/store"
)

// ServeClientSocket runs the read loop for one client WebSocket. The socket
// starts unauthenticated and must subscribe within the grace window.
func (a *Actor) ServeClientSocket(conn *websocket.Conn) {
	c := a.registry.AddClient(conn)
	defer func() {
		a.registry.RemoveClient(c)
		_ = conn.Close()
	}()

	conn.SetReadLimit(1 << 20)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			a.registry.Send(c, ServerFrame{Type: OutError, Error: "malformed frame"})
			continue
		}
		a.handleClientFrame(c, frame)
	}
}

func (a *Actor) handleClientFrame(c *ClientConn, frame ClientFrame) {
	switch frame.Type {
	case ClientSubscribe:
		a.handleSubscribe(c, frame)

	case ClientPing:
		a.registry.Send(c, ServerFrame{Type: OutPong})

	case ClientPrompt:
		id := a.requireIdentity(c)
		if id == nil {
			return
		}
		p, err := a.store.GetParticipantByID(id.ParticipantID)
		if err != nil {
			a.registry.Send(c, ServerFrame{Type: OutError, Error: "unknown participant"})
			return
		}
		if _, err := a.queue.Enqueue(PromptRequest{
			UserID:          p.UserID,
			Content:         frame.Content,
			Source:          frame.Source,
			Model:           frame.Model,
			ReasoningEffort: frame.ReasoningEffort,
			Attachments:     frame.Attachments,
			CallbackURL:     frame.CallbackURL,
			CallbackContext: frame.CallbackContext,
		}); err != nil {
			a.registry.Send(c, ServerFrame{Type: OutError, Error: err.Error()})
		}

	case ClientStop:
		if a.requireIdentity(c) == nil {
			return
		}
		if err := a.queue.Stop(); err != nil {
			a.registry.Send(c, ServerFrame{Type: OutError, Error: err.Error()})
		}

	case ClientTyping:
		if a.requireIdentity(c) == nil {
			return
		}
		a.lifecycle.TouchActivity()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			a.lifecycle.Warm(ctx)
		}()

	default:
		a.registry.Send(c, ServerFrame{Type: OutError, Error: "unknown frame type"})
	}
}

func (a *Actor) handleSubscribe(c *ClientConn, frame ClientFrame) {
	p, err := a.authenticateSubscribe(frame.UserID, frame.Token)
	if err != nil {
		a.logger.Warn("subscribe rejected", "userID", frame.UserID)
		a.registry.Send(c, ServerFrame{Type: OutError, Error: "invalid subscribe token"})
		return
	}

	if err := a.registry.RegisterClient(c, Identity{
		ParticipantID: p.ID,
		ClientID:      frame.ClientID,
	}); err != nil {
		a.logger.Error("client registration failed", "error", err)
		a.registry.Send(c, ServerFrame{Type: OutError, Error: "subscribe failed"})
		return
	}

	a.registry.Send(c, ServerFrame{Type: OutSubscribed})
	if sb, err := a.store.GetSandbox(a.id); err == nil {
		a.registry.Send(c, ServerFrame{Type: OutSandboxStatus, Status: string(sb.Status)})
	}
	if m, err := a.store.ProcessingMessage(a.id); err == nil && m != nil {
		a.registry.Send(c, ServerFrame{Type: OutProcessingState, Processing: true, MessageID: m.ID})
	}
}

// requireIdentity resolves the socket's identity, falling back to the
// persisted binding after a reconnect. Unrecoverable sockets are closed
// with CloseSessionExpired so the client knows to re-subscribe.
func (a *Actor) requireIdentity(c *ClientConn) *Identity {
	if id := a.registry.LookupClient(c); id != nil {
		return id
	}
	a.registry.CloseClient(c, CloseSessionExpired, "session expired, reconnect")
	return nil
}

// ServeSandboxSocket runs the read loop for the sandbox WebSocket. The
// token was already verified by the HTTP layer.
func (a *Actor) ServeSandboxSocket(conn *websocket.Conn, sandboxID string) {
	a.lifecycle.OnSandboxConnected(conn, sandboxID)

	conn.SetReadLimit(4 << 20)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway)
			a.lifecycle.OnSandboxDisconnected(conn, clean)
			_ = conn.Close()
			return
		}

		var ev SandboxEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			a.logger.Warn("malformed sandbox frame")
			continue
		}
		a.queue.OnSandboxEvent(ev)
	}
}

// ListEvents serves paginated event history.
func (a *Actor) ListEvents(cursorToken string, limit int, eventType, messageID string) ([]*store.Event, error) {
	if _, err := a.session(); err != nil {
		return nil, err
	}
	cursor, err := store.DecodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	return a.store.ListEvents(a.id, cursor, limit, eventType, messageID)
}

// ListMessages serves paginated message history.
func (a *Actor) ListMessages(cursorToken string, limit int, status store.MessageStatus) ([]*store.Message, error) {
	if _, err := a.session(); err != nil {
		return nil, err
	}
	cursor, err := store.DecodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	return a.store.ListMessages(a.id, cursor, limit, status)
}

// ListArtifacts serves the session's artifacts.
func (a *Actor) ListArtifacts() ([]*store.Artifact, error) {
	if _, err := a.session(); err != nil {
		return nil, err
	}
	return a.store.ListArtifacts(a.id)
}
