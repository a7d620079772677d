package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/notify"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

// Queue enforces single-flight prompt execution: the sandbox is given at
// most one active prompt at a time, in arrival order.
type Queue struct {
	a *Actor
}

func newQueue(a *Actor) *Queue {
	return &Queue{a: a}
}

// PromptRequest is an enqueue request from HTTP or a client frame.
type PromptRequest struct {
	UserID          string          `json:"user_id"`
	Content         string          `json:"content"`
	Source          string          `json:"source"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	CallbackURL     string          `json:"callback_url,omitempty"`
	CallbackContext json.RawMessage `json:"callback_context,omitempty"`
}

// Enqueue persists a pending message and immediately attempts to dispatch.
func (q *Queue) Enqueue(req PromptRequest) (*store.Message, error) {
	a := q.a

	a.mu.Lock()
	if _, err := a.session(); err != nil {
		a.mu.Unlock()
		return nil, err
	}

	p, err := a.upsertParticipant(req.UserID, "member", "", "", "", "", nil)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}

	source := req.Source
	if source == "" {
		source = "web"
	}
	m := &store.Message{
		SessionID:       a.id,
		ParticipantID:   p.ID,
		Content:         req.Content,
		Source:          source,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Attachments:     string(req.Attachments),
		CallbackURL:     req.CallbackURL,
		CallbackContext: string(req.CallbackContext),
	}
	if err := a.store.CreateMessage(m); err != nil {
		a.mu.Unlock()
		return nil, err
	}

	a.markActive()
	a.deriveTitle(req.Content)
	a.mu.Unlock()

	if err := a.store.AppendEvent(&store.Event{
		SessionID: a.id,
		MessageID: m.ID,
		Type:      EventUserMessage,
		Payload:   mustJSON(map[string]string{"content": m.Content, "source": m.Source}),
	}); err != nil {
		a.logger.Warn("user message event append failed", "error", err)
	}

	q.ProcessNext()
	return m, nil
}

// ProcessNext dispatches the oldest pending message when no message is
// processing and a sandbox socket is connected. The check-then-mark runs
// under the actor lock; the dispatch send runs after release.
func (q *Queue) ProcessNext() {
	a := q.a

	a.mu.Lock()
	if m, err := a.store.ProcessingMessage(a.id); err == nil && m != nil {
		a.mu.Unlock()
		return
	}

	next, err := a.store.OldestPending(a.id)
	if err == store.ErrNotFound {
		a.mu.Unlock()
		return
	}
	if err != nil {
		a.mu.Unlock()
		a.logger.Error("pending lookup failed", "error", err)
		return
	}

	if a.registry.SandboxSocket() == nil {
		a.mu.Unlock()
		a.registry.Broadcast(ServerFrame{Type: OutSandboxStatus, Status: "starting"})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := a.lifecycle.Spawn(ctx); err != nil {
				a.registry.Broadcast(ServerFrame{Type: OutError, Error: "sandbox unavailable"})
			}
		}()
		return // re-invoked from OnSandboxConnected
	}

	if _, err := a.store.MarkMessageProcessing(next.ID); err != nil {
		// Lost the claim to a concurrent dispatch.
		a.mu.Unlock()
		return
	}
	sess, err := a.session()
	if err != nil {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	model, effort := effectiveModel(next, sess)
	a.registry.Broadcast(ServerFrame{Type: OutProcessingState, Processing: true, MessageID: next.ID})
	a.lifecycle.TouchActivity()

	ok := a.registry.SendSandbox(SandboxCommand{
		Type:            CmdPrompt,
		MessageID:       next.ID,
		Content:         next.Content,
		Model:           model,
		ReasoningEffort: effort,
		Attachments:     json.RawMessage(next.Attachments),
	})
	if !ok {
		a.logger.Warn("prompt dispatch send failed", "messageID", next.ID)
	}
}

// effectiveModel resolves model and reasoning effort: per-message override,
// then session default, then whatever the agent's own default is (empty).
func effectiveModel(m *store.Message, sess *store.Session) (model, effort string) {
	model = m.Model
	if model == "" {
		model = sess.Model
	}
	effort = m.ReasoningEffort
	if effort == "" {
		effort = sess.ReasoningEffort
	}
	return model, effort
}

// Stop fails the processing message locally and forwards a best-effort stop
// to the sandbox. A completion event arriving later for the same message is
// treated as already handled.
func (q *Queue) Stop() error {
	a := q.a

	a.mu.Lock()
	if _, err := a.session(); err != nil {
		a.mu.Unlock()
		return err
	}
	m, err := a.store.ProcessingMessage(a.id)
	if err != nil && err != store.ErrNotFound {
		a.mu.Unlock()
		return err
	}
	var completedAt time.Time
	if m != nil {
		if completedAt, err = a.store.FinishMessage(m.ID, store.MessageFailed); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	a.mu.Unlock()

	if m != nil {
		success := false
		q.appendCompletionEvent(m.ID, success, "stopped by user")
		a.registry.Broadcast(ServerFrame{
			Type:      OutExecutionComplete,
			MessageID: m.ID,
			Success:   &success,
			Status:    string(store.MessageFailed),
		})
		q.notifyCompletion(m, "stopped", completedAt)
	}

	a.registry.SendSandbox(SandboxCommand{Type: CmdStop})
	a.registry.Broadcast(ServerFrame{Type: OutProcessingState, Processing: false})
	return nil
}

// OnSandboxEvent is the single entry point for sandbox-channel frames.
// Everything except heartbeats lands in the persistent event log.
func (q *Queue) OnSandboxEvent(ev SandboxEvent) {
	a := q.a

	switch ev.Type {
	case EventHeartbeat:
		if err := a.store.TouchSandboxHeartbeat(a.id); err != nil {
			a.logger.Warn("heartbeat touch failed", "error", err)
		}
		return

	case EventExecutionComplete:
		q.onExecutionComplete(ev)
		return

	case EventGitSync:
		q.onGitSync(ev)

	case EventPushComplete:
		a.pusher.Resolve(ev.Branch, nil)

	case EventPushError:
		a.pusher.Resolve(ev.Branch, pushError(ev.Error))

	case EventToolCall, EventToken, EventError, EventUserMessage:
		// pass-through, persisted and relayed below

	default:
		a.logger.Warn("unknown sandbox event type", "type", ev.Type)
		return
	}

	q.persistAndRelay(ev)
}

// onExecutionComplete settles the processing message if the completed one
// is still it. When the message was already stopped, client-visible
// completion is skipped but housekeeping still runs.
func (q *Queue) onExecutionComplete(ev SandboxEvent) {
	a := q.a

	a.mu.Lock()
	m, err := a.store.ProcessingMessage(a.id)
	stillProcessing := err == nil && m != nil && m.ID == ev.MessageID

	var completedAt time.Time
	if stillProcessing {
		status := store.MessageCompleted
		if ev.Success != nil && !*ev.Success {
			status = store.MessageFailed
		}
		if completedAt, err = a.store.FinishMessage(m.ID, status); err != nil {
			a.logger.Error("completion save failed", "messageID", m.ID, "error", err)
			stillProcessing = false
		}
	}
	a.mu.Unlock()

	if stillProcessing {
		success := ev.Success == nil || *ev.Success
		q.appendCompletionEvent(m.ID, success, ev.Error)

		frame := ServerFrame{
			Type:      OutExecutionComplete,
			MessageID: m.ID,
			Success:   &success,
		}
		if m.StartedAt != nil {
			frame.QueueMS = m.StartedAt.Sub(m.CreatedAt).Milliseconds()
			frame.ProcessingMS = completedAt.Sub(*m.StartedAt).Milliseconds()
		}
		frame.TotalMS = completedAt.Sub(m.CreatedAt).Milliseconds()
		a.registry.Broadcast(frame)
		a.registry.Broadcast(ServerFrame{Type: OutProcessingState, Processing: false})

		status := "completed"
		if !success {
			status = "failed"
		}
		q.notifyCompletion(m, status, completedAt)
	}

	// Housekeeping runs whether or not the completion was client-visible.
	a.lifecycle.TouchActivity()
	a.lifecycle.TriggerSnapshot()
	q.ProcessNext()
}

func (q *Queue) onGitSync(ev SandboxEvent) {
	a := q.a

	a.mu.Lock()
	if sb, err := a.store.GetSandbox(a.id); err == nil {
		sb.GitSyncStatus = ev.Status
		if err := a.store.SaveSandbox(sb); err != nil {
			a.logger.Warn("git sync status save failed", "error", err)
		}
	}
	if ev.SHA != "" {
		if err := a.store.UpdateSessionCurrentSHA(a.id, ev.SHA); err != nil {
			a.logger.Warn("current sha update failed", "error", err)
		}
	}
	if ev.Branch != "" {
		if err := a.store.UpdateSessionBranch(a.id, ev.Branch); err != nil {
			a.logger.Warn("branch update failed", "error", err)
		}
	}
	a.mu.Unlock()
}

// persistAndRelay appends the event to the log and mirrors it to clients.
func (q *Queue) persistAndRelay(ev SandboxEvent) {
	a := q.a

	raw, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	if err := a.store.AppendEvent(&store.Event{
		SessionID: a.id,
		MessageID: ev.MessageID,
		Type:      ev.Type,
		Payload:   string(raw),
	}); err != nil {
		a.logger.Error("event append failed", "type", ev.Type, "error", err)
	}

	a.registry.Broadcast(ServerFrame{Type: OutEvent, MessageID: ev.MessageID, Event: raw})
}

func (q *Queue) appendCompletionEvent(messageID string, success bool, detail string) {
	a := q.a
	payload := map[string]any{"success": success}
	if detail != "" {
		payload["detail"] = detail
	}
	if err := a.store.AppendEvent(&store.Event{
		SessionID: a.id,
		MessageID: messageID,
		Type:      EventExecutionComplete,
		Payload:   mustJSON(payload),
	}); err != nil {
		a.logger.Warn("completion event append failed", "error", err)
	}
}

// notifyCompletion posts the out-of-band callback in the background.
func (q *Queue) notifyCompletion(m *store.Message, status string, completedAt time.Time) {
	a := q.a
	if m.CallbackURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.notifier.Deliver(ctx, m.CallbackURL, notify.Payload{
			SessionID:       a.id,
			MessageID:       m.ID,
			Status:          status,
			CallbackContext: json.RawMessage(m.CallbackContext),
			CompletedAt:     completedAt,
		})
	}()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
