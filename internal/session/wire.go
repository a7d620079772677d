package session

import "encoding/json"

// Frame types spoken on the client WebSocket channel.
const (
	ClientSubscribe = "subscribe"
	ClientPrompt    = "prompt"
	ClientStop      = "stop"
	ClientTyping    = "typing"
	ClientPing      = "ping"
)

// ClientFrame is an inbound frame from a browser/bot client.
type ClientFrame struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`

	// Prompt fields.
	Content         string          `json:"content,omitempty"`
	Source          string          `json:"source,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`
	CallbackURL     string          `json:"callback_url,omitempty"`
	CallbackContext json.RawMessage `json:"callback_context,omitempty"`
}

// Event types reported by the sandbox. Everything except heartbeats is
// persisted to the event log.
const (
	EventHeartbeat         = "heartbeat"
	EventExecutionComplete = "execution_complete"
	EventGitSync           = "git_sync"
	EventPushComplete      = "push_complete"
	EventPushError         = "push_error"
	EventToolCall          = "tool_call"
	EventToken             = "token"
	EventError             = "error"
	EventUserMessage       = "user_message"
)

// SandboxEvent is an inbound frame from the sandbox channel.
type SandboxEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Branch    string `json:"branch,omitempty"`
	SHA       string `json:"sha,omitempty"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`

	// Payload carries the raw event body for pass-through types.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound frame types broadcast to clients.
const (
	OutEvent             = "event"
	OutProcessingState   = "processing_state"
	OutSandboxStatus     = "sandbox_status"
	OutExecutionComplete = "execution_complete"
	OutSubscribed        = "subscribed"
	OutError             = "error"
	OutPong              = "pong"
)

// ServerFrame is an outbound frame to clients.
type ServerFrame struct {
	Type string `json:"type"`

	MessageID  string          `json:"message_id,omitempty"`
	Processing bool            `json:"processing,omitempty"`
	Status     string          `json:"status,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`

	// Completion metrics, set on execution_complete frames.
	QueueMS      int64 `json:"queue_ms,omitempty"`
	ProcessingMS int64 `json:"processing_ms,omitempty"`
	TotalMS      int64 `json:"total_ms,omitempty"`
}

// Command types sent to the sandbox.
const (
	CmdPrompt = "prompt"
	CmdStop   = "stop"
	CmdPush   = "push"
)

// SandboxCommand is an outbound frame to the sandbox channel.
type SandboxCommand struct {
	Type string `json:"type"`

	MessageID       string          `json:"message_id,omitempty"`
	Content         string          `json:"content,omitempty"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Attachments     json.RawMessage `json:"attachments,omitempty"`

	// Push fields.
	Branch    string `json:"branch,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	BaseSHA   string `json:"base_sha,omitempty"`
}
