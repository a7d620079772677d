// Package notify delivers completion callbacks to out-of-band channels
// (e.g. a chat-bot bridge). Payloads are HMAC-signed JSON; delivery is
// best-effort with one retry.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/secrets"
)

const (
	deliveryAttempts = 2
	retryBackoff     = 1 * time.Second
	signatureHeader  = "X-Callback-Signature"
)

// Payload is the completion notification body.
type Payload struct {
	SessionID       string          `json:"session_id"`
	MessageID       string          `json:"message_id"`
	Status          string          `json:"status"` // "completed", "failed", "stopped"
	Summary         string          `json:"summary,omitempty"`
	CallbackContext json.RawMessage `json:"callback_context,omitempty"`
	CompletedAt     time.Time       `json:"completed_at"`
}

// Notifier posts signed completion callbacks.
type Notifier struct {
	secret string
	client *http.Client
	logger *slog.Logger
}

// New creates a Notifier signing with secret.
func New(secret string, logger *slog.Logger) *Notifier {
	return &Notifier{
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Deliver posts the payload to url, retrying once after a fixed backoff.
// Failures are logged and swallowed: a lost callback never fails the
// operation that triggered it.
func (n *Notifier) Deliver(ctx context.Context, url string, p Payload) {
	if url == "" {
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		n.logger.Error("callback marshal failed", "sessionID", p.SessionID, "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = n.post(ctx, url, body); lastErr == nil {
			return
		}
		n.logger.Warn("callback delivery failed",
			"sessionID", p.SessionID, "messageID", p.MessageID,
			"attempt", attempt, "error", lastErr)
	}
	n.logger.Error("callback dropped after retries",
		"sessionID", p.SessionID, "messageID", p.MessageID, "error", lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, secrets.Sign(n.secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
