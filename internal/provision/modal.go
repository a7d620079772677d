package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultModalAPIURL = "https://api.modal.com"

var (
	ErrSandboxNotFound = errors.New("sandbox not found")
	ErrAPIError        = errors.New("provisioner api error")
)

// ModalLauncher implements Launcher against a Modal-style sandbox API.
type ModalLauncher struct {
	token   string
	baseURL string
	client  *http.Client
}

// ModalOption configures the ModalLauncher.
type ModalOption func(*ModalLauncher)

// WithBaseURL sets a custom API base URL (for testing).
func WithBaseURL(url string) ModalOption {
	return func(l *ModalLauncher) {
		l.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ModalOption {
	return func(l *ModalLauncher) {
		l.client = client
	}
}

// NewModalLauncher creates a launcher for the provisioning API.
func NewModalLauncher(token string, opts ...ModalOption) *ModalLauncher {
	l := &ModalLauncher{
		token:   token,
		baseURL: defaultModalAPIURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type modalSandboxResponse struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
}

type modalSnapshotResponse struct {
	ID        string `json:"id"`
	SandboxID string `json:"sandbox_id"`
	CreatedAt string `json:"created_at"`
}

// Spawn creates a new sandbox from the spec, restoring a snapshot image
// when the spec names one.
func (l *ModalLauncher) Spawn(ctx context.Context, spec SandboxSpec) (*SandboxInfo, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	var resp modalSandboxResponse
	if err := l.do(ctx, http.MethodPost, "/v1/sandboxes", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}

	createdAt, _ := time.Parse(time.RFC3339, resp.CreatedAt)
	return &SandboxInfo{ID: resp.ID, State: resp.State, CreatedAt: createdAt}, nil
}

// Stop terminates a running sandbox.
func (l *ModalLauncher) Stop(ctx context.Context, sandboxID string) error {
	return l.do(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/stop", nil, nil)
}

// Snapshot captures the sandbox filesystem for faster respawns.
func (l *ModalLauncher) Snapshot(ctx context.Context, sandboxID string) (*SnapshotInfo, error) {
	var resp modalSnapshotResponse
	if err := l.do(ctx, http.MethodPost, "/v1/sandboxes/"+sandboxID+"/snapshot", nil, &resp); err != nil {
		return nil, err
	}
	createdAt, _ := time.Parse(time.RFC3339, resp.CreatedAt)
	return &SnapshotInfo{ID: resp.ID, SandboxID: resp.SandboxID, CreatedAt: createdAt}, nil
}

func (l *ModalLauncher) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, l.baseURL+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, l.baseURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+l.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSandboxNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// Verify ModalLauncher implements Launcher interface
var _ Launcher = (*ModalLauncher)(nil)
