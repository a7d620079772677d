package gitprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIURL = "https://api.github.com"
	defaultWebURL = "https://github.com"
)

// GitHub implements Provider against a GitHub-style REST API.
type GitHub struct {
	appToken     string
	clientID     string
	clientSecret string
	apiURL       string
	webURL       string
	client       *http.Client
}

// GitHubOption configures the GitHub provider.
type GitHubOption func(*GitHub)

// WithAPIURL sets a custom API base URL (for testing).
func WithAPIURL(u string) GitHubOption {
	return func(g *GitHub) { g.apiURL = u }
}

// WithWebURL sets a custom web base URL for manual-PR links.
func WithWebURL(u string) GitHubOption {
	return func(g *GitHub) { g.webURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) GitHubOption {
	return func(g *GitHub) { g.client = c }
}

// NewGitHub creates a provider backed by an app-level token for metadata
// and push-credential calls, and a client id/secret pair for user token
// refresh.
func NewGitHub(appToken, clientID, clientSecret string, opts ...GitHubOption) *GitHub {
	g := &GitHub{
		appToken:     appToken,
		clientID:     clientID,
		clientSecret: clientSecret,
		apiURL:       defaultAPIURL,
		webURL:       defaultWebURL,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type githubRepoResponse struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	CloneURL      string `json:"clone_url"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// GetRepository resolves repo metadata by owner/name.
func (g *GitHub) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	var resp githubRepoResponse
	if err := g.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, name), g.appToken, nil, &resp); err != nil {
		return nil, err
	}
	return &Repository{
		ID:            strconv.FormatInt(resp.ID, 10),
		Owner:         resp.Owner.Login,
		Name:          resp.Name,
		DefaultBranch: resp.DefaultBranch,
		CloneURL:      resp.CloneURL,
	}, nil
}

type githubTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// GeneratePushAuth mints a short-lived installation token scoped to the repo.
func (g *GitHub) GeneratePushAuth(ctx context.Context, repoID string) (*PushAuth, error) {
	body := map[string]any{"repository_ids": []string{repoID}}
	raw, _ := json.Marshal(body)

	var resp githubTokenResponse
	if err := g.do(ctx, http.MethodPost, "/app/installations/access_tokens", g.appToken, raw, &resp); err != nil {
		return nil, err
	}
	expiresAt, _ := time.Parse(time.RFC3339, resp.ExpiresAt)
	return &PushAuth{Username: "x-access-token", Token: resp.Token, ExpiresAt: expiresAt}, nil
}

// BuildGitPushSpec embeds the push credential into the clone URL.
func (g *GitHub) BuildGitPushSpec(repo *Repository, auth *PushAuth, branch, baseSHA string) PushSpec {
	remote := repo.CloneURL
	if u, err := url.Parse(remote); err == nil {
		u.User = url.UserPassword(auth.Username, auth.Token)
		remote = u.String()
	}
	return PushSpec{RemoteURL: remote, Branch: branch, BaseSHA: baseSHA}
}

type githubPRResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// CreatePullRequest opens a PR authored as the bearer of userToken.
func (g *GitHub) CreatePullRequest(ctx context.Context, userToken string, in PullRequestInput) (*PullRequest, error) {
	body := map[string]string{
		"title": in.Title,
		"body":  in.Body,
		"head":  in.Head,
		"base":  in.Base,
	}
	raw, _ := json.Marshal(body)

	var resp githubPRResponse
	path := fmt.Sprintf("/repos/%s/%s/pulls", in.Owner, in.Repo)
	if err := g.do(ctx, http.MethodPost, path, userToken, raw, &resp); err != nil {
		return nil, err
	}
	return &PullRequest{
		Number: resp.Number,
		URL:    resp.HTMLURL,
		Title:  resp.Title,
		Head:   resp.Head.Ref,
		Base:   resp.Base.Ref,
	}, nil
}

// BuildManualPullRequestURL returns the prefilled compare URL.
func (g *GitHub) BuildManualPullRequestURL(repo *Repository, head, base string) string {
	return fmt.Sprintf("%s/%s/%s/compare/%s...%s?expand=1",
		g.webURL, repo.Owner, repo.Name,
		url.PathEscape(base), url.PathEscape(head))
}

type githubOAuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Error        string `json:"error"`
}

// RefreshOAuthToken exchanges a refresh token for a fresh access token.
func (g *GitHub) RefreshOAuthToken(ctx context.Context, refreshToken string) (*OAuthToken, error) {
	form := url.Values{}
	form.Set("client_id", g.clientID)
	form.Set("client_secret", g.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.webURL+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: refresh status %d", ErrProvider, resp.StatusCode)
	}

	var tok githubOAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, err
	}
	if tok.Error != "" || tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, tok.Error)
	}

	out := &OAuthToken{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if tok.ExpiresIn > 0 {
		out.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return out, nil
}

func (g *GitHub) do(ctx context.Context, method, path, token string, body []byte, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, g.apiURL+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, g.apiURL+path, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrRepoNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// Verify GitHub implements Provider interface
var _ Provider = (*GitHub)(nil)
