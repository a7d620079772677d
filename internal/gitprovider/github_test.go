package gitprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGetRepository(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":             12345,
			"name":           "widgets",
			"default_branch": "main",
			"clone_url":      "https://github.example/acme/widgets.git",
			"owner":          map[string]string{"login": "acme"},
		})
	}))
	defer server.Close()

	g := NewGitHub("app-token", "cid", "csecret", WithAPIURL(server.URL))
	repo, err := g.GetRepository(context.Background(), "acme", "widgets")
	if err != nil {
		t.Fatalf("GetRepository: %v", err)
	}
	if repo.ID != "12345" || repo.DefaultBranch != "main" || repo.Owner != "acme" {
		t.Fatalf("unexpected repo: %+v", repo)
	}
}

func TestGetRepositoryNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g := NewGitHub("t", "", "", WithAPIURL(server.URL))
	if _, err := g.GetRepository(context.Background(), "x", "y"); err != ErrRepoNotFound {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
}

func TestBuildGitPushSpec(t *testing.T) {
	g := NewGitHub("t", "", "")
	repo := &Repository{CloneURL: "https://github.example/acme/widgets.git"}
	auth := &PushAuth{Username: "x-access-token", Token: "ghs_abc"}

	spec := g.BuildGitPushSpec(repo, auth, "feature/x", "sha123")
	if !strings.Contains(spec.RemoteURL, "x-access-token:ghs_abc@") {
		t.Fatalf("credential not embedded: %s", spec.RemoteURL)
	}
	if spec.Branch != "feature/x" || spec.BaseSHA != "sha123" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestCreatePullRequest(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/pulls" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://github.example/acme/widgets/pull/7",
			"title":    "Add widget",
			"head":     map[string]string{"ref": "feature/x"},
			"base":     map[string]string{"ref": "main"},
		})
	}))
	defer server.Close()

	g := NewGitHub("app-token", "", "", WithAPIURL(server.URL))
	pr, err := g.CreatePullRequest(context.Background(), "user-token", PullRequestInput{
		Owner: "acme", Repo: "widgets", Title: "Add widget", Head: "feature/x", Base: "main",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 7 || pr.Head != "feature/x" {
		t.Fatalf("unexpected pr: %+v", pr)
	}
	// The PR is authored as the user, never the app.
	if gotAuth != "Bearer user-token" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestBuildManualPullRequestURL(t *testing.T) {
	g := NewGitHub("t", "", "", WithWebURL("https://github.example"))
	repo := &Repository{Owner: "acme", Name: "widgets"}

	url := g.BuildManualPullRequestURL(repo, "feature/x", "main")
	want := "https://github.example/acme/widgets/compare/main...feature%2Fx?expand=1"
	if url != want {
		t.Fatalf("url = %q, want %q", url, want)
	}
}

func TestRefreshOAuthToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login/oauth/access_token" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "ghr_old" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "gho_new",
			"refresh_token": "ghr_new",
			"expires_in":    28800,
		})
	}))
	defer server.Close()

	g := NewGitHub("t", "cid", "csecret", WithWebURL(server.URL))
	tok, err := g.RefreshOAuthToken(context.Background(), "ghr_old")
	if err != nil {
		t.Fatalf("RefreshOAuthToken: %v", err)
	}
	if tok.AccessToken != "gho_new" || tok.RefreshToken != "ghr_new" || tok.ExpiresAt.IsZero() {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestRefreshOAuthTokenRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "bad_refresh_token"})
	}))
	defer server.Close()

	g := NewGitHub("t", "cid", "csecret", WithWebURL(server.URL))
	if _, err := g.RefreshOAuthToken(context.Background(), "ghr_bad"); err == nil {
		t.Fatal("expected error for rejected refresh")
	}
}
