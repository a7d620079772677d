package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/store"
)

func futureTime(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestCreatePRHappyPath(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{
		UserID:       "u1",
		AccessToken:  "gho_valid",
		TokenExpires: futureTime(time.Hour),
	})

	art, err := env.actor.CreatePR(context.Background(), CreatePRRequest{
		UserID: "u1", Title: "Add widget", Head: "feature/x",
	})
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if art.Type != store.ArtifactPR || art.Branch != "feature/x" {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	// The PR is authored with the user's own token.
	env.provider.mu.Lock()
	tokens := append([]string(nil), env.provider.prTokens...)
	env.provider.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "gho_valid" {
		t.Fatalf("pr tokens = %v", tokens)
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(art.Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if url, _ := meta["url"].(string); url == "" {
		t.Fatal("artifact metadata missing url")
	}
}

func TestCreatePRDuplicateRejected(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{
		UserID:       "u1",
		AccessToken:  "gho_valid",
		TokenExpires: futureTime(time.Hour),
	})

	if _, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"}); err != nil {
		t.Fatalf("first CreatePR: %v", err)
	}
	if _, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"}); !errors.Is(err, ErrPRExists) {
		t.Fatalf("expected ErrPRExists, got %v", err)
	}
}

func TestCreatePRConcurrentRace(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{
		UserID:       "u1",
		AccessToken:  "gho_valid",
		TokenExpires: futureTime(time.Hour),
	})

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPRExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly 1 success, got %d", succeeded)
	}

	arts, _ := env.store.ListArtifacts("s1")
	prs := 0
	for _, a := range arts {
		if a.Type == store.ArtifactPR {
			prs++
		}
	}
	if prs != 1 {
		t.Fatalf("expected exactly 1 pr artifact, got %d", prs)
	}
}

func TestCreatePRManualFallbackAndReuse(t *testing.T) {
	env := newTestEnv(t, "s1")
	// Participant exists but has no token on file.
	env.initSession(t, InitRequest{UserID: "u1"})

	art, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if art.Type != store.ArtifactManualPR {
		t.Fatalf("expected manual_pr artifact, got %s", art.Type)
	}
	if !strings.Contains(art.Metadata, "compare") {
		t.Fatalf("metadata missing manual URL: %s", art.Metadata)
	}

	// A second attempt returns the same artifact, not a duplicate.
	again, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("second CreatePR: %v", err)
	}
	if again.ID != art.ID {
		t.Fatalf("manual artifact duplicated: %s vs %s", again.ID, art.ID)
	}

	env.provider.mu.Lock()
	calls := env.provider.prCalls
	env.provider.mu.Unlock()
	if calls != 0 {
		t.Fatalf("provider create-PR called %d times on fallback path", calls)
	}
}

func TestCreatePRRefreshesExpiredToken(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{
		UserID:       "u1",
		AccessToken:  "gho_stale",
		RefreshToken: "ghr_valid",
		TokenExpires: futureTime(-time.Hour),
	})

	if _, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"}); err != nil {
		t.Fatalf("CreatePR: %v", err)
	}

	env.provider.mu.Lock()
	tokens := append([]string(nil), env.provider.prTokens...)
	env.provider.mu.Unlock()
	if len(tokens) != 1 || tokens[0] != "gho_refreshed" {
		t.Fatalf("expected refreshed token to author the PR, got %v", tokens)
	}

	// The refreshed credential is persisted for next time.
	p, err := env.store.GetParticipant("s1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	access, err := env.actor.box.Decrypt(p.EncryptedAccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if access != "gho_refreshed" {
		t.Fatalf("stored access token = %q", access)
	}
}

func TestCreatePRRefreshFailureFallsBackToManual(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{
		UserID:       "u1",
		AccessToken:  "gho_stale",
		RefreshToken: "ghr_dead",
		TokenExpires: futureTime(-time.Hour),
	})
	env.provider.refreshErr = errors.New("refresh rejected")

	art, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("CreatePR: %v", err)
	}
	if art.Type != store.ArtifactManualPR {
		t.Fatalf("expected manual fallback, got %s", art.Type)
	}
}

func TestCreatePRHeadBranchResolution(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	// With no requested head and no session branch, a name is generated.
	art, err := env.actor.CreatePR(context.Background(), CreatePRRequest{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(art.Branch, "session/") {
		t.Fatalf("generated branch = %q", art.Branch)
	}

	sess, _ := env.store.GetSession("s1")
	if sess.Branch != art.Branch {
		t.Fatalf("session branch not recorded: %q vs %q", sess.Branch, art.Branch)
	}
}
