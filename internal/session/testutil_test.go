package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/session-control/internal/config"
	"github.com/hyper-ai-inc/session-control/internal/gitprovider"
	"github.com/hyper-ai-inc/session-control/internal/notify"
	"github.com/hyper-ai-inc/session-control/internal/provision"
	"github.com/hyper-ai-inc/session-control/internal/secrets"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

const testEncKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeLauncher struct {
	mu         sync.Mutex
	spawnErr   error
	spawnDelay time.Duration
	spawns     int
	stopped    []string
	snapErr    error
}

func (f *fakeLauncher) Spawn(ctx context.Context, spec provision.SandboxSpec) (*provision.SandboxInfo, error) {
	if f.spawnDelay > 0 {
		select {
		case <-time.After(f.spawnDelay):
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawns++
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	return &provision.SandboxInfo{ID: "sb-test", State: "starting", CreatedAt: time.Now()}, nil
}

func (f *fakeLauncher) Stop(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sandboxID)
	return nil
}

func (f *fakeLauncher) Snapshot(ctx context.Context, sandboxID string) (*provision.SnapshotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return &provision.SnapshotInfo{ID: "snap-test", SandboxID: sandboxID, CreatedAt: time.Now()}, nil
}

func (f *fakeLauncher) stoppedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

type fakeProvider struct {
	mu         sync.Mutex
	prCalls    int
	prTokens   []string
	refreshErr error
}

func (f *fakeProvider) GetRepository(ctx context.Context, owner, name string) (*gitprovider.Repository, error) {
	return &gitprovider.Repository{
		ID: "1", Owner: owner, Name: name,
		DefaultBranch: "main",
		CloneURL:      "https://github.example/" + owner + "/" + name + ".git",
	}, nil
}

func (f *fakeProvider) GeneratePushAuth(ctx context.Context, repoID string) (*gitprovider.PushAuth, error) {
	return &gitprovider.PushAuth{Username: "x-access-token", Token: "ghs_test",
		ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeProvider) BuildGitPushSpec(repo *gitprovider.Repository, auth *gitprovider.PushAuth, branch, baseSHA string) gitprovider.PushSpec {
	return gitprovider.PushSpec{RemoteURL: repo.CloneURL, Branch: branch, BaseSHA: baseSHA}
}

func (f *fakeProvider) CreatePullRequest(ctx context.Context, userToken string, in gitprovider.PullRequestInput) (*gitprovider.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prCalls++
	f.prTokens = append(f.prTokens, userToken)
	return &gitprovider.PullRequest{
		Number: f.prCalls,
		URL:    "https://github.example/" + in.Owner + "/" + in.Repo + "/pull/1",
		Title:  in.Title, Head: in.Head, Base: in.Base,
	}, nil
}

func (f *fakeProvider) BuildManualPullRequestURL(repo *gitprovider.Repository, head, base string) string {
	return "https://github.example/" + repo.Owner + "/" + repo.Name + "/compare/" + base + "..." + head
}

func (f *fakeProvider) RefreshOAuthToken(ctx context.Context, refreshToken string) (*gitprovider.OAuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &gitprovider.OAuthToken{
		AccessToken:  "gho_refreshed",
		RefreshToken: "ghr_refreshed",
		ExpiresAt:    time.Now().Add(8 * time.Hour),
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		DBPath:        "unused",
		EncryptionKey: testEncKey,
		Timeouts: config.TimeoutConfig{
			SandboxIdle:     200 * time.Millisecond,
			DisconnectGrace: 50 * time.Millisecond,
			Push:            300 * time.Millisecond,
			SocketAuth:      time.Second,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 3, Window: time.Minute},
	}
}

type testEnv struct {
	actor    *Actor
	store    *store.Store
	launcher *fakeLauncher
	provider *fakeProvider
	cfg      *config.Config
}

func newTestEnv(t *testing.T, id string) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	box, err := secrets.NewBox(testEncKey)
	if err != nil {
		t.Fatalf("box: %v", err)
	}

	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	launcher := &fakeLauncher{}
	provider := &fakeProvider{}

	a := NewActor(id, Deps{
		Store:    st,
		Config:   cfg,
		Logger:   logger,
		Box:      box,
		Provider: provider,
		Launcher: launcher,
		Notifier: notify.New("cb-secret", logger),
	})
	t.Cleanup(a.Shutdown)

	return &testEnv{actor: a, store: st, launcher: launcher, provider: provider, cfg: cfg}
}

func (e *testEnv) initSession(t *testing.T, req InitRequest) *store.Session {
	t.Helper()
	if req.RepoOwner == "" {
		req.RepoOwner = "acme"
	}
	if req.RepoName == "" {
		req.RepoName = "widgets"
	}
	sess, err := e.actor.Init(req)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return sess
}

// wsPair returns two ends of a live WebSocket: the side the actor holds and
// the peer the test reads/writes.
func wsPair(t *testing.T) (actorSide, peer *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	select {
	case actorSide = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of websocket never arrived")
	}
	t.Cleanup(func() { actorSide.Close() })
	return actorSide, peer
}

// connectSandbox installs a live sandbox socket on the actor and promotes
// the sandbox row to ready, like a real sandbox connect would.
func (e *testEnv) connectSandbox(t *testing.T) (peer *websocket.Conn) {
	t.Helper()
	actorSide, peer := wsPair(t)
	e.actor.lifecycle.OnSandboxConnected(actorSide, "sb-test")
	return peer
}

// readCommand reads one SandboxCommand off the peer side within the deadline.
func readCommand(t *testing.T, peer *websocket.Conn) SandboxCommand {
	t.Helper()
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := peer.ReadMessage()
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	var cmd SandboxCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	return cmd
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
