package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/store"
)

func TestSpawnTransitions(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	if err := env.actor.lifecycle.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxSpawning || sb.ProviderID != "sb-test" {
		t.Fatalf("unexpected sandbox: %+v", sb)
	}
	if sb.AuthToken == "" {
		t.Fatal("spawn did not mint an auth token")
	}

	// Spawning again is a no-op while one is in flight.
	if err := env.actor.lifecycle.Spawn(context.Background()); err != nil {
		t.Fatalf("second Spawn: %v", err)
	}
	env.launcher.mu.Lock()
	spawns := env.launcher.spawns
	env.launcher.mu.Unlock()
	if spawns != 1 {
		t.Fatalf("expected 1 launcher call, got %d", spawns)
	}
}

func TestCircuitBreaker(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})
	env.launcher.spawnErr = errors.New("backend down")

	for i := 0; i < env.cfg.Breaker.FailureThreshold; i++ {
		if err := env.actor.lifecycle.Spawn(context.Background()); err == nil {
			t.Fatalf("spawn %d should have failed", i)
		}
	}

	err := env.actor.lifecycle.Spawn(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	env.launcher.mu.Lock()
	spawns := env.launcher.spawns
	env.launcher.mu.Unlock()
	if spawns != env.cfg.Breaker.FailureThreshold {
		t.Fatalf("open circuit still reached the launcher: %d calls", spawns)
	}

	// A successful connect resets the breaker.
	env.launcher.spawnErr = nil
	env.connectSandbox(t)
	sb, _ := env.store.GetSandbox("s1")
	if sb.FailureCount != 0 || sb.Status != store.SandboxReady {
		t.Fatalf("connect did not reset breaker: %+v", sb)
	}
}

func TestIdleAlarmDeferredWhileProcessing(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})
	if err := env.actor.lifecycle.Spawn(context.Background()); err != nil {
		t.Fatal(err)
	}
	peer := env.connectSandbox(t)

	m, err := env.actor.queue.Enqueue(PromptRequest{UserID: "u1", Content: "long job"})
	if err != nil {
		t.Fatal(err)
	}
	readCommand(t, peer)

	// Sleep well past the idle timeout: the processing message must keep
	// the sandbox alive.
	time.Sleep(3 * env.cfg.Timeouts.SandboxIdle)
	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxReady {
		t.Fatalf("sandbox stopped while processing: %s", sb.Status)
	}
	if len(env.launcher.stoppedIDs()) != 0 {
		t.Fatal("launcher stop called while processing")
	}

	// Completion frees the idle alarm to stop the sandbox.
	ok := true
	env.actor.queue.OnSandboxEvent(SandboxEvent{
		Type: EventExecutionComplete, MessageID: m.ID, Success: &ok,
	})
	waitFor(t, 3*env.cfg.Timeouts.SandboxIdle, func() bool {
		sb, _ := env.store.GetSandbox("s1")
		return sb.Status == store.SandboxStopped
	})
	if got := env.launcher.stoppedIDs(); len(got) != 1 || got[0] != "sb-test" {
		t.Fatalf("unexpected launcher stops: %v", got)
	}
}

func TestAbnormalCloseGoesStaleAfterGrace(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	actorSide, _ := wsPair(t)
	env.actor.lifecycle.OnSandboxConnected(actorSide, "sb-test")

	env.actor.lifecycle.OnSandboxDisconnected(actorSide, false)

	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxReady {
		t.Fatalf("status flipped before grace elapsed: %s", sb.Status)
	}

	waitFor(t, time.Second, func() bool {
		sb, _ := env.store.GetSandbox("s1")
		return sb.Status == store.SandboxStale
	})
}

func TestReconnectDuringGraceStaysReady(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	first, _ := wsPair(t)
	env.actor.lifecycle.OnSandboxConnected(first, "sb-test")
	env.actor.lifecycle.OnSandboxDisconnected(first, false)

	second, _ := wsPair(t)
	env.actor.lifecycle.OnSandboxConnected(second, "sb-test")

	time.Sleep(3 * env.cfg.Timeouts.DisconnectGrace)
	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxReady {
		t.Fatalf("reconnected sandbox went %s", sb.Status)
	}
}

func TestCleanCloseStopsSandbox(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	actorSide, _ := wsPair(t)
	env.actor.lifecycle.OnSandboxConnected(actorSide, "sb-test")

	env.actor.lifecycle.OnSandboxDisconnected(actorSide, true)

	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxStopped {
		t.Fatalf("status = %s, want stopped", sb.Status)
	}
}

func TestStaleCloseDoesNotClobberReplacement(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	first, _ := wsPair(t)
	env.actor.lifecycle.OnSandboxConnected(first, "sb-old")
	second, _ := wsPair(t)
	env.actor.lifecycle.OnSandboxConnected(second, "sb-new")

	// The displaced socket's close must not touch the replacement.
	env.actor.lifecycle.OnSandboxDisconnected(first, true)

	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxReady {
		t.Fatalf("stale close clobbered replacement: %s", sb.Status)
	}
	if env.actor.registry.SandboxID() != "sb-new" {
		t.Fatalf("sandbox id = %q", env.actor.registry.SandboxID())
	}
}

func TestVerifySandboxToken(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})

	if err := env.actor.lifecycle.Spawn(context.Background()); err != nil {
		t.Fatal(err)
	}
	sb, _ := env.store.GetSandbox("s1")

	if err := env.actor.VerifySandboxToken(sb.ProviderID, sb.AuthToken); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if err := env.actor.VerifySandboxToken(sb.ProviderID, "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := env.actor.VerifySandboxToken("other-id", sb.AuthToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for id mismatch, got %v", err)
	}

	// A stopped sandbox is gone, not unauthorized.
	env.actor.lifecycle.StopSandbox("test")
	if err := env.actor.VerifySandboxToken(sb.ProviderID, sb.AuthToken); !errors.Is(err, ErrSandboxGone) {
		t.Fatalf("expected ErrSandboxGone, got %v", err)
	}
}

func TestArchiveStopsEverything(t *testing.T) {
	env := newTestEnv(t, "s1")
	env.initSession(t, InitRequest{UserID: "u1"})
	env.connectSandbox(t)

	if err := env.actor.Archive(); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if err := env.actor.Archive(); !errors.Is(err, ErrAlreadyArchived) {
		t.Fatalf("second archive: %v", err)
	}

	sess, _ := env.store.GetSession("s1")
	if sess.Status != store.SessionArchived {
		t.Fatalf("session status = %s", sess.Status)
	}
	sb, _ := env.store.GetSandbox("s1")
	if sb.Status != store.SandboxStopped {
		t.Fatalf("sandbox status = %s", sb.Status)
	}

	if err := env.actor.Unarchive(); err != nil {
		t.Fatalf("Unarchive: %v", err)
	}
	sess, _ = env.store.GetSession("s1")
	if sess.Status != store.SessionActive {
		t.Fatalf("unarchived status = %s", sess.Status)
	}
}
