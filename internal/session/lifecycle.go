package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/session-control/internal/provision"
	"github.com/hyper-ai-inc/session-control/internal/secrets"
	"github.com/hyper-ai-inc/session-control/internal/store"
)

var (
	// ErrCircuitOpen short-circuits spawn attempts after repeated failures
	// so a failing provisioning backend is not hammered with retries.
	ErrCircuitOpen = errors.New("sandbox spawn circuit open")
)

// Lifecycle owns every sandbox state transition: spawn, warm, ready,
// idle-stop, stale, and snapshots. It is the only writer of the sandbox
// row's status field.
type Lifecycle struct {
	a        *Actor
	launcher provision.Launcher

	// One pending timer per purpose; re-arming overwrites, never stacks.
	timerMu    sync.Mutex
	idleTimer  *time.Timer
	graceTimer *time.Timer
}

func newLifecycle(a *Actor, launcher provision.Launcher) *Lifecycle {
	return &Lifecycle{a: a, launcher: launcher}
}

// Spawn requests a new sandbox. No-op when one is already spawning or
// ready. Returns ErrCircuitOpen when the breaker is tripped.
func (l *Lifecycle) Spawn(ctx context.Context) error {
	a := l.a

	a.mu.Lock()
	sb, err := a.store.GetSandbox(a.id)
	if err == store.ErrNotFound {
		sb = &store.Sandbox{SessionID: a.id, Status: store.SandboxPending}
	} else if err != nil {
		a.mu.Unlock()
		return err
	}

	if sb.Status == store.SandboxSpawning || sb.Status == store.SandboxReady {
		a.mu.Unlock()
		return nil
	}

	if l.circuitOpen(sb) {
		a.mu.Unlock()
		a.logger.Warn("spawn short-circuited", "failures", sb.FailureCount)
		return ErrCircuitOpen
	}

	token, err := secrets.NewToken()
	if err != nil {
		a.mu.Unlock()
		return err
	}

	sb.Status = store.SandboxSpawning
	sb.AuthToken = token
	sb.ProviderID = ""
	sb.LastSpawnError = ""
	snapshotID := sb.SnapshotID
	if err := a.store.SaveSandbox(sb); err != nil {
		a.mu.Unlock()
		return err
	}
	a.mu.Unlock()

	sess, err := a.session()
	if err != nil {
		return err
	}

	a.registry.Broadcast(ServerFrame{Type: OutSandboxStatus, Status: string(store.SandboxSpawning)})

	info, spawnErr := l.launcher.Spawn(ctx, provision.SandboxSpec{
		SessionID:  a.id,
		Image:      a.cfg.Provisioner.Image,
		SnapshotID: snapshotID,
		RepoOwner:  sess.RepoOwner,
		RepoName:   sess.RepoName,
		Branch:     sess.Branch,
		BaseSHA:    sess.BaseSHA,
		AuthToken:  token,
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	sb, err = a.store.GetSandbox(a.id)
	if err != nil {
		return err
	}

	if spawnErr != nil {
		now := time.Now().UTC()
		sb.Status = store.SandboxPending
		sb.FailureCount++
		sb.LastFailureAt = &now
		sb.LastSpawnError = spawnErr.Error()
		if err := a.store.SaveSandbox(sb); err != nil {
			a.logger.Error("sandbox failure save failed", "error", err)
		}
		a.logger.Error("sandbox spawn failed", "failures", sb.FailureCount, "error", spawnErr)
		return spawnErr
	}

	sb.ProviderID = info.ID
	if err := a.store.SaveSandbox(sb); err != nil {
		return err
	}
	a.logger.Info("sandbox spawn requested", "providerID", info.ID)
	return nil
}

// Warm speculatively spawns (e.g. the user started typing). A tripped
// breaker or an in-flight spawn makes this a silent no-op.
func (l *Lifecycle) Warm(ctx context.Context) {
	if err := l.Spawn(ctx); err != nil && err != ErrCircuitOpen {
		l.a.logger.Warn("warm spawn failed", "error", err)
	}
}

// circuitOpen reports whether the breaker blocks spawning. The counter
// only matters inside the rolling window; an elapsed window closes the
// circuit again.
func (l *Lifecycle) circuitOpen(sb *store.Sandbox) bool {
	if sb.FailureCount < l.a.cfg.Breaker.FailureThreshold || sb.LastFailureAt == nil {
		return false
	}
	return time.Since(*sb.LastFailureAt) < l.a.cfg.Breaker.Window
}

// OnSandboxConnected promotes the sandbox to ready after its WebSocket
// authenticated. Resets the breaker and drains the queue.
func (l *Lifecycle) OnSandboxConnected(conn *websocket.Conn, sandboxID string) {
	a := l.a

	if displaced := a.registry.SetSandboxSocket(conn, sandboxID); displaced {
		a.logger.Warn("sandbox socket displaced a prior connection", "sandboxID", sandboxID)
	}

	a.mu.Lock()
	sb, err := a.store.GetSandbox(a.id)
	if err != nil {
		a.mu.Unlock()
		a.logger.Error("sandbox row missing on connect", "error", err)
		return
	}
	sb.Status = store.SandboxReady
	sb.FailureCount = 0
	sb.LastFailureAt = nil
	sb.LastSpawnError = ""
	if err := a.store.SaveSandbox(sb); err != nil {
		a.mu.Unlock()
		a.logger.Error("sandbox ready save failed", "error", err)
		return
	}
	a.mu.Unlock()

	l.cancelGraceTimer()
	l.TouchActivity()
	a.logger.Info("sandbox connected", "sandboxID", sandboxID)
	a.registry.Broadcast(ServerFrame{Type: OutSandboxStatus, Status: string(store.SandboxReady)})
	a.queue.ProcessNext()
}

// OnSandboxDisconnected handles the sandbox socket closing. A clean close
// stops the sandbox; an abnormal close starts the disconnect-grace timer,
// after which the sandbox is declared stale if it never reconnected.
func (l *Lifecycle) OnSandboxDisconnected(conn *websocket.Conn, clean bool) {
	a := l.a
	if !a.registry.ClearSandboxSocket(conn) {
		return // a replacement socket is already active
	}

	if clean {
		l.transitionTo(store.SandboxStopped, "sandbox closed cleanly")
		return
	}

	a.logger.Warn("sandbox socket dropped, starting grace timer")
	l.timerMu.Lock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
	}
	l.graceTimer = time.AfterFunc(a.cfg.Timeouts.DisconnectGrace, l.onGraceAlarm)
	l.timerMu.Unlock()
}

// onGraceAlarm fires after the disconnect grace window. State is re-derived
// from the store: the sandbox may have reconnected, or been stopped, since
// the timer was armed.
func (l *Lifecycle) onGraceAlarm() {
	a := l.a
	if a.registry.SandboxSocket() != nil {
		return // reconnected in time
	}

	a.mu.Lock()
	sb, err := a.store.GetSandbox(a.id)
	if err != nil || sb.Status != store.SandboxReady {
		a.mu.Unlock()
		return
	}
	sb.Status = store.SandboxStale
	if err := a.store.SaveSandbox(sb); err != nil {
		a.logger.Error("stale transition save failed", "error", err)
	}
	a.mu.Unlock()

	a.logger.Warn("sandbox declared stale after disconnect grace")
	a.registry.Broadcast(ServerFrame{Type: OutSandboxStatus, Status: string(store.SandboxStale)})
}

// TouchActivity re-arms the inactivity alarm. Exactly one idle wake-up is
// pending at a time.
func (l *Lifecycle) TouchActivity() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.idleTimer != nil {
		l.idleTimer.Stop()
	}
	l.idleTimer = time.AfterFunc(l.a.cfg.Timeouts.SandboxIdle, l.onIdleAlarm)
}

// onIdleAlarm fires after the inactivity window. The action is re-derived
// from persisted state: a processing message defers the stop, a sandbox
// that is no longer ready needs nothing.
func (l *Lifecycle) onIdleAlarm() {
	a := l.a

	if m, err := a.store.ProcessingMessage(a.id); err == nil && m != nil {
		l.TouchActivity() // still working; check again later
		return
	}

	a.mu.Lock()
	sb, err := a.store.GetSandbox(a.id)
	if err != nil || sb.Status != store.SandboxReady {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.logger.Info("stopping sandbox after idle timeout")
	l.StopSandbox("idle timeout")
}

// StopSandbox stops the remote sandbox best-effort and records the stopped
// state. Called on idle timeout, archive, and clean close.
func (l *Lifecycle) StopSandbox(reason string) {
	a := l.a

	a.mu.Lock()
	sb, err := a.store.GetSandbox(a.id)
	if err != nil {
		a.mu.Unlock()
		return
	}
	providerID := sb.ProviderID
	alreadyDown := sb.Status == store.SandboxStopped || sb.Status == store.SandboxStale
	a.mu.Unlock()

	if providerID != "" && !alreadyDown {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := l.launcher.Stop(ctx, providerID); err != nil {
			a.logger.Warn("remote sandbox stop failed", "providerID", providerID, "error", err)
		}
		cancel()
	}

	l.transitionTo(store.SandboxStopped, reason)

	if conn := a.registry.SandboxSocket(); conn != nil {
		a.registry.ClearSandboxSocket(conn)
		_ = conn.Close()
	}
}

func (l *Lifecycle) transitionTo(status store.SandboxStatus, reason string) {
	a := l.a

	a.mu.Lock()
	sb, err := a.store.GetSandbox(a.id)
	if err != nil {
		a.mu.Unlock()
		return
	}
	if sb.Status == status {
		a.mu.Unlock()
		return
	}
	sb.Status = status
	if err := a.store.SaveSandbox(sb); err != nil {
		a.logger.Error("sandbox transition save failed", "status", status, "error", err)
	}
	a.mu.Unlock()

	a.logger.Info("sandbox transition", "status", status, "reason", reason)
	a.registry.Broadcast(ServerFrame{Type: OutSandboxStatus, Status: string(status)})
}

// TriggerSnapshot captures the sandbox filesystem in the background after
// an execution completes. Failures are logged and never surface to users
// or block the queue.
func (l *Lifecycle) TriggerSnapshot() {
	a := l.a
	go func() {
		a.mu.Lock()
		sb, err := a.store.GetSandbox(a.id)
		if err != nil || sb.ProviderID == "" || sb.Status != store.SandboxReady {
			a.mu.Unlock()
			return
		}
		providerID := sb.ProviderID
		a.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		snap, err := l.launcher.Snapshot(ctx, providerID)
		if err != nil {
			a.logger.Warn("snapshot failed", "providerID", providerID, "error", err)
			return
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		sb, err = a.store.GetSandbox(a.id)
		if err != nil {
			return
		}
		sb.SnapshotID = snap.ID
		if err := a.store.SaveSandbox(sb); err != nil {
			a.logger.Warn("snapshot save failed", "error", err)
			return
		}
		a.logger.Info("snapshot captured", "snapshotID", snap.ID)
	}()
}

func (l *Lifecycle) cancelGraceTimer() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}

func (l *Lifecycle) stopTimers() {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if l.idleTimer != nil {
		l.idleTimer.Stop()
		l.idleTimer = nil
	}
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
}
