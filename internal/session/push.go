package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hyper-ai-inc/session-control/internal/gitprovider"
)

var ErrPushTimeout = errors.New("push did not complete in time")

// PushCoordinator bridges a synchronous "push this branch" request to the
// asynchronous push result reported back over the sandbox channel.
//
// One resolver may be pending per normalized branch name. A second push for
// the same branch while one is pending overwrites the key; the first caller
// times out instead of resolving. Rejecting the second call would be the
// safer contract (see DESIGN.md).
type PushCoordinator struct {
	a *Actor

	mu      sync.Mutex
	pending map[string]chan error
}

func newPushCoordinator(a *Actor) *PushCoordinator {
	return &PushCoordinator{a: a, pending: make(map[string]chan error)}
}

// normalizeBranch makes branch names comparable across the wire:
// "Feature/X " and "feature/x" key the same resolver.
func normalizeBranch(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PushBranch asks the sandbox to push branch and waits for the result. With
// no sandbox connected the push is assumed already done (a prior or manual
// push) so PR creation is never blocked on a dead sandbox.
func (pc *PushCoordinator) PushBranch(branch string, spec gitprovider.PushSpec) error {
	a := pc.a

	if a.registry.SandboxSocket() == nil {
		a.logger.Info("no sandbox connected, assuming branch already pushed", "branch", branch)
		return nil
	}

	key := normalizeBranch(branch)
	ch := make(chan error, 1)

	pc.mu.Lock()
	pc.pending[key] = ch
	pc.mu.Unlock()

	ok := a.registry.SendSandbox(SandboxCommand{
		Type:      CmdPush,
		Branch:    branch,
		RemoteURL: spec.RemoteURL,
		BaseSHA:   spec.BaseSHA,
	})
	if !ok {
		pc.remove(key, ch)
		return errors.New("push command send failed")
	}

	timer := time.NewTimer(a.cfg.Timeouts.Push)
	defer timer.Stop()

	select {
	case err := <-ch:
		return err
	case <-timer.C:
		pc.remove(key, ch)
		return ErrPushTimeout
	}
}

// Resolve settles the pending push for branch, if any. err nil means the
// push succeeded. Events for branches with no waiter are ignored.
func (pc *PushCoordinator) Resolve(branch string, err error) {
	key := normalizeBranch(branch)

	pc.mu.Lock()
	ch, ok := pc.pending[key]
	if ok {
		delete(pc.pending, key)
	}
	pc.mu.Unlock()

	if !ok {
		pc.a.logger.Warn("push result with no pending waiter", "branch", branch)
		return
	}
	ch <- err
}

// failAll rejects every pending push, used on actor shutdown.
func (pc *PushCoordinator) failAll(err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for key, ch := range pc.pending {
		delete(pc.pending, key)
		ch <- err
	}
}

// remove drops the resolver only if it is still ours; a newer push for the
// same branch may have replaced it.
func (pc *PushCoordinator) remove(key string, ch chan error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if cur, ok := pc.pending[key]; ok && cur == ch {
		delete(pc.pending, key)
	}
}

func pushError(detail string) error {
	if detail == "" {
		detail = "unknown push failure"
	}
	return fmt.Errorf("sandbox push failed: %s", detail)
}
