package memory

import (
	"context"
	"log"
	"sync"

	"github.com/recallhq/recall/internal/store"
)

// BackendState is the failover controller's view of the remote backend.
type BackendState string

const (
	StateRemoteHealthy  BackendState = "remote_healthy"
	StateRemoteDegraded BackendState = "remote_degraded"
	StateFallbackActive BackendState = "fallback_active"
)

// FailoverController tracks consecutive remote failures and flips the
// gateway between the remote backend and the local fallback. State reads
// are hot-path (every message), so the current state lives behind a
// RWMutex alongside the counter rather than being recomputed.
type FailoverController struct {
	remote    store.Backend
	threshold int

	mu       sync.RWMutex
	state    BackendState
	failures int
	lastErr  error

	onRecover func()
}

// NewFailoverController builds the controller. A nil remote pins the
// controller to fallback_active: the gateway runs local-only until a
// remote backend is configured.
func NewFailoverController(remote store.Backend, threshold int) *FailoverController {
	if threshold <= 0 {
		threshold = 3
	}
	state := StateRemoteHealthy
	if remote == nil {
		state = StateFallbackActive
	}
	return &FailoverController{
		remote:    remote,
		threshold: threshold,
		state:     state,
	}
}

// OnRecover registers a callback fired once per transition back to
// remote_healthy from fallback_active. The reconciler hooks in here.
func (c *FailoverController) OnRecover(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecover = fn
}

func (c *FailoverController) State() BackendState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError reports the error that drove the most recent failure, for the
// status surface.
func (c *FailoverController) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// RecordSuccess resets the failure counter. A success while degraded means
// the remote recovered on its own before the threshold tripped.
func (c *FailoverController) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.lastErr = nil
	if c.state == StateRemoteDegraded {
		c.state = StateRemoteHealthy
		log.Printf("[failover] remote recovered before threshold, state=%s", c.state)
	}
}

// RecordFailure counts one remote failure. Only availability errors count;
// schema mismatches trip the fallback immediately since retrying cannot
// help, and other errors (bad input, not found) are the caller's problem.
func (c *FailoverController) RecordFailure(err error) {
	if err == nil {
		return
	}
	if !store.IsUnavailable(err) && !store.IsSchemaMismatch(err) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err

	if c.state == StateFallbackActive {
		return
	}
	if store.IsSchemaMismatch(err) {
		c.failures = c.threshold
	} else {
		c.failures++
	}

	switch {
	case c.failures >= c.threshold:
		c.state = StateFallbackActive
		log.Printf("[failover] threshold reached (%d failures), state=%s: %v",
			c.failures, c.state, err)
	case c.state == StateRemoteHealthy:
		c.state = StateRemoteDegraded
		log.Printf("[failover] remote failure %d/%d, state=%s: %v",
			c.failures, c.threshold, c.state, err)
	}
}

// Probe health-checks the remote once. While fallback is active a passing
// probe restores remote_healthy and fires the recovery hook.
func (c *FailoverController) Probe(ctx context.Context) {
	if c.remote == nil {
		return
	}
	err := c.remote.HealthCheck(ctx)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		return
	}

	recovered := c.state == StateFallbackActive
	c.failures = 0
	c.lastErr = nil
	c.state = StateRemoteHealthy
	hook := c.onRecover
	c.mu.Unlock()

	if recovered {
		log.Printf("[failover] probe passed, state=%s", StateRemoteHealthy)
		if hook != nil {
			hook()
		}
	}
}
