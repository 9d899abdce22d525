package memory

import (
	"context"
	"testing"

	"github.com/recallhq/recall/internal/store"
)

func TestFailoverThreshold(t *testing.T) {
	remote := newFakeRemote()
	c := NewFailoverController(remote, 3)

	if c.State() != StateRemoteHealthy {
		t.Fatalf("initial state = %s", c.State())
	}

	c.RecordFailure(store.ErrUnavailable)
	if c.State() != StateRemoteDegraded {
		t.Errorf("after 1 failure state = %s, want degraded", c.State())
	}
	c.RecordFailure(store.ErrUnavailable)
	if c.State() != StateRemoteDegraded {
		t.Errorf("after 2 failures state = %s, want degraded", c.State())
	}
	c.RecordFailure(store.ErrUnavailable)
	if c.State() != StateFallbackActive {
		t.Errorf("after 3 failures state = %s, want fallback_active", c.State())
	}
}

func TestFailoverSuccessResetsCounter(t *testing.T) {
	c := NewFailoverController(newFakeRemote(), 3)

	c.RecordFailure(store.ErrUnavailable)
	c.RecordFailure(store.ErrUnavailable)
	c.RecordSuccess()
	if c.State() != StateRemoteHealthy {
		t.Errorf("state after recovery = %s, want healthy", c.State())
	}

	// The counter restarted, so it takes the full threshold again.
	c.RecordFailure(store.ErrUnavailable)
	c.RecordFailure(store.ErrUnavailable)
	if c.State() != StateRemoteDegraded {
		t.Errorf("state = %s, want degraded (counter should have reset)", c.State())
	}
}

func TestFailoverIgnoresCallerErrors(t *testing.T) {
	c := NewFailoverController(newFakeRemote(), 1)

	c.RecordFailure(store.ErrNotFound)
	c.RecordFailure(context.Canceled)
	if c.State() != StateRemoteHealthy {
		t.Errorf("non-availability errors moved state to %s", c.State())
	}
}

func TestFailoverSchemaMismatchTripsImmediately(t *testing.T) {
	c := NewFailoverController(newFakeRemote(), 3)

	c.RecordFailure(store.ErrSchemaMismatch)
	if c.State() != StateFallbackActive {
		t.Errorf("schema mismatch left state %s, want fallback_active", c.State())
	}
}

func TestFailoverProbeRecovers(t *testing.T) {
	remote := newFakeRemote()
	c := NewFailoverController(remote, 1)

	recovered := false
	c.OnRecover(func() { recovered = true })

	remote.setFailure(store.ErrUnavailable)
	c.RecordFailure(store.ErrUnavailable)
	if c.State() != StateFallbackActive {
		t.Fatalf("state = %s, want fallback_active", c.State())
	}

	// Probe against a still-down remote changes nothing.
	c.Probe(context.Background())
	if c.State() != StateFallbackActive || recovered {
		t.Fatalf("failed probe should not recover, state = %s", c.State())
	}

	remote.setFailure(nil)
	c.Probe(context.Background())
	if c.State() != StateRemoteHealthy {
		t.Errorf("state after passing probe = %s, want healthy", c.State())
	}
	if !recovered {
		t.Error("recovery hook did not fire")
	}
}
