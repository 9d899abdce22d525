package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/store"
)

// dedupLister is implemented by remotes that can enumerate already-stored
// dedup keys, letting the reconciler skip rows instead of replaying them.
type dedupLister interface {
	DedupKeys(ctx context.Context, chatID int64, tier store.Tier, since time.Time) (map[string]bool, error)
}

// Reconciler pushes messages accumulated in the local fallback back to the
// remote once it recovers. Each account carries its own watermark, and a
// failure on one account never blocks the others.
type Reconciler struct {
	remote store.Backend
	local  *store.FileStore

	mu      sync.Mutex
	running bool
	lastRun time.Time
	now     func() time.Time
}

func NewReconciler(remote store.Backend, local *store.FileStore) *Reconciler {
	return &Reconciler{remote: remote, local: local, now: time.Now}
}

// LastRun reports when the last sweep finished, for the status surface.
func (r *Reconciler) LastRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun
}

// Run sweeps every local account. Concurrent invocations coalesce: a sweep
// already in flight makes the new call a no-op, since the running sweep
// will pick up anything written meanwhile on its next trigger.
func (r *Reconciler) Run(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.lastRun = r.now()
		r.mu.Unlock()
	}()

	chats, err := r.local.ListChats()
	if err != nil {
		log.Printf("[reconcile] list chats: %v", err)
		return
	}

	var synced, failed int
	for _, chatID := range chats {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcileChat(ctx, chatID); err != nil {
			failed++
			log.Printf("[reconcile] chat %d: %v", chatID, err)
			continue
		}
		synced++
	}
	log.Printf("[reconcile] sweep done: %d chats synced, %d failed", synced, failed)
}

// reconcileChat heals one account: identity first, then every tier. The
// watermark only advances after the whole account syncs, so a partial
// failure replays from the same point next sweep. Replays are safe; the
// remote absorbs duplicate dedup keys.
func (r *Reconciler) reconcileChat(ctx context.Context, chatID int64) error {
	localAcct, err := r.local.AccountByChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("local account: %w", err)
	}

	if _, err := r.remote.EnsureAccount(ctx, chatID); err != nil {
		return fmt.Errorf("remote account: %w", err)
	}
	if localAcct.Kind == store.AccountPermanent {
		remoteAcct, err := r.remote.AccountByChat(ctx, chatID)
		if err != nil {
			return fmt.Errorf("remote account lookup: %w", err)
		}
		if remoteAcct.Kind != store.AccountPermanent {
			profile := store.Profile{}
			if _, err := r.remote.PromoteAccount(ctx, chatID, profile); err != nil {
				return fmt.Errorf("promote remote: %w", err)
			}
			log.Printf("[reconcile] promoted remote account for chat %d", chatID)
		}
	}

	watermark, err := r.local.Watermark(chatID)
	if err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	var newest time.Time
	for _, tier := range store.Tiers() {
		tierNewest, err := r.reconcileTier(ctx, chatID, tier, watermark)
		if err != nil {
			return fmt.Errorf("tier %s: %w", tier, err)
		}
		if tierNewest.After(newest) {
			newest = tierNewest
		}
	}

	if newest.After(watermark) {
		if err := r.local.SetWatermark(chatID, newest); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileTier(ctx context.Context, chatID int64, tier store.Tier, watermark time.Time) (time.Time, error) {
	msgs, err := r.local.Read(ctx, chatID, tier, 0)
	if err != nil {
		return time.Time{}, err
	}

	var seen map[string]bool
	if lister, ok := r.remote.(dedupLister); ok && len(msgs) > 0 {
		seen, err = lister.DedupKeys(ctx, chatID, tier, watermark)
		if err != nil {
			return time.Time{}, err
		}
	}

	var newest time.Time
	var pushed int
	for _, msg := range msgs {
		if msg.Timestamp.After(newest) {
			newest = msg.Timestamp
		}
		if !msg.Timestamp.After(watermark) {
			continue
		}
		if seen[msg.DedupKey()] {
			continue
		}
		if err := r.remote.Append(ctx, chatID, tier, msg); err != nil {
			return time.Time{}, err
		}
		pushed++
	}
	if pushed > 0 {
		log.Printf("[reconcile] chat %d tier %s: pushed %d messages", chatID, tier, pushed)
	}
	return newest, nil
}
