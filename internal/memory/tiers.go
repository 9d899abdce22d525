package memory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/store"
)

// TierStore is the write-through façade over the remote backend and the
// local fallback. Callers never pick a backend; the store consults the
// failover controller per operation and keeps the local copy warm so a
// mid-conversation failover loses nothing.
type TierStore struct {
	remote   store.Backend
	local    *store.FileStore
	failover *FailoverController

	limitsMu sync.RWMutex
	limits   Limits

	// Per-chat locks serialize the read-modify-write promotion cycle
	// without stalling unrelated conversations.
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewTierStore(remote store.Backend, local *store.FileStore, failover *FailoverController, limits Limits) *TierStore {
	return &TierStore{
		remote:   remote,
		local:    local,
		failover: failover,
		limits:   limits,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// Limits returns the current promotion limits.
func (t *TierStore) Limits() Limits {
	t.limitsMu.RLock()
	defer t.limitsMu.RUnlock()
	return t.limits
}

// SetShortTermWindow adjusts the short-term retention window at runtime.
// Values <= 0 are ignored. The new window takes effect on the next
// promotion cycle for each chat.
func (t *TierStore) SetShortTermWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	t.limitsMu.Lock()
	t.limits.ShortTermWindow = d
	t.limitsMu.Unlock()
}

func (t *TierStore) chatLock(chatID int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[chatID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[chatID] = l
	}
	return l
}

// active returns the backend writes should target right now.
func (t *TierStore) active() store.Backend {
	if t.failover.State() == StateFallbackActive {
		return t.local
	}
	return t.remote
}

// Record persists one message. whole_history is written first so the
// durable record never misses a message the volatile tiers saw; only then
// does short_term take it and the promotion cycle run.
func (t *TierStore) Record(ctx context.Context, chatID int64, msg store.Message) error {
	l := t.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if err := t.append(ctx, chatID, store.TierWholeHistory, msg); err != nil {
		return fmt.Errorf("record whole_history: %w", err)
	}
	if err := t.append(ctx, chatID, store.TierShortTerm, msg); err != nil {
		return fmt.Errorf("record short_term: %w", err)
	}
	if err := t.promote(ctx, chatID); err != nil {
		// Promotion failure leaves short_term oversized, not lossy.
		// The next Record retries it.
		log.Printf("[tiers] promotion deferred for chat %d: %v", chatID, err)
	}
	return nil
}

// append writes to the active backend, shadowing every remote write into
// the local fallback. On a remote availability failure the local write has
// already happened, so the message survives the failover.
func (t *TierStore) append(ctx context.Context, chatID int64, tier store.Tier, msg store.Message) error {
	if t.failover.State() == StateFallbackActive {
		return t.local.Append(ctx, chatID, tier, msg)
	}

	// Local shadow first: cheap, and it is the copy that matters if the
	// remote write below is the one that trips the threshold.
	localErr := t.local.Append(ctx, chatID, tier, msg)
	if localErr != nil {
		log.Printf("[tiers] local shadow write failed for chat %d tier %s: %v", chatID, tier, localErr)
	}

	err := t.remote.Append(ctx, chatID, tier, msg)
	if err != nil && localErr != nil && (store.IsUnavailable(err) || store.IsSchemaMismatch(err)) {
		// No surviving copy yet. Give the remote one more chance before
		// deciding the write is lost.
		err = t.remote.Append(ctx, chatID, tier, msg)
	}
	if err == nil {
		t.failover.RecordSuccess()
		return nil
	}
	t.failover.RecordFailure(err)
	if store.IsUnavailable(err) || store.IsSchemaMismatch(err) {
		if localErr != nil {
			log.Printf("[tiers] append lost for chat %d tier %s: remote %v, local %v",
				chatID, tier, err, localErr)
			return fmt.Errorf("append %s: remote: %w (local fallback also failed: %v)", tier, err, localErr)
		}
		// The local copy already holds the message.
		log.Printf("[tiers] remote append failed for chat %d tier %s, served by fallback: %v",
			chatID, tier, err)
		return nil
	}
	return err
}

// promote runs the retention policy: short_term overflow moves to
// mid_term, mid_term overflow is dropped.
func (t *TierStore) promote(ctx context.Context, chatID int64) error {
	backend := t.active()
	onRemote := t.failover.State() != StateFallbackActive

	short, err := backend.Read(ctx, chatID, store.TierShortTerm, 0)
	if err != nil {
		return err
	}
	limits := t.Limits()
	result := ApplyPromotion(short, limits)
	if len(result.Promoted) == 0 {
		return nil
	}

	mid, err := backend.Read(ctx, chatID, store.TierMidTerm, 0)
	if err != nil {
		return err
	}
	mid = TrimMidTerm(append(mid, result.Promoted...), limits)

	if err := backend.Replace(ctx, chatID, store.TierMidTerm, mid); err != nil {
		return err
	}
	if err := backend.Replace(ctx, chatID, store.TierShortTerm, result.Kept); err != nil {
		return err
	}

	// Keep the shadow in step when the remote is active.
	if onRemote {
		if err := t.local.Replace(ctx, chatID, store.TierMidTerm, mid); err != nil {
			log.Printf("[tiers] shadow mid_term sync failed for chat %d: %v", chatID, err)
		}
		if err := t.local.Replace(ctx, chatID, store.TierShortTerm, result.Kept); err != nil {
			log.Printf("[tiers] shadow short_term sync failed for chat %d: %v", chatID, err)
		}
	}
	return nil
}

// Read serves from the active backend, degrading to the local copy when a
// healthy-looking remote fails mid-read.
func (t *TierStore) Read(ctx context.Context, chatID int64, tier store.Tier, limit int) ([]store.Message, error) {
	if t.failover.State() == StateFallbackActive {
		return t.local.Read(ctx, chatID, tier, limit)
	}
	msgs, err := t.remote.Read(ctx, chatID, tier, limit)
	if err == nil {
		t.failover.RecordSuccess()
		return msgs, nil
	}
	t.failover.RecordFailure(err)
	if store.IsUnavailable(err) || store.IsSchemaMismatch(err) {
		log.Printf("[tiers] remote read failed for chat %d tier %s, serving local: %v",
			chatID, tier, err)
		return t.local.Read(ctx, chatID, tier, limit)
	}
	return nil, err
}

// ClearShortTerm empties the volatile tier. mid_term and whole_history are
// untouched; clearing a session is not forgetting the user.
func (t *TierStore) ClearShortTerm(ctx context.Context, chatID int64) error {
	l := t.chatLock(chatID)
	l.Lock()
	defer l.Unlock()

	if t.failover.State() != StateFallbackActive {
		if err := t.remote.Replace(ctx, chatID, store.TierShortTerm, nil); err != nil {
			t.failover.RecordFailure(err)
			if !store.IsUnavailable(err) && !store.IsSchemaMismatch(err) {
				return err
			}
			log.Printf("[tiers] remote clear failed for chat %d, clearing local only: %v", chatID, err)
		} else {
			t.failover.RecordSuccess()
		}
	}
	return t.local.Replace(ctx, chatID, store.TierShortTerm, nil)
}

// Stats reports per-tier counts from the active backend.
func (t *TierStore) Stats(ctx context.Context, chatID int64) (map[store.Tier]store.TierStats, error) {
	if t.failover.State() == StateFallbackActive {
		return t.local.Stats(ctx, chatID)
	}
	stats, err := t.remote.Stats(ctx, chatID)
	if err == nil {
		return stats, nil
	}
	t.failover.RecordFailure(err)
	if store.IsUnavailable(err) || store.IsSchemaMismatch(err) {
		return t.local.Stats(ctx, chatID)
	}
	return nil, err
}

// SaveContext writes the whole-history summary through to both backends.
func (t *TierStore) SaveContext(ctx context.Context, chatID int64, entry store.ContextEntry) error {
	if err := t.local.SaveContext(ctx, chatID, entry); err != nil {
		log.Printf("[tiers] local context save failed for chat %d: %v", chatID, err)
	}
	if t.failover.State() == StateFallbackActive {
		return nil
	}
	if err := t.remote.SaveContext(ctx, chatID, entry); err != nil {
		t.failover.RecordFailure(err)
		if store.IsUnavailable(err) || store.IsSchemaMismatch(err) {
			return nil
		}
		return err
	}
	t.failover.RecordSuccess()
	return nil
}

// LoadContext prefers the active backend and falls back to local.
func (t *TierStore) LoadContext(ctx context.Context, chatID int64) (store.ContextEntry, error) {
	if t.failover.State() == StateFallbackActive {
		return t.local.LoadContext(ctx, chatID)
	}
	entry, err := t.remote.LoadContext(ctx, chatID)
	if err == nil {
		return entry, nil
	}
	if store.IsNotFound(err) {
		return store.ContextEntry{}, err
	}
	t.failover.RecordFailure(err)
	return t.local.LoadContext(ctx, chatID)
}
