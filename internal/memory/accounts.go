package memory

import (
	"context"
	"log"

	"github.com/recallhq/recall/internal/store"
)

// AccountResolver keeps account identity consistent across the remote
// backend and the local fallback. Every chat gets a temporary account on
// first contact; promotion to permanent is explicit and survives replays.
type AccountResolver struct {
	remote   store.Backend
	local    *store.FileStore
	failover *FailoverController
}

func NewAccountResolver(remote store.Backend, local *store.FileStore, failover *FailoverController) *AccountResolver {
	return &AccountResolver{remote: remote, local: local, failover: failover}
}

// Resolve returns the active account for a chat, creating a temporary one
// when none exists or the existing one has expired. The local record is
// always kept current so a failover mid-session resolves to the same
// identity.
func (r *AccountResolver) Resolve(ctx context.Context, chatID int64) (store.Account, error) {
	// Local first: this also guarantees the tier files exist before any
	// message is recorded, healthy remote or not.
	localAcct, err := r.local.EnsureAccount(ctx, chatID)
	if err != nil {
		return store.Account{}, err
	}

	if r.failover.State() == StateFallbackActive {
		return localAcct, nil
	}

	acct, err := r.remote.EnsureAccount(ctx, chatID)
	if err == nil {
		r.failover.RecordSuccess()
		return acct, nil
	}
	r.failover.RecordFailure(err)
	if store.IsUnavailable(err) || store.IsSchemaMismatch(err) {
		log.Printf("[accounts] remote resolution failed for chat %d, using local identity: %v",
			chatID, err)
		return localAcct, nil
	}
	return store.Account{}, err
}

// Promote upgrades a chat's account to permanent on both backends. The
// remote performs the tombstone-and-create; the local record is rewritten
// in place. Either side succeeding is enough for the caller; the
// reconciler heals the other on recovery.
func (r *AccountResolver) Promote(ctx context.Context, chatID int64, profile store.Profile) (store.Account, error) {
	localAcct, localErr := r.local.PromoteAccount(ctx, chatID, profile)
	if localErr != nil {
		log.Printf("[accounts] local promotion failed for chat %d: %v", chatID, localErr)
	}

	if r.failover.State() == StateFallbackActive {
		return localAcct, localErr
	}

	acct, err := r.remote.PromoteAccount(ctx, chatID, profile)
	if err == nil {
		r.failover.RecordSuccess()
		return acct, nil
	}
	r.failover.RecordFailure(err)
	if (store.IsUnavailable(err) || store.IsSchemaMismatch(err)) && localErr == nil {
		log.Printf("[accounts] remote promotion deferred for chat %d: %v", chatID, err)
		return localAcct, nil
	}
	return store.Account{}, err
}
