package memory

import (
	"context"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/store"
)

// fakeRemote is an in-memory Backend with injectable failure, standing in
// for the relational backend in tests.
type fakeRemote struct {
	mu       sync.Mutex
	accounts map[int64]store.Account
	tiers    map[int64]map[store.Tier][]store.Message
	contexts map[int64]store.ContextEntry
	fail     error
	failOnce bool
	nextID   int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		accounts: make(map[int64]store.Account),
		tiers:    make(map[int64]map[store.Tier][]store.Message),
		contexts: make(map[int64]store.ContextEntry),
	}
}

func (f *fakeRemote) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
	f.failOnce = false
}

// setFailureOnce arms a failure for the next Append only.
func (f *fakeRemote) setFailureOnce(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
	f.failOnce = true
}

// takeFailure returns the configured failure, clearing it when armed for a
// single call. Callers hold f.mu.
func (f *fakeRemote) takeFailure() error {
	err := f.fail
	if err != nil && f.failOnce {
		f.fail = nil
		f.failOnce = false
	}
	return err
}

func (f *fakeRemote) Name() string { return "fake" }

func (f *fakeRemote) EnsureAccount(ctx context.Context, chatID int64) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return store.Account{}, f.fail
	}
	if acct, ok := f.accounts[chatID]; ok {
		return acct, nil
	}
	f.nextID++
	acct := store.Account{
		ID:        f.nextID,
		ChatID:    chatID,
		Kind:      store.AccountTemporary,
		CreatedAt: time.Now().UTC(),
	}
	f.accounts[chatID] = acct
	return acct, nil
}

func (f *fakeRemote) AccountByChat(ctx context.Context, chatID int64) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return store.Account{}, f.fail
	}
	acct, ok := f.accounts[chatID]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return acct, nil
}

func (f *fakeRemote) PromoteAccount(ctx context.Context, chatID int64, profile store.Profile) (store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return store.Account{}, f.fail
	}
	acct := f.accounts[chatID]
	acct.Kind = store.AccountPermanent
	acct.ExpiresAt = nil
	f.accounts[chatID] = acct
	return acct, nil
}

func (f *fakeRemote) Append(ctx context.Context, chatID int64, tier store.Tier, msg store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	if f.tiers[chatID] == nil {
		f.tiers[chatID] = make(map[store.Tier][]store.Message)
	}
	for _, existing := range f.tiers[chatID][tier] {
		if existing.DedupKey() == msg.DedupKey() {
			return nil
		}
	}
	f.tiers[chatID][tier] = append(f.tiers[chatID][tier], msg)
	return nil
}

func (f *fakeRemote) Read(ctx context.Context, chatID int64, tier store.Tier, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	msgs := f.tiers[chatID][tier]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]store.Message{}, msgs...), nil
}

func (f *fakeRemote) Replace(ctx context.Context, chatID int64, tier store.Tier, msgs []store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.tiers[chatID] == nil {
		f.tiers[chatID] = make(map[store.Tier][]store.Message)
	}
	f.tiers[chatID][tier] = append([]store.Message{}, msgs...)
	return nil
}

func (f *fakeRemote) SaveContext(ctx context.Context, chatID int64, entry store.ContextEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.contexts[chatID] = entry
	return nil
}

func (f *fakeRemote) LoadContext(ctx context.Context, chatID int64) (store.ContextEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return store.ContextEntry{}, f.fail
	}
	entry, ok := f.contexts[chatID]
	if !ok {
		return store.ContextEntry{}, store.ErrNotFound
	}
	return entry, nil
}

func (f *fakeRemote) Stats(ctx context.Context, chatID int64) (map[store.Tier]store.TierStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	stats := make(map[store.Tier]store.TierStats)
	for _, tier := range store.Tiers() {
		stats[tier] = store.StatsFor(f.tiers[chatID][tier])
	}
	return stats, nil
}

func (f *fakeRemote) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *fakeRemote) count(chatID int64, tier store.Tier) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tiers[chatID][tier])
}

func msgAt(role store.Role, content string, ts time.Time) store.Message {
	return store.Message{Role: role, Content: content, Timestamp: ts}
}
