package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Tier identifies one of the three message buckets.
type Tier string

const (
	TierShortTerm    Tier = "short_term"
	TierMidTerm      Tier = "mid_term"
	TierWholeHistory Tier = "whole_history"
)

// Tiers lists all tiers in promotion order.
func Tiers() []Tier {
	return []Tier{TierShortTerm, TierMidTerm, TierWholeHistory}
}

func (t Tier) Valid() bool {
	switch t {
	case TierShortTerm, TierMidTerm, TierWholeHistory:
		return true
	}
	return false
}

// Role is the closed set of message authors.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single conversation entry. There is no global sequence id:
// identity across backends is the (timestamp, content hash) pair.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DedupKey fingerprints a message for cross-backend deduplication.
func (m Message) DedupKey() string {
	sum := sha256.Sum256([]byte(m.Content))
	return time.Time(m.Timestamp).UTC().Format(time.RFC3339Nano) + ":" + hex.EncodeToString(sum[:8])
}

// AccountKind distinguishes lazily-created accounts from registered ones.
type AccountKind string

const (
	AccountTemporary AccountKind = "temporary"
	AccountPermanent AccountKind = "permanent"
)

// Account is the internal identity bound to one external conversation.
// A migrated temporary account stays around as a tombstone (Migrated true)
// so replaying the promotion is a no-op.
type Account struct {
	ID        int64       `json:"id"`
	ChatID    int64       `json:"chat_id"`
	Kind      AccountKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Migrated  bool        `json:"migrated,omitempty"`
}

// Expired reports whether a temporary account is past its retention window.
func (a Account) Expired(now time.Time) bool {
	return a.Kind == AccountTemporary && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// Profile carries the registration details for promoting a temporary
// account to a permanent one.
type Profile struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ContextEntry is the current whole-history summary for an account.
// At most one entry exists per account; refresh replaces it wholesale.
type ContextEntry struct {
	ChatID       int64     `json:"chat_id"`
	Summary      string    `json:"summary"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"message_count"`
}

// TierStats is a per-tier snapshot used by the dashboard and status command.
type TierStats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Backend is the capability both storage implementations provide. All
// message collections are addressed by (external chat id, tier); backends
// resolve their own account rows internally.
//
// Read with limit > 0 returns the newest limit messages in chronological
// order; limit <= 0 returns the full tier, oldest first. Reading a chat or
// tier with no data returns an empty slice, not an error.
type Backend interface {
	Name() string

	EnsureAccount(ctx context.Context, chatID int64) (Account, error)
	AccountByChat(ctx context.Context, chatID int64) (Account, error)
	PromoteAccount(ctx context.Context, chatID int64, profile Profile) (Account, error)

	Append(ctx context.Context, chatID int64, tier Tier, msg Message) error
	Read(ctx context.Context, chatID int64, tier Tier, limit int) ([]Message, error)
	Replace(ctx context.Context, chatID int64, tier Tier, msgs []Message) error

	SaveContext(ctx context.Context, chatID int64, entry ContextEntry) error
	LoadContext(ctx context.Context, chatID int64) (ContextEntry, error)

	Stats(ctx context.Context, chatID int64) (map[Tier]TierStats, error)
	HealthCheck(ctx context.Context) error
}

// StatsFor computes TierStats from a message slice.
func StatsFor(msgs []Message) TierStats {
	st := TierStats{Count: len(msgs)}
	for _, m := range msgs {
		if st.Oldest.IsZero() || m.Timestamp.Before(st.Oldest) {
			st.Oldest = m.Timestamp
		}
		if m.Timestamp.After(st.Newest) {
			st.Newest = m.Timestamp
		}
	}
	return st
}
