package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	accountFile   = "account.json"
	watermarkFile = "reconciled.json"
)

var tierFiles = map[Tier]string{
	TierShortTerm:    "short_term.json",
	TierMidTerm:      "mid_term.json",
	TierWholeHistory: "whole_history.json",
}

const contextFile = "history_context.json"

// FileStore is the local fallback backend: one directory per account under
// dataDir/accounts, one JSON array file per tier. It is always available
// and durable enough to carry writes while the remote store is down.
//
// File-side account ids are the external chat id, which keeps creation
// deterministic without remote coordination; reconciliation matches
// accounts by chat id and messages by dedup key, so the ids never need to
// agree across backends.
type FileStore struct {
	dir  string
	caps map[Tier]int
	ttl  time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithTierCaps sets per-tier truncation caps applied on append. A zero or
// missing cap leaves the tier unbounded.
func WithTierCaps(caps map[Tier]int) FileOption {
	return func(s *FileStore) {
		s.caps = caps
	}
}

// WithAccountTTL sets the temporary account retention window.
func WithAccountTTL(ttl time.Duration) FileOption {
	return func(s *FileStore) {
		s.ttl = ttl
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		s.now = now
	}
}

func NewFileStore(dataDir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{
		dir: filepath.Join(dataDir, "accounts"),
		ttl: 30 * 24 * time.Hour,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("create file store dir: %w", err)
	}
	return s, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) accountDir(chatID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(chatID, 10))
}

// EnsureAccount creates the account record and all tier files if missing.
// Postcondition: every tier file and the context file exist and contain a
// valid JSON array. An expired temporary account is replaced with a fresh
// one; its tier files are kept.
func (s *FileStore) EnsureAccount(ctx context.Context, chatID int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureAccountLocked(chatID)
}

func (s *FileStore) ensureAccountLocked(chatID int64) (Account, error) {
	dir := s.accountDir(chatID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Account{}, opErr("file.EnsureAccount", ErrUnavailable, err)
	}

	acct, err := s.readAccount(chatID)
	switch {
	case err == nil && !acct.Expired(s.now()):
		// fall through to file initialization below
	case err == nil || IsNotFound(err) || IsCorrupt(err):
		now := s.now()
		expires := now.Add(s.ttl)
		acct = Account{
			ID:        chatID,
			ChatID:    chatID,
			Kind:      AccountTemporary,
			CreatedAt: now,
			ExpiresAt: &expires,
		}
		if err := s.writeJSON(filepath.Join(dir, accountFile), acct); err != nil {
			return Account{}, err
		}
	default:
		return Account{}, err
	}

	for _, name := range tierFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := s.writeJSON(path, []Message{}); err != nil {
				return Account{}, err
			}
		}
	}
	ctxPath := filepath.Join(dir, contextFile)
	if _, err := os.Stat(ctxPath); os.IsNotExist(err) {
		if err := s.writeJSON(ctxPath, []ContextEntry{}); err != nil {
			return Account{}, err
		}
	}
	return acct, nil
}

func (s *FileStore) AccountByChat(ctx context.Context, chatID int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAccount(chatID)
}

// PromoteAccount replaces the temporary record with a permanent one. The
// remote backend keeps the tombstoned temporary row; file-side there is a
// single record per chat, so promotion rewrites it in place. Safe to
// replay: promoting an already-permanent account returns it unchanged.
func (s *FileStore) PromoteAccount(ctx context.Context, chatID int64, profile Profile) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.ensureAccountLocked(chatID)
	if err != nil {
		return Account{}, err
	}
	if acct.Kind == AccountPermanent {
		return acct, nil
	}

	promoted := Account{
		ID:        chatID,
		ChatID:    chatID,
		Kind:      AccountPermanent,
		CreatedAt: s.now(),
	}
	if err := s.writeJSON(filepath.Join(s.accountDir(chatID), accountFile), promoted); err != nil {
		return Account{}, err
	}
	return promoted, nil
}

func (s *FileStore) Append(ctx context.Context, chatID int64, tier Tier, msg Message) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureAccountLocked(chatID); err != nil {
		return err
	}

	path := filepath.Join(s.accountDir(chatID), tierFiles[tier])
	msgs := s.loadMessages(path)
	msgs = append(msgs, msg)
	if n := s.caps[tier]; n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return s.writeJSON(path, msgs)
}

func (s *FileStore) Read(ctx context.Context, chatID int64, tier Tier, limit int) ([]Message, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid tier %q", tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.accountDir(chatID), tierFiles[tier])
	msgs := s.loadMessages(path)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *FileStore) Replace(ctx context.Context, chatID int64, tier Tier, msgs []Message) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureAccountLocked(chatID); err != nil {
		return err
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return s.writeJSON(filepath.Join(s.accountDir(chatID), tierFiles[tier]), msgs)
}

func (s *FileStore) SaveContext(ctx context.Context, chatID int64, entry ContextEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureAccountLocked(chatID); err != nil {
		return err
	}
	// Single current entry, wrapped in an array to keep every file a JSON array.
	return s.writeJSON(filepath.Join(s.accountDir(chatID), contextFile), []ContextEntry{entry})
}

func (s *FileStore) LoadContext(ctx context.Context, chatID int64) (ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.accountDir(chatID), contextFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ContextEntry{}, opErr("file.LoadContext", ErrNotFound, nil)
		}
		return ContextEntry{}, opErr("file.LoadContext", ErrUnavailable, err)
	}
	var entries []ContextEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		log.Printf("[filestore] corrupt context file %s, treating as empty: %v", path, err)
		return ContextEntry{}, opErr("file.LoadContext", ErrNotFound, nil)
	}
	if len(entries) == 0 {
		return ContextEntry{}, opErr("file.LoadContext", ErrNotFound, nil)
	}
	return entries[len(entries)-1], nil
}

func (s *FileStore) Stats(ctx context.Context, chatID int64) (map[Tier]TierStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[Tier]TierStats, len(tierFiles))
	for tier, name := range tierFiles {
		msgs := s.loadMessages(filepath.Join(s.accountDir(chatID), name))
		stats[tier] = StatsFor(msgs)
	}
	return stats, nil
}

// HealthCheck verifies the data directory is writable.
func (s *FileStore) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(s.dir, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return opErr("file.HealthCheck", ErrUnavailable, err)
	}
	return os.Remove(probe)
}

// ListChats returns every chat id with a local account directory. Used by
// the reconciler to find fallback-accumulated data.
func (s *FileStore) ListChats() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, opErr("file.ListChats", ErrUnavailable, err)
	}
	var chats []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		chats = append(chats, id)
	}
	return chats, nil
}

type watermark struct {
	MigratedAsOf time.Time `json:"migrated_as_of"`
}

// Watermark reports the timestamp through which this chat's local data has
// already been reconciled into the remote store. Zero time when never
// reconciled.
func (s *FileStore) Watermark(chatID int64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.accountDir(chatID), watermarkFile))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, opErr("file.Watermark", ErrUnavailable, err)
	}
	var w watermark
	if err := json.Unmarshal(data, &w); err != nil {
		log.Printf("[filestore] corrupt watermark for chat %d, treating as unset: %v", chatID, err)
		return time.Time{}, nil
	}
	return w.MigratedAsOf, nil
}

func (s *FileStore) SetWatermark(chatID int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureAccountLocked(chatID); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(s.accountDir(chatID), watermarkFile), watermark{MigratedAsOf: t})
}

// ResetTiers rewrites every tier file for a chat to an empty array.
func (s *FileStore) ResetTiers(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ensureAccountLocked(chatID); err != nil {
		return err
	}
	dir := s.accountDir(chatID)
	for _, name := range tierFiles {
		if err := s.writeJSON(filepath.Join(dir, name), []Message{}); err != nil {
			return err
		}
	}
	return s.writeJSON(filepath.Join(dir, contextFile), []ContextEntry{})
}

func (s *FileStore) readAccount(chatID int64) (Account, error) {
	path := filepath.Join(s.accountDir(chatID), accountFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Account{}, opErr("file.AccountByChat", ErrNotFound, nil)
		}
		return Account{}, opErr("file.AccountByChat", ErrUnavailable, err)
	}
	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return Account{}, opErr("file.AccountByChat", ErrCorrupt, err)
	}
	return acct, nil
}

// loadMessages reads a tier file. A missing file is an empty tier; corrupt
// content is logged and treated as empty, to be overwritten on the next
// append. Availability wins over the corrupted fragment: whole_history on
// the healthy backend is the durability guarantee, not this file.
func (s *FileStore) loadMessages(path string) []Message {
	data, err := os.ReadFile(path)
	if err != nil {
		return []Message{}
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Printf("[filestore] corrupt tier file %s, treating as empty: %v", path, err)
		return []Message{}
	}
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// writeJSON writes atomically: temp file in the same directory, then rename.
func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return opErr("file.write", ErrUnavailable, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return opErr("file.write", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return opErr("file.write", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return opErr("file.write", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return opErr("file.write", ErrUnavailable, err)
	}
	return nil
}
