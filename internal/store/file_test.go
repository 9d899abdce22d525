package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testMsg(role Role, content string, ts time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: ts}
}

func TestFileStoreEnsureAccount(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	acct, err := s.EnsureAccount(ctx, 42)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if acct.Kind != AccountTemporary {
		t.Errorf("kind = %q, want temporary", acct.Kind)
	}
	if acct.ExpiresAt == nil {
		t.Fatal("temporary account should carry an expiry")
	}

	// All tier files must exist as valid JSON arrays after resolution.
	for _, tier := range Tiers() {
		msgs, err := s.Read(ctx, 42, tier, 0)
		if err != nil {
			t.Fatalf("Read(%s): %v", tier, err)
		}
		if len(msgs) != 0 {
			t.Errorf("Read(%s) = %d messages, want 0", tier, len(msgs))
		}
	}

	// Second resolution returns the same account.
	again, err := s.EnsureAccount(ctx, 42)
	if err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}
	if again.ID != acct.ID || !again.CreatedAt.Equal(acct.CreatedAt) {
		t.Errorf("second resolution created a new account: %+v vs %+v", again, acct)
	}
}

func TestFileStoreExpiredAccountRecreated(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s, err := NewFileStore(t.TempDir(), WithClock(clock), WithAccountTTL(30*24*time.Hour))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	first, err := s.EnsureAccount(ctx, 7)
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	now = now.Add(31 * 24 * time.Hour)
	second, err := s.EnsureAccount(ctx, 7)
	if err != nil {
		t.Fatalf("EnsureAccount after expiry: %v", err)
	}
	if second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("expired account was not recreated")
	}
	if second.Kind != AccountTemporary {
		t.Errorf("recreated kind = %q, want temporary", second.Kind)
	}
}

func TestFileStorePromoteAccount(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := s.EnsureAccount(ctx, 9); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	ts := time.Now().UTC()
	if err := s.Append(ctx, 9, TierWholeHistory, testMsg(RoleUser, "hello", ts)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	acct, err := s.PromoteAccount(ctx, 9, Profile{Name: "Ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("PromoteAccount: %v", err)
	}
	if acct.Kind != AccountPermanent {
		t.Errorf("kind = %q, want permanent", acct.Kind)
	}
	if acct.ExpiresAt != nil {
		t.Error("permanent account should not expire")
	}

	// History survives promotion.
	msgs, err := s.Read(ctx, 9, TierWholeHistory, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("history lost across promotion: %+v", msgs)
	}

	// Promotion is replay safe.
	again, err := s.PromoteAccount(ctx, 9, Profile{Name: "Ada"})
	if err != nil {
		t.Fatalf("PromoteAccount replay: %v", err)
	}
	if again.Kind != AccountPermanent {
		t.Errorf("replay kind = %q, want permanent", again.Kind)
	}
}

func TestFileStoreAppendRead(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := testMsg(RoleUser, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := s.Append(ctx, 1, TierShortTerm, msg); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	all, err := s.Read(ctx, 1, TierShortTerm, 0)
	if err != nil {
		t.Fatalf("Read all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Read all = %d messages, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Error("messages not in chronological order")
		}
	}

	newest, err := s.Read(ctx, 1, TierShortTerm, 2)
	if err != nil {
		t.Fatalf("Read limited: %v", err)
	}
	if len(newest) != 2 {
		t.Fatalf("Read limited = %d messages, want 2", len(newest))
	}
	if newest[0].Content != "d" || newest[1].Content != "e" {
		t.Errorf("limited read returned %q, %q; want d, e", newest[0].Content, newest[1].Content)
	}
}

func TestFileStoreTierCap(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir(), WithTierCaps(map[Tier]int{TierMidTerm: 3}))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		msg := testMsg(RoleAssistant, string(rune('0'+i)), base.Add(time.Duration(i)*time.Second))
		if err := s.Append(ctx, 1, TierMidTerm, msg); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	msgs, err := s.Read(ctx, 1, TierMidTerm, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("capped tier holds %d messages, want 3", len(msgs))
	}
	if msgs[0].Content != "2" {
		t.Errorf("oldest surviving message = %q, want 2 (oldest evicted first)", msgs[0].Content)
	}
}

func TestFileStoreCorruptFileRecovers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.EnsureAccount(ctx, 3); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	path := filepath.Join(dir, "accounts", "3", "short_term.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	// Corrupt content reads as empty rather than failing.
	msgs, err := s.Read(ctx, 3, TierShortTerm, 0)
	if err != nil {
		t.Fatalf("Read corrupt: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("corrupt read = %d messages, want 0", len(msgs))
	}

	// A write heals the file back into a valid array.
	if err := s.Append(ctx, 3, TierShortTerm, testMsg(RoleUser, "fresh", time.Now())); err != nil {
		t.Fatalf("Append after corruption: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read healed file: %v", err)
	}
	var arr []Message
	if err := json.Unmarshal(raw, &arr); err != nil {
		t.Fatalf("healed file is not a JSON array: %v", err)
	}
	if len(arr) != 1 {
		t.Errorf("healed file holds %d messages, want 1", len(arr))
	}
}

func TestFileStoreReplace(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ts := time.Now().UTC()
	if err := s.Append(ctx, 5, TierShortTerm, testMsg(RoleUser, "old", ts)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	replacement := []Message{
		testMsg(RoleUser, "new-1", ts.Add(time.Minute)),
		testMsg(RoleAssistant, "new-2", ts.Add(2*time.Minute)),
	}
	if err := s.Replace(ctx, 5, TierShortTerm, replacement); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	msgs, err := s.Read(ctx, 5, TierShortTerm, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "new-1" {
		t.Errorf("Replace result = %+v", msgs)
	}
}

func TestFileStoreContext(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := s.LoadContext(ctx, 8); !IsNotFound(err) {
		t.Fatalf("LoadContext on empty = %v, want not-found", err)
	}

	entry := ContextEntry{
		ChatID:       8,
		Summary:      "talked about sailing",
		Timestamp:    time.Now().UTC().Truncate(time.Second),
		MessageCount: 12,
	}
	if err := s.SaveContext(ctx, 8, entry); err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	got, err := s.LoadContext(ctx, 8)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if got.Summary != entry.Summary || got.MessageCount != entry.MessageCount {
		t.Errorf("LoadContext = %+v, want %+v", got, entry)
	}

	// Refresh is wholesale: a later save replaces the single entry.
	entry.Summary = "now discussing knots"
	if err := s.SaveContext(ctx, 8, entry); err != nil {
		t.Fatalf("SaveContext refresh: %v", err)
	}
	got, err = s.LoadContext(ctx, 8)
	if err != nil {
		t.Fatalf("LoadContext refresh: %v", err)
	}
	if got.Summary != "now discussing knots" {
		t.Errorf("refreshed summary = %q", got.Summary)
	}
}

func TestFileStoreWatermark(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := s.EnsureAccount(ctx, 11); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	wm, err := s.Watermark(11)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if !wm.IsZero() {
		t.Errorf("initial watermark = %v, want zero", wm)
	}

	mark := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SetWatermark(11, mark); err != nil {
		t.Fatalf("SetWatermark: %v", err)
	}
	wm, err = s.Watermark(11)
	if err != nil {
		t.Fatalf("Watermark after set: %v", err)
	}
	if !wm.Equal(mark) {
		t.Errorf("watermark = %v, want %v", wm, mark)
	}
}

func TestFileStoreListChats(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	for _, id := range []int64{100, 200, 300} {
		if _, err := s.EnsureAccount(ctx, id); err != nil {
			t.Fatalf("EnsureAccount(%d): %v", id, err)
		}
	}

	chats, err := s.ListChats()
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(chats) != 3 {
		t.Fatalf("ListChats = %v, want 3 entries", chats)
	}
}

func TestMessageDedupKey(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	a := testMsg(RoleUser, "same", ts)
	b := testMsg(RoleUser, "same", ts)
	if a.DedupKey() != b.DedupKey() {
		t.Error("identical messages should share a dedup key")
	}
	c := testMsg(RoleUser, "different", ts)
	if a.DedupKey() == c.DedupKey() {
		t.Error("different content should change the dedup key")
	}
	d := testMsg(RoleUser, "same", ts.Add(time.Second))
	if a.DedupKey() == d.DedupKey() {
		t.Error("different timestamp should change the dedup key")
	}
}
