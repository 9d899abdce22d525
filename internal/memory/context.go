package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/recallhq/recall/internal/store"
)

// minSummaryLen guards against a model returning a refusal or an empty
// shrug instead of a usable summary.
const minSummaryLen = 50

// Summarizer turns a whole-history slice into a compact summary text.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []store.Message) (string, error)
}

// ContextCache holds the single current whole-history summary per chat,
// backed by the tier store for durability. Refresh is wholesale: the new
// summary replaces the old one, there is never more than one live entry.
type ContextCache struct {
	tiers      *TierStore
	summarizer Summarizer
	cache      *gocache.Cache
	now        func() time.Time
}

func NewContextCache(tiers *TierStore, summarizer Summarizer) *ContextCache {
	return &ContextCache{
		tiers:      tiers,
		summarizer: summarizer,
		cache:      gocache.New(gocache.NoExpiration, 10*time.Minute),
		now:        time.Now,
	}
}

func cacheKey(chatID int64) string { return fmt.Sprintf("ctx:%d", chatID) }

// Current returns the chat's summary entry, consulting the in-process
// cache before the store. A chat with no summary yet returns not-found.
func (c *ContextCache) Current(ctx context.Context, chatID int64) (store.ContextEntry, error) {
	if v, ok := c.cache.Get(cacheKey(chatID)); ok {
		return v.(store.ContextEntry), nil
	}
	entry, err := c.tiers.LoadContext(ctx, chatID)
	if err != nil {
		return store.ContextEntry{}, err
	}
	c.cache.Set(cacheKey(chatID), entry, gocache.NoExpiration)
	return entry, nil
}

// Refresh regenerates the summary from the full whole_history tier and
// replaces the stored entry. Summaries shorter than minSummaryLen are
// rejected and the previous entry stays current.
func (c *ContextCache) Refresh(ctx context.Context, chatID int64) (store.ContextEntry, error) {
	msgs, err := c.tiers.Read(ctx, chatID, store.TierWholeHistory, 0)
	if err != nil {
		return store.ContextEntry{}, fmt.Errorf("read whole_history: %w", err)
	}
	if len(msgs) == 0 {
		return store.ContextEntry{}, fmt.Errorf("chat %d has no history to summarize", chatID)
	}

	summary, err := c.summarizer.Summarize(ctx, msgs)
	if err != nil {
		return store.ContextEntry{}, fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if len(summary) < minSummaryLen {
		return store.ContextEntry{}, fmt.Errorf("summary too short (%d chars), keeping previous", len(summary))
	}

	entry := store.ContextEntry{
		ChatID:       chatID,
		Summary:      summary,
		Timestamp:    c.now().UTC(),
		MessageCount: len(msgs),
	}
	if err := c.tiers.SaveContext(ctx, chatID, entry); err != nil {
		return store.ContextEntry{}, fmt.Errorf("save context: %w", err)
	}
	c.cache.Set(cacheKey(chatID), entry, gocache.NoExpiration)
	return entry, nil
}

// RefreshAll refreshes every known chat, logging per-chat failures without
// stopping the sweep. Driven by the daily cron job.
func (c *ContextCache) RefreshAll(ctx context.Context, local *store.FileStore) {
	chats, err := local.ListChats()
	if err != nil {
		log.Printf("[context] list chats: %v", err)
		return
	}
	for _, chatID := range chats {
		if _, err := c.Refresh(ctx, chatID); err != nil {
			log.Printf("[context] refresh chat %d: %v", chatID, err)
		}
	}
}

// InvalidateAll drops every cached entry. Called when the remote backend
// recovers, so summaries written during the outage do not linger over the
// reconciled store.
func (c *ContextCache) InvalidateAll() {
	c.cache.Flush()
}
