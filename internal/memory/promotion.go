package memory

import (
	"time"

	"github.com/recallhq/recall/internal/store"
)

// Limits holds the tier retention policy.
type Limits struct {
	ShortTermCap    int
	ShortTermWindow time.Duration
	MidTermCap      int
}

// PromotionResult is the outcome of applying the retention policy to a
// short_term slice.
type PromotionResult struct {
	Kept     []store.Message
	Promoted []store.Message
}

// ApplyPromotion decides which short_term messages stay and which move to
// mid_term. A message is promoted when it falls outside the recency window
// or when the tier is over its cap. Ages are measured against the newest
// message in the slice, not the wall clock, so the result is deterministic
// for a given input. Input is assumed chronological.
func ApplyPromotion(msgs []store.Message, limits Limits) PromotionResult {
	if len(msgs) == 0 {
		return PromotionResult{Kept: []store.Message{}, Promoted: []store.Message{}}
	}

	newest := msgs[len(msgs)-1].Timestamp
	cutoff := newest.Add(-limits.ShortTermWindow)

	// First pass: everything older than the window is promoted.
	firstFresh := 0
	if limits.ShortTermWindow > 0 {
		for firstFresh < len(msgs) && msgs[firstFresh].Timestamp.Before(cutoff) {
			firstFresh++
		}
	}

	// Second pass: the fresh remainder still honors the cap, oldest out.
	if limits.ShortTermCap > 0 {
		if over := (len(msgs) - firstFresh) - limits.ShortTermCap; over > 0 {
			firstFresh += over
		}
	}

	return PromotionResult{
		Kept:     append([]store.Message{}, msgs[firstFresh:]...),
		Promoted: append([]store.Message{}, msgs[:firstFresh]...),
	}
}

// TrimMidTerm enforces the mid_term cap, dropping the oldest overflow.
// mid_term is lossy; whole_history is the durable record.
func TrimMidTerm(msgs []store.Message, limits Limits) []store.Message {
	if limits.MidTermCap <= 0 || len(msgs) <= limits.MidTermCap {
		return msgs
	}
	return msgs[len(msgs)-limits.MidTermCap:]
}
