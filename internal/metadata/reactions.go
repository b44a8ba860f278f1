package metadata

import (
	"strconv"
	"strings"
	"time"
)

// Reaction tracker state is persisted in metadata under well-known keys so
// a restarted process resumes the same retry budget:
//
//	reaction_<key>_attempts        integer attempt count
//	reaction_<key>_firstTriggered  unix milliseconds
//
// Hyphens in <key> (e.g. "ci-failed") are written as underscores so the
// keys satisfy the metadata key pattern.
func reactionAttemptsKey(reaction string) string {
	return "reaction_" + strings.ReplaceAll(reaction, "-", "_") + "_attempts"
}

func reactionFirstTriggeredKey(reaction string) string {
	return "reaction_" + strings.ReplaceAll(reaction, "-", "_") + "_firstTriggered"
}

// HasReactionTracker reports whether tracker fields exist for a reaction key.
func HasReactionTracker(meta map[string]string, reaction string) bool {
	_, ok := meta[reactionAttemptsKey(reaction)]
	return ok
}

// ReactionAttempts reads the persisted attempt count for a reaction key.
func ReactionAttempts(meta map[string]string, reaction string) int {
	n, err := strconv.Atoi(meta[reactionAttemptsKey(reaction)])
	if err != nil {
		return 0
	}
	return n
}

// ReactionFirstTriggered reads the persisted first-trigger time for a
// reaction key. Returns the zero time when absent or malformed.
func ReactionFirstTriggered(meta map[string]string, reaction string) time.Time {
	ms, err := strconv.ParseInt(meta[reactionFirstTriggeredKey(reaction)], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// SetReactionTracker writes both tracker fields for a reaction key.
func SetReactionTracker(meta map[string]string, reaction string, attempts int, firstTriggered time.Time) {
	meta[reactionAttemptsKey(reaction)] = strconv.Itoa(attempts)
	meta[reactionFirstTriggeredKey(reaction)] = strconv.FormatInt(firstTriggered.UnixMilli(), 10)
}

// ClearReactionTracker removes the tracker fields for a reaction key.
func ClearReactionTracker(meta map[string]string, reaction string) {
	delete(meta, reactionAttemptsKey(reaction))
	delete(meta, reactionFirstTriggeredKey(reaction))
}

// ReviewAttempts reads the review-round counter.
func ReviewAttempts(meta map[string]string) int {
	n, err := strconv.Atoi(meta[KeyReviewAttempts])
	if err != nil {
		return 0
	}
	return n
}

// SetReviewAttempts writes the review-round counter.
func SetReviewAttempts(meta map[string]string, n int) {
	meta[KeyReviewAttempts] = strconv.Itoa(n)
}
