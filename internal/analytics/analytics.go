// Package analytics aggregates reaction effectiveness over the event log:
// how often each reaction fired, how often it was skipped as a duplicate,
// how often it escalated to a human, and how many attempts resolution took.
package analytics

import (
	"sort"

	"github.com/joescharf/fleet/internal/models"
)

// ReactionStats summarizes one reaction key.
type ReactionStats struct {
	Key         string
	Triggered   int
	Skipped     int
	Escalated   int
	Resolved    int
	MeanAttempt float64 // mean attempt count at resolution, 0 when unresolved
}

// Aggregate walks events (any order) and produces per-reaction statistics,
// sorted by key.
func Aggregate(evs []models.Event) []ReactionStats {
	byKey := make(map[string]*ReactionStats)
	get := func(key string) *ReactionStats {
		if key == "" {
			key = "unknown"
		}
		if s, ok := byKey[key]; ok {
			return s
		}
		s := &ReactionStats{Key: key}
		byKey[key] = s
		return s
	}

	attemptSums := make(map[string]int)
	for _, ev := range evs {
		switch ev.Type {
		case models.EventReactionTriggered:
			s := get(str(ev.Data, "reactionKey"))
			s.Triggered++
			if b, ok := ev.Data["skipped"].(bool); ok && b {
				s.Skipped++
			}
		case models.EventReactionEscalated:
			get(str(ev.Data, "reactionKey")).Escalated++
		case models.EventCIPassing:
			if resolved, ok := ev.Data["resolved"].(bool); ok && resolved {
				s := get("ci-failed")
				s.Resolved++
				attemptSums["ci-failed"] += intval(ev.Data, "attempt")
			}
		}
	}

	out := make([]ReactionStats, 0, len(byKey))
	for key, s := range byKey {
		if s.Resolved > 0 {
			s.MeanAttempt = float64(attemptSums[key]) / float64(s.Resolved)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// intval tolerates both int and float64 (JSON round-trip) encodings.
func intval(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
