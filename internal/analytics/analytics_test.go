package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/models"
)

func TestAggregate(t *testing.T) {
	evs := []models.Event{
		{Type: models.EventReactionTriggered, Data: map[string]any{"reactionKey": "ci-failed"}},
		{Type: models.EventReactionTriggered, Data: map[string]any{"reactionKey": "ci-failed", "skipped": true}},
		{Type: models.EventReactionEscalated, Data: map[string]any{"reactionKey": "ci-failed", "attempts": 3}},
		{Type: models.EventCIPassing, Data: map[string]any{"resolved": true, "attempt": 2}},
		// JSON round-trip encodes numbers as float64.
		{Type: models.EventCIPassing, Data: map[string]any{"resolved": true, "attempt": float64(4)}},
		{Type: models.EventReactionTriggered, Data: map[string]any{"reactionKey": "changes-requested"}},
		// Unresolved passing event is ignored.
		{Type: models.EventCIPassing, Data: map[string]any{"resolved": false, "attempt": 9}},
	}

	stats := Aggregate(evs)
	require.Len(t, stats, 2)

	assert.Equal(t, "changes-requested", stats[0].Key)
	assert.Equal(t, 1, stats[0].Triggered)

	ci := stats[1]
	assert.Equal(t, "ci-failed", ci.Key)
	assert.Equal(t, 2, ci.Triggered)
	assert.Equal(t, 1, ci.Skipped)
	assert.Equal(t, 1, ci.Escalated)
	assert.Equal(t, 2, ci.Resolved)
	assert.InDelta(t, 3.0, ci.MeanAttempt, 0.01)
}

func TestAggregateEmpty(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
}
