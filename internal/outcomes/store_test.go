package outcomes

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/models"
)

func TestAppendListRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "outcomes.jsonl"))

	o := models.Outcome{
		SessionID:     "fc-1",
		ProjectID:     "api",
		Outcome:       "merged",
		DurationMS:    123456,
		CIRetries:     2,
		ReviewRounds:  1,
		Cost:          "$1.20",
		FailingChecks: []string{"lint", "unit-tests"},
		PlanID:        "plan-abc",
		Timestamp:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Append(o))

	got, err := s.List()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, o.SessionID, got[0].SessionID)
	assert.Equal(t, o.Outcome, got[0].Outcome)
	assert.Equal(t, o.DurationMS, got[0].DurationMS)
	assert.Equal(t, o.CIRetries, got[0].CIRetries)
	assert.Equal(t, o.ReviewRounds, got[0].ReviewRounds)
	assert.Equal(t, o.Cost, got[0].Cost)
	assert.Equal(t, o.FailingChecks, got[0].FailingChecks)
	assert.Equal(t, o.PlanID, got[0].PlanID)
	assert.True(t, o.Timestamp.Equal(got[0].Timestamp))
}

func TestRecentReturnsTail(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "outcomes.jsonl"))
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(models.Outcome{SessionID: string(rune('a' + i)), Outcome: "killed"}))
	}

	recent, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].SessionID)
	assert.Equal(t, "e", recent[1].SessionID)
}

func TestListMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "outcomes.jsonl"))
	got, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, got)
}
