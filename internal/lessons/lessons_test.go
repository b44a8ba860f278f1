package lessons

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/fleet/internal/classify"
	"github.com/joescharf/fleet/internal/models"
)

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate(nil)
	assert.True(t, s.Empty())
	assert.Empty(t, Render(s))
}

func TestAggregateTopChecks(t *testing.T) {
	outcomes := []models.Outcome{
		{Outcome: "merged", FailingChecks: []string{"unit-tests"}},
		{Outcome: "merged", FailingChecks: []string{"unit-tests", "golangci-lint"}},
		{Outcome: "merged", FailingChecks: []string{"unit-tests", "golangci-lint"}},
		{Outcome: "merged", FailingChecks: []string{"one-off-check"}},
	}
	s := Aggregate(outcomes)

	// one-off-check appears once and is excluded; the rest rank by count.
	assert.Len(t, s.TopChecks, 2)
	assert.Equal(t, "unit-tests", s.TopChecks[0].Check)
	assert.Equal(t, 3, s.TopChecks[0].Count)
	assert.Equal(t, classify.CategoryTest, s.TopChecks[0].Category)
	assert.Equal(t, "golangci-lint", s.TopChecks[1].Check)
}

func TestAggregateAtMostThreeChecks(t *testing.T) {
	var outcomes []models.Outcome
	for i := 0; i < 2; i++ {
		outcomes = append(outcomes, models.Outcome{
			Outcome:       "merged",
			FailingChecks: []string{"a", "b", "c", "d"},
		})
	}
	s := Aggregate(outcomes)
	assert.Len(t, s.TopChecks, 3)
}

func TestAggregateRetryAndFailureThresholds(t *testing.T) {
	quiet := Aggregate([]models.Outcome{
		{Outcome: "merged", CIRetries: 1},
		{Outcome: "merged", CIRetries: 1},
	})
	assert.True(t, quiet.Empty())

	noisy := Aggregate([]models.Outcome{
		{Outcome: "merged", CIRetries: 3, FailingChecks: []string{"unit-tests"}},
		{Outcome: "killed", CIRetries: 2, FailingChecks: []string{"unit-tests"}},
		{Outcome: "errored", CIRetries: 1},
	})
	assert.False(t, noisy.Empty())
	assert.InDelta(t, 2.0, noisy.AvgCIRetries, 0.01)
	assert.InDelta(t, 0.666, noisy.FailureRate, 0.01)
	assert.Equal(t, classify.CategoryTest, noisy.DominantTheme)

	rendered := Render(noisy)
	assert.Contains(t, rendered, "unit-tests")
	assert.Contains(t, rendered, "fix rounds per session")
	assert.Contains(t, rendered, "did not merge")
}
