// Package lessons aggregates recent outcomes into a short, prompt-ready
// summary of what keeps going wrong in a project. It is the feedback loop
// from terminal sessions back into future spawns.
package lessons

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joescharf/fleet/internal/classify"
	"github.com/joescharf/fleet/internal/models"
)

// DefaultWindow is how many recent outcomes feed the aggregation.
const DefaultWindow = 20

// CheckLesson is one recurring failing check.
type CheckLesson struct {
	Check          string
	Count          int
	Category       classify.Category
	Recommendation string
}

// Summary is the aggregated lessons for a project.
type Summary struct {
	Window        int
	TopChecks     []CheckLesson // at most three, each seen at least twice
	AvgCIRetries  float64       // reported only when > 1.5
	FailureRate   float64       // reported only when > 0.30
	DominantTheme classify.Category
}

// Empty reports whether there is nothing worth telling an agent.
func (s Summary) Empty() bool {
	return len(s.TopChecks) == 0 && s.AvgCIRetries <= 1.5 && s.FailureRate <= 0.30
}

// Aggregate computes lessons over the most recent outcomes (newest last).
func Aggregate(recent []models.Outcome) Summary {
	s := Summary{Window: len(recent)}
	if len(recent) == 0 {
		return s
	}

	checkCounts := make(map[string]int)
	var failingChecks []string
	totalRetries := 0
	failures := 0
	for _, o := range recent {
		totalRetries += o.CIRetries
		if o.Outcome != "merged" {
			failures++
		}
		for _, check := range o.FailingChecks {
			checkCounts[check]++
			failingChecks = append(failingChecks, check)
		}
	}

	type kv struct {
		check string
		count int
	}
	var repeated []kv
	for check, count := range checkCounts {
		if count >= 2 {
			repeated = append(repeated, kv{check, count})
		}
	}
	sort.Slice(repeated, func(i, j int) bool {
		if repeated[i].count != repeated[j].count {
			return repeated[i].count > repeated[j].count
		}
		return repeated[i].check < repeated[j].check
	})
	if len(repeated) > 3 {
		repeated = repeated[:3]
	}
	for _, r := range repeated {
		cat := classify.Classify(r.check)
		s.TopChecks = append(s.TopChecks, CheckLesson{
			Check:          r.check,
			Count:          r.count,
			Category:       cat,
			Recommendation: cat.Recommendation(),
		})
	}

	s.AvgCIRetries = float64(totalRetries) / float64(len(recent))
	s.FailureRate = float64(failures) / float64(len(recent))
	s.DominantTheme = classify.Dominant(failingChecks)
	return s
}

// Render formats the summary as a prompt fragment. Returns "" when the
// summary carries no signal.
func Render(s Summary) string {
	if s.Empty() {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Observations from the last %d sessions in this project:\n", s.Window)
	for _, c := range s.TopChecks {
		fmt.Fprintf(&b, "- The %q check failed in %d sessions (%s). %s\n", c.Check, c.Count, c.Category, c.Recommendation)
	}
	if s.AvgCIRetries > 1.5 {
		fmt.Fprintf(&b, "- CI needed %.1f fix rounds per session on average; run the full check suite locally before pushing.\n", s.AvgCIRetries)
	}
	if s.FailureRate > 0.30 {
		fmt.Fprintf(&b, "- %.0f%% of recent sessions did not merge; the dominant failure theme was %s.\n", s.FailureRate*100, s.DominantTheme)
	}
	return b.String()
}
