// Package prompt composes the message sections the lifecycle and plan
// services send to agents. Prompt text for fresh agent spawns is built by
// the host's PromptBuilder; this package only handles the supervisory
// enrichments: CI failure analysis, review feedback, rebase instructions,
// and plan context bundles.
package prompt

import (
	"fmt"
	"strings"

	"github.com/joescharf/fleet/internal/classify"
	"github.com/joescharf/fleet/internal/plugin"
)

// CIFixContext carries everything known about a CI failure when composing
// the fix message.
type CIFixContext struct {
	BaseMessage    string
	FailingChecks  []plugin.CICheck
	PRSize         *plugin.PRSummary
	SiblingMerges  []string // PR references merged by plan siblings since last attempt
	PreviousChecks []string // failing check names from the previous fix attempt, nil if first
	Attempt        int
}

// CIFixMessage renders the enriched CI-fix message sent to the coding
// agent.
func CIFixMessage(c CIFixContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(c.BaseMessage))
	b.WriteString("\n\n")

	names := make([]string, 0, len(c.FailingChecks))
	for _, check := range c.FailingChecks {
		names = append(names, check.Name)
	}
	if section := classify.FormatClassifiedErrors(names); section != "" {
		b.WriteString(section)
		b.WriteString("\n")
	}
	for _, check := range c.FailingChecks {
		if check.URL != "" {
			fmt.Fprintf(&b, "Log for %s: %s\n", check.Name, check.URL)
		}
	}

	if c.PRSize != nil {
		fmt.Fprintf(&b, "\nPR size: +%d/-%d lines.\n", c.PRSize.Additions, c.PRSize.Deletions)
	}

	if len(c.SiblingMerges) > 0 {
		fmt.Fprintf(&b, "\nNote: sibling work merged recently (%s); rebase before pushing if CI failures look unrelated to your changes.\n",
			strings.Join(c.SiblingMerges, ", "))
	}

	if c.PreviousChecks != nil {
		b.WriteString("\n")
		b.WriteString(AttemptAnalysis(c.PreviousChecks, names, c.Attempt))
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

// AttemptAnalysis diffs the previous attempt's failing check names against
// the current ones.
func AttemptAnalysis(previous, current []string, attempt int) string {
	prev := toSet(previous)
	cur := toSet(current)

	var stillFailing, nowPassing, newFailures []string
	for _, name := range previous {
		if cur[name] {
			stillFailing = append(stillFailing, name)
		} else {
			nowPassing = append(nowPassing, name)
		}
	}
	for _, name := range current {
		if !prev[name] {
			newFailures = append(newFailures, name)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### Attempt analysis (attempt %d)\n", attempt)
	if len(stillFailing) > 0 {
		fmt.Fprintf(&b, "Still failing after the last fix: %s. The previous approach did not address these.\n",
			strings.Join(stillFailing, ", "))
	}
	if len(nowPassing) > 0 {
		fmt.Fprintf(&b, "Now passing: %s.\n", strings.Join(nowPassing, ", "))
	}
	if len(newFailures) > 0 {
		fmt.Fprintf(&b, "New failures introduced since the last attempt: %s.\n",
			strings.Join(newFailures, ", "))
	}
	return b.String()
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// RebaseMessage is the instruction sent to active plan siblings after a
// dependency or sibling PR merges.
func RebaseMessage(prRef, defaultBranch string) string {
	return fmt.Sprintf(
		"A sibling PR (%s) just merged into %s. Rebase your branch on the latest %s and resolve any conflicts before continuing.",
		prRef, defaultBranch, defaultBranch)
}

// ReviewFeedback renders the changes-requested feedback message for the
// original coding session.
type ReviewFeedback struct {
	Reviews         []plugin.Review
	PendingComments []plugin.Comment
	RebaseHint      string // non-empty when siblings merged since the PR opened
}

// Message composes the review-gate feedback message.
func (r ReviewFeedback) Message() string {
	var b strings.Builder
	b.WriteString("Your PR received review feedback that requests changes. Address every point, push, and re-request review.\n")

	for _, rev := range r.Reviews {
		body := strings.TrimSpace(rev.Body)
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "\nReview (%s):\n%s\n", rev.State, body)
	}
	if len(r.PendingComments) > 0 {
		b.WriteString("\nInline comments:\n")
		for _, c := range r.PendingComments {
			loc := ""
			if c.Path != "" {
				loc = c.Path
				if c.Line > 0 {
					loc = fmt.Sprintf("%s:%d", c.Path, c.Line)
				}
				loc += ": "
			}
			fmt.Fprintf(&b, "- %s%s\n", loc, strings.TrimSpace(c.Body))
		}
	}
	if r.RebaseHint != "" {
		b.WriteString("\n")
		b.WriteString(r.RebaseHint)
		b.WriteString("\n")
	}
	return b.String()
}

// TaskContext is the plan-derived context inlined into spawned task and
// review prompts.
type TaskContext struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	Constraints        []string
	AffectedFiles      []string
	SharedContext      string
}

// Section renders the task context as a prompt fragment.
func (t TaskContext) Section() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task: %s\n\n%s\n", t.Title, strings.TrimSpace(t.Description))
	writeList := func(header string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:\n", header)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	writeList("Acceptance criteria", t.AcceptanceCriteria)
	writeList("Constraints", t.Constraints)
	writeList("Files likely involved", t.AffectedFiles)
	if t.SharedContext != "" {
		fmt.Fprintf(&b, "\nShared context:\n%s\n", strings.TrimSpace(t.SharedContext))
	}
	return b.String()
}

// SiblingContext describes one active sibling session for a task spawn.
type SiblingContext struct {
	SessionID string
	Branch    string
	Title     string
}

// SiblingSection renders the active-siblings fragment.
func SiblingSection(siblings []SiblingContext) string {
	if len(siblings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Work in flight\n\nOther agents are working in parallel on the same plan:\n")
	for _, s := range siblings {
		title := s.Title
		if title == "" {
			title = s.SessionID
		}
		fmt.Fprintf(&b, "- %s (branch %s)\n", title, s.Branch)
	}
	b.WriteString("\nAvoid touching their areas where possible.\n")
	return b.String()
}

// DependencyDiff summarizes one merged dependency PR.
type DependencyDiff struct {
	TaskTitle string
	PRRef     string
	Additions int
	Deletions int
}

// DependencySection renders the merged-dependencies fragment.
func DependencySection(diffs []DependencyDiff) string {
	if len(diffs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Merged dependencies\n\nThese prerequisite tasks are already merged; build on top of them:\n")
	for _, d := range diffs {
		fmt.Fprintf(&b, "- %s (%s, +%d/-%d)\n", d.TaskTitle, d.PRRef, d.Additions, d.Deletions)
	}
	return b.String()
}

// LessonsSection wraps a rendered lessons summary for prompt inclusion.
func LessonsSection(lessons string) string {
	lessons = strings.TrimSpace(lessons)
	if lessons == "" {
		return ""
	}
	return "## Lessons from previous sessions\n\n" + lessons + "\n"
}
