package lifecycle

import (
	"context"
	"time"

	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/stores"
)

// outcomeFor maps a terminal transition to the outcome bucket. Sessions
// killed while stuck or errored record that previous state; any other
// kill records as killed. Done counts as a success alongside merged.
func outcomeFor(old, terminal models.Status) string {
	switch terminal {
	case models.StatusMerged, models.StatusDone:
		return "merged"
	case models.StatusErrored:
		return "errored"
	}
	switch old {
	case models.StatusStuck:
		return "stuck"
	case models.StatusErrored:
		return "errored"
	}
	return "killed"
}

// captureOutcome writes one outcome record summarizing the session's run:
// how it ended, how long it took, and how many CI and review rounds it
// burned.
func (m *Manager) captureOutcome(_ context.Context, st *stores.Project, projectID string, session *models.Session, old, terminal models.Status) {
	o := models.Outcome{
		SessionID: session.ID,
		ProjectID: projectID,
		Outcome:   outcomeFor(old, terminal),
		Cost:      session.AgentCost,
		PlanID:    session.PlanID,
		Timestamp: time.Now().UTC(),
	}
	if !session.CreatedAt.IsZero() {
		o.DurationMS = time.Since(session.CreatedAt).Milliseconds()
	}

	ciFailures, err := st.Events.Query(events.Filter{
		SessionID: session.ID,
		Types:     []string{models.EventCIFailing},
	})
	if err == nil {
		o.CIRetries = len(ciFailures)
		// Newest-first: the head carries the checks that were failing last.
		if len(ciFailures) > 0 {
			o.FailingChecks = checkNames(ciFailures[0].Data["failingChecks"])
		}
	}

	reviewRounds, err := st.Events.Query(events.Filter{
		SessionID: session.ID,
		Types:     []string{models.EventReviewChangesRequested},
	})
	if err == nil {
		o.ReviewRounds = len(reviewRounds)
	}

	if err := st.Outcomes.Append(o); err != nil {
		m.log.Warn("append outcome", "session", session.ID, "error", err)
	}
}

// checkNames tolerates both the in-process ([]string) and JSON round-trip
// ([]any) encodings of the failing-check list.
func checkNames(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
