package lifecycle

import (
	"context"
	"fmt"

	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/metadata"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/stores"
)

// prBearing reports whether a status implies a PR whose CI is not failing
// (an open PR in any review state, or a merged one).
func prBearing(s models.Status) bool {
	switch s {
	case models.StatusPROpen, models.StatusReviewPending, models.StatusChangesRequested,
		models.StatusApproved, models.StatusMergeable, models.StatusMerged:
		return true
	}
	return false
}

// handleTransition persists the new status, records the transition event,
// and dispatches the configured reaction (or notifies humans directly).
func (m *Manager) handleTransition(ctx context.Context, projectID string, session *models.Session, old, newStatus models.Status) {
	st, err := m.stores.For(projectID)
	if err != nil {
		m.log.Warn("transition: stores", "project", projectID, "error", err)
		return
	}

	// 1. Persist the new status first: the metadata file always reflects
	// the last-persisted status.
	session.Status = newStatus
	session.Meta[metadata.KeyStatus] = string(newStatus)
	if err := st.Meta.Write(session.ID, session.Meta); err != nil {
		m.log.Warn("transition: persist status", "session", session.ID, "error", err)
		return
	}

	// 2. CI resolution bookkeeping feeds reaction analytics.
	if old == models.StatusCIFailed {
		attempt := m.trackerAttempts(projectID, session, "ci-failed")
		if prBearing(newStatus) {
			m.appendEvent(st, events.New(models.EventCIPassing, session.ID, projectID,
				fmt.Sprintf("CI recovered for %s", session.ID),
				map[string]any{"resolved": true, "attempt": attempt}))
		} else {
			m.appendEvent(st, events.New(models.EventCIFixFailed, session.ID, projectID,
				fmt.Sprintf("CI was never fixed before %s became %s", session.ID, newStatus),
				map[string]any{"attempt": attempt}))
		}
	}

	// 3. Re-entering a state later starts a fresh retry budget.
	if oldKey := models.ReactionKeyFor(models.StatusEventType(old)); oldKey != "" {
		m.clearTracker(projectID, session, oldKey)
	}

	// 4. Record the transition.
	evType := models.StatusEventType(newStatus)
	if evType == "" {
		return
	}
	data := map[string]any{"from": string(old), "to": string(newStatus)}
	if session.PlanID != "" {
		data["planId"] = session.PlanID
	}
	if session.PR != "" {
		data["pr"] = session.PR
	}
	if evType == models.EventCIFailing {
		if names := m.failingCheckNames(ctx, projectID, session); len(names) > 0 {
			data["failingChecks"] = names
		}
	}
	ev := events.New(evType, session.ID, projectID,
		fmt.Sprintf("%s: %s → %s", session.ID, old, newStatus), data)
	m.appendEvent(st, ev)

	// 5–6. Dispatch the configured reaction, else notify on priority.
	key := models.ReactionKeyFor(evType)
	rc, configured := m.cfg.ReactionFor(projectID, key)
	if key != "" && configured && rc.IsAuto() {
		m.dispatchReaction(ctx, projectID, session, key, rc, ev)
	} else if ev.Priority != models.PriorityInfo {
		m.notifyHumans(ctx, ev)
	}

	if newStatus.Terminal() {
		m.handleTerminal(ctx, projectID, session, old, newStatus)
	}
}

// failingCheckNames probes the current failing CI check names,
// best-effort.
func (m *Manager) failingCheckNames(ctx context.Context, projectID string, session *models.Session) []string {
	proj, err := m.cfg.Project(projectID)
	if err != nil || session.PR == "" {
		return nil
	}
	scm, ok := m.reg.SCM(proj.SCM)
	if !ok {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	checks, err := scm.CIChecks(probeCtx, &plugin.PR{URL: session.PR, Branch: session.Branch})
	if err != nil {
		return nil
	}
	var names []string
	for _, c := range checks {
		if c.Status == "failing" || c.Status == "failure" || c.Status == "failed" {
			names = append(names, c.Name)
		}
	}
	return names
}

// notifyHumans fans an event out to the notifiers routed for its
// priority. Per-notifier failures are swallowed.
func (m *Manager) notifyHumans(ctx context.Context, ev models.Event) {
	for _, name := range m.cfg.Routing.For(ev.Priority) {
		notifier, ok := m.reg.Notifier(name)
		if !ok {
			continue
		}
		nctx, cancel := context.WithTimeout(ctx, actionTimeout)
		if err := notifier.Notify(nctx, ev); err != nil {
			m.log.Warn("notify", "notifier", name, "event", ev.Type, "error", err)
		}
		cancel()
	}
}

func (m *Manager) appendEvent(st *stores.Project, ev models.Event) {
	if err := st.Events.Append(ev); err != nil {
		m.log.Warn("append event", "type", ev.Type, "session", ev.SessionID, "error", err)
	}
}
