package lifecycle

import (
	"context"
	"fmt"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/prompt"
	"github.com/joescharf/fleet/internal/sessions"
	"github.com/joescharf/fleet/internal/stores"
)

// handleTerminal runs the cross-cutting side effects of a terminal
// transition: plan coordination, outcome capture, and retrospective
// spawning.
func (m *Manager) handleTerminal(ctx context.Context, projectID string, session *models.Session, old, newStatus models.Status) {
	st, err := m.stores.For(projectID)
	if err != nil {
		return
	}

	if newStatus == models.StatusMerged && session.PlanID != "" {
		m.coordinateMerge(ctx, st, projectID, session)
	}

	if session.PlanID != "" {
		complete, cerr := m.plans.CheckCompletion(ctx, projectID, session.PlanID)
		if cerr != nil {
			m.log.Warn("plan completion check", "plan", session.PlanID, "error", cerr)
		} else if complete {
			m.onPlanComplete(ctx, st, projectID, session)
		}
	}

	m.captureOutcome(ctx, st, projectID, session, old, newStatus)

	if newStatus != models.StatusMerged {
		if rc, ok := m.cfg.ReactionFor(projectID, "session-failed"); ok && rc.Action == config.ActionSpawnRetrospective && rc.IsAuto() {
			m.spawnRetrospective(ctx, st, projectID, session)
		}
	}
}

// coordinateMerge unlocks dependent plan tasks and tells every still-active
// sibling to rebase on the merged work.
func (m *Manager) coordinateMerge(ctx context.Context, st *stores.Project, projectID string, session *models.Session) {
	if spawned, err := m.plans.SpawnReadyTasks(ctx, projectID, session.PlanID); err != nil {
		m.log.Warn("spawn ready tasks", "plan", session.PlanID, "error", err)
	} else if len(spawned) > 0 {
		m.log.Info("unlocked plan tasks", "plan", session.PlanID, "sessions", spawned)
	}

	ref, err := m.cfg.Ref(projectID)
	if err != nil {
		return
	}
	prRef := session.PR
	if prRef == "" {
		prRef = session.Branch
	}
	message := prompt.RebaseMessage(prRef, ref.DefaultBranch)

	all, err := m.sessions.List(ctx, projectID)
	if err != nil {
		return
	}
	for _, sibling := range all {
		if sibling.ID == session.ID || sibling.PlanID != session.PlanID || sibling.Status.Terminal() {
			continue
		}
		// Best-effort and unthrottled; failures are logged, not retried.
		if err := m.sessions.Send(ctx, projectID, sibling.ID, message); err != nil {
			m.log.Warn("sibling rebase send", "sibling", sibling.ID, "error", err)
			continue
		}
		m.appendEvent(st, events.New(models.EventPlanRebaseSent, sibling.ID, projectID,
			fmt.Sprintf("rebase instruction sent to %s after %s merged", sibling.ID, session.ID),
			map[string]any{"planId": session.PlanID, "mergedSession": session.ID, "pr": prRef}))
	}
}

// onPlanComplete runs the plan-complete reaction, defaulting to a direct
// notification when none is configured.
func (m *Manager) onPlanComplete(ctx context.Context, st *stores.Project, projectID string, session *models.Session) {
	ev := events.New(models.EventPlanCompleted, session.ID, projectID,
		fmt.Sprintf("all tasks of plan %s reached a terminal state", session.PlanID),
		map[string]any{"planId": session.PlanID})

	if rc, ok := m.cfg.ReactionFor(projectID, "plan-complete"); ok && rc.IsAuto() {
		m.dispatchReaction(ctx, projectID, session, "plan-complete", rc, ev)
		return
	}
	m.notifyHumans(ctx, ev)
}

// spawnRetrospective starts an analysis session on a disposable branch for
// a session that ended without merging.
func (m *Manager) spawnRetrospective(ctx context.Context, st *stores.Project, projectID string, session *models.Session) {
	request := fmt.Sprintf(
		"Session %s on branch %s ended as %s without merging. Review its branch, PR (%s), and recent history; write a short retrospective: what went wrong, and what a future agent should do differently.",
		session.ID, session.Branch, session.Status, orDash(session.PR))

	retro, err := m.sessions.Spawn(ctx, sessions.SpawnOptions{
		ProjectID: projectID,
		Branch:    "retro/" + session.ID,
		Request:   request,
		Meta:      map[string]string{"planRole": "retrospective", "retroOf": session.ID},
	})
	if err != nil {
		m.log.Warn("spawn retrospective", "session", session.ID, "error", err)
		return
	}
	m.appendEvent(st, events.New(models.EventRetroSpawned, retro.ID, projectID,
		fmt.Sprintf("retrospective %s spawned for %s", retro.ID, session.ID),
		map[string]any{"retroOf": session.ID}))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// emitAllComplete emits summary.all_complete once when every session in a
// project is terminal, re-arming when a non-terminal session reappears.
func (m *Manager) emitAllComplete(ctx context.Context, projectID string, list []*models.Session) {
	anyLive := false
	for _, s := range list {
		if !s.Status.Terminal() {
			anyLive = true
			break
		}
	}

	m.mu.Lock()
	sent := m.allComplete[projectID]
	if anyLive {
		m.allComplete[projectID] = false
	}
	m.mu.Unlock()

	if anyLive || len(list) == 0 || sent {
		return
	}

	st, err := m.stores.For(projectID)
	if err != nil {
		return
	}
	ev := events.New(models.EventSummaryAllComplete, "", projectID,
		fmt.Sprintf("all %d sessions complete", len(list)), nil)
	m.appendEvent(st, ev)
	m.notifyHumans(ctx, ev)

	m.mu.Lock()
	m.allComplete[projectID] = true
	m.mu.Unlock()
}
