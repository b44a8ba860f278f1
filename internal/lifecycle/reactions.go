package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/metadata"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/prompt"
	"github.com/joescharf/fleet/internal/sessions"
	"github.com/joescharf/fleet/internal/stores"
)

// defaultMessages are the static reaction messages used when the config
// provides none.
var defaultMessages = map[string]string{
	"ci-failed":         "CI is failing on your PR. Investigate the failing checks below, fix them, and push.",
	"changes-requested": "Your PR has review feedback requesting changes.",
	"needs-input":       "You appear to be waiting for input. Re-read your task; if you are genuinely blocked, say exactly what you need.",
	"stuck":             "You appear to be stuck. Summarize where you are and take the next concrete step.",
}

// dedupIndicators are conservative per-reaction keywords: if the agent's
// recent output already mentions the problem, the send is skipped.
var dedupIndicators = map[string][]string{
	"ci-failed":         {"ci fail", "fixing ci", "failing check", "lint error", "test fail", "fixing the build"},
	"changes-requested": {"address comment", "review feedback", "addressing review", "requested changes"},
}

// tracker returns (restoring from metadata when absent) the attempt state
// for a (session, reaction) pair.
func (m *Manager) tracker(projectID string, session *models.Session, key string) *reactionTracker {
	m.mu.Lock()
	defer m.mu.Unlock()

	sk := sessionKey(projectID, session.ID)
	if m.trackers[sk] == nil {
		m.trackers[sk] = make(map[string]*reactionTracker)
	}
	t, ok := m.trackers[sk][key]
	if !ok {
		t = &reactionTracker{
			attempts:       metadata.ReactionAttempts(session.Meta, key),
			firstTriggered: metadata.ReactionFirstTriggered(session.Meta, key),
		}
		m.trackers[sk][key] = t
	}
	return t
}

func (m *Manager) trackerAttempts(projectID string, session *models.Session, key string) int {
	return m.tracker(projectID, session, key).attempts
}

// clearTracker resets a reaction's retry budget in memory and metadata.
func (m *Manager) clearTracker(projectID string, session *models.Session, key string) {
	m.mu.Lock()
	delete(m.trackers[sessionKey(projectID, session.ID)], key)
	m.mu.Unlock()

	if !metadata.HasReactionTracker(session.Meta, key) {
		return
	}
	metadata.ClearReactionTracker(session.Meta, key)
	if st, err := m.stores.For(projectID); err == nil {
		if werr := st.Meta.Write(session.ID, session.Meta); werr != nil {
			m.log.Warn("clear reaction tracker", "session", session.ID, "error", werr)
		}
	}
}

// persistTracker mirrors the in-memory tracker into session metadata so a
// restart resumes the same budget.
func (m *Manager) persistTracker(st *stores.Project, session *models.Session, key string, t *reactionTracker) {
	metadata.SetReactionTracker(session.Meta, key, t.attempts, t.firstTriggered)
	if err := st.Meta.Write(session.ID, session.Meta); err != nil {
		m.log.Warn("persist reaction tracker", "session", session.ID, "error", err)
	}
}

// handleSteadyState re-dispatches the reaction governing an unchanged,
// non-terminal state. This is how retries accumulate: every cycle the
// session is still (say) ci_failed counts as another attempt.
func (m *Manager) handleSteadyState(ctx context.Context, projectID string, session *models.Session, status models.Status) {
	evType := models.StatusEventType(status)
	key := models.ReactionKeyFor(evType)
	if key == "" {
		return
	}
	rc, ok := m.cfg.ReactionFor(projectID, key)
	if !ok || !rc.IsAuto() {
		return
	}
	// Only message-based reactions retry while the state holds. Spawning
	// actions and notifications fire on the transition alone.
	if rc.Action != config.ActionSendToAgent {
		return
	}
	// Synthetic trigger: steady states record no transition event.
	trigger := events.New(evType, session.ID, projectID,
		fmt.Sprintf("%s still %s", session.ID, status), nil)
	m.dispatchReaction(ctx, projectID, session, key, rc, trigger)
}

// dispatchReaction runs one configured reaction with retry accounting and
// escalation. Ordering matters and is deliberate:
//
//  1. the attempt counter increments first, so a dedup-skipped send still
//     counts toward escalation (no infinite silent loops);
//  2. the dedup check runs next: an agent visibly working on the problem
//     defers intervention, including escalation;
//  3. escalation fires once retries or time are exhausted, instead of the
//     action.
func (m *Manager) dispatchReaction(ctx context.Context, projectID string, session *models.Session, key string, rc config.ReactionConfig, trigger models.Event) {
	st, err := m.stores.For(projectID)
	if err != nil {
		return
	}

	t := m.tracker(projectID, session, key)
	if t.escalated {
		return
	}
	t.attempts++
	if t.firstTriggered.IsZero() {
		t.firstTriggered = time.Now().UTC()
	}
	m.persistTracker(st, session, key, t)

	if rc.Action == config.ActionSendToAgent && m.dedupSkip(ctx, st, projectID, session, key, t) {
		return
	}

	escalate := t.attempts > rc.MaxRetries()
	if d, derr := config.ParseEscalateAfter(rc.EscalateAfter); derr == nil && d > 0 {
		if time.Since(t.firstTriggered) > d {
			escalate = true
		}
	}
	if escalate {
		t.escalated = true
		ev := events.New(models.EventReactionEscalated, session.ID, projectID,
			fmt.Sprintf("reaction %s escalated for %s after %d attempts", key, session.ID, t.attempts),
			map[string]any{"reactionKey": key, "attempts": t.attempts})
		ev.Priority = rc.EscalatePriority()
		m.appendEvent(st, ev)
		m.notifyHumans(ctx, ev)
		return
	}

	switch rc.Action {
	case config.ActionSendToAgent:
		m.reactSendToAgent(ctx, st, projectID, session, key, rc, t)
	case config.ActionNotify:
		m.reactNotify(ctx, st, projectID, session, key, rc, trigger)
	case config.ActionAutoMerge:
		// Merge is performed elsewhere; this iteration reduces to an
		// action-priority notification.
		ev := events.New(models.EventReactionTriggered, session.ID, projectID,
			fmt.Sprintf("%s is ready to merge", session.ID),
			map[string]any{"reactionKey": key, "action": rc.Action})
		ev.Priority = models.PriorityAction
		m.appendEvent(st, ev)
		m.notifyHumans(ctx, ev)
	case config.ActionSpawnReview:
		m.reactSpawnReview(ctx, st, projectID, session, key)
	case config.ActionReviewGate:
		m.reactReviewGate(ctx, st, projectID, session, key)
	case config.ActionSpawnReconciliation:
		if m.recon != nil {
			actx, cancel := context.WithTimeout(ctx, actionTimeout)
			if err := m.recon.SpawnReconciliation(actx, projectID, session.PlanID); err != nil {
				m.log.Warn("spawn reconciliation", "plan", session.PlanID, "error", err)
			}
			cancel()
		} else {
			m.notifyHumans(ctx, trigger)
		}
	case config.ActionSpawnRetrospective:
		m.spawnRetrospective(ctx, st, projectID, session)
	}
}

// outputMentions reports whether the agent's recent output already talks
// about the triggering problem.
func outputMentions(output string, key string) bool {
	indicators := dedupIndicators[key]
	if len(indicators) == 0 {
		return false
	}
	lower := strings.ToLower(output)
	for _, ind := range indicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// dedupSkip looks at the terminal tail for signs the agent is already
// addressing the event. A match records a skipped reaction.triggered
// event; the already-incremented attempt counter keeps feeding escalation.
func (m *Manager) dedupSkip(ctx context.Context, st *stores.Project, projectID string, session *models.Session, key string, t *reactionTracker) bool {
	proj, err := m.cfg.Project(projectID)
	if err != nil || session.RuntimeHandle == "" {
		return false
	}
	runtime, ok := m.reg.Runtime(m.cfg.RuntimeName(proj))
	if !ok {
		return false
	}
	handle, err := plugin.DecodeHandle(session.RuntimeHandle)
	if err != nil {
		return false
	}
	output, err := runtime.Output(ctx, handle, dedupOutputLines)
	if err != nil || !outputMentions(output, key) {
		return false
	}
	m.appendEvent(st, events.New(models.EventReactionTriggered, session.ID, projectID,
		fmt.Sprintf("reaction %s skipped: agent already addressing it", key),
		map[string]any{"reactionKey": key, "skipped": true, "attempt": t.attempts}))
	return true
}

// reactSendToAgent delivers a (possibly enriched) fix message to the
// session's agent.
func (m *Manager) reactSendToAgent(ctx context.Context, st *stores.Project, projectID string, session *models.Session, key string, rc config.ReactionConfig, t *reactionTracker) {
	base := rc.Message
	if base == "" {
		base = defaultMessages[key]
	}

	message := base
	var failingChecks []string
	if key == "ci-failed" {
		message, failingChecks = m.enrichCIMessage(ctx, st, projectID, session, base, t.attempts)
	}

	if err := m.sessions.Send(ctx, projectID, session.ID, message); err != nil {
		m.log.Warn("reaction send", "session", session.ID, "reaction", key, "error", err)
		return
	}

	if key == "ci-failed" {
		// Seed the next attempt's diff with what is failing right now.
		data := map[string]any{"attempt": t.attempts}
		if len(failingChecks) > 0 {
			data["failingChecks"] = failingChecks
		}
		m.appendEvent(st, events.New(models.EventCIFixSent, session.ID, projectID,
			fmt.Sprintf("CI fix instructions sent to %s (attempt %d)", session.ID, t.attempts), data))
		return
	}
	m.appendEvent(st, events.New(models.EventReactionTriggered, session.ID, projectID,
		fmt.Sprintf("reaction %s sent to %s", key, session.ID),
		map[string]any{"reactionKey": key, "attempt": t.attempts}))
}

// enrichCIMessage builds the full CI-fix message: classified failing
// checks, PR size, sibling-merge notes, and an attempt analysis when a
// previous fix was sent.
func (m *Manager) enrichCIMessage(ctx context.Context, st *stores.Project, projectID string, session *models.Session, base string, attempt int) (string, []string) {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return base, nil
	}

	cc := prompt.CIFixContext{BaseMessage: base, Attempt: attempt}

	if scm, ok := m.reg.SCM(proj.SCM); ok && session.PR != "" {
		pr := &plugin.PR{URL: session.PR, Branch: session.Branch}

		pctx, cancel := probeContext(ctx)
		if checks, cerr := scm.CIChecks(pctx, pr); cerr == nil {
			for _, c := range checks {
				if c.Status == "failing" || c.Status == "failure" || c.Status == "failed" {
					cc.FailingChecks = append(cc.FailingChecks, c)
				}
			}
		}
		cancel()

		pctx, cancel = probeContext(ctx)
		if sum, serr := scm.PRSummary(pctx, pr); serr == nil {
			cc.PRSize = &sum
		}
		cancel()
	}

	if session.PlanID != "" {
		cc.SiblingMerges = m.siblingMergeRefs(st, session.PlanID, session.ID)
	}

	if prev, found := m.lastFixSentChecks(st, session.ID); found {
		cc.PreviousChecks = prev
	}

	names := make([]string, 0, len(cc.FailingChecks))
	for _, c := range cc.FailingChecks {
		names = append(names, c.Name)
	}
	return prompt.CIFixMessage(cc), names
}

func probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, probeTimeout)
}

// lastFixSentChecks returns the failing-check names carried by the most
// recent ci.fix_sent event for the session. The second return is false
// when no fix was ever sent.
func (m *Manager) lastFixSentChecks(st *stores.Project, sessionID string) ([]string, bool) {
	evs, err := st.Events.Query(events.Filter{
		SessionID: sessionID,
		Types:     []string{models.EventCIFixSent},
		Limit:     1,
	})
	if err != nil || len(evs) == 0 {
		return nil, false
	}
	raw, _ := evs[0].Data["failingChecks"].([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	// Data written in-process carries []string, not []any.
	if len(names) == 0 {
		if direct, ok := evs[0].Data["failingChecks"].([]string); ok {
			names = direct
		}
	}
	return names, true
}

// siblingMergeRefs lists PR references merged by plan siblings, most
// recent first.
func (m *Manager) siblingMergeRefs(st *stores.Project, planID, excludeSession string) []string {
	evs, err := st.Events.Query(events.Filter{Types: []string{models.EventPRMerged}, Limit: 10})
	if err != nil {
		return nil
	}
	var refs []string
	for _, ev := range evs {
		if ev.SessionID == excludeSession {
			continue
		}
		if pid, _ := ev.Data["planId"].(string); pid != planID {
			continue
		}
		if ref, _ := ev.Data["pr"].(string); ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// reactNotify records the reaction and fans it out at the configured
// priority.
func (m *Manager) reactNotify(ctx context.Context, st *stores.Project, projectID string, session *models.Session, key string, rc config.ReactionConfig, trigger models.Event) {
	message := rc.Message
	if message == "" {
		message = trigger.Message
	}
	ev := events.New(models.EventReactionTriggered, session.ID, projectID, message,
		map[string]any{"reactionKey": key, "sourceType": trigger.Type})
	if rc.Priority != "" {
		ev.Priority = rc.Priority
	} else {
		ev.Priority = trigger.Priority
	}
	m.appendEvent(st, ev)
	m.notifyHumans(ctx, ev)
}

// reactSpawnReview spawns a review session for a freshly-created PR,
// inlining the plan task's constraints and acceptance criteria when the
// session belongs to a plan.
func (m *Manager) reactSpawnReview(ctx context.Context, st *stores.Project, projectID string, session *models.Session, key string) {
	var taskSection string
	if session.PlanID != "" {
		if plan, err := m.plans.Get(projectID, session.PlanID); err == nil {
			if task := plan.Task(session.Meta["planTask"]); task != nil {
				taskSection = prompt.TaskContext{
					Title:              task.Title,
					Description:        task.Description,
					AcceptanceCriteria: task.AcceptanceCriteria,
					Constraints:        task.Constraints,
					AffectedFiles:      task.AffectedFiles,
					SharedContext:      task.SharedContext,
				}.Section()
			}
		}
	}

	request := fmt.Sprintf("Review the PR %s (branch %s). Check correctness, tests, and scope. Post a review with APPROVE or REQUEST_CHANGES and concrete comments.", session.PR, session.Branch)

	reviewer, err := m.sessions.Spawn(ctx, sessions.SpawnOptions{
		ProjectID: projectID,
		Branch:    "review/" + session.ID,
		Request:   request,
		PlanID:    session.PlanID,
		Extra:     taskSection,
		Meta:      map[string]string{"planRole": "review", "reviewOf": session.ID},
	})
	if err != nil {
		m.log.Warn("spawn review", "session", session.ID, "error", err)
		return
	}
	m.appendEvent(st, events.New(models.EventReviewSpawned, reviewer.ID, projectID,
		fmt.Sprintf("review session %s spawned for %s", reviewer.ID, session.ID),
		map[string]any{"reactionKey": key, "reviewOf": session.ID}))
}

// reactReviewGate forwards review feedback to the original coding
// session.
func (m *Manager) reactReviewGate(ctx context.Context, st *stores.Project, projectID string, session *models.Session, key string) {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return
	}
	scm, ok := m.reg.SCM(proj.SCM)
	if !ok || session.PR == "" {
		return
	}
	pr := &plugin.PR{URL: session.PR, Branch: session.Branch}

	feedback := prompt.ReviewFeedback{}

	pctx, cancel := probeContext(ctx)
	if reviews, rerr := scm.Reviews(pctx, pr); rerr == nil {
		feedback.Reviews = reviews
	}
	cancel()

	pctx, cancel = probeContext(ctx)
	if comments, cerr := scm.PendingComments(pctx, pr); cerr == nil {
		feedback.PendingComments = comments
	}
	cancel()

	if session.PlanID != "" {
		if refs := m.siblingMergeRefs(st, session.PlanID, session.ID); len(refs) > 0 {
			ref, rerr := m.cfg.Ref(projectID)
			branch := "main"
			if rerr == nil {
				branch = ref.DefaultBranch
			}
			feedback.RebaseHint = prompt.RebaseMessage(refs[0], branch)
		}
	}

	if err := m.sessions.Send(ctx, projectID, session.ID, feedback.Message()); err != nil {
		m.log.Warn("review gate send", "session", session.ID, "error", err)
		return
	}

	rounds := metadata.ReviewAttempts(session.Meta) + 1
	metadata.SetReviewAttempts(session.Meta, rounds)
	if err := st.Meta.Write(session.ID, session.Meta); err != nil {
		m.log.Warn("persist review attempts", "session", session.ID, "error", err)
	}

	m.appendEvent(st, events.New(models.EventReviewFeedbackSent, session.ID, projectID,
		fmt.Sprintf("review feedback forwarded to %s (round %d)", session.ID, rounds),
		map[string]any{"reactionKey": key, "round": rounds}))
}
