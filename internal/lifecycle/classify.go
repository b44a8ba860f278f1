package lifecycle

import (
	"context"

	"github.com/joescharf/fleet/internal/metadata"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plugin"
)

// classify evaluates the probe pipeline in strict priority order and
// returns the first definitive status. Probe failures are conservative:
// they preserve the current status rather than coercing to working.
func (m *Manager) classify(ctx context.Context, projectID string, session *models.Session, old models.Status) models.Status {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return old
	}

	runtime, haveRuntime := m.reg.Runtime(m.cfg.RuntimeName(proj))
	agent, haveAgent := m.reg.Agent(m.cfg.AgentName(proj))

	var handle plugin.Handle
	haveHandle := false
	if session.RuntimeHandle != "" {
		if h, err := plugin.DecodeHandle(session.RuntimeHandle); err == nil {
			handle = h
			haveHandle = true
		}
	}

	// 1. Runtime liveness.
	if haveRuntime && haveHandle {
		if !runtime.IsAlive(ctx, handle) {
			return models.StatusKilled
		}
	}

	// 2. Activity probe, only when there is terminal output to judge.
	if haveRuntime && haveAgent && haveHandle {
		output, err := runtime.Output(ctx, handle, 50)
		if err != nil {
			// Probe failure: never demote a session that already needs
			// human attention.
			if old == models.StatusStuck || old == models.StatusNeedsInput {
				return old
			}
		} else if output != "" {
			if _, aerr := agent.ActivityState(ctx, session); aerr != nil {
				if old == models.StatusStuck || old == models.StatusNeedsInput {
					return old
				}
			} else {
				switch agent.DetectActivity(output) {
				case models.ActivityWaitingInput:
					return models.StatusNeedsInput
				default:
					// Checked for both idle and active output: some agents
					// leave output behind after the process exits.
					if !agent.IsProcessRunning(ctx, handle) {
						return models.StatusKilled
					}
				}
			}
		}
	}

	scm, haveSCM := m.reg.SCM(proj.SCM)
	ref, rerr := m.cfg.Ref(projectID)

	// 3. PR auto-detect: persist in the same cycle, then fall through so
	// the PR state can classify immediately.
	if session.PR == "" && haveSCM && rerr == nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		pr, derr := scm.DetectPR(probeCtx, session, ref)
		cancel()
		if derr == nil && pr != nil && pr.URL != "" {
			session.PR = pr.URL
			session.Meta[metadata.KeyPR] = pr.URL
			if st, serr := m.stores.For(projectID); serr == nil {
				if werr := st.Meta.Set(session.ID, metadata.KeyPR, pr.URL); werr != nil {
					m.log.Warn("persist detected pr", "session", session.ID, "error", werr)
				}
			}
		}
	}

	// 4. PR state.
	if session.PR != "" && haveSCM {
		if status, ok := m.classifyPR(ctx, scm, session, old); ok {
			return status
		}
		return old // probe failed; retry next cycle
	}

	// 5. Fallback: live runtime and no PR signal.
	switch old {
	case models.StatusSpawning, models.StatusStuck, models.StatusNeedsInput:
		return models.StatusWorking
	}
	return old
}

// classifyPR derives a status from the PR's state, CI, review decision,
// and mergeability. The second return is false when a probe failed.
func (m *Manager) classifyPR(ctx context.Context, scm plugin.SCM, session *models.Session, old models.Status) (models.Status, bool) {
	pr := &plugin.PR{URL: session.PR, Branch: session.Branch}

	probe := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, probeTimeout)
	}

	pctx, cancel := probe()
	state, err := scm.PRState(pctx, pr)
	cancel()
	if err != nil {
		return old, false
	}
	switch state {
	case plugin.PRStateMerged:
		return models.StatusMerged, true
	case plugin.PRStateClosed:
		return models.StatusKilled, true
	}

	pctx, cancel = probe()
	ci, err := scm.CISummary(pctx, pr)
	cancel()
	if err != nil {
		return old, false
	}
	if ci == plugin.CIFailing {
		return models.StatusCIFailed, true
	}

	pctx, cancel = probe()
	decision, err := scm.ReviewDecision(pctx, pr)
	cancel()
	if err != nil {
		return old, false
	}
	switch decision {
	case plugin.ReviewChangesRequested:
		return models.StatusChangesRequested, true
	case plugin.ReviewApproved:
		pctx, cancel = probe()
		mergeable, merr := scm.Mergeability(pctx, pr)
		cancel()
		if merr == nil && mergeable.Mergeable {
			return models.StatusMergeable, true
		}
		return models.StatusApproved, true
	case plugin.ReviewPending:
		return models.StatusReviewPending, true
	}
	return models.StatusPROpen, true
}
