// Package plans runs the parallel-task workflow: a planning agent breaks a
// feature into a DAG of tasks, approval turns tasks into tracker issues and
// coding sessions, and merges unlock dependent tasks.
package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/fleeterr"
	"github.com/joescharf/fleet/internal/lessons"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/prompt"
	"github.com/joescharf/fleet/internal/sessions"
	"github.com/joescharf/fleet/internal/stores"
)

// claudeMDExcerptLimit caps how much of a project's CLAUDE.md is inlined
// into task prompts.
const claudeMDExcerptLimit = 4096

// Service implements the plan workflow.
type Service struct {
	cfg      *config.Config
	reg      *plugin.Registry
	stores   *stores.Set
	sessions *sessions.Manager
	log      *slog.Logger

	// mu serializes plan-file read-modify-write sequences: two siblings
	// merging in the same poll cycle must not both spawn the task they
	// unlock.
	mu sync.Mutex
}

// NewService creates a plan service.
func NewService(cfg *config.Config, reg *plugin.Registry, set *stores.Set, mgr *sessions.Manager, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, reg: reg, stores: set, sessions: mgr, log: log}
}

// Get loads one plan.
func (s *Service) Get(projectID, planID string) (*models.Plan, error) {
	st, err := s.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	return readPlan(st.Layout, planID)
}

// List returns all plans in a project.
func (s *Service) List(projectID string) ([]*models.Plan, error) {
	st, err := s.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	ids, err := listPlanIDs(st.Layout)
	if err != nil {
		return nil, err
	}
	var out []*models.Plan
	for _, id := range ids {
		p, err := readPlan(st.Layout, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Create spawns a planning agent on a disposable plan/<id> branch and
// records the plan in planning state.
func (s *Service) Create(ctx context.Context, projectID, title, request string) (*models.Plan, error) {
	if _, err := s.cfg.Project(projectID); err != nil {
		return nil, err
	}
	st, err := s.stores.For(projectID)
	if err != nil {
		return nil, err
	}

	planID := "plan-" + strings.ToLower(events.NewID())[:12]
	outputPath := st.Layout.PlanOutputFile(planID)

	session, err := s.sessions.Spawn(ctx, sessions.SpawnOptions{
		ProjectID: projectID,
		Branch:    "plan/" + planID,
		Request:   planningRequest(title, request, outputPath),
		PlanID:    planID,
		Meta:      map[string]string{"planRole": "planning"},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn planning session: %w", err)
	}

	plan := &models.Plan{
		ID:                planID,
		ProjectID:         projectID,
		Status:            models.PlanStatusPlanning,
		Title:             title,
		PlanningSessionID: session.ID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := writePlan(st.Layout, plan); err != nil {
		return nil, err
	}

	s.appendEvent(st, events.New(models.EventPlanCreated, session.ID, projectID,
		fmt.Sprintf("plan %s created: %s", planID, title), map[string]any{"planId": planID}))
	return plan, nil
}

func planningRequest(title, request, outputPath string) string {
	return fmt.Sprintf(`Break the following feature into independently mergeable tasks.

Feature: %s

%s

Write the result as JSON to %s with the shape
{"tasks":[{"id","title","description","acceptanceCriteria":[],"scope":"small|medium","dependsOn":[],"affectedFiles":[],"constraints":[],"sharedContext"}]}.
Dependencies must form a DAG. Prefer small tasks; use medium only when splitting would create artificial seams.`,
		title, strings.TrimSpace(request), outputPath)
}

// planOutput is the planning agent's drop-box document.
type planOutput struct {
	Title string        `json:"title"`
	Tasks []models.Task `json:"tasks"`
}

// CheckPlanning advances a planning-state plan: the drop-box appearing
// makes it ready; the planning session dying without output fails it.
// Safe to call repeatedly.
func (s *Service) CheckPlanning(ctx context.Context, projectID, planID string, planningSessionDead bool) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	plan, err := readPlan(st.Layout, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusPlanning {
		return plan, nil
	}

	data, err := os.ReadFile(st.Layout.PlanOutputFile(planID))
	switch {
	case err == nil:
		var out planOutput
		if jerr := json.Unmarshal(data, &out); jerr != nil {
			return nil, fmt.Errorf("parse plan output %s: %w", planID, jerr)
		}
		if derr := validateDAG(out.Tasks); derr != nil {
			return nil, fmt.Errorf("plan %s: %w", planID, derr)
		}
		plan.Tasks = out.Tasks
		if plan.Title == "" {
			plan.Title = out.Title
		}
		plan.Status = models.PlanStatusReady
		if err := writePlan(st.Layout, plan); err != nil {
			return nil, err
		}
		s.appendEvent(st, events.New(models.EventPlanReady, plan.PlanningSessionID, projectID,
			fmt.Sprintf("plan %s ready with %d tasks", planID, len(plan.Tasks)), map[string]any{"planId": planID}))

	case os.IsNotExist(err) && planningSessionDead:
		plan.Status = models.PlanStatusFailed
		if err := writePlan(st.Layout, plan); err != nil {
			return nil, err
		}
		s.appendEvent(st, events.New(models.EventPlanFailed, plan.PlanningSessionID, projectID,
			fmt.Sprintf("plan %s failed: planning session exited without output", planID), map[string]any{"planId": planID}))

	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read plan output: %w", err)
	}
	return plan, nil
}

// Approve moves a ready plan to executing: tracker issues are created per
// task (continuing past per-task failures) and dependency-free tasks are
// spawned immediately.
func (s *Service) Approve(ctx context.Context, projectID, planID string) (*models.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	proj, err := s.cfg.Project(projectID)
	if err != nil {
		return nil, err
	}
	ref, err := s.cfg.Ref(projectID)
	if err != nil {
		return nil, err
	}
	st, err := s.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	plan, err := readPlan(st.Layout, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusReady {
		return nil, fmt.Errorf("%w: plan %s is %s, want ready", fleeterr.ErrPlanState, planID, plan.Status)
	}

	now := time.Now().UTC()
	plan.Status = models.PlanStatusApproved
	plan.ApprovedAt = &now
	if err := writePlan(st.Layout, plan); err != nil {
		return nil, err
	}
	s.appendEvent(st, events.New(models.EventPlanApproved, plan.PlanningSessionID, projectID,
		fmt.Sprintf("plan %s approved", planID), map[string]any{"planId": planID}))

	if tracker, ok := s.reg.Tracker(proj.Tracker); ok {
		for i := range plan.Tasks {
			task := &plan.Tasks[i]
			issue, err := tracker.CreateIssue(ctx, plugin.IssueRequest{
				Title: task.Title,
				Body:  issueBody(task),
			}, ref)
			if err != nil {
				task.Error = fmt.Sprintf("create issue: %v", err)
				continue
			}
			task.IssueNumber = issue.Number
			task.IssueURL = issue.URL
		}
	}

	plan.Status = models.PlanStatusExecuting
	if err := writePlan(st.Layout, plan); err != nil {
		return nil, err
	}

	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if len(task.DependsOn) > 0 || task.SessionID != "" {
			continue
		}
		// A task whose issue could not be created stays sessionless; it
		// neither executes nor blocks plan completion.
		if task.Error != "" {
			continue
		}
		if err := s.spawnTask(ctx, st, plan, task, nil, nil); err != nil {
			task.Error = err.Error()
			s.log.Warn("spawn plan task", "plan", planID, "task", task.ID, "error", err)
		}
	}
	if err := writePlan(st.Layout, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func issueBody(task *models.Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(task.Description))
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\n\nAcceptance criteria:\n")
		for _, ac := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac)
		}
	}
	return b.String()
}

// spawnTask spawns one coding session for a task, enriching the prompt
// with the task context, project lessons, and (when provided) sibling and
// dependency fragments.
func (s *Service) spawnTask(ctx context.Context, st *stores.Project, plan *models.Plan, task *models.Task, siblings []prompt.SiblingContext, depDiffs []prompt.DependencyDiff) error {
	sections := []string{
		prompt.TaskContext{
			Title:              task.Title,
			Description:        task.Description,
			AcceptanceCriteria: task.AcceptanceCriteria,
			Constraints:        task.Constraints,
			AffectedFiles:      task.AffectedFiles,
			SharedContext:      task.SharedContext,
		}.Section(),
	}
	if bundle := s.contextBundle(plan.ProjectID, st); bundle != "" {
		sections = append(sections, bundle)
	}
	if frag := prompt.SiblingSection(siblings); frag != "" {
		sections = append(sections, frag)
	}
	if frag := prompt.DependencySection(depDiffs); frag != "" {
		sections = append(sections, frag)
	}

	session, err := s.sessions.Spawn(ctx, sessions.SpawnOptions{
		ProjectID: plan.ProjectID,
		Branch:    plan.ID + "/" + task.ID,
		Request:   fmt.Sprintf("Implement task %s of plan %s.", task.ID, plan.ID),
		PlanID:    plan.ID,
		Extra:     strings.Join(sections, "\n\n"),
		Meta:      map[string]string{"planTask": task.ID},
	})
	if err != nil {
		return err
	}
	task.SessionID = session.ID
	task.Error = ""

	s.appendEvent(st, events.New(models.EventPlanTaskSpawned, session.ID, plan.ProjectID,
		fmt.Sprintf("task %s of plan %s spawned as %s", task.ID, plan.ID, session.ID),
		map[string]any{"planId": plan.ID, "taskId": task.ID}))
	return nil
}

// contextBundle joins the project's CLAUDE.md excerpt with aggregated
// lessons.
func (s *Service) contextBundle(projectID string, st *stores.Project) string {
	var parts []string
	if proj, err := s.cfg.Project(projectID); err == nil && proj.Path != "" {
		if excerpt := claudeExcerpt(proj.Path); excerpt != "" {
			parts = append(parts, "## Project conventions\n\n"+excerpt)
		}
	}
	if recent, err := st.Outcomes.Recent(lessons.DefaultWindow); err == nil {
		if rendered := lessons.Render(lessons.Aggregate(recent)); rendered != "" {
			parts = append(parts, prompt.LessonsSection(rendered))
		}
	}
	return strings.Join(parts, "\n\n")
}

func claudeExcerpt(projectPath string) string {
	data, err := os.ReadFile(filepath.Join(projectPath, "CLAUDE.md"))
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(text) > claudeMDExcerptLimit {
		text = text[:claudeMDExcerptLimit] + "\n[truncated]"
	}
	return text
}

// SpawnReadyTasks spawns every pending task whose dependencies have all
// merged. Invoked by the lifecycle manager after a plan session merges.
// Returns the spawned session ids.
func (s *Service) SpawnReadyTasks(ctx context.Context, projectID, planID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	plan, err := readPlan(st.Layout, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusExecuting {
		return nil, nil
	}

	statusOf := func(sessionID string) models.Status {
		if sessionID == "" {
			return ""
		}
		session, err := s.sessions.Get(projectID, sessionID)
		if err != nil {
			return ""
		}
		return session.Status
	}

	var spawned []string
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.SessionID != "" || len(task.DependsOn) == 0 || task.Error != "" {
			continue
		}
		ready := true
		for _, dep := range task.DependsOn {
			depTask := plan.Task(dep)
			if depTask == nil || statusOf(depTask.SessionID) != models.StatusMerged {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}

		siblings := s.activeSiblings(ctx, projectID, planID)
		depDiffs := s.dependencyDiffs(ctx, projectID, plan, task)
		if err := s.spawnTask(ctx, st, plan, task, siblings, depDiffs); err != nil {
			task.Error = err.Error()
			s.log.Warn("spawn ready task", "plan", planID, "task", task.ID, "error", err)
			continue
		}
		spawned = append(spawned, task.SessionID)
	}

	if err := writePlan(st.Layout, plan); err != nil {
		return spawned, err
	}
	return spawned, nil
}

// activeSiblings lists non-terminal sessions in the same plan.
func (s *Service) activeSiblings(ctx context.Context, projectID, planID string) []prompt.SiblingContext {
	all, err := s.sessions.List(ctx, projectID)
	if err != nil {
		return nil
	}
	var out []prompt.SiblingContext
	for _, session := range all {
		if session.PlanID != planID || session.Status.Terminal() {
			continue
		}
		out = append(out, prompt.SiblingContext{
			SessionID: session.ID,
			Branch:    session.Branch,
			Title:     session.AgentSummary,
		})
	}
	return out
}

// dependencyDiffs collects diff stats of the task's merged dependency PRs.
// Best-effort: a missing SCM plugin or probe failure just omits the stats.
func (s *Service) dependencyDiffs(ctx context.Context, projectID string, plan *models.Plan, task *models.Task) []prompt.DependencyDiff {
	proj, err := s.cfg.Project(projectID)
	if err != nil {
		return nil
	}
	scm, ok := s.reg.SCM(proj.SCM)
	if !ok {
		return nil
	}

	var out []prompt.DependencyDiff
	for _, dep := range task.DependsOn {
		depTask := plan.Task(dep)
		if depTask == nil || depTask.SessionID == "" {
			continue
		}
		session, err := s.sessions.Get(projectID, depTask.SessionID)
		if err != nil || session.PR == "" {
			continue
		}
		pr := &plugin.PR{URL: session.PR, Branch: session.Branch}
		diff := prompt.DependencyDiff{TaskTitle: depTask.Title, PRRef: session.PR}
		if sum, err := scm.PRSummary(ctx, pr); err == nil {
			diff.Additions = sum.Additions
			diff.Deletions = sum.Deletions
		}
		out = append(out, diff)
	}
	return out
}

// CheckCompletion reports whether every task that has a session reached a
// terminal status, and marks an executing plan done when so. Tasks without
// sessions (issue creation failed) neither complete nor block.
func (s *Service) CheckCompletion(ctx context.Context, projectID, planID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stores.For(projectID)
	if err != nil {
		return false, err
	}
	plan, err := readPlan(st.Layout, planID)
	if err != nil {
		return false, err
	}
	switch plan.Status {
	case models.PlanStatusDone:
		return true, nil
	case models.PlanStatusExecuting:
	default:
		return false, nil
	}

	anySession := false
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		if task.SessionID == "" {
			continue
		}
		anySession = true
		session, err := s.sessions.Get(projectID, task.SessionID)
		if err != nil {
			// Archived sessions are terminal by definition.
			continue
		}
		if !session.Status.Terminal() {
			return false, nil
		}
	}
	if !anySession {
		return false, nil
	}

	plan.Status = models.PlanStatusDone
	if err := writePlan(st.Layout, plan); err != nil {
		return true, err
	}
	s.appendEvent(st, events.New(models.EventPlanCompleted, plan.PlanningSessionID, projectID,
		fmt.Sprintf("plan %s complete", planID), map[string]any{"planId": planID}))
	return true, nil
}

func (s *Service) appendEvent(st *stores.Project, ev models.Event) {
	if err := st.Events.Append(ev); err != nil {
		s.log.Warn("append event", "type", ev.Type, "error", err)
	}
}
