package lifecycle

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/paths"
	"github.com/joescharf/fleet/internal/plans"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/plugin/plugintest"
	"github.com/joescharf/fleet/internal/sessions"
	"github.com/joescharf/fleet/internal/stores"
)

// env wires the lifecycle manager against fake plugins and real on-disk
// stores under a test temp dir.
type env struct {
	t *testing.T

	cfg      *config.Config
	reg      *plugin.Registry
	set      *stores.Set
	sessions *sessions.Manager
	plans    *plans.Service
	lm       *Manager

	runtime   *plugintest.Runtime
	agent     *plugintest.Agent
	workspace *plugintest.Workspace
	tracker   *plugintest.Tracker
	scm       *plugintest.SCM
	notifier  *plugintest.Notifier

	hash string
}

func intp(n int) *int { return &n }

func newEnv(t *testing.T, reactions map[string]config.ReactionConfig) *env {
	t.Helper()
	tmp := t.TempDir()

	cfg := &config.Config{
		ConfigPath:   filepath.Join(tmp, "config.yaml"),
		DataDir:      filepath.Join(tmp, "data"),
		PollInterval: time.Minute,
		MaxEvents:    200,
		Defaults:     config.Defaults{Runtime: "rt", Agent: "ag", Workspace: "ws"},
		Projects: map[string]config.Project{
			"api": {
				Name:          "API",
				Repo:          "example/api",
				Path:          filepath.Join(tmp, "repo"),
				DefaultBranch: "main",
				SessionPrefix: "fc",
				Tracker:       "trk",
				SCM:           "scm",
			},
		},
		Routing: config.Routing{
			Urgent:  []string{"note"},
			Action:  []string{"note"},
			Warning: []string{"note"},
		},
		Reactions: reactions,
	}

	e := &env{
		t:         t,
		cfg:       cfg,
		reg:       plugin.NewRegistry(),
		runtime:   plugintest.NewRuntime(),
		agent:     plugintest.NewAgent(),
		workspace: plugintest.NewWorkspace(filepath.Join(tmp, "worktrees")),
		tracker:   plugintest.NewTracker(),
		scm:       plugintest.NewSCM(),
		notifier:  plugintest.NewNotifier(),
		hash:      paths.ConfigHash(cfg.ConfigPath),
	}
	require.NoError(t, e.reg.Register(plugin.SlotRuntime, "rt", e.runtime))
	require.NoError(t, e.reg.Register(plugin.SlotAgent, "ag", e.agent))
	require.NoError(t, e.reg.Register(plugin.SlotWorkspace, "ws", e.workspace))
	require.NoError(t, e.reg.Register(plugin.SlotTracker, "trk", e.tracker))
	require.NoError(t, e.reg.Register(plugin.SlotSCM, "scm", e.scm))
	require.NoError(t, e.reg.Register(plugin.SlotNotifier, "note", e.notifier))

	e.set = stores.NewSet(cfg)
	e.sessions = sessions.NewManager(cfg, e.reg, e.set, nil, slog.Default())
	e.plans = plans.NewService(cfg, e.reg, e.set, e.sessions, slog.Default())
	e.lm = NewManager(cfg, e.reg, e.set, e.sessions, e.plans, nil, slog.Default())
	return e
}

func (e *env) spawn(opts sessions.SpawnOptions) *models.Session {
	e.t.Helper()
	if opts.ProjectID == "" {
		opts.ProjectID = "api"
	}
	if opts.Request == "" {
		opts.Request = "work on something"
	}
	s, err := e.sessions.Spawn(context.Background(), opts)
	require.NoError(e.t, err)
	return s
}

func (e *env) handleID(sessionID string) string {
	return e.hash + "-" + sessionID
}

func (e *env) cycle() {
	e.lm.RunCycle(context.Background())
}

// givePR wires the SCM fake so the session's PR is detectable with the
// given CI summary and review decision.
func (e *env) givePR(sessionID, url string, ci plugin.CISummary, decision plugin.ReviewDecision) {
	e.scm.Lock(func() {
		e.scm.DetectedPRs[sessionID] = &plugin.PR{Number: 1, URL: url, Branch: "b"}
		e.scm.States[url] = plugin.PRStateOpen
		e.scm.CIs[url] = ci
		e.scm.Decisions[url] = decision
	})
}

func (e *env) sessionEvents(sessionID string, types ...string) []models.Event {
	e.t.Helper()
	st, err := e.set.For("api")
	require.NoError(e.t, err)
	evs, err := st.Events.Query(events.Filter{SessionID: sessionID, Types: types})
	require.NoError(e.t, err)
	return evs
}

func (e *env) allEvents(types ...string) []models.Event {
	e.t.Helper()
	st, err := e.set.For("api")
	require.NoError(e.t, err)
	evs, err := st.Events.Query(events.Filter{Types: types})
	require.NoError(e.t, err)
	return evs
}

func (e *env) status(sessionID string) models.Status {
	e.t.Helper()
	s, err := e.sessions.Get("api", sessionID)
	require.NoError(e.t, err)
	return s.Status
}
