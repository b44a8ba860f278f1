package sessions

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/fleeterr"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/paths"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/plugin/plugintest"
	"github.com/joescharf/fleet/internal/stores"
)

type env struct {
	cfg       *config.Config
	reg       *plugin.Registry
	set       *stores.Set
	mgr       *Manager
	runtime   *plugintest.Runtime
	agent     *plugintest.Agent
	workspace *plugintest.Workspace
	tracker   *plugintest.Tracker
	scm       *plugintest.SCM
	hash      string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tmp := t.TempDir()

	cfg := &config.Config{
		ConfigPath:   filepath.Join(tmp, "config.yaml"),
		DataDir:      filepath.Join(tmp, "data"),
		PollInterval: time.Minute,
		MaxEvents:    100,
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
	}

	e := &env{
		cfg:       cfg,
		reg:       plugin.NewRegistry(),
		runtime:   plugintest.NewRuntime(),
		agent:     plugintest.NewAgent(),
		workspace: plugintest.NewWorkspace(filepath.Join(tmp, "worktrees")),
		tracker:   plugintest.NewTracker(),
		scm:       plugintest.NewSCM(),
		hash:      paths.ConfigHash(cfg.ConfigPath),
	}
	require.NoError(t, e.reg.Register(plugin.SlotRuntime, "rt", e.runtime))
	require.NoError(t, e.reg.Register(plugin.SlotAgent, "ag", e.agent))
	require.NoError(t, e.reg.Register(plugin.SlotWorkspace, "ws", e.workspace))
	require.NoError(t, e.reg.Register(plugin.SlotTracker, "trk", e.tracker))
	require.NoError(t, e.reg.Register(plugin.SlotSCM, "scm", e.scm))

	e.set = stores.NewSet(cfg)
	e.mgr = NewManager(cfg, e.reg, e.set, nil, slog.Default())
	return e
}

func (e *env) handleID(sessionID string) string {
	return e.hash + "-" + sessionID
}

func (e *env) eventTypes(t *testing.T, sessionID string) []string {
	t.Helper()
	st, err := e.set.For("api")
	require.NoError(t, err)
	evs, err := st.Events.Query(events.Filter{SessionID: sessionID})
	require.NoError(t, err)
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func TestSpawnAdHoc(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	s, err := e.mgr.Spawn(ctx, SpawnOptions{ProjectID: "api", Request: "fix the flaky test"})
	require.NoError(t, err)

	assert.Equal(t, "fc-1", s.ID)
	assert.Equal(t, models.StatusSpawning, s.Status)
	assert.Equal(t, "fleet/fc-1", s.Branch)
	assert.DirExists(t, s.WorktreePath)

	handle, err := plugin.DecodeHandle(s.RuntimeHandle)
	require.NoError(t, err)
	assert.Equal(t, e.handleID("fc-1"), handle.ID)

	// Metadata persisted with status spawning.
	got, err := e.mgr.Get("api", "fc-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSpawning, got.Status)

	assert.Contains(t, e.eventTypes(t, "fc-1"), models.EventSessionSpawned)
}

func TestSpawnWithIssue(t *testing.T) {
	e := newEnv(t)
	e.tracker.Issues["42"] = &plugin.Issue{
		Number: 42,
		URL:    "https://example.com/issues/42",
		Title:  "Fix Auth Timeout!",
	}

	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", IssueID: "42"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/issues/42", s.Issue)
	assert.Equal(t, "issue-42-fix-auth-timeout", s.Branch)
}

func TestSpawnExplicitBranchWins(t *testing.T) {
	e := newEnv(t)
	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x", Branch: "feature/custom"})
	require.NoError(t, err)
	assert.Equal(t, "feature/custom", s.Branch)
}

func TestSpawnUnknownProject(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "nope", Request: "x"})
	assert.ErrorIs(t, err, fleeterr.ErrUnknownProject)
}

func TestSpawnIssueUnreachable(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", IssueID: "404"})
	assert.ErrorIs(t, err, fleeterr.ErrIssueUnreachable)
}

func TestSpawnRollbackOnRuntimeFailure(t *testing.T) {
	e := newEnv(t)
	e.runtime.CreateErr = errors.New("tmux exploded")

	_, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x"})
	require.ErrorIs(t, err, fleeterr.ErrRuntimeCreate)

	// Workspace rolled back.
	assert.Len(t, e.workspace.Destroyed(), 1)

	// The skeleton was archived so the id is burned, never reissued.
	st, serr := e.set.For("api")
	require.NoError(t, serr)
	ids, lerr := st.Meta.List()
	require.NoError(t, lerr)
	assert.Empty(t, ids)

	e.runtime.CreateErr = nil
	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fc-2", s.ID)
}

func TestSpawnRollbackOnWorkspaceFailure(t *testing.T) {
	e := newEnv(t)
	e.workspace.CreateErr = errors.New("disk full")

	_, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x"})
	assert.ErrorIs(t, err, fleeterr.ErrWorkspaceCreate)
}

func TestSendSanitizesControlCharacters(t *testing.T) {
	e := newEnv(t)
	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x"})
	require.NoError(t, err)

	require.NoError(t, e.mgr.Send(context.Background(), "api", s.ID, "fix\x1b[31m this\r\nplease\ttoday\x07"))

	sent := e.runtime.Sent(e.handleID(s.ID))
	require.Len(t, sent, 1)
	assert.Equal(t, "fix[31m this\nplease\ttoday", sent[0])
}

func TestKillArchivesSession(t *testing.T) {
	e := newEnv(t)
	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x"})
	require.NoError(t, err)
	wt := s.WorktreePath

	require.NoError(t, e.mgr.Kill(context.Background(), "api", s.ID))

	assert.Contains(t, e.runtime.Destroyed(), e.handleID(s.ID))
	assert.Contains(t, e.workspace.Destroyed(), wt)
	_, statErr := os.Stat(wt)
	assert.True(t, os.IsNotExist(statErr))

	// Metadata gone from the live set, present in archive.
	_, err = e.mgr.Get("api", s.ID)
	assert.ErrorIs(t, err, fleeterr.ErrSessionNotFound)

	assert.Contains(t, e.eventTypes(t, s.ID), models.EventSessionKilled)
}

func TestListReapsDeadRuntimes(t *testing.T) {
	e := newEnv(t)
	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{ProjectID: "api", Request: "x"})
	require.NoError(t, err)

	e.runtime.SetAlive(e.handleID(s.ID), false)

	list, err := e.mgr.List(context.Background(), "api")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StatusKilled, list[0].Status)

	// Persisted, and idempotent on the next list.
	got, err := e.mgr.Get("api", s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilled, got.Status)

	list, err = e.mgr.List(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, models.StatusKilled, list[0].Status)
}

func TestRestore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s, err := e.mgr.Spawn(ctx, SpawnOptions{ProjectID: "api", Request: "x"})
	require.NoError(t, err)

	// Simulate the runtime dying and being reaped.
	e.runtime.SetAlive(e.handleID(s.ID), false)
	_, err = e.mgr.List(ctx, "api")
	require.NoError(t, err)

	restored, err := e.mgr.Restore(ctx, "api", s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSpawning, restored.Status)
	assert.True(t, e.runtime.IsAlive(ctx, plugin.Handle{ID: e.handleID(s.ID)}))
	assert.Contains(t, e.eventTypes(t, s.ID), models.EventSessionRestored)
}

func TestSpawnPreservesExtraMeta(t *testing.T) {
	e := newEnv(t)
	s, err := e.mgr.Spawn(context.Background(), SpawnOptions{
		ProjectID: "api",
		Request:   "x",
		PlanID:    "plan-1",
		Meta:      map[string]string{"planTask": "t1"},
	})
	require.NoError(t, err)

	got, err := e.mgr.Get("api", s.ID)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", got.PlanID)
	assert.Equal(t, "t1", got.Meta["planTask"])
}
