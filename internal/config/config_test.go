package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/fleeterr"
	"github.com/joescharf/fleet/internal/models"
)

const sampleConfig = `
data_dir: /var/lib/fleet
poll_interval: 45s
defaults:
  runtime: tmux
  agent: claude
  workspace: worktree
  notifiers: [push]
projects:
  api:
    name: API Server
    repo: example/api
    path: /src/api
    default_branch: develop
    session_prefix: api
    tracker: github
    scm: github
    reactions:
      ci-failed:
        action: send-to-agent
        retries: 5
notifiers:
  push:
    token: secret
notification_routing:
  urgent: [push]
  action: [push]
reactions:
  ci-failed:
    action: send-to-agent
    message: Fix CI.
    retries: 2
    escalate_after: 30m
  stuck:
    action: notify
    priority: urgent
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, "/var/lib/fleet", cfg.DataDir)
	assert.Equal(t, 45*time.Second, cfg.PollInterval)
	assert.Equal(t, 500, cfg.MaxEvents)
	assert.Equal(t, "tmux", cfg.Defaults.Runtime)
	assert.Equal(t, []string{"push"}, cfg.Routing.For(models.PriorityUrgent))
	assert.Empty(t, cfg.Routing.For(models.PriorityWarning))

	proj, err := cfg.Project("api")
	require.NoError(t, err)
	assert.Equal(t, "api", proj.SessionPrefix)

	ref, err := cfg.Ref("api")
	require.NoError(t, err)
	assert.Equal(t, "develop", ref.DefaultBranch)

	_, err = cfg.Project("nope")
	assert.ErrorIs(t, err, fleeterr.ErrUnknownProject)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "data_dir: /tmp/fleet\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 500, cfg.MaxEvents)
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	_, err := Load(writeConfig(t, "poll_interval: 10s\n"))
	assert.Error(t, err)
}

func TestLoadRejectsIntegerEscalateAfter(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_dir: /tmp/fleet
reactions:
  ci-failed:
    action: send-to-agent
    escalate_after: "1800"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadRejectsUnknownAction(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_dir: /tmp/fleet
reactions:
  ci-failed:
    action: reboot-everything
`))
	assert.Error(t, err)
}

func TestReactionForOverlay(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	// Project override wins for retries; global message survives.
	rc, ok := cfg.ReactionFor("api", "ci-failed")
	require.True(t, ok)
	assert.Equal(t, 5, rc.MaxRetries())
	assert.Equal(t, "Fix CI.", rc.Message)
	assert.Equal(t, "30m", rc.EscalateAfter)

	// Global-only key.
	rc, ok = cfg.ReactionFor("api", "stuck")
	require.True(t, ok)
	assert.Equal(t, ActionNotify, rc.Action)

	// Unknown key.
	_, ok = cfg.ReactionFor("api", "never-configured")
	assert.False(t, ok)
}

func TestParseEscalateAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"", 0, false},
		{"30s", 30 * time.Second, false},
		{"15m", 15 * time.Minute, false},
		{"2h", 2 * time.Hour, false},
		{"30", 0, true},
		{"1d", 0, true},
		{"m30", 0, true},
	}
	for _, tt := range tests {
		d, err := ParseEscalateAfter(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d, tt.in)
	}
}

func TestReactionConfigDefaults(t *testing.T) {
	rc := ReactionConfig{Action: ActionSendToAgent}
	assert.Equal(t, 3, rc.MaxRetries())
	assert.True(t, rc.IsAuto())
	assert.Equal(t, models.PriorityUrgent, rc.EscalatePriority())

	off := false
	rc.Auto = &off
	assert.False(t, rc.IsAuto())

	// notify always runs.
	rc = ReactionConfig{Action: ActionNotify, Auto: &off}
	assert.True(t, rc.IsAuto())
}
