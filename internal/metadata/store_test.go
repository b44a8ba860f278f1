package metadata

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

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "archive"), 0o755))
	return NewStore(dir)
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	meta := map[string]string{
		"project":   "api",
		"status":    "working",
		"branch":    "issue-12-fix-auth",
		"customKey": "preserved value with = signs",
	}
	require.NoError(t, s.Write("fc-1", meta))

	got, err := s.Read("fc-1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)
}

func TestReadSkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)
	raw := "project=api\nnot a kv line\nbad key!=x\nstatus=working\n"
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "fc-1"), []byte(raw), 0o644))

	got, err := s.Read("fc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"project": "api", "status": "working"}, got)
}

func TestReadMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("nope-1")
	assert.ErrorIs(t, err, fleeterr.ErrSessionNotFound)
}

func TestWriteRejectsInvalidKey(t *testing.T) {
	s := newTestStore(t)
	err := s.Write("fc-1", map[string]string{"bad key": "x"})
	assert.Error(t, err)
}

func TestSetUpdatesSingleKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("fc-1", map[string]string{"status": "working", "extra": "kept"}))
	require.NoError(t, s.Set("fc-1", "status", "merged"))

	got, err := s.Read("fc-1")
	require.NoError(t, err)
	assert.Equal(t, "merged", got["status"])
	assert.Equal(t, "kept", got["extra"])
}

func TestReserveIDSequence(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.ReserveID("fc")
	require.NoError(t, err)
	assert.Equal(t, "fc-1", id1)

	id2, err := s.ReserveID("fc")
	require.NoError(t, err)
	assert.Equal(t, "fc-2", id2)

	// A different prefix has its own counter.
	other, err := s.ReserveID("web")
	require.NoError(t, err)
	assert.Equal(t, "web-1", other)
}

func TestReserveIDSkipsArchivedOrdinals(t *testing.T) {
	s := newTestStore(t)

	id, err := s.ReserveID("fc")
	require.NoError(t, err)
	require.NoError(t, s.Write(id, map[string]string{"status": "killed"}))
	require.NoError(t, s.Archive(id))

	// The archived fc-1 still burns its ordinal.
	next, err := s.ReserveID("fc")
	require.NoError(t, err)
	assert.Equal(t, "fc-2", next)
}

func TestArchiveRemovesLiveFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("fc-1", map[string]string{"status": "killed"}))
	require.NoError(t, s.Archive("fc-1"))

	assert.False(t, s.Exists("fc-1"))
	entries, err := os.ReadDir(s.archiveDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "fc-1_")
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("fc-2", map[string]string{"status": "working"}))
	require.NoError(t, s.Write("fc-1", map[string]string{"status": "working"}))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"fc-1", "fc-2"}, ids)
}

func TestReactionTrackerHelpers(t *testing.T) {
	meta := map[string]string{}
	first := time.Now().UTC().Truncate(time.Millisecond)

	SetReactionTracker(meta, "ci-failed", 2, first)
	assert.Equal(t, 2, ReactionAttempts(meta, "ci-failed"))
	assert.Equal(t, first.UnixMilli(), ReactionFirstTriggered(meta, "ci-failed").UnixMilli())

	// Unknown key reads as zero values.
	assert.Equal(t, 0, ReactionAttempts(meta, "stuck"))
	assert.True(t, ReactionFirstTriggered(meta, "stuck").IsZero())

	ClearReactionTracker(meta, "ci-failed")
	assert.Equal(t, 0, ReactionAttempts(meta, "ci-failed"))
}

func TestReviewAttemptsHelpers(t *testing.T) {
	meta := map[string]string{}
	assert.Equal(t, 0, ReviewAttempts(meta))
	SetReviewAttempts(meta, 3)
	assert.Equal(t, 3, ReviewAttempts(meta))
}

func TestSessionEncodeDecodeRoundTrip(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := &models.Session{
		ID:            "fc-7",
		ProjectID:     "api",
		Status:        models.StatusPROpen,
		Branch:        "issue-9-retry",
		Issue:         "https://example.com/issues/9",
		PR:            "https://example.com/pull/12",
		WorktreePath:  "/tmp/wt/fc-7",
		RuntimeHandle: `{"id":"h1","runtimeName":"tmux"}`,
		PlanID:        "plan-abc",
		CreatedAt:     created,
	}

	meta := EncodeSession(s, map[string]string{"customKey": "kept"})
	got := DecodeSession("fc-7", meta)

	assert.Equal(t, s.ProjectID, got.ProjectID)
	assert.Equal(t, s.Status, got.Status)
	assert.Equal(t, s.Branch, got.Branch)
	assert.Equal(t, s.Issue, got.Issue)
	assert.Equal(t, s.PR, got.PR)
	assert.Equal(t, s.WorktreePath, got.WorktreePath)
	assert.Equal(t, s.RuntimeHandle, got.RuntimeHandle)
	assert.Equal(t, s.PlanID, got.PlanID)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Equal(t, "kept", got.Meta["customKey"])
}
