package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/models"
)

func newTestStore(t *testing.T, maxEvents int) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "events.jsonl"), maxEvents)
}

func TestAppendQueryRoundTrip(t *testing.T) {
	s := newTestStore(t, 0)

	ev := New(models.EventCIFailing, "fc-1", "api", "CI failing", map[string]any{"attempt": 1})
	require.NoError(t, s.Append(ev))

	got, err := s.Query(Filter{SessionID: "fc-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, models.EventCIFailing, got[0].Type)
	assert.Equal(t, models.PriorityWarning, got[0].Priority)
	assert.Equal(t, "api", got[0].ProjectID)
}

func TestQueryNewestFirst(t *testing.T) {
	s := newTestStore(t, 0)
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		ev := New(models.EventSessionWorking, "fc-1", "api", fmt.Sprintf("e%d", i), nil)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Append(ev))
	}

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e2", got[0].Message)
	assert.Equal(t, "e0", got[2].Message)
}

func TestQueryFilters(t *testing.T) {
	s := newTestStore(t, 0)
	require.NoError(t, s.Append(New(models.EventCIFailing, "fc-1", "api", "a", nil)))
	require.NoError(t, s.Append(New(models.EventPRMerged, "fc-2", "api", "b", nil)))
	require.NoError(t, s.Append(New(models.EventPRMerged, "fc-3", "web", "c", nil)))

	byType, err := s.Query(Filter{Types: []string{models.EventPRMerged}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byProject, err := s.Query(Filter{ProjectID: "web"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, "c", byProject[0].Message)

	byPriority, err := s.Query(Filter{Priorities: []models.Priority{models.PriorityWarning}})
	require.NoError(t, err)
	require.Len(t, byPriority, 1)
	assert.Equal(t, models.EventCIFailing, byPriority[0].Type)
}

func TestQueryOffsetLimit(t *testing.T) {
	s := newTestStore(t, 0)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ev := New(models.EventSessionWorking, "fc-1", "api", fmt.Sprintf("e%d", i), nil)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Append(ev))
	}

	got, err := s.Query(Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e3", got[0].Message)
	assert.Equal(t, "e2", got[1].Message)

	past, err := s.Query(Filter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMalformedLinesSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	good := New(models.EventSessionWorking, "fc-1", "api", "ok", nil)
	s := NewStore(path, 0)
	require.NoError(t, s.Append(good))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Fresh store so the line count reloads from disk.
	got, err := NewStore(path, 0).Query(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Message)
}

func TestLazyPruneBoundary(t *testing.T) {
	const maxEvents = 10
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStore(path, maxEvents)

	base := time.Now().UTC()
	for i := 0; i < 15; i++ {
		ev := New(models.EventSessionWorking, "fc-1", "api", fmt.Sprintf("e%d", i), nil)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Append(ev))
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, maxEvents)

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, got, maxEvents)
	// Newest-first; the retained tail is e5..e14.
	assert.Equal(t, "e14", got[0].Message)
	assert.Equal(t, "e5", got[maxEvents-1].Message)
}

func TestPruneDropsOldestOnFullAppend(t *testing.T) {
	const maxEvents = 3
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStore(path, maxEvents)

	base := time.Now().UTC()
	appendAt := func(msg string, offset int) {
		ev := New(models.EventSessionWorking, "fc-1", "api", msg, nil)
		ev.Timestamp = base.Add(time.Duration(offset) * time.Second)
		require.NoError(t, s.Append(ev))
	}

	appendAt("a", 0)
	appendAt("b", 1)
	appendAt("c", 2)
	// Full: the next append first drops "a", keeping "b".
	appendAt("d", 3)

	got, err := s.Query(Filter{})
	require.NoError(t, err)
	require.Len(t, got, maxEvents)
	assert.Equal(t, "d", got[0].Message)
	assert.Equal(t, "b", got[2].Message)
}
