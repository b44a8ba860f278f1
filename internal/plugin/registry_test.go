package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/fleet/internal/models"
)

type stubNotifier struct{}

func (stubNotifier) Notify(context.Context, models.Event) error { return nil }

type stubAgent struct{}

func (stubAgent) DetectActivity(string) models.Activity                { return models.ActivityActive }
func (stubAgent) IsProcessRunning(context.Context, Handle) bool        { return true }
func (stubAgent) ActivityState(context.Context, *models.Session) (ActivityInfo, error) {
	return ActivityInfo{State: models.ActivityActive}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(SlotNotifier, "push", stubNotifier{}))
	require.NoError(t, r.Register(SlotAgent, "claude", stubAgent{}))

	n, ok := r.Notifier("push")
	assert.True(t, ok)
	assert.NotNil(t, n)

	a, ok := r.Agent("claude")
	assert.True(t, ok)
	assert.NotNil(t, a)

	_, ok = r.Notifier("missing")
	assert.False(t, ok)
	_, ok = r.Runtime("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsWrongInterface(t *testing.T) {
	r := NewRegistry()
	err := r.Register(SlotRuntime, "bogus", stubNotifier{})
	assert.Error(t, err)

	err = r.Register(Slot("bogus-slot"), "x", stubNotifier{})
	assert.Error(t, err)
}

func TestHandleRoundTrip(t *testing.T) {
	h := Handle{ID: "sess-1", Runtime: "tmux", Data: map[string]string{"pane": "%4"}}

	encoded, err := h.Encode()
	require.NoError(t, err)

	got, err := DecodeHandle(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandleRejectsGarbage(t *testing.T) {
	_, err := DecodeHandle("not json")
	assert.Error(t, err)
}
