package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/dryerlink-core/internal/remote"
)

func nextFleetEvent(t *testing.T, f *Fleet) FleetEvent {
	t.Helper()
	select {
	case ev, ok := <-f.Events():
		require.True(t, ok, "fleet event stream closed")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for fleet event")
		return FleetEvent{}
	}
}

func TestFleetFollowsIndex(t *testing.T) {
	ctx := context.Background()
	w, tree := newTestWatcher(t)

	require.NoError(t, tree.Set(ctx, remote.CurrentPath("d1"), map[string]any{"temperature": 31.0}))
	require.NoError(t, tree.Set(ctx, remote.CurrentPath("d2"), map[string]any{"temperature": 35.0}))
	require.NoError(t, tree.Set(ctx, remote.UserDevicesPath("u1"), []any{"d1", "d2"}))

	f, err := w.WatchFleet(ctx, "u1")
	require.NoError(t, err)
	defer f.Close()

	seen := map[string]float64{}
	for len(seen) < 2 {
		ev := nextFleetEvent(t, f)
		require.NoError(t, ev.Err)
		require.False(t, ev.Removed)
		seen[ev.DeviceID] = ev.Device.Status.Temperature
	}
	assert.Equal(t, map[string]float64{"d1": 31.0, "d2": 35.0}, seen)
	assert.Equal(t, []string{"d1", "d2"}, f.DeviceIDs())

	// Index plus two device listeners.
	assert.Equal(t, 3, tree.Listeners())

	require.NoError(t, tree.Set(ctx, remote.UserDevicesPath("u1"), []any{"d2"}))
	for {
		ev := nextFleetEvent(t, f)
		if ev.Removed {
			assert.Equal(t, "d1", ev.DeviceID)
			break
		}
	}
	assert.Equal(t, []string{"d2"}, f.DeviceIDs())
	assert.Equal(t, 2, tree.Listeners())

	require.NoError(t, tree.Set(ctx, remote.Join(remote.CurrentPath("d2"), "temperature"), 36.0))
	for {
		ev := nextFleetEvent(t, f)
		require.NotEqual(t, "d1", ev.DeviceID)
		if ev.Device.Status.Temperature == 36.0 {
			break
		}
	}
}

func TestFleetClose(t *testing.T) {
	ctx := context.Background()
	w, tree := newTestWatcher(t)

	require.NoError(t, tree.Set(ctx, remote.UserDevicesPath("u1"), []any{"d1"}))
	f, err := w.WatchFleet(ctx, "u1")
	require.NoError(t, err)
	nextFleetEvent(t, f)

	f.Close()
	assert.Equal(t, 0, tree.Listeners())

	_, ok := <-f.Events()
	for ok {
		_, ok = <-f.Events()
	}
}

func TestFleetIndexRevoked(t *testing.T) {
	ctx := context.Background()
	w, tree := newTestWatcher(t)

	f, err := w.WatchFleet(ctx, "u1")
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, 1, tree.Listeners())
	tree.Revoke(remote.UserDevicesPath("u1"), nil)

	ev := nextFleetEvent(t, f)
	assert.Empty(t, ev.DeviceID)
	assert.ErrorIs(t, ev.Err, remote.ErrPermissionDenied)

	_, ok := <-f.Events()
	assert.False(t, ok)
}
