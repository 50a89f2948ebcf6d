package correlation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/anchorflow/pkg/types"
)

func hourlyWindows() WindowConfig {
	return WindowConfig{Size: time.Hour, Overlap: 0.3, MaxEventsPerWindow: 100}
}

func TestWindowManager_AdjacentWindowsOverlap(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	for i := 0; i < 30; i++ {
		m.Add(newTestEvent(fmt.Sprintf("e-%d", i), "s", types.EventTypeSystem, t0.Add(time.Duration(i)*10*time.Minute)))
	}

	windows := m.Describe()
	require.Greater(t, len(windows), 1)
	for i := 0; i+1 < len(windows); i++ {
		assert.True(t, windows[i].End.After(windows[i+1].Start),
			"window %d ends %s, window %d starts %s", windows[i].ID, windows[i].End, windows[i+1].ID, windows[i+1].Start)
		assert.True(t, windows[i].Start.Before(windows[i+1].Start))
	}
}

func TestWindowManager_ZeroOverlapFallsBackToDefault(t *testing.T) {
	cfg := hourlyWindows()
	cfg.Overlap = 0
	m := NewWindowManager(cfg, nil)
	assert.Equal(t, DefaultWindowConfig().Overlap, m.Config().Overlap)

	m.Add(newTestEvent("a", "s", types.EventTypeSystem, t0))
	m.Add(newTestEvent("b", "s", types.EventTypeSystem, t0.Add(65*time.Minute)))
	windows := m.Describe()
	require.Len(t, windows, 2)
	assert.True(t, windows[0].End.After(windows[1].Start))
}

func TestWindowManager_BoundaryEventInBothWindows(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	m.Add(newTestEvent("first", "s", types.EventTypeSystem, t0))
	m.Add(newTestEvent("second", "s", types.EventTypeSystem, t0.Add(50*time.Minute)))

	// Lands in the overlap of the two windows.
	touched := m.Add(newTestEvent("boundary", "s", types.EventTypeSystem, t0.Add(40*time.Minute)))
	assert.Len(t, touched, 2)
}

func TestWindowManager_LateEventDropped(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	m.Add(newTestEvent("now", "s", types.EventTypeSystem, t0))

	touched := m.Add(newTestEvent("old", "s", types.EventTypeSystem, t0.Add(-2*time.Hour)))

	assert.Empty(t, touched)
	assert.Equal(t, int64(1), m.Stats().LateEvents)
	assert.Equal(t, 1, m.Stats().BufferSize)
}

func TestWindowManager_DuplicateIgnored(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	e := newTestEvent("dup", "s", types.EventTypeSystem, t0)
	require.NotEmpty(t, m.Add(e))
	assert.Empty(t, m.Add(e))
	assert.Equal(t, 1, m.Stats().BufferSize)
}

func TestWindowManager_CapEvictsOldest(t *testing.T) {
	cfg := hourlyWindows()
	cfg.MaxEventsPerWindow = 3
	m := NewWindowManager(cfg, nil)
	for i := 0; i < 5; i++ {
		m.Add(newTestEvent(fmt.Sprintf("e-%d", i), "s", types.EventTypeSystem, t0.Add(time.Duration(i)*time.Minute)))
	}

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.Len(t, snap[0].Events, 3)
	assert.Equal(t, "e-2", snap[0].Events[0].ID)
	assert.Equal(t, int64(2), m.Stats().EvictedEvents)
}

func TestWindowManager_RetiresOldWindows(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	m.Add(newTestEvent("a", "s", types.EventTypeSystem, t0))
	m.Add(newTestEvent("b", "s", types.EventTypeSystem, t0.Add(5*time.Hour)))

	stats := m.Stats()
	assert.Equal(t, 1, stats.ActiveWindows)
	assert.Equal(t, int64(1), stats.RetiredWindows)
	assert.Equal(t, t0.Add(5*time.Hour), m.Latest())
}

func TestWindowManager_SnapshotIsCopy(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	m.Add(newTestEvent("a", "s", types.EventTypeSystem, t0))
	m.Add(newTestEvent("b", "s", types.EventTypeSystem, t0.Add(time.Minute)))

	snap := m.Snapshot()
	snap[0].Events[0] = nil
	snap[0].Events = snap[0].Events[:1]

	again := m.Snapshot()
	require.Len(t, again[0].Events, 2)
	assert.NotNil(t, again[0].Events[0])
}

func TestWindowManager_EventsSortedWithinWindow(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	m.Add(newTestEvent("b", "s", types.EventTypeSystem, t0.Add(2*time.Minute)))
	m.Add(newTestEvent("a", "s", types.EventTypeSystem, t0.Add(time.Minute)))
	m.Add(newTestEvent("c", "s", types.EventTypeSystem, t0.Add(3*time.Minute)))

	var ids []string
	for _, w := range m.Snapshot() {
		for _, e := range w.Events {
			ids = append(ids, e.ID)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestWindowManager_Reset(t *testing.T) {
	m := NewWindowManager(hourlyWindows(), nil)
	m.Add(newTestEvent("a", "s", types.EventTypeSystem, t0))
	m.Reset()
	assert.Equal(t, WindowStats{}, m.Stats())
	assert.True(t, m.Latest().IsZero())
}
