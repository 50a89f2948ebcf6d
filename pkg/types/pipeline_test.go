package types_test

import (
	"errors"
	"testing"
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStageTransition_ValidTransitions tests the forward path and failure exits.
func TestStageTransition_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from types.Stage
		to   types.Stage
	}{
		{"capture_to_detection", types.StageCapture, types.StageDetection},
		{"detection_to_anchor_creation", types.StageDetection, types.StageAnchorCreation},
		{"anchor_creation_to_persistence", types.StageAnchorCreation, types.StagePersistence},
		{"persistence_to_completed", types.StagePersistence, types.StageCompleted},
		{"capture_to_failed", types.StageCapture, types.StageFailed},
		{"detection_to_failed", types.StageDetection, types.StageFailed},
		{"anchor_creation_to_failed", types.StageAnchorCreation, types.StageFailed},
		{"persistence_to_failed", types.StagePersistence, types.StageFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !types.IsValidStageTransition(tt.from, tt.to) {
				t.Errorf("expected IsValidStageTransition(%q, %q) = true", tt.from, tt.to)
			}
		})
	}
}

// TestStageTransition_InvalidTransitions tests skipped, backward and terminal transitions.
func TestStageTransition_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from types.Stage
		to   types.Stage
	}{
		{"capture_to_persistence", types.StageCapture, types.StagePersistence},
		{"capture_to_completed", types.StageCapture, types.StageCompleted},
		{"detection_to_capture", types.StageDetection, types.StageCapture},
		{"persistence_to_detection", types.StagePersistence, types.StageDetection},
		{"completed_to_failed", types.StageCompleted, types.StageFailed},
		{"completed_to_capture", types.StageCompleted, types.StageCapture},
		{"failed_to_failed", types.StageFailed, types.StageFailed},
		{"failed_to_detection", types.StageFailed, types.StageDetection},
		{"unknown_to_failed", types.Stage("bogus"), types.StageFailed},
		{"capture_to_empty", types.StageCapture, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if types.IsValidStageTransition(tt.from, tt.to) {
				t.Errorf("expected IsValidStageTransition(%q, %q) = false", tt.from, tt.to)
			}
		})
	}
}

func TestPipelineEvent_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	ev := types.NewEvent("e1", now, types.EventTypeStorage, "docs", types.Attributes{}, types.Attributes{}, nil)
	p := types.NewPipelineEvent(ev, 3, now)

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "e1", p.SourceEventID)
	assert.Equal(t, "docs", p.StreamID)
	assert.Equal(t, types.StageCapture, p.Stage)

	for _, s := range []types.Stage{types.StageDetection, types.StageAnchorCreation, types.StagePersistence, types.StageCompleted} {
		require.NoError(t, p.Advance(s, now.Add(time.Second)))
	}
	require.NotNil(t, p.CompletedAt)
	assert.Equal(t, now.Add(time.Second), *p.CompletedAt)

	err := p.Advance(types.StageFailed, now)
	assert.Error(t, err, "terminal stage must reject further transitions")
}

func TestPipelineEvent_FailRecordsError(t *testing.T) {
	now := time.Now()
	ev := types.NewEvent("", now, types.EventTypeSystem, "sys", types.Attributes{}, types.Attributes{}, nil)
	p := types.NewPipelineEvent(ev, 1, now)
	require.NoError(t, p.Advance(types.StageDetection, now))

	require.NoError(t, p.Fail(errors.New("store unavailable"), now))
	assert.Equal(t, types.StageFailed, p.Stage)
	assert.Equal(t, "store unavailable", p.Error)
	assert.NotNil(t, p.CompletedAt)
}

func TestPipelineEvent_RetryAndTimings(t *testing.T) {
	now := time.Now()
	ev := types.NewEvent("e", now, types.EventTypeSystem, "sys", types.Attributes{}, types.Attributes{}, nil)
	p := types.NewPipelineEvent(ev, 2, now)

	assert.True(t, p.CanRetry())
	p.RetryCount = 2
	assert.False(t, p.CanRetry())

	p.RecordTiming(types.StageDetection, 5*time.Millisecond)
	p.RecordTiming(types.StageDetection, 7*time.Millisecond)
	p.RecordTiming(types.StagePersistence, -time.Second)
	assert.Equal(t, 12*time.Millisecond, p.StageTimings[types.StageDetection])
	assert.Equal(t, time.Duration(0), p.StageTimings[types.StagePersistence])

	snap := p.Snapshot()
	snap.StageTimings[types.StageDetection] = 0
	assert.Equal(t, 12*time.Millisecond, p.StageTimings[types.StageDetection], "snapshot must not alias timings")
}
