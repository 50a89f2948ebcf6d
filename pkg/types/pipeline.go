package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is the processing stage of a pipeline event.
type Stage string

// Pipeline stage constants
const (
	StageCapture        Stage = "capture"         // Accepted from the event source
	StageDetection      Stage = "detection"       // Running through the correlation engine
	StageAnchorCreation Stage = "anchor_creation" // Building anchors for accepted correlations
	StagePersistence    Stage = "persistence"     // Writing anchors to the store
	StageCompleted      Stage = "completed"       // Finished successfully
	StageFailed         Stage = "failed"          // Gave up after retries
)

// ValidStages contains all stage values in processing order.
var ValidStages = []Stage{
	StageCapture,
	StageDetection,
	StageAnchorCreation,
	StagePersistence,
	StageCompleted,
	StageFailed,
}

// IsValidStage checks if the given stage is a known stage.
func IsValidStage(s Stage) bool {
	for _, valid := range ValidStages {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transitions leave the stage.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsValidStageTransition validates stage transitions.
//
// Valid transitions:
//
//	capture -> detection | failed
//	detection -> anchor_creation | failed
//	anchor_creation -> persistence | failed
//	persistence -> completed | failed
//	completed, failed -> (terminal)
func IsValidStageTransition(current, next Stage) bool {
	if next == "" {
		return false
	}
	if next == StageFailed {
		return IsValidStage(current) && !current.IsTerminal()
	}

	switch current {
	case StageCapture:
		return next == StageDetection
	case StageDetection:
		return next == StageAnchorCreation
	case StageAnchorCreation:
		return next == StagePersistence
	case StagePersistence:
		return next == StageCompleted
	default:
		return false
	}
}

// PipelineEvent tracks one event's progress through the pipeline stages.
// Only the worker currently processing the event mutates it; readers get copies.
type PipelineEvent struct {
	ID            string                  `json:"id"`
	SourceEventID string                  `json:"source_event_id"`
	StreamID      string                  `json:"stream_id"`
	Stage         Stage                   `json:"stage"`
	StageTimings  map[Stage]time.Duration `json:"stage_timings"`
	Correlations  []*TemporalCorrelation  `json:"-"`
	AnchorIDs     []string                `json:"anchor_ids,omitempty"`
	Error         string                  `json:"error,omitempty"`
	RetryCount    int                     `json:"retry_count"`
	MaxRetries    int                     `json:"max_retries"`
	CreatedAt     time.Time               `json:"created_at"`
	CompletedAt   *time.Time              `json:"completed_at,omitempty"`

	// Event is the source event carried through the stages.
	Event *Event `json:"-"`

	// Anchors built in anchor_creation and written in persistence.
	Anchors []*MemoryAnchor `json:"-"`
}

// NewPipelineEvent wraps a source event at the capture stage.
func NewPipelineEvent(event *Event, maxRetries int, now time.Time) *PipelineEvent {
	return &PipelineEvent{
		ID:            uuid.NewString(),
		SourceEventID: event.ID,
		StreamID:      event.StreamID,
		Stage:         StageCapture,
		StageTimings:  make(map[Stage]time.Duration),
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		Event:         event,
	}
}

// Advance moves the event to the next stage, rejecting invalid transitions.
// Reaching a terminal stage stamps CompletedAt.
func (p *PipelineEvent) Advance(next Stage, now time.Time) error {
	if !IsValidStageTransition(p.Stage, next) {
		return fmt.Errorf("invalid stage transition %s -> %s", p.Stage, next)
	}
	p.Stage = next
	if next.IsTerminal() {
		p.CompletedAt = &now
	}
	return nil
}

// Fail moves the event to the failed stage and records the error.
func (p *PipelineEvent) Fail(err error, now time.Time) error {
	if err != nil {
		p.Error = err.Error()
	}
	return p.Advance(StageFailed, now)
}

// RecordTiming adds d to the cumulative time spent in stage.
func (p *PipelineEvent) RecordTiming(stage Stage, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if p.StageTimings == nil {
		p.StageTimings = make(map[Stage]time.Duration)
	}
	p.StageTimings[stage] += d
}

// CanRetry reports whether another attempt is allowed.
func (p *PipelineEvent) CanRetry() bool {
	return p.RetryCount < p.MaxRetries
}

// Snapshot returns a copy safe to hand to readers.
func (p *PipelineEvent) Snapshot() PipelineEvent {
	c := *p
	c.StageTimings = make(map[Stage]time.Duration, len(p.StageTimings))
	for k, v := range p.StageTimings {
		c.StageTimings[k] = v
	}
	c.AnchorIDs = append([]string(nil), p.AnchorIDs...)
	c.Correlations = append([]*TemporalCorrelation(nil), p.Correlations...)
	c.Anchors = append([]*MemoryAnchor(nil), p.Anchors...)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
