package types

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// correlationNamespace seeds deterministic correlation and anchor IDs.
var correlationNamespace = uuid.MustParse("5b8f6c1e-2f4a-4d7e-9a53-0c7e2d9b1f64")

// TemporalCorrelation is a detected recurring temporal pattern among events.
// Detectors create it, the confidence scorer fills in the confidence fields,
// and it is read-only from then on.
type TemporalCorrelation struct {
	ID               string   `json:"id"`
	PrimaryEvent     *Event   `json:"primary_event"`
	CorrelatedEvents []*Event `json:"correlated_events"`

	// Timing
	TemporalGap    time.Duration `json:"temporal_gap"`
	GapVariance    float64       `json:"gap_variance"` // seconds squared
	Precision      Precision     `json:"temporal_precision"`
	LastOccurrence time.Time     `json:"last_occurrence"`

	// Recurrence
	OccurrenceFrequency int         `json:"occurrence_frequency"`
	PatternStability    float64     `json:"pattern_stability"`
	PatternType         PatternType `json:"pattern_type"`

	// Scope names the streams or context scope the pattern was found in.
	Scope string `json:"scope"`

	// Confidence
	ConfidenceScore   float64            `json:"confidence_score"`
	ConfidenceFactors map[string]float64 `json:"confidence_factors,omitempty"`
}

// Signature identifies the class of pattern independent of any particular
// occurrence, e.g. "sequential|email->document".
func (c *TemporalCorrelation) Signature() string {
	return string(c.PatternType) + "|" + c.Scope
}

// Events returns the primary event followed by the correlated events.
func (c *TemporalCorrelation) Events() []*Event {
	out := make([]*Event, 0, 1+len(c.CorrelatedEvents))
	if c.PrimaryEvent != nil {
		out = append(out, c.PrimaryEvent)
	}
	return append(out, c.CorrelatedEvents...)
}

// StreamIDs returns the sorted distinct stream ids taking part in the pattern.
func (c *TemporalCorrelation) StreamIDs() []string {
	seen := make(map[string]struct{})
	for _, e := range c.Events() {
		seen[e.StreamID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Describe returns a compact one-line description for logs and diagnostics.
func (c *TemporalCorrelation) Describe() string {
	return fmt.Sprintf("%s pattern over %s: gap=%s freq=%d stability=%.2f confidence=%.2f",
		c.PatternType, c.Scope, c.TemporalGap.Round(time.Second), c.OccurrenceFrequency,
		c.PatternStability, c.ConfidenceScore)
}

// CorrelationID derives the deterministic id for a correlation occurrence.
// Re-detecting the same occurrence from an overlapping window yields the same id.
func CorrelationID(patternType PatternType, scope string, lastOccurrence time.Time) string {
	key := strings.Join([]string{string(patternType), scope, lastOccurrence.UTC().Format(time.RFC3339Nano)}, "|")
	return "corr:" + uuid.NewSHA1(correlationNamespace, []byte(key)).String()
}

// AnchorIDFor derives the anchor id persisted for a correlation.
func AnchorIDFor(correlationID string) string {
	return "anchor:" + uuid.NewSHA1(correlationNamespace, []byte("anchor|"+correlationID)).String()
}

// PrecisionForGap picks the temporal precision that matches a gap's magnitude.
func PrecisionForGap(gap time.Duration) Precision {
	switch {
	case gap < time.Minute:
		return PrecisionSecond
	case gap < time.Hour:
		return PrecisionMinute
	case gap < 24*time.Hour:
		return PrecisionHour
	default:
		return PrecisionDay
	}
}

// CorrelationFeedback is a human or automated judgment of a correlation.
// It is consumed once by the adaptive thresholds and then discarded.
type CorrelationFeedback struct {
	CorrelationID string    `json:"correlation_id" validate:"required"`
	Meaningful    bool      `json:"was_meaningful"`
	Confidence    float64   `json:"confidence" validate:"gte=0,lte=1"`
	Source        string    `json:"source"`
	Explanation   string    `json:"explanation,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// SlidingWindow is a snapshot of one time-bounded event buffer.
type SlidingWindow struct {
	ID         int       `json:"id"`
	Start      time.Time `json:"start_time"`
	End        time.Time `json:"end_time"`
	EventCount int       `json:"event_count"`
	Events     []*Event  `json:"-"`
}

// Contains reports whether ts falls in the window's [start, end) interval.
func (w SlidingWindow) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}
