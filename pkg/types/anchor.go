package types

import "time"

// Cursor roles
const (
	CursorRolePrimary    = "primary"
	CursorRoleCorrelated = "correlated"
)

// Anchor metadata values
const (
	AnchorCreationMethod = "temporal_correlation"
	AnchorSource         = "correlation_engine"
)

// Cursor points from an anchor back to one participating event.
type Cursor struct {
	Role      string    `json:"role"` // "primary" or "correlated-N"
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	StreamID  string    `json:"stream_id"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags,omitempty"`

	FilePath  string `json:"file_path,omitempty"`
	Operation string `json:"operation,omitempty"`
	Location  string `json:"location,omitempty"`
}

// TemporalWindow is the time span an anchor covers.
type TemporalWindow struct {
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Precision Precision     `json:"precision"`
	Gap       time.Duration `json:"gap"`
}

// MemoryAnchor is the persisted artifact derived from an accepted correlation.
// Its ID is a pure function of the correlation ID so retried writes converge
// on the same row.
type MemoryAnchor struct {
	ID              string                 `json:"id"`
	Cursors         []Cursor               `json:"cursors"`
	Window          TemporalWindow         `json:"temporal_window"`
	Metadata        map[string]interface{} `json:"metadata"`
	ConfidenceScore float64                `json:"confidence_score"`
	CreatedAt       time.Time              `json:"created_at"`
	LastAccessedAt  time.Time              `json:"last_accessed_at"`
}

// CorrelationID returns the source correlation id recorded in the metadata.
func (a *MemoryAnchor) CorrelationID() string {
	if a.Metadata == nil {
		return ""
	}
	id, _ := a.Metadata["correlation_id"].(string)
	return id
}

// PatternType returns the pattern type recorded in the metadata.
func (a *MemoryAnchor) PatternType() PatternType {
	if a.Metadata == nil {
		return ""
	}
	switch v := a.Metadata["pattern_type"].(type) {
	case PatternType:
		return v
	case string:
		return PatternType(v)
	}
	return ""
}
