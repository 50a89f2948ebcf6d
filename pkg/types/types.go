// Package types defines the core data structures for the anchorflow pipeline.
// These types describe activity events, the temporal correlations detected
// among them, the feedback used to tune acceptance, and the memory anchors
// persisted for accepted correlations.
package types

// EventType tags the kind of activity an event records.
type EventType string

// PatternType is the shape of a temporal relationship between events.
type PatternType string

// Precision is the granularity at which a correlation's timing is meaningful.
type Precision string

// Event type constants
const (
	// EventTypeCommunication covers email, chat and call activity
	EventTypeCommunication EventType = "communication"

	// EventTypeStorage covers file and document operations
	EventTypeStorage EventType = "storage"

	// EventTypeActivity covers application and user activity
	EventTypeActivity EventType = "activity"

	// EventTypeEnvironmental covers location, weather and device context
	EventTypeEnvironmental EventType = "environmental"

	// EventTypeSystem covers machine-generated events
	EventTypeSystem EventType = "system"
)

// ValidEventTypes contains all valid event type values
var ValidEventTypes = []EventType{
	EventTypeCommunication,
	EventTypeStorage,
	EventTypeActivity,
	EventTypeEnvironmental,
	EventTypeSystem,
}

// IsValidEventType checks if the given type is one of the known event types.
func IsValidEventType(t EventType) bool {
	for _, valid := range ValidEventTypes {
		if t == valid {
			return true
		}
	}
	return false
}

// Pattern type constants
const (
	PatternSequential PatternType = "sequential"
	PatternConcurrent PatternType = "concurrent"
	PatternCyclical   PatternType = "cyclical"
	PatternContextual PatternType = "contextual"
)

// AllPatternTypes lists the pattern types in detector order.
var AllPatternTypes = []PatternType{
	PatternSequential,
	PatternConcurrent,
	PatternCyclical,
	PatternContextual,
}

// Precision constants
const (
	PrecisionSecond Precision = "second"
	PrecisionMinute Precision = "minute"
	PrecisionHour   Precision = "hour"
	PrecisionDay    Precision = "day"
)
