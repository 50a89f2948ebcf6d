package correlation

import (
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// Detector finds one shape of temporal pattern in a batch of events.
// Detect is pure over its input and leaves confidence fields unset.
type Detector interface {
	Name() string
	PatternType() types.PatternType
	Config() DetectorConfig
	Detect(events []*types.Event) []*types.TemporalCorrelation
}

// DetectorConfig holds the settings every detector shares.
type DetectorConfig struct {
	// MinOccurrences is the fewest recurrences a pattern needs.
	MinOccurrences int `koanf:"min_occurrences" validate:"gte=2"`
	// MinConfidence is applied to scored candidates by the engine.
	MinConfidence float64 `koanf:"min_confidence" validate:"gte=0,lte=1"`
	// MaxEvidence caps the correlated events attached to one correlation.
	MaxEvidence int `koanf:"max_evidence" validate:"gte=1"`
}

// DefaultDetectorConfig returns the shared detector defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinOccurrences: 3,
		MinConfidence:  0.5,
		MaxEvidence:    10,
	}
}

func (c DetectorConfig) withDefaults() DetectorConfig {
	def := DefaultDetectorConfig()
	if c.MinOccurrences < 2 {
		c.MinOccurrences = def.MinOccurrences
	}
	if c.MaxEvidence <= 0 {
		c.MaxEvidence = def.MaxEvidence
	}
	return c
}

// candidate is the detector-side description of a pattern before it becomes
// a TemporalCorrelation.
type candidate struct {
	pattern    types.PatternType
	scope      string
	primary    *types.Event
	correlated []*types.Event
	gaps       []float64 // seconds
	frequency  int
	stability  float64
	last       time.Time
}

func (c candidate) build() *types.TemporalCorrelation {
	mean, variance := meanVariance(c.gaps)
	gap := fromSeconds(mean)
	return &types.TemporalCorrelation{
		ID:                  types.CorrelationID(c.pattern, c.scope, c.last),
		PrimaryEvent:        c.primary,
		CorrelatedEvents:    c.correlated,
		TemporalGap:         gap,
		GapVariance:         variance,
		Precision:           types.PrecisionForGap(gap),
		LastOccurrence:      c.last,
		OccurrenceFrequency: c.frequency,
		PatternStability:    clamp01(c.stability),
		PatternType:         c.pattern,
		Scope:               c.scope,
	}
}

// DefaultDetectors builds the four standard detectors.
func DefaultDetectors(cfg DetectorsConfig) []Detector {
	return []Detector{
		NewSequentialDetector(cfg.Sequential),
		NewConcurrentDetector(cfg.Concurrent),
		NewCyclicalDetector(cfg.Cyclical),
		NewContextualDetector(cfg.Contextual),
	}
}

// DetectorsConfig groups the configuration of the standard detectors.
type DetectorsConfig struct {
	Sequential SequentialConfig `koanf:"sequential"`
	Concurrent ConcurrentConfig `koanf:"concurrent"`
	Cyclical   CyclicalConfig   `koanf:"cyclical"`
	Contextual ContextualConfig `koanf:"contextual"`
}

// DefaultDetectorsConfig returns defaults for all four detectors.
func DefaultDetectorsConfig() DetectorsConfig {
	return DetectorsConfig{
		Sequential: DefaultSequentialConfig(),
		Concurrent: DefaultConcurrentConfig(),
		Cyclical:   DefaultCyclicalConfig(),
		Contextual: DefaultContextualConfig(),
	}
}
