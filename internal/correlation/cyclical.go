package correlation

import (
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// CyclicalConfig configures the cyclical detector.
type CyclicalConfig struct {
	DetectorConfig `koanf:",squash"`
	// MinPeriod is the shortest interval between occurrences. Events closer
	// than MinPeriod to the previous occurrence belong to the same occurrence.
	MinPeriod time.Duration `koanf:"min_period" validate:"gt=0"`
	// PeriodTolerance is the largest accepted coefficient of variation of intervals.
	PeriodTolerance float64 `koanf:"period_tolerance" validate:"gt=0"`
}

// DefaultCyclicalConfig returns the cyclical detector defaults.
func DefaultCyclicalConfig() CyclicalConfig {
	return CyclicalConfig{
		DetectorConfig:  DefaultDetectorConfig(),
		MinPeriod:       time.Hour,
		PeriodTolerance: 0.1,
	}
}

// CyclicalDetector finds streams that recur at a regular period.
type CyclicalDetector struct {
	cfg CyclicalConfig
}

// NewCyclicalDetector creates a cyclical detector.
func NewCyclicalDetector(cfg CyclicalConfig) *CyclicalDetector {
	def := DefaultCyclicalConfig()
	cfg.DetectorConfig = cfg.DetectorConfig.withDefaults()
	if cfg.MinPeriod <= 0 {
		cfg.MinPeriod = def.MinPeriod
	}
	if cfg.PeriodTolerance <= 0 {
		cfg.PeriodTolerance = def.PeriodTolerance
	}
	return &CyclicalDetector{cfg: cfg}
}

func (d *CyclicalDetector) Name() string                   { return "cyclical" }
func (d *CyclicalDetector) PatternType() types.PatternType { return types.PatternCyclical }
func (d *CyclicalDetector) Config() DetectorConfig         { return d.cfg.DetectorConfig }

// Detect analyses consecutive intervals per stream.
func (d *CyclicalDetector) Detect(events []*types.Event) []*types.TemporalCorrelation {
	byStream, streams := groupByStream(events)
	var out []*types.TemporalCorrelation
	for _, s := range streams {
		if c := d.evaluate(s, byStream[s]); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (d *CyclicalDetector) evaluate(stream string, evs []*types.Event) *types.TemporalCorrelation {
	if len(evs) < d.cfg.MinOccurrences {
		return nil
	}

	occurrences := []*types.Event{evs[0]}
	for _, e := range evs[1:] {
		if e.Timestamp.Sub(occurrences[len(occurrences)-1].Timestamp) >= d.cfg.MinPeriod {
			occurrences = append(occurrences, e)
		}
	}
	if len(occurrences) < d.cfg.MinOccurrences {
		return nil
	}

	intervals := make([]float64, len(occurrences)-1)
	for i := 1; i < len(occurrences); i++ {
		intervals[i-1] = seconds(occurrences[i].Timestamp.Sub(occurrences[i-1].Timestamp))
	}
	mean, variance := meanVariance(intervals)
	if mean <= 0 {
		return nil
	}
	cv := coefficientOfVariation(mean, variance)
	if cv > d.cfg.PeriodTolerance {
		return nil
	}

	latest := occurrences[len(occurrences)-1]
	earlier := lastN(occurrences[:len(occurrences)-1], d.cfg.MaxEvidence)

	return candidate{
		pattern:    types.PatternCyclical,
		scope:      stream,
		primary:    latest,
		correlated: append([]*types.Event(nil), earlier...),
		gaps:       intervals,
		frequency:  len(occurrences),
		stability:  1 / (1 + cv),
		last:       latest.Timestamp,
	}.build()
}

var _ Detector = (*CyclicalDetector)(nil)
