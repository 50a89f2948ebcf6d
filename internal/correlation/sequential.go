package correlation

import (
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// SequentialConfig configures the sequential detector.
type SequentialConfig struct {
	DetectorConfig `koanf:",squash"`
	// MaxGap bounds the delay between an A event and its following B event.
	MaxGap time.Duration `koanf:"max_gap" validate:"gt=0"`
	// GapTolerance is the largest accepted coefficient of variation of gaps.
	GapTolerance float64 `koanf:"gap_tolerance" validate:"gt=0"`
}

// DefaultSequentialConfig returns the sequential detector defaults.
func DefaultSequentialConfig() SequentialConfig {
	return SequentialConfig{
		DetectorConfig: DefaultDetectorConfig(),
		MaxGap:         time.Hour,
		GapTolerance:   0.5,
	}
}

// SequentialDetector finds "A is reliably followed by B" patterns between
// pairs of streams.
type SequentialDetector struct {
	cfg SequentialConfig
}

// NewSequentialDetector creates a sequential detector.
func NewSequentialDetector(cfg SequentialConfig) *SequentialDetector {
	def := DefaultSequentialConfig()
	cfg.DetectorConfig = cfg.DetectorConfig.withDefaults()
	if cfg.MaxGap <= 0 {
		cfg.MaxGap = def.MaxGap
	}
	if cfg.GapTolerance <= 0 {
		cfg.GapTolerance = def.GapTolerance
	}
	return &SequentialDetector{cfg: cfg}
}

func (d *SequentialDetector) Name() string                   { return "sequential" }
func (d *SequentialDetector) PatternType() types.PatternType { return types.PatternSequential }
func (d *SequentialDetector) Config() DetectorConfig         { return d.cfg.DetectorConfig }

type seqMatch struct{ a, b *types.Event }

type seqResult struct {
	from, to string
	matches  []seqMatch
	gaps     []float64
	mean     float64
	cv       float64
}

// Detect pairs each A event with the nearest strictly later B event that
// occurs before the next A event and within MaxGap.
func (d *SequentialDetector) Detect(events []*types.Event) []*types.TemporalCorrelation {
	byStream, streams := groupByStream(events)
	minOcc := d.cfg.MinOccurrences

	results := make(map[[2]string]seqResult)
	for _, a := range streams {
		if len(byStream[a]) < minOcc {
			continue
		}
		for _, b := range streams {
			if a == b || len(byStream[b]) < minOcc {
				continue
			}
			r, ok := d.evaluate(a, b, byStream[a], byStream[b])
			if !ok {
				continue
			}
			key := [2]string{a, b}
			if b < a {
				key = [2]string{b, a}
			}
			// Only the tighter direction survives when both qualify.
			if prev, seen := results[key]; seen {
				if prev.mean < r.mean || (prev.mean == r.mean && prev.from < r.from) {
					continue
				}
			}
			results[key] = r
		}
	}

	out := make([]*types.TemporalCorrelation, 0, len(results))
	for _, a := range streams {
		for _, b := range streams {
			if a >= b {
				continue
			}
			r, ok := results[[2]string{a, b}]
			if !ok {
				continue
			}
			out = append(out, d.build(r))
		}
	}
	return out
}

func (d *SequentialDetector) evaluate(from, to string, as, bs []*types.Event) (seqResult, bool) {
	matches := matchSequence(as, bs, d.cfg.MaxGap)
	if len(matches) < d.cfg.MinOccurrences {
		return seqResult{}, false
	}
	gaps := make([]float64, len(matches))
	for i, m := range matches {
		gaps[i] = seconds(m.b.Timestamp.Sub(m.a.Timestamp))
	}
	mean, variance := meanVariance(gaps)
	if mean <= 0 {
		return seqResult{}, false
	}
	cv := coefficientOfVariation(mean, variance)
	if cv >= d.cfg.GapTolerance {
		return seqResult{}, false
	}
	return seqResult{from: from, to: to, matches: matches, gaps: gaps, mean: mean, cv: cv}, true
}

func matchSequence(as, bs []*types.Event, maxGap time.Duration) []seqMatch {
	var matches []seqMatch
	j := 0
	for i, a := range as {
		for j < len(bs) && !bs[j].Timestamp.After(a.Timestamp) {
			j++
		}
		if j >= len(bs) {
			break
		}
		b := bs[j]
		if i+1 < len(as) && !b.Timestamp.Before(as[i+1].Timestamp) {
			continue
		}
		if b.Timestamp.Sub(a.Timestamp) > maxGap {
			continue
		}
		matches = append(matches, seqMatch{a: a, b: b})
		j++
	}
	return matches
}

func (d *SequentialDetector) build(r seqResult) *types.TemporalCorrelation {
	last := r.matches[len(r.matches)-1]
	evidence := lastN(r.matches, d.cfg.MaxEvidence)
	correlated := make([]*types.Event, len(evidence))
	for i, m := range evidence {
		correlated[i] = m.b
	}
	return candidate{
		pattern:    types.PatternSequential,
		scope:      r.from + "->" + r.to,
		primary:    last.a,
		correlated: correlated,
		gaps:       r.gaps,
		frequency:  len(r.matches),
		stability:  1 / (1 + r.cv),
		last:       last.b.Timestamp,
	}.build()
}

var _ Detector = (*SequentialDetector)(nil)
