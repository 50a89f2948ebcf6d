package correlation

import (
	"math"
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// ConcurrentConfig configures the concurrent detector.
type ConcurrentConfig struct {
	DetectorConfig `koanf:",squash"`
	// Window is the largest offset at which two events count as concurrent.
	Window time.Duration `koanf:"window" validate:"gt=0"`
}

// DefaultConcurrentConfig returns the concurrent detector defaults.
func DefaultConcurrentConfig() ConcurrentConfig {
	return ConcurrentConfig{
		DetectorConfig: DefaultDetectorConfig(),
		Window:         300 * time.Second,
	}
}

// ConcurrentDetector finds streams whose events repeatedly happen close
// together in time, in either order.
type ConcurrentDetector struct {
	cfg ConcurrentConfig
}

// NewConcurrentDetector creates a concurrent detector.
func NewConcurrentDetector(cfg ConcurrentConfig) *ConcurrentDetector {
	cfg.DetectorConfig = cfg.DetectorConfig.withDefaults()
	if cfg.Window <= 0 {
		cfg.Window = DefaultConcurrentConfig().Window
	}
	return &ConcurrentDetector{cfg: cfg}
}

func (d *ConcurrentDetector) Name() string                   { return "concurrent" }
func (d *ConcurrentDetector) PatternType() types.PatternType { return types.PatternConcurrent }
func (d *ConcurrentDetector) Config() DetectorConfig         { return d.cfg.DetectorConfig }

// Detect greedily matches events of each unordered stream pair whose offset
// is below Window, using every event at most once.
func (d *ConcurrentDetector) Detect(events []*types.Event) []*types.TemporalCorrelation {
	byStream, streams := groupByStream(events)
	var out []*types.TemporalCorrelation

	for i, a := range streams {
		as := byStream[a]
		if len(as) < d.cfg.MinOccurrences {
			continue
		}
		for _, b := range streams[i+1:] {
			bs := byStream[b]
			if len(bs) < d.cfg.MinOccurrences {
				continue
			}
			if c := d.evaluate(a, b, as, bs); c != nil {
				out = append(out, c)
			}
		}
	}
	return out
}

func (d *ConcurrentDetector) evaluate(a, b string, as, bs []*types.Event) *types.TemporalCorrelation {
	var matches []seqMatch
	i, j := 0, 0
	for i < len(as) && j < len(bs) {
		offset := bs[j].Timestamp.Sub(as[i].Timestamp)
		if offset < 0 {
			offset = -offset
		}
		switch {
		case offset < d.cfg.Window:
			matches = append(matches, seqMatch{a: as[i], b: bs[j]})
			i++
			j++
		case as[i].Timestamp.Before(bs[j].Timestamp):
			i++
		default:
			j++
		}
	}
	if len(matches) < d.cfg.MinOccurrences {
		return nil
	}

	offsets := make([]float64, len(matches))
	for k, m := range matches {
		offsets[k] = math.Abs(seconds(m.b.Timestamp.Sub(m.a.Timestamp)))
	}
	mean, variance := meanVariance(offsets)
	if mean <= 0 {
		return nil
	}

	last := matches[len(matches)-1]
	lastTS := last.a.Timestamp
	if last.b.Timestamp.After(lastTS) {
		lastTS = last.b.Timestamp
	}
	evidence := lastN(matches, d.cfg.MaxEvidence)
	correlated := make([]*types.Event, len(evidence))
	for k, m := range evidence {
		correlated[k] = m.b
	}

	return candidate{
		pattern:    types.PatternConcurrent,
		scope:      a + "+" + b,
		primary:    last.a,
		correlated: correlated,
		gaps:       offsets,
		frequency:  len(matches),
		stability:  1 - math.Sqrt(variance)/seconds(d.cfg.Window),
		last:       lastTS,
	}.build()
}

var _ Detector = (*ConcurrentDetector)(nil)
