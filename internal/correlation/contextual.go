package correlation

import (
	"sort"
	"strings"
	"time"

	"github.com/scrypster/anchorflow/pkg/types"
)

// ContextualConfig configures the contextual detector.
type ContextualConfig struct {
	DetectorConfig `koanf:",squash"`
	// MaxSpan bounds how far apart events of one co-occurrence may be.
	MaxSpan time.Duration `koanf:"max_span" validate:"gt=0"`
}

// DefaultContextualConfig returns the contextual detector defaults.
func DefaultContextualConfig() ContextualConfig {
	return ContextualConfig{
		DetectorConfig: DefaultDetectorConfig(),
		MaxSpan:        24 * time.Hour,
	}
}

// ContextualDetector finds events from different streams that repeatedly
// share a correlation tag or context value around the same time.
type ContextualDetector struct {
	cfg ContextualConfig
}

// NewContextualDetector creates a contextual detector.
func NewContextualDetector(cfg ContextualConfig) *ContextualDetector {
	cfg.DetectorConfig = cfg.DetectorConfig.withDefaults()
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = DefaultContextualConfig().MaxSpan
	}
	return &ContextualDetector{cfg: cfg}
}

func (d *ContextualDetector) Name() string                   { return "contextual" }
func (d *ContextualDetector) PatternType() types.PatternType { return types.PatternContextual }
func (d *ContextualDetector) Config() DetectorConfig         { return d.cfg.DetectorConfig }

// Detect clusters the events of each scope by time and counts clusters that
// span at least two streams.
func (d *ContextualDetector) Detect(events []*types.Event) []*types.TemporalCorrelation {
	byScope := make(map[string][]*types.Event)
	for _, e := range events {
		for tok := range e.ContextTokens() {
			byScope[tok] = append(byScope[tok], e)
		}
	}
	scopes := make([]string, 0, len(byScope))
	for s, evs := range byScope {
		if len(evs) >= d.cfg.MinOccurrences {
			scopes = append(scopes, s)
		}
	}
	sort.Strings(scopes)

	seen := make(map[string]struct{})
	var out []*types.TemporalCorrelation
	for _, scope := range scopes {
		evs := byScope[scope]
		types.SortEvents(evs)

		clusters := d.cooccurrences(evs)
		if len(clusters) < d.cfg.MinOccurrences {
			continue
		}

		key := clusterKey(clusters)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if c := d.build(scope, clusters); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// cooccurrences splits time-sorted events into MaxSpan clusters and keeps
// those covering two or more streams.
func (d *ContextualDetector) cooccurrences(evs []*types.Event) [][]*types.Event {
	var clusters [][]*types.Event
	var current []*types.Event
	flush := func() {
		if distinctStreams(current) >= 2 {
			clusters = append(clusters, current)
		}
		current = nil
	}
	for _, e := range evs {
		if len(current) > 0 && e.Timestamp.Sub(current[0].Timestamp) > d.cfg.MaxSpan {
			flush()
		}
		current = append(current, e)
	}
	flush()
	return clusters
}

func (d *ContextualDetector) build(scope string, clusters [][]*types.Event) *types.TemporalCorrelation {
	spans := make([]float64, len(clusters))
	for i, c := range clusters {
		spans[i] = seconds(c[len(c)-1].Timestamp.Sub(c[0].Timestamp))
	}
	mean, variance := meanVariance(spans)
	if mean <= 0 {
		return nil
	}

	latest := clusters[len(clusters)-1]
	primary := latest[len(latest)-1]

	var evidence []*types.Event
	for _, c := range clusters {
		for _, e := range c {
			if e != primary {
				evidence = append(evidence, e)
			}
		}
	}

	return candidate{
		pattern:    types.PatternContextual,
		scope:      scope,
		primary:    primary,
		correlated: append([]*types.Event(nil), lastN(evidence, d.cfg.MaxEvidence)...),
		gaps:       spans,
		frequency:  len(clusters),
		stability:  1 / (1 + coefficientOfVariation(mean, variance)),
		last:       primary.Timestamp,
	}.build()
}

func distinctStreams(evs []*types.Event) int {
	seen := make(map[string]struct{}, len(evs))
	for _, e := range evs {
		seen[e.StreamID] = struct{}{}
	}
	return len(seen)
}

func clusterKey(clusters [][]*types.Event) string {
	var b strings.Builder
	for _, c := range clusters {
		for _, e := range c {
			b.WriteString(e.ID)
			b.WriteByte(',')
		}
		b.WriteByte('|')
	}
	return b.String()
}

var _ Detector = (*ContextualDetector)(nil)
