package correlation

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/scrypster/anchorflow/pkg/types"
)

// Factor names
const (
	FactorTemporalConsistency = "temporal_consistency"
	FactorFrequencyStrength   = "frequency_strength"
	FactorContextCoherence    = "context_coherence"
	FactorCausalPlausibility  = "causal_plausibility"
	FactorUserValidation      = "user_validation"
)

// FactorFunc scores one aspect of a correlation in [0,1].
type FactorFunc func(c *types.TemporalCorrelation) float64

// Factor is a named, weighted confidence component.
type Factor struct {
	Name   string
	Weight float64
	Score  FactorFunc
}

// ScorerWeights sets the weight of each built-in factor.
type ScorerWeights struct {
	TemporalConsistency float64 `koanf:"temporal_consistency" validate:"gte=0"`
	FrequencyStrength   float64 `koanf:"frequency_strength" validate:"gte=0"`
	ContextCoherence    float64 `koanf:"context_coherence" validate:"gte=0"`
	CausalPlausibility  float64 `koanf:"causal_plausibility" validate:"gte=0"`
	UserValidation      float64 `koanf:"user_validation" validate:"gte=0"`
}

// DefaultScorerWeights returns weights summing to 1.
func DefaultScorerWeights() ScorerWeights {
	return ScorerWeights{
		TemporalConsistency: 0.30,
		FrequencyStrength:   0.25,
		ContextCoherence:    0.15,
		CausalPlausibility:  0.15,
		UserValidation:      0.15,
	}
}

func (w ScorerWeights) total() float64 {
	return w.TemporalConsistency + w.FrequencyStrength + w.ContextCoherence + w.CausalPlausibility + w.UserValidation
}

type feedbackTally struct {
	positive float64
	negative float64
}

// ConfidenceScorer combines weighted factors into a confidence score.
// Contributions are normalised by the total weight so they always sum to
// the clamped score.
type ConfidenceScorer struct {
	factors []Factor

	mu       sync.RWMutex
	feedback map[string]*feedbackTally // by correlation signature
}

// NewConfidenceScorer creates a scorer with the five built-in factors.
// Zero weights fall back to the defaults.
func NewConfidenceScorer(weights ScorerWeights) *ConfidenceScorer {
	if weights.total() <= 0 {
		weights = DefaultScorerWeights()
	}
	s := &ConfidenceScorer{feedback: make(map[string]*feedbackTally)}
	s.factors = []Factor{
		{Name: FactorTemporalConsistency, Weight: weights.TemporalConsistency, Score: TemporalConsistency},
		{Name: FactorFrequencyStrength, Weight: weights.FrequencyStrength, Score: FrequencyStrength},
		{Name: FactorContextCoherence, Weight: weights.ContextCoherence, Score: ContextCoherence},
		{Name: FactorCausalPlausibility, Weight: weights.CausalPlausibility, Score: CausalPlausibility},
		{Name: FactorUserValidation, Weight: weights.UserValidation, Score: s.UserValidation},
	}
	return s
}

// NewConfidenceScorerWithFactors creates a scorer from custom factors.
func NewConfidenceScorerWithFactors(factors ...Factor) *ConfidenceScorer {
	return &ConfidenceScorer{
		factors:  append([]Factor(nil), factors...),
		feedback: make(map[string]*feedbackTally),
	}
}

// Factors returns the scorer's factors.
func (s *ConfidenceScorer) Factors() []Factor {
	return append([]Factor(nil), s.factors...)
}

// Score computes c's confidence, writing ConfidenceScore and the per-factor
// contributions into c, and returns the score.
func (s *ConfidenceScorer) Score(c *types.TemporalCorrelation) float64 {
	var total float64
	for _, f := range s.factors {
		total += f.Weight
	}
	contributions := make(map[string]float64, len(s.factors))
	var score float64
	if total > 0 {
		for _, f := range s.factors {
			v := clamp01(f.Score(c)) * f.Weight / total
			contributions[f.Name] = v
			score += v
		}
	}
	c.ConfidenceFactors = contributions
	c.ConfidenceScore = clamp01(score)
	return c.ConfidenceScore
}

// FactorBreakdown is one factor's part in an explanation.
type FactorBreakdown struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Explanation describes how a correlation's confidence was reached.
type Explanation struct {
	CorrelationID string            `json:"correlation_id"`
	Overall       float64           `json:"overall"`
	Factors       []FactorBreakdown `json:"factors"`
	Description   string            `json:"description"`
}

// Explain scores c without modifying it and returns the breakdown.
func (s *ConfidenceScorer) Explain(c *types.TemporalCorrelation) Explanation {
	var total float64
	for _, f := range s.factors {
		total += f.Weight
	}
	ex := Explanation{CorrelationID: c.ID}
	for _, f := range s.factors {
		v := clamp01(f.Score(c))
		b := FactorBreakdown{Name: f.Name, Value: v, Weight: f.Weight}
		if total > 0 {
			b.Contribution = v * f.Weight / total
		}
		ex.Overall += b.Contribution
		ex.Factors = append(ex.Factors, b)
	}
	ex.Overall = clamp01(ex.Overall)

	parts := make([]string, 0, len(ex.Factors))
	sorted := append([]FactorBreakdown(nil), ex.Factors...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Contribution > sorted[j].Contribution })
	for _, b := range sorted {
		parts = append(parts, fmt.Sprintf("%s=%.2f", b.Name, b.Value))
	}
	ex.Description = fmt.Sprintf("%s [confidence %.2f: %s]", c.Describe(), ex.Overall, strings.Join(parts, " "))
	return ex
}

// RecordFeedback updates the user-validation memory for a signature.
// The rating (0-1) weights the judgment between 0.5 and 1.
func (s *ConfidenceScorer) RecordFeedback(signature string, meaningful bool, rating float64) {
	w := 0.5 + clamp01(rating)/2
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.feedback[signature]
	if !ok {
		t = &feedbackTally{}
		s.feedback[signature] = t
	}
	if meaningful {
		t.positive += w
	} else {
		t.negative += w
	}
}

// ResetFeedback forgets all recorded feedback.
func (s *ConfidenceScorer) ResetFeedback() {
	s.mu.Lock()
	s.feedback = make(map[string]*feedbackTally)
	s.mu.Unlock()
}

// FeedbackSignatures returns how many signatures have feedback.
func (s *ConfidenceScorer) FeedbackSignatures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.feedback)
}

// UserValidation is the Laplace-smoothed share of positive feedback for c's
// signature; 0.5 without feedback.
func (s *ConfidenceScorer) UserValidation(c *types.TemporalCorrelation) float64 {
	s.mu.RLock()
	t, ok := s.feedback[c.Signature()]
	var pos, neg float64
	if ok {
		pos, neg = t.positive, t.negative
	}
	s.mu.RUnlock()
	return (pos + 1) / (pos + neg + 2)
}

// TemporalConsistency is 1/(1+CV) of the gap; 0 for a non-positive gap.
func TemporalConsistency(c *types.TemporalCorrelation) float64 {
	gap := seconds(c.TemporalGap)
	if gap <= 0 {
		return 0
	}
	return 1 / (1 + math.Sqrt(math.Max(c.GapVariance, 0))/gap)
}

// FrequencyStrength saturates with occurrence count: 1 - e^(-f/3).
func FrequencyStrength(c *types.TemporalCorrelation) float64 {
	if c.OccurrenceFrequency <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(c.OccurrenceFrequency)/3)
}

// ContextCoherence is the mean Jaccard overlap of tags and context values
// between the primary event and each correlated event; 0.5 when none of
// them carry any.
func ContextCoherence(c *types.TemporalCorrelation) float64 {
	if c.PrimaryEvent == nil || len(c.CorrelatedEvents) == 0 {
		return 0.5
	}
	primary := c.PrimaryEvent.ContextTokens()
	var sum float64
	var n int
	for _, e := range c.CorrelatedEvents {
		other := e.ContextTokens()
		if len(primary) == 0 && len(other) == 0 {
			continue
		}
		sum += jaccard(primary, other)
		n++
	}
	if n == 0 {
		return 0.5
	}
	return sum / float64(n)
}

func jaccard(a, b map[string]struct{}) float64 {
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var patternPlausibility = map[types.PatternType]float64{
	types.PatternSequential: 0.8,
	types.PatternCyclical:   0.6,
	types.PatternConcurrent: 0.5,
	types.PatternContextual: 0.4,
}

// compatibleTypes lists event-type pairs that plausibly drive one another.
var compatibleTypes = map[[2]types.EventType]bool{
	{types.EventTypeCommunication, types.EventTypeStorage}:       true,
	{types.EventTypeCommunication, types.EventTypeActivity}:      true,
	{types.EventTypeStorage, types.EventTypeActivity}:            true,
	{types.EventTypeActivity, types.EventTypeStorage}:            true,
	{types.EventTypeActivity, types.EventTypeCommunication}:      true,
	{types.EventTypeEnvironmental, types.EventTypeActivity}:      true,
	{types.EventTypeEnvironmental, types.EventTypeStorage}:       true,
	{types.EventTypeSystem, types.EventTypeSystem}:               true,
	{types.EventTypeStorage, types.EventTypeCommunication}:       true,
	{types.EventTypeEnvironmental, types.EventTypeCommunication}: true,
}

// CausalPlausibility ranks pattern types (sequential > cyclical >
// concurrent > contextual) and adds 0.1 when the primary and a correlated
// event have compatible types.
func CausalPlausibility(c *types.TemporalCorrelation) float64 {
	base, ok := patternPlausibility[c.PatternType]
	if !ok {
		base = 0.3
	}
	if c.PrimaryEvent != nil {
		for _, e := range c.CorrelatedEvents {
			if compatibleTypes[[2]types.EventType{c.PrimaryEvent.Type, e.Type}] {
				base += 0.1
				break
			}
		}
	}
	return clamp01(base)
}
