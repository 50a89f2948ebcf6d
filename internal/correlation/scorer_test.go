package correlation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/anchorflow/pkg/types"
)

func sampleCorrelation() *types.TemporalCorrelation {
	primary := newTestEvent("p", "email", types.EventTypeCommunication, t0, "project-x")
	other := newTestEvent("o", "document", types.EventTypeStorage, t0.Add(5*time.Minute), "project-x")
	return &types.TemporalCorrelation{
		ID:                  "corr:sample",
		PrimaryEvent:        primary,
		CorrelatedEvents:    []*types.Event{other},
		TemporalGap:         5 * time.Minute,
		GapVariance:         0,
		OccurrenceFrequency: 6,
		PatternType:         types.PatternSequential,
		Scope:               "email->document",
	}
}

func TestConfidenceScorer_FactorsSumToScore(t *testing.T) {
	s := NewConfidenceScorer(DefaultScorerWeights())
	c := sampleCorrelation()

	score := s.Score(c)

	var sum float64
	for _, v := range c.ConfidenceFactors {
		sum += v
	}
	assert.InDelta(t, score, sum, 1e-9)
	assert.Equal(t, score, c.ConfidenceScore)
	assert.Len(t, c.ConfidenceFactors, 5)
	assert.InDelta(t, 0.30, c.ConfidenceFactors[FactorTemporalConsistency], 1e-9)
}

func TestConfidenceScorer_NormalisesWeights(t *testing.T) {
	s := NewConfidenceScorerWithFactors(
		Factor{Name: "a", Weight: 2, Score: func(*types.TemporalCorrelation) float64 { return 1 }},
		Factor{Name: "b", Weight: 2, Score: func(*types.TemporalCorrelation) float64 { return 0 }},
	)
	c := sampleCorrelation()
	assert.InDelta(t, 0.5, s.Score(c), 1e-9)
}

func TestConfidenceScorer_ClampsFactorValues(t *testing.T) {
	s := NewConfidenceScorerWithFactors(
		Factor{Name: "wild", Weight: 1, Score: func(*types.TemporalCorrelation) float64 { return 7 }},
		Factor{Name: "nan", Weight: 1, Score: func(*types.TemporalCorrelation) float64 { return math.NaN() }},
	)
	score := s.Score(sampleCorrelation())
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestConfidenceScorer_FeedbackMovesUserValidation(t *testing.T) {
	s := NewConfidenceScorer(DefaultScorerWeights())
	c := sampleCorrelation()
	assert.InDelta(t, 0.5, s.UserValidation(c), 1e-9)

	s.RecordFeedback(c.Signature(), true, 1)
	s.RecordFeedback(c.Signature(), true, 1)
	assert.InDelta(t, 0.75, s.UserValidation(c), 1e-9)

	before := s.Score(c)
	s.RecordFeedback(c.Signature(), false, 1)
	s.RecordFeedback(c.Signature(), false, 1)
	s.RecordFeedback(c.Signature(), false, 1)
	assert.Less(t, s.Score(c), before)

	s.ResetFeedback()
	assert.Equal(t, 0, s.FeedbackSignatures())
	assert.InDelta(t, 0.5, s.UserValidation(c), 1e-9)
}

func TestConfidenceScorer_ExplainDoesNotMutate(t *testing.T) {
	s := NewConfidenceScorer(DefaultScorerWeights())
	c := sampleCorrelation()

	ex := s.Explain(c)

	assert.Zero(t, c.ConfidenceScore)
	assert.Nil(t, c.ConfidenceFactors)
	require.Len(t, ex.Factors, 5)
	assert.Equal(t, "corr:sample", ex.CorrelationID)
	assert.InDelta(t, s.Score(c), ex.Overall, 1e-9)
	assert.Contains(t, ex.Description, "sequential pattern over email->document")
}

func TestTemporalConsistency(t *testing.T) {
	c := sampleCorrelation()
	assert.InDelta(t, 1.0, TemporalConsistency(c), 1e-9)

	c.GapVariance = math.Pow(300, 2)
	assert.InDelta(t, 0.5, TemporalConsistency(c), 1e-9)

	c.TemporalGap = 0
	assert.Zero(t, TemporalConsistency(c))
}

func TestFrequencyStrength(t *testing.T) {
	c := sampleCorrelation()
	c.OccurrenceFrequency = 0
	assert.Zero(t, FrequencyStrength(c))

	c.OccurrenceFrequency = 3
	low := FrequencyStrength(c)
	c.OccurrenceFrequency = 30
	high := FrequencyStrength(c)
	assert.Greater(t, high, low)
	assert.LessOrEqual(t, high, 1.0)
}

func TestContextCoherence(t *testing.T) {
	c := sampleCorrelation()
	assert.InDelta(t, 1.0, ContextCoherence(c), 1e-9)

	c.CorrelatedEvents[0].Tags = []string{"other"}
	assert.InDelta(t, 0.0, ContextCoherence(c), 1e-9)

	c.PrimaryEvent.Tags = nil
	c.CorrelatedEvents[0].Tags = nil
	assert.InDelta(t, 0.5, ContextCoherence(c), 1e-9)
}

func TestCausalPlausibility_RanksPatterns(t *testing.T) {
	c := sampleCorrelation()
	seq := CausalPlausibility(c)
	assert.InDelta(t, 0.9, seq, 1e-9, "communication then storage is a compatible pair")

	ranks := make([]float64, 0, len(types.AllPatternTypes))
	c.CorrelatedEvents[0].Type = types.EventTypeSystem
	for _, p := range types.AllPatternTypes {
		c.PatternType = p
		ranks = append(ranks, CausalPlausibility(c))
	}
	// sequential > cyclical > concurrent > contextual
	assert.Greater(t, ranks[0], ranks[2])
	assert.Greater(t, ranks[2], ranks[1])
	assert.Greater(t, ranks[1], ranks[3])
}
