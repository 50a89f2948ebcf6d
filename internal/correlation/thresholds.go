package correlation

import (
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/pkg/types"
)

// ThresholdConfig configures adaptive acceptance thresholds.
type ThresholdConfig struct {
	Confidence    float64 `koanf:"confidence" validate:"gte=0,lte=1"`
	Frequency     int     `koanf:"frequency" validate:"gte=1"`
	MaxStep       float64 `koanf:"max_step" validate:"gt=0,lte=1"`
	MinConfidence float64 `koanf:"min_confidence" validate:"gte=0,lte=1"`
	MaxConfidence float64 `koanf:"max_confidence" validate:"gte=0,lte=1,gtefield=MinConfidence"`
	MinFrequency  int     `koanf:"min_frequency" validate:"gte=1"`
	MaxFrequency  int     `koanf:"max_frequency" validate:"gtefield=MinFrequency"`
	// Margin is how far past a one-sided feedback group the threshold aims.
	Margin float64 `koanf:"margin" validate:"gte=0,lte=0.5"`
	// HistorySize bounds the learning trend history.
	HistorySize int `koanf:"history_size" validate:"gte=1"`
	// PatternAdjustments shift the confidence threshold per pattern type.
	PatternAdjustments map[string]float64 `koanf:"pattern_adjustments"`
}

// DefaultThresholdConfig returns the default thresholds.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Confidence:    0.6,
		Frequency:     2,
		MaxStep:       0.1,
		MinConfidence: 0.1,
		MaxConfidence: 0.95,
		MinFrequency:  1,
		MaxFrequency:  10,
		Margin:        0.05,
		HistorySize:   100,
		PatternAdjustments: map[string]float64{
			string(types.PatternSequential): -0.05,
			string(types.PatternConcurrent): 0,
			string(types.PatternCyclical):   0,
			string(types.PatternContextual): 0.05,
		},
	}
}

// LearningMetrics reports one feedback batch.
type LearningMetrics struct {
	Timestamp        time.Time `json:"timestamp"`
	Received         int       `json:"received"`
	Dropped          int       `json:"dropped"`
	Meaningful       int       `json:"meaningful"`
	NotMeaningful    int       `json:"not_meaningful"`
	Precision        float64   `json:"precision"`
	Recall           float64   `json:"recall"`
	ConfidenceBefore float64   `json:"confidence_before"`
	ConfidenceAfter  float64   `json:"confidence_after"`
	FrequencyBefore  int       `json:"frequency_before"`
	FrequencyAfter   int       `json:"frequency_after"`
}

// ThresholdState is the current threshold values.
type ThresholdState struct {
	Confidence          float64            `json:"confidence_threshold"`
	Frequency           int                `json:"frequency_threshold"`
	EffectiveConfidence map[string]float64 `json:"effective_confidence"`
}

// PerformanceSummary reports learning progress.
type PerformanceSummary struct {
	Current           ThresholdState    `json:"current"`
	BatchesProcessed  int               `json:"batches_processed"`
	FeedbackProcessed int               `json:"feedback_processed"`
	FeedbackDropped   int               `json:"feedback_dropped"`
	RollingPrecision  float64           `json:"rolling_precision"`
	RollingRecall     float64           `json:"rolling_recall"`
	History           []LearningMetrics `json:"history"`
}

// FrequencyLookup resolves the occurrence frequency of a correlation id.
type FrequencyLookup func(correlationID string) (int, bool)

// AdaptiveThresholds holds the confidence and frequency acceptance bars and
// tunes them from feedback. It is safe for concurrent use.
type AdaptiveThresholds struct {
	cfg      ThresholdConfig
	validate *validator.Validate
	logger   *zap.Logger

	mu         sync.RWMutex
	confidence float64
	frequency  int
	lookup     FrequencyLookup
	history    []LearningMetrics
	batches    int
	processed  int
	dropped    int
}

// NewAdaptiveThresholds creates thresholds at their configured starting values.
func NewAdaptiveThresholds(cfg ThresholdConfig, logger *zap.Logger) *AdaptiveThresholds {
	def := DefaultThresholdConfig()
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = def.MaxStep
	}
	if cfg.MaxConfidence <= 0 {
		cfg.MinConfidence, cfg.MaxConfidence = def.MinConfidence, def.MaxConfidence
	}
	if cfg.MinFrequency <= 0 {
		cfg.MinFrequency = def.MinFrequency
	}
	if cfg.MaxFrequency < cfg.MinFrequency {
		cfg.MaxFrequency = def.MaxFrequency
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.PatternAdjustments == nil {
		cfg.PatternAdjustments = map[string]float64{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &AdaptiveThresholds{cfg: cfg, validate: validator.New(), logger: logger}
	t.confidence = t.clampConfidence(cfg.Confidence)
	t.frequency = t.clampFrequency(cfg.Frequency)
	return t
}

// SetFrequencyLookup installs the resolver used to tune the frequency bar.
func (t *AdaptiveThresholds) SetFrequencyLookup(fn FrequencyLookup) {
	t.mu.Lock()
	t.lookup = fn
	t.mu.Unlock()
}

func (t *AdaptiveThresholds) effective(pattern types.PatternType) float64 {
	return t.clampConfidence(t.confidence + t.cfg.PatternAdjustments[string(pattern)])
}

// ShouldAccept reports whether a scored candidate clears both bars.
func (t *AdaptiveThresholds) ShouldAccept(confidence float64, frequency int, pattern types.PatternType) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return confidence >= t.effective(pattern) && frequency >= t.frequency
}

// UpdateFromFeedback learns from a batch of feedback. Malformed items are
// dropped and counted. Each threshold moves at most one step per batch.
func (t *AdaptiveThresholds) UpdateFromFeedback(batch []types.CorrelationFeedback) LearningMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := LearningMetrics{
		Timestamp:        time.Now(),
		Received:         len(batch),
		ConfidenceBefore: t.confidence,
		FrequencyBefore:  t.frequency,
	}

	var meaningful, notMeaningful []float64
	var meaningfulFreq, notMeaningfulFreq []int
	for i := range batch {
		fb := batch[i]
		if err := t.validate.Struct(fb); err != nil || math.IsNaN(fb.Confidence) {
			m.Dropped++
			t.logger.Debug("dropping malformed feedback",
				zap.String("correlation_id", fb.CorrelationID),
				zap.Float64("confidence", fb.Confidence),
				zap.Error(err))
			continue
		}
		freq, known := 0, false
		if t.lookup != nil {
			freq, known = t.lookup(fb.CorrelationID)
		}
		if fb.Meaningful {
			meaningful = append(meaningful, fb.Confidence)
			if known {
				meaningfulFreq = append(meaningfulFreq, freq)
			}
		} else {
			notMeaningful = append(notMeaningful, fb.Confidence)
			if known {
				notMeaningfulFreq = append(notMeaningfulFreq, freq)
			}
		}
	}
	m.Meaningful, m.NotMeaningful = len(meaningful), len(notMeaningful)
	t.dropped += m.Dropped

	if len(meaningful)+len(notMeaningful) == 0 {
		m.ConfidenceAfter, m.FrequencyAfter = t.confidence, t.frequency
		return m
	}

	m.Precision, m.Recall = precisionRecall(meaningful, notMeaningful, t.confidence)

	target := t.confidenceTarget(meaningful, notMeaningful)
	step := math.Max(-t.cfg.MaxStep, math.Min(t.cfg.MaxStep, target-t.confidence))
	t.confidence = t.clampConfidence(t.confidence + step)

	if ft, ok := frequencyTarget(meaningfulFreq, notMeaningfulFreq, t.frequency); ok {
		switch {
		case ft > t.frequency:
			t.frequency = t.clampFrequency(t.frequency + 1)
		case ft < t.frequency:
			t.frequency = t.clampFrequency(t.frequency - 1)
		}
	}

	m.ConfidenceAfter, m.FrequencyAfter = t.confidence, t.frequency
	t.batches++
	t.processed += len(meaningful) + len(notMeaningful)
	t.history = append(t.history, m)
	if over := len(t.history) - t.cfg.HistorySize; over > 0 {
		t.history = append([]LearningMetrics(nil), t.history[over:]...)
	}

	t.logger.Info("adaptive thresholds updated",
		zap.Float64("confidence_before", m.ConfidenceBefore),
		zap.Float64("confidence_after", m.ConfidenceAfter),
		zap.Int("frequency_after", m.FrequencyAfter),
		zap.Int("meaningful", m.Meaningful),
		zap.Int("not_meaningful", m.NotMeaningful),
		zap.Int("dropped", m.Dropped))
	return m
}

// confidenceTarget picks the value that best separates the two groups.
func (t *AdaptiveThresholds) confidenceTarget(meaningful, notMeaningful []float64) float64 {
	switch {
	case len(meaningful) > 0 && len(notMeaningful) > 0:
		lo, hi := minFloat(meaningful), maxFloat(notMeaningful)
		if lo > hi {
			return (lo + hi) / 2
		}
		mm, _ := meanVariance(meaningful)
		nm, _ := meanVariance(notMeaningful)
		return (mm + nm) / 2
	case len(meaningful) > 0:
		return math.Min(t.confidence, minFloat(meaningful)-t.cfg.Margin)
	default:
		return math.Max(t.confidence, maxFloat(notMeaningful)+t.cfg.Margin)
	}
}

// frequencyTarget aims just above the most frequent rejected pattern
// without excluding any pattern judged meaningful.
func frequencyTarget(meaningful, notMeaningful []int, current int) (int, bool) {
	if len(meaningful) == 0 && len(notMeaningful) == 0 {
		return 0, false
	}
	target := current
	if len(notMeaningful) > 0 {
		target = maxInt(notMeaningful) + 1
	}
	if len(meaningful) > 0 {
		if lo := minInt(meaningful); target > lo {
			target = lo
		}
	}
	return target, true
}

// precisionRecall scores the current threshold against the batch. Both are
// 1 when their denominator is empty.
func precisionRecall(meaningful, notMeaningful []float64, threshold float64) (float64, float64) {
	tp, fp := 0, 0
	for _, r := range meaningful {
		if r >= threshold {
			tp++
		}
	}
	for _, r := range notMeaningful {
		if r >= threshold {
			fp++
		}
	}
	precision, recall := 1.0, 1.0
	if tp+fp > 0 {
		precision = float64(tp) / float64(tp+fp)
	}
	if len(meaningful) > 0 {
		recall = float64(tp) / float64(len(meaningful))
	}
	return precision, recall
}

func (t *AdaptiveThresholds) clampConfidence(v float64) float64 {
	return math.Max(t.cfg.MinConfidence, math.Min(t.cfg.MaxConfidence, v))
}

func (t *AdaptiveThresholds) clampFrequency(v int) int {
	if v < t.cfg.MinFrequency {
		return t.cfg.MinFrequency
	}
	if v > t.cfg.MaxFrequency {
		return t.cfg.MaxFrequency
	}
	return v
}

// ResetToDefaults restores the configured starting values and clears history.
func (t *AdaptiveThresholds) ResetToDefaults() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.confidence = t.clampConfidence(t.cfg.Confidence)
	t.frequency = t.clampFrequency(t.cfg.Frequency)
	t.history = nil
	t.batches, t.processed, t.dropped = 0, 0, 0
}

// State returns the current thresholds.
func (t *AdaptiveThresholds) State() ThresholdState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateLocked()
}

func (t *AdaptiveThresholds) stateLocked() ThresholdState {
	s := ThresholdState{
		Confidence:          t.confidence,
		Frequency:           t.frequency,
		EffectiveConfidence: make(map[string]float64, len(types.AllPatternTypes)),
	}
	for _, p := range types.AllPatternTypes {
		s.EffectiveConfidence[string(p)] = t.effective(p)
	}
	return s
}

// PerformanceSummary returns learning statistics and trend history.
func (t *AdaptiveThresholds) PerformanceSummary() PerformanceSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := PerformanceSummary{
		Current:           t.stateLocked(),
		BatchesProcessed:  t.batches,
		FeedbackProcessed: t.processed,
		FeedbackDropped:   t.dropped,
		History:           append([]LearningMetrics(nil), t.history...),
	}
	if n := len(t.history); n > 0 {
		for _, h := range t.history {
			s.RollingPrecision += h.Precision
			s.RollingRecall += h.Recall
		}
		s.RollingPrecision /= float64(n)
		s.RollingRecall /= float64(n)
	}
	return s
}

func minFloat(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		m = math.Min(m, x)
	}
	return m
}

func maxFloat(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		m = math.Max(m, x)
	}
	return m
}

func minInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
