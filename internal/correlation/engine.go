// Package correlation detects recurring temporal patterns in activity
// events. Events are buffered into overlapping sliding windows, pattern
// detectors propose candidate correlations, a multi-factor scorer assigns
// confidence and adaptive thresholds decide acceptance. Feedback on accepted
// correlations tunes the thresholds and the scorer over time.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/pkg/types"
)

// ErrEngineShutdown is returned by operations after Shutdown.
var ErrEngineShutdown = errors.New("correlation engine is shut down")

// Config holds configuration for the correlation engine.
type Config struct {
	Window     WindowConfig    `koanf:"window"`
	Detectors  DetectorsConfig `koanf:"detectors"`
	Thresholds ThresholdConfig `koanf:"thresholds"`
	Weights    ScorerWeights   `koanf:"weights"`

	// LearningBatchSize is the pending feedback count that triggers a learning update.
	LearningBatchSize int `koanf:"learning_batch_size" validate:"gte=1"`
	// RegistrySize bounds the accepted-correlation registry.
	RegistrySize int `koanf:"registry_size" validate:"gte=1"`
	// RegistryRetention drops registry entries whose last occurrence is older
	// than this, measured against the newest event seen.
	RegistryRetention time.Duration `koanf:"registry_retention" validate:"gte=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Window:            DefaultWindowConfig(),
		Detectors:         DefaultDetectorsConfig(),
		Thresholds:        DefaultThresholdConfig(),
		Weights:           DefaultScorerWeights(),
		LearningBatchSize: 50,
		RegistrySize:      10000,
		RegistryRetention: 7 * 24 * time.Hour,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid correlation config: %w", err)
	}
	return nil
}

// AnchorSink receives correlations the engine accepted.
type AnchorSink interface {
	HandleCorrelations(ctx context.Context, correlations []*types.TemporalCorrelation)
}

// Stats holds engine counters.
type Stats struct {
	EventsProcessed       int64                       `json:"events_processed"`
	ProcessingCycles      int64                       `json:"processing_cycles"`
	CorrelationsDetected  int64                       `json:"correlations_detected"`
	CorrelationsAccepted  int64                       `json:"correlations_accepted"`
	RejectedLowConfidence int64                       `json:"rejected_low_confidence"`
	RejectedThreshold     int64                       `json:"rejected_threshold"`
	Duplicates            int64                       `json:"duplicates"`
	AcceptedByPattern     map[types.PatternType]int64 `json:"accepted_by_pattern"`
	FeedbackReceived      int64                       `json:"feedback_received"`
	FeedbackUnmatched     int64                       `json:"feedback_unmatched"`
	LearningUpdates       int64                       `json:"learning_updates"`
	DetectionTime         time.Duration               `json:"detection_time"`
	LastProcessedAt       time.Time                   `json:"last_processed_at"`
}

// DetectorSummary reports one detector's configuration and counts.
type DetectorSummary struct {
	Name           string            `json:"name"`
	PatternType    types.PatternType `json:"pattern_type"`
	MinOccurrences int               `json:"min_occurrences"`
	MinConfidence  float64           `json:"min_confidence"`
	Detected       int64             `json:"detected"`
	Accepted       int64             `json:"accepted"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	ActiveWindows   int                   `json:"active_windows"`
	Windows         []types.SlidingWindow `json:"windows"`
	BufferSize      int                   `json:"buffer_size"`
	LateEvents      int64                 `json:"late_events"`
	EvictedEvents   int64                 `json:"evicted_events"`
	Detectors       []DetectorSummary     `json:"detectors"`
	Thresholds      ThresholdState        `json:"thresholds"`
	Stats           Stats                 `json:"stats"`
	PendingFeedback int                   `json:"pending_feedback"`
	RegistrySize    int                   `json:"registry_size"`
	ShutDown        bool                  `json:"shut_down"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDetectors replaces the standard detectors.
func WithDetectors(detectors ...Detector) Option {
	return func(e *Engine) { e.detectors = detectors }
}

// WithScorer replaces the default confidence scorer.
func WithScorer(s *ConfidenceScorer) Option {
	return func(e *Engine) {
		if s != nil {
			e.scorer = s
		}
	}
}

// WithAnchorSink forwards accepted correlations to sink.
func WithAnchorSink(sink AnchorSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// Engine runs detection, scoring and acceptance over a stream of events.
//
// Window and statistics state is guarded by the engine mutex. Detectors and
// the scorer run outside it on window snapshots so concurrent callers
// overlap there. Engine is safe for concurrent use.
type Engine struct {
	cfg        Config
	logger     *zap.Logger
	detectors  []Detector
	scorer     *ConfidenceScorer
	thresholds *AdaptiveThresholds
	registry   *registry
	sink       AnchorSink

	mu            sync.Mutex
	windows       *WindowManager
	pending       []types.CorrelationFeedback
	stats         Stats
	detectorStats map[string]*DetectorSummary
	shutdown      bool
}

// NewEngine creates a correlation engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.detectors == nil {
		e.detectors = DefaultDetectors(cfg.Detectors)
	}
	if e.scorer == nil {
		e.scorer = NewConfidenceScorer(cfg.Weights)
	}

	e.windows = NewWindowManager(cfg.Window, e.logger.Named("windows"))
	e.thresholds = NewAdaptiveThresholds(cfg.Thresholds, e.logger.Named("thresholds"))
	e.registry = newRegistry(cfg.RegistrySize, cfg.RegistryRetention)
	e.thresholds.SetFrequencyLookup(e.registry.frequency)

	e.stats.AcceptedByPattern = make(map[types.PatternType]int64)
	e.detectorStats = make(map[string]*DetectorSummary, len(e.detectors))
	for _, d := range e.detectors {
		dc := d.Config()
		e.detectorStats[d.Name()] = &DetectorSummary{
			Name:           d.Name(),
			PatternType:    d.PatternType(),
			MinOccurrences: dc.MinOccurrences,
			MinConfidence:  dc.MinConfidence,
		}
	}
	return e, nil
}

type scoredCandidate struct {
	detector    Detector
	correlation *types.TemporalCorrelation
}

// ProcessEventStream buffers events, runs every detector on the windows
// that received them and returns the newly accepted correlations.
// Correlations already accepted in an earlier call are not returned again.
func (e *Engine) ProcessEventStream(ctx context.Context, events []*types.Event) ([]*types.TemporalCorrelation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil, ErrEngineShutdown
	}
	var touched []int
	seenWindow := make(map[int]struct{})
	for _, ev := range events {
		if ev == nil {
			continue
		}
		for _, id := range e.windows.Add(ev) {
			if _, ok := seenWindow[id]; !ok {
				seenWindow[id] = struct{}{}
				touched = append(touched, id)
			}
		}
		e.stats.EventsProcessed++
	}
	snapshots := e.windows.SnapshotIDs(touched)
	e.mu.Unlock()

	started := time.Now()
	var candidates []scoredCandidate
	for _, w := range snapshots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(w.Events) < 2 {
			continue
		}
		for _, d := range e.detectors {
			for _, c := range d.Detect(w.Events) {
				e.scorer.Score(c)
				candidates = append(candidates, scoredCandidate{detector: d, correlation: c})
			}
		}
	}
	elapsed := time.Since(started)

	accepted := e.accept(candidates, elapsed)

	if e.sink != nil && len(accepted) > 0 {
		e.sink.HandleCorrelations(ctx, accepted)
	}
	return accepted, nil
}

func (e *Engine) accept(candidates []scoredCandidate, elapsed time.Duration) []*types.TemporalCorrelation {
	e.mu.Lock()
	defer e.mu.Unlock()

	var accepted []*types.TemporalCorrelation
	cycle := make(map[string]struct{})
	for _, sc := range candidates {
		c := sc.correlation
		ds := e.detectorStats[sc.detector.Name()]
		e.stats.CorrelationsDetected++
		if ds != nil {
			ds.Detected++
		}

		if _, dup := cycle[c.ID]; dup || e.registry.contains(c.ID) {
			e.stats.Duplicates++
			continue
		}
		cycle[c.ID] = struct{}{}

		if c.ConfidenceScore < sc.detector.Config().MinConfidence {
			e.stats.RejectedLowConfidence++
			continue
		}
		if !e.thresholds.ShouldAccept(c.ConfidenceScore, c.OccurrenceFrequency, c.PatternType) {
			e.stats.RejectedThreshold++
			continue
		}

		e.registry.add(c)
		accepted = append(accepted, c)
		e.stats.CorrelationsAccepted++
		e.stats.AcceptedByPattern[c.PatternType]++
		if ds != nil {
			ds.Accepted++
		}
		e.logger.Debug("correlation accepted",
			zap.String("correlation_id", c.ID),
			zap.String("pattern", string(c.PatternType)),
			zap.String("scope", c.Scope),
			zap.Float64("confidence", c.ConfidenceScore),
			zap.Int("frequency", c.OccurrenceFrequency))
	}

	if pruned := e.registry.prune(e.windows.Latest()); pruned > 0 {
		e.logger.Debug("pruned correlation registry", zap.Int("removed", pruned))
	}
	e.stats.ProcessingCycles++
	e.stats.DetectionTime += elapsed
	e.stats.LastProcessedAt = time.Now()
	return accepted
}

// AddFeedback queues feedback, running a learning update once
// LearningBatchSize items are pending.
func (e *Engine) AddFeedback(fb types.CorrelationFeedback) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrEngineShutdown
	}
	if fb.ReceivedAt.IsZero() {
		fb.ReceivedAt = time.Now()
	}
	e.pending = append(e.pending, fb)
	e.stats.FeedbackReceived++
	var batch []types.CorrelationFeedback
	if len(e.pending) >= e.cfg.LearningBatchSize {
		batch = e.pending
		e.pending = nil
	}
	e.mu.Unlock()

	if batch != nil {
		e.learn(batch)
	}
	return nil
}

// ForceLearningUpdate flushes pending feedback into the thresholds now.
func (e *Engine) ForceLearningUpdate() LearningMetrics {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()
	return e.learn(batch)
}

// learn applies a feedback batch to the scorer memory and the thresholds.
func (e *Engine) learn(batch []types.CorrelationFeedback) LearningMetrics {
	if len(batch) == 0 {
		return LearningMetrics{Timestamp: time.Now()}
	}
	var unmatched int64
	for _, fb := range batch {
		if fb.Confidence < 0 || fb.Confidence > 1 {
			continue
		}
		entry, ok := e.registry.lookup(fb.CorrelationID)
		if !ok {
			unmatched++
			continue
		}
		e.scorer.RecordFeedback(entry.signature, fb.Meaningful, fb.Confidence)
	}
	m := e.thresholds.UpdateFromFeedback(batch)

	e.mu.Lock()
	e.stats.FeedbackUnmatched += unmatched
	e.stats.LearningUpdates++
	e.mu.Unlock()
	return m
}

// Explain returns the confidence breakdown for c.
func (e *Engine) Explain(c *types.TemporalCorrelation) Explanation {
	return e.scorer.Explain(c)
}

// Thresholds exposes the adaptive thresholds.
func (e *Engine) Thresholds() *AdaptiveThresholds { return e.thresholds }

// Status returns a snapshot of windows, detectors, thresholds and counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	ws := e.windows.Stats()
	st := Status{
		ActiveWindows:   ws.ActiveWindows,
		Windows:         e.windows.Describe(),
		BufferSize:      ws.BufferSize,
		LateEvents:      ws.LateEvents,
		EvictedEvents:   ws.EvictedEvents,
		Thresholds:      e.thresholds.State(),
		Stats:           e.stats,
		PendingFeedback: len(e.pending),
		RegistrySize:    e.registry.size(),
		ShutDown:        e.shutdown,
	}
	st.Stats.AcceptedByPattern = make(map[types.PatternType]int64, len(e.stats.AcceptedByPattern))
	for k, v := range e.stats.AcceptedByPattern {
		st.Stats.AcceptedByPattern[k] = v
	}
	for _, d := range e.detectors {
		if ds := e.detectorStats[d.Name()]; ds != nil {
			st.Detectors = append(st.Detectors, *ds)
		}
	}
	return st
}

// Reset drops buffered windows, the accepted-correlation registry and the
// processing counters. Learning state is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows.Reset()
	e.registry.reset()
	learning := e.stats
	e.stats = Stats{
		AcceptedByPattern: make(map[types.PatternType]int64),
		FeedbackReceived:  learning.FeedbackReceived,
		FeedbackUnmatched: learning.FeedbackUnmatched,
		LearningUpdates:   learning.LearningUpdates,
	}
	for _, ds := range e.detectorStats {
		ds.Detected, ds.Accepted = 0, 0
	}
}

// ResetLearningState restores default thresholds and forgets feedback.
func (e *Engine) ResetLearningState() {
	e.mu.Lock()
	e.pending = nil
	e.stats.FeedbackUnmatched = 0
	e.stats.LearningUpdates = 0
	e.mu.Unlock()

	e.thresholds.ResetToDefaults()
	e.scorer.ResetFeedback()
	e.logger.Info("learning state reset")
}

// Shutdown flushes pending feedback and rejects further processing.
// Calling it again is a no-op.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) > 0 {
		m := e.learn(batch)
		e.logger.Info("flushed pending feedback on shutdown",
			zap.Int("feedback", m.Received),
			zap.Float64("confidence_threshold", m.ConfidenceAfter))
	}
	e.logger.Info("correlation engine shut down")
	return ctx.Err()
}
