// Package anchor turns accepted temporal correlations into memory anchors
// and persists them through a storage.AnchorStore.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/storage"
	"github.com/scrypster/anchorflow/pkg/types"
)

// ErrBelowThreshold is returned by BuildAnchor for correlations whose
// confidence is under the adapter's persistence threshold.
var ErrBelowThreshold = errors.New("correlation confidence below anchor threshold")

const maxSummaryLen = 80

// Config holds configuration for the adapter.
type Config struct {
	// ConfidenceThreshold is the minimum correlation confidence worth persisting.
	ConfidenceThreshold float64 `koanf:"confidence_threshold" validate:"gte=0,lte=1"`
	// PersistTimeout bounds each store call made by ProcessCorrelation.
	PersistTimeout time.Duration `koanf:"persist_timeout" validate:"gt=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.7,
		PersistTimeout:      5 * time.Second,
	}
}

// Stats reports adapter throughput and latency.
type Stats struct {
	CorrelationsProcessed     int64         `json:"correlations_processed"`
	AnchorsCreated            int64         `json:"anchors_created"`
	AnchorsRejectedConfidence int64         `json:"anchors_rejected_confidence"`
	AnchorsRejectedError      int64         `json:"anchors_rejected_error"`
	AvgLatency                time.Duration `json:"avg_latency"`
	MinLatency                time.Duration `json:"min_latency"`
	MaxLatency                time.Duration `json:"max_latency"`
	LastError                 string        `json:"last_error,omitempty"`
}

// BatchResult summarises ProcessCorrelationBatch.
type BatchResult struct {
	Anchors  []*types.MemoryAnchor `json:"anchors"`
	Rejected int                   `json:"rejected"`
	Duration time.Duration         `json:"duration"`
}

// Adapter converts correlations to anchors. It is safe for concurrent use.
type Adapter struct {
	cfg    Config
	store  storage.AnchorStore
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	stats        Stats
	totalLatency time.Duration
	timed        int64
}

// New creates an adapter writing to store.
func New(store storage.AnchorStore, cfg Config, logger *zap.Logger) (*Adapter, error) {
	if store == nil {
		return nil, fmt.Errorf("anchor store is required")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("invalid config: confidence threshold %.2f out of range", cfg.ConfidenceThreshold)
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, store: store, logger: logger, now: time.Now}, nil
}

// Initialize verifies the store is reachable.
func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("anchor store unreachable: %w", err)
	}
	a.logger.Info("anchor adapter initialized", zap.Float64("confidence_threshold", a.cfg.ConfidenceThreshold))
	return nil
}

// Config returns the adapter configuration.
func (a *Adapter) Config() Config { return a.cfg }

// BuildAnchor converts c into an anchor without persisting it. It returns
// ErrBelowThreshold, counted as a confidence rejection, when c does not
// clear ConfidenceThreshold.
func (a *Adapter) BuildAnchor(c *types.TemporalCorrelation) (*types.MemoryAnchor, error) {
	a.mu.Lock()
	a.stats.CorrelationsProcessed++
	a.mu.Unlock()

	if c == nil || c.PrimaryEvent == nil {
		err := fmt.Errorf("%w: correlation without primary event", storage.ErrInvalidInput)
		a.recordError(err)
		return nil, err
	}
	if c.ConfidenceScore < a.cfg.ConfidenceThreshold {
		a.mu.Lock()
		a.stats.AnchorsRejectedConfidence++
		a.mu.Unlock()
		a.logger.Debug("correlation below anchor threshold",
			zap.String("correlation_id", c.ID),
			zap.Float64("confidence", c.ConfidenceScore))
		return nil, ErrBelowThreshold
	}
	return a.toAnchor(c), nil
}

// PersistAnchor writes anchor to the store. Failures are counted and
// returned so the caller can retry; writes are idempotent by anchor ID.
func (a *Adapter) PersistAnchor(ctx context.Context, anchor *types.MemoryAnchor) (*types.MemoryAnchor, error) {
	start := time.Now()
	stored, err := a.store.CreateMemoryAnchor(ctx, anchor)
	if err != nil {
		a.recordError(err)
		return nil, fmt.Errorf("persist anchor %s: %w", anchor.ID, err)
	}
	a.recordSuccess(time.Since(start))
	return stored, nil
}

// ProcessCorrelation builds and persists the anchor for c. It returns nil
// when c is rejected or the write fails; failures are counted, never returned.
func (a *Adapter) ProcessCorrelation(ctx context.Context, c *types.TemporalCorrelation) *types.MemoryAnchor {
	anchor, err := a.BuildAnchor(c)
	if err != nil {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, a.cfg.PersistTimeout)
	defer cancel()
	stored, err := a.PersistAnchor(pctx, anchor)
	if err != nil {
		a.logger.Warn("failed to persist anchor",
			zap.String("correlation_id", c.ID),
			zap.String("anchor_id", anchor.ID),
			zap.Error(err))
		return nil
	}
	return stored
}

// ProcessCorrelationBatch runs ProcessCorrelation over cs.
func (a *Adapter) ProcessCorrelationBatch(ctx context.Context, cs []*types.TemporalCorrelation) BatchResult {
	start := time.Now()
	var res BatchResult
	for _, c := range cs {
		if anchor := a.ProcessCorrelation(ctx, c); anchor != nil {
			res.Anchors = append(res.Anchors, anchor)
		} else {
			res.Rejected++
		}
	}
	res.Duration = time.Since(start)
	if len(cs) > 0 {
		a.logger.Debug("processed correlation batch",
			zap.Int("correlations", len(cs)),
			zap.Int("anchors", len(res.Anchors)),
			zap.Duration("duration", res.Duration))
	}
	return res
}

// HandleCorrelations lets the adapter act as the correlation engine's sink
// when it runs without the pipeline.
func (a *Adapter) HandleCorrelations(ctx context.Context, cs []*types.TemporalCorrelation) {
	a.ProcessCorrelationBatch(ctx, cs)
}

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	if a.timed > 0 {
		s.AvgLatency = a.totalLatency / time.Duration(a.timed)
	}
	return s
}

func (a *Adapter) recordSuccess(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.AnchorsCreated++
	a.timed++
	a.totalLatency += d
	if a.stats.MinLatency == 0 || d < a.stats.MinLatency {
		a.stats.MinLatency = d
	}
	if d > a.stats.MaxLatency {
		a.stats.MaxLatency = d
	}
}

func (a *Adapter) recordError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.AnchorsRejectedError++
	a.stats.LastError = err.Error()
}

func (a *Adapter) toAnchor(c *types.TemporalCorrelation) *types.MemoryAnchor {
	now := a.now()
	cursors := make([]types.Cursor, 0, 1+len(c.CorrelatedEvents))
	cursors = append(cursors, cursorFor(types.CursorRolePrimary, c.PrimaryEvent))
	for i, e := range c.CorrelatedEvents {
		cursors = append(cursors, cursorFor(fmt.Sprintf("%s-%d", types.CursorRoleCorrelated, i+1), e))
	}

	start, end := c.PrimaryEvent.Timestamp, c.PrimaryEvent.Timestamp
	for _, e := range c.CorrelatedEvents {
		if e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}

	factors := make(map[string]interface{}, len(c.ConfidenceFactors))
	for k, v := range c.ConfidenceFactors {
		factors[k] = v
	}

	return &types.MemoryAnchor{
		ID:      types.AnchorIDFor(c.ID),
		Cursors: cursors,
		Window: types.TemporalWindow{
			Start:     start,
			End:       end,
			Precision: c.Precision,
			Gap:       c.TemporalGap,
		},
		Metadata: map[string]interface{}{
			"pattern_type":          string(c.PatternType),
			"scope":                 c.Scope,
			"confidence_score":      c.ConfidenceScore,
			"occurrence_frequency":  c.OccurrenceFrequency,
			"pattern_stability":     c.PatternStability,
			"gap_variance":          c.GapVariance,
			"confidence_factors":    factors,
			"correlation_id":        c.ID,
			"primary_event_summary": Summarize(c.PrimaryEvent),
			"creation_method":       types.AnchorCreationMethod,
			"source":                types.AnchorSource,
		},
		ConfidenceScore: c.ConfidenceScore,
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
}

func cursorFor(role string, e *types.Event) types.Cursor {
	return types.Cursor{
		Role:      role,
		EventID:   e.ID,
		Timestamp: e.Timestamp,
		EventType: e.Type,
		StreamID:  e.StreamID,
		Summary:   Summarize(e),
		Tags:      append([]string(nil), e.Tags...),
		FilePath:  e.Content.FilePath,
		Operation: e.Content.Operation,
		Location:  e.Context.Location,
	}
}

// Summarize renders a short human-readable label for an event.
func Summarize(e *types.Event) string {
	var s string
	c := e.Content
	switch {
	case c.Operation != "" && c.FilePath != "":
		s = c.Operation + " " + filepath.Base(c.FilePath)
	case c.Subject != "":
		s = c.Subject
	case c.FilePath != "":
		s = c.FilePath
	case c.Operation != "":
		s = c.Operation
	default:
		s = fmt.Sprintf("%s event from %s", e.Type, e.StreamID)
	}
	return truncate(strings.TrimSpace(s), maxSummaryLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
