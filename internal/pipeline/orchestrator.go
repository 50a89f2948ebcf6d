// Package pipeline runs events through capture, detection, anchor creation
// and persistence on a fixed pool of workers draining one bounded queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/anchor"
	"github.com/scrypster/anchorflow/internal/correlation"
	"github.com/scrypster/anchorflow/pkg/types"
)

const tracerName = "github.com/scrypster/anchorflow/internal/pipeline"

var (
	// ErrNotStarted is returned when the orchestrator is not running.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrQueueFull is returned by Submit when the queue has no room.
	ErrQueueFull = errors.New("pipeline queue full")

	// ErrInvalidEvent is returned by Submit for events that cannot be processed.
	ErrInvalidEvent = errors.New("invalid event")
)

// Stats holds pipeline counters.
type Stats struct {
	Submitted       int64                       `json:"submitted"`
	Dropped         int64                       `json:"dropped"`
	Abandoned       int64                       `json:"abandoned"`
	Processed       int64                       `json:"processed"`
	Succeeded       int64                       `json:"succeeded"`
	Failed          int64                       `json:"failed"`
	Retries         int64                       `json:"retries"`
	Correlations    int64                       `json:"correlations"`
	Anchors         int64                       `json:"anchors"`
	ByPattern       map[types.PatternType]int64 `json:"by_pattern"`
	AvgLatency      time.Duration               `json:"avg_latency"`
	EventsPerSecond float64                     `json:"events_per_second"`
	ErrorRate       float64                     `json:"error_rate"`
	StartedAt       time.Time                   `json:"started_at"`
}

// ErrorRecord describes one failed pipeline event.
type ErrorRecord struct {
	PipelineEventID string      `json:"pipeline_event_id"`
	SourceEventID   string      `json:"source_event_id"`
	Stage           types.Stage `json:"stage"`
	Error           string      `json:"error"`
	Attempts        int         `json:"attempts"`
	At              time.Time   `json:"at"`
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Running       bool               `json:"running"`
	Health        Health             `json:"health"`
	Workers       int                `json:"workers"`
	QueueDepth    int                `json:"queue_depth"`
	QueueCapacity int                `json:"queue_capacity"`
	InFlight      int                `json:"in_flight"`
	Tracked       int                `json:"tracked_events"`
	Stats         Stats              `json:"stats"`
	RecentErrors  []ErrorRecord      `json:"recent_errors"`
	Engine        correlation.Status `json:"engine"`
	Adapter       anchor.Stats       `json:"adapter"`
	StoreBreaker  string             `json:"store_breaker,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRegisterer registers metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *Orchestrator) { o.metrics = NewMetrics(reg) }
}

// WithTracerProvider sets the tracer provider used for stage spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		if tp != nil {
			o.tracer = tp.Tracer(tracerName)
		}
	}
}

// breakerState is implemented by stores guarded by a circuit breaker.
type breakerState interface {
	State() string
}

// Orchestrator owns the event queue, the worker pool and the per-event
// stage machine. It is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	engine  *correlation.Engine
	adapter *anchor.Adapter
	store   io.Closer
	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer

	queue     chan job
	turns     *streamTurns
	workerWG  sync.WaitGroup
	monitorWG sync.WaitGroup
	// stopCancel ends dequeuing and the monitor loop. Events already taken
	// run on procCtx, which is only cancelled when Shutdown gives up.
	stopCancel context.CancelFunc
	procCtx    context.Context
	procCancel context.CancelFunc

	// State management
	mu           sync.RWMutex
	initialized  bool
	started      bool
	shuttingDown bool
	events       map[string]types.PipelineEvent
	inFlight     int
	stats        Stats
	totalLatency time.Duration
	recentErrors []ErrorRecord

	// Callbacks
	onStatus        func(Status)
	onAnchorCreated func(*types.MemoryAnchor)
	onProgress      func(types.PipelineEvent)
}

// New creates an orchestrator. store is closed on initialization failure
// and on shutdown; it may be nil.
func New(cfg Config, engine *correlation.Engine, adapter *anchor.Adapter, store io.Closer, opts ...Option) (*Orchestrator, error) {
	if engine == nil {
		return nil, fmt.Errorf("correlation engine is required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("anchor adapter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:     cfg,
		engine:  engine,
		adapter: adapter,
		store:   store,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(tracerName),
		queue:   make(chan job, cfg.QueueCapacity),
		turns:   newStreamTurns(),
		events:  make(map[string]types.PipelineEvent),
	}
	o.stats.ByPattern = make(map[types.PatternType]int64)
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o, nil
}

// SetOnStatus sets a callback receiving a status snapshot on every monitor tick.
func (o *Orchestrator) SetOnStatus(callback func(Status)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStatus = callback
}

// SetOnAnchorCreated sets a callback fired for every persisted anchor.
func (o *Orchestrator) SetOnAnchorCreated(callback func(*types.MemoryAnchor)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAnchorCreated = callback
}

// SetOnProgress sets a callback receiving a copy of a pipeline event after
// every stage transition, retry and failure. It runs on the worker.
func (o *Orchestrator) SetOnProgress(callback func(types.PipelineEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onProgress = callback
}

// Initialize verifies the anchor store. On failure the store is closed and
// the error returned.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}
	if err := o.adapter.Initialize(ctx); err != nil {
		if o.store != nil {
			if cerr := o.store.Close(); cerr != nil {
				o.logger.Warn("failed to close anchor store after initialization failure", zap.Error(cerr))
			}
		}
		return fmt.Errorf("initialize pipeline: %w", err)
	}
	o.initialized = true
	return nil
}

// Start launches the worker pool and the monitor loop, initializing first
// if needed.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.Initialize(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("pipeline already started")
	}
	if o.shuttingDown {
		return fmt.Errorf("pipeline is shut down")
	}

	base := context.WithoutCancel(ctx)
	stopCtx, stopCancel := context.WithCancel(base)
	o.stopCancel = stopCancel
	o.procCtx, o.procCancel = context.WithCancel(base)
	o.stats.StartedAt = time.Now()
	for i := 0; i < o.cfg.MaxConcurrency; i++ {
		o.workerWG.Add(1)
		go o.worker(stopCtx, i)
	}
	o.monitorWG.Add(1)
	go o.monitor(stopCtx)

	o.started = true
	o.logger.Info("pipeline started",
		zap.Int("workers", o.cfg.MaxConcurrency),
		zap.Int("queue_capacity", o.cfg.QueueCapacity))
	return nil
}

// Submit enqueues an event without blocking and returns its pipeline event
// id. A full queue drops the event and returns ErrQueueFull.
func (o *Orchestrator) Submit(event *types.Event) (string, error) {
	if err := validateEvent(event); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.shuttingDown {
		return "", ErrNotStarted
	}

	p := types.NewPipelineEvent(event, o.cfg.MaxRetries, time.Now())
	snap := p.Snapshot()
	seq := o.turns.issue(event.StreamID)
	select {
	case o.queue <- job{event: p, seq: seq}:
	default:
		o.turns.revoke(event.StreamID, seq)
		o.stats.Dropped++
		o.metrics.Dropped.WithLabelValues("queue_full").Inc()
		o.logger.Warn("pipeline queue full, dropping event",
			zap.Int("queue_capacity", o.cfg.QueueCapacity),
			zap.String("event_id", event.ID),
			zap.String("stream_id", event.StreamID))
		return "", ErrQueueFull
	}
	o.events[snap.ID] = snap
	o.stats.Submitted++
	o.metrics.Submitted.Inc()
	o.metrics.QueueDepth.Set(float64(len(o.queue)))
	return snap.ID, nil
}

func validateEvent(e *types.Event) error {
	switch {
	case e == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case e.StreamID == "":
		return fmt.Errorf("%w: event %s has no stream id", ErrInvalidEvent, e.ID)
	case e.Timestamp.IsZero():
		return fmt.Errorf("%w: event %s has no timestamp", ErrInvalidEvent, e.ID)
	case !types.IsValidEventType(e.Type):
		return fmt.Errorf("%w: event %s has unknown type %q", ErrInvalidEvent, e.ID, e.Type)
	}
	return nil
}

// PipelineEvent returns a copy of a tracked pipeline event.
func (o *Orchestrator) PipelineEvent(id string) (types.PipelineEvent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.events[id]
	if !ok {
		return types.PipelineEvent{}, false
	}
	return p.Snapshot(), true
}

// Engine returns the correlation engine driven by the pipeline.
func (o *Orchestrator) Engine() *correlation.Engine { return o.engine }

// Shutdown stops dequeuing, waits for in-flight events to finish, flushes
// pending feedback and closes the store. Queued events that were never
// picked up are counted as abandoned.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.shuttingDown = true
	o.mu.Unlock()

	o.logger.Info("shutting down pipeline...")
	o.stopCancel()

	var errs []error
	if err := o.waitWorkers(ctx); err != nil {
		errs = append(errs, err)
	}
	o.procCancel()
	o.monitorWG.Wait()

	o.mu.Lock()
	abandoned := len(o.queue)
	for i := 0; i < abandoned; i++ {
		o.abandonLocked(<-o.queue)
	}
	o.started = false
	o.mu.Unlock()
	if abandoned > 0 {
		o.logger.Warn("pipeline shut down with queued events abandoned", zap.Int("abandoned", abandoned))
	}
	o.metrics.QueueDepth.Set(0)

	if err := o.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close anchor store: %w", err))
		}
	}

	o.logger.Info("pipeline shut down")
	return errors.Join(errs...)
}

// abandonLocked drops a queued event that will never be processed.
func (o *Orchestrator) abandonLocked(j job) {
	delete(o.events, j.event.ID)
	o.turns.release(j.event.StreamID, j.seq)
	o.stats.Abandoned++
	o.metrics.Dropped.WithLabelValues("shutdown").Inc()
}

// waitWorkers waits for workers to finish their current event. When
// ShutdownTimeout or ctx expires first, in-flight stages are cancelled and
// the workers are awaited once more; persistence is bounded by
// PersistTimeout so that wait ends.
func (o *Orchestrator) waitWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.workerWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		return nil
	case <-time.After(o.cfg.ShutdownTimeout):
		o.logger.Warn("shutdown timeout reached, cancelling in-flight events",
			zap.Duration("timeout", o.cfg.ShutdownTimeout))
	case <-ctx.Done():
		o.logger.Warn("context cancelled while waiting for workers, cancelling in-flight events")
		err = ctx.Err()
	}
	o.procCancel()
	<-done
	return err
}

// Status returns a snapshot of the pipeline, engine and adapter.
func (o *Orchestrator) Status() Status {
	engineStatus := o.engine.Status()
	adapterStats := o.adapter.Stats()

	o.mu.RLock()
	st := Status{
		Running:       o.started && !o.shuttingDown,
		Workers:       o.cfg.MaxConcurrency,
		QueueDepth:    len(o.queue),
		QueueCapacity: o.cfg.QueueCapacity,
		InFlight:      o.inFlight,
		Tracked:       len(o.events),
		Stats:         o.statsLocked(),
		RecentErrors:  append([]ErrorRecord(nil), o.recentErrors...),
		Engine:        engineStatus,
		Adapter:       adapterStats,
	}
	o.mu.RUnlock()

	if b, ok := o.store.(breakerState); ok {
		st.StoreBreaker = b.State()
	}
	st.Health = o.classify(st)
	return st
}

func (o *Orchestrator) statsLocked() Stats {
	s := o.stats
	s.ByPattern = make(map[types.PatternType]int64, len(o.stats.ByPattern))
	for k, v := range o.stats.ByPattern {
		s.ByPattern[k] = v
	}
	if s.Succeeded > 0 {
		s.AvgLatency = o.totalLatency / time.Duration(s.Succeeded)
	}
	if s.Processed > 0 {
		s.ErrorRate = float64(s.Failed) / float64(s.Processed)
	}
	if !s.StartedAt.IsZero() {
		if elapsed := time.Since(s.StartedAt).Seconds(); elapsed > 0 {
			s.EventsPerSecond = float64(s.Processed) / elapsed
		}
	}
	return s
}
