package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scrypster/anchorflow/internal/anchor"
	"github.com/scrypster/anchorflow/internal/correlation"
	"github.com/scrypster/anchorflow/internal/storage"
	"github.com/scrypster/anchorflow/internal/storage/sqlite"
	"github.com/scrypster/anchorflow/pkg/types"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DequeueTimeout = 10 * time.Millisecond
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

// emailThenDocument builds n email events an hour apart, each followed five
// minutes later by a document event.
func emailThenDocument(n int) []*types.Event {
	var out []*types.Event
	for i := 0; i < n; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		out = append(out,
			types.NewEvent(fmt.Sprintf("email-%d", i), at, types.EventTypeCommunication, "email",
				types.Attributes{Subject: "weekly report"}, types.Attributes{}, nil),
			types.NewEvent(fmt.Sprintf("doc-%d", i), at.Add(5*time.Minute), types.EventTypeStorage, "document",
				types.Attributes{FilePath: "/reports/weekly.md", Operation: "modified"}, types.Attributes{}, nil))
	}
	return out
}

// flakyStore fails the first failures writes, or every write when failures < 0.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	writes   int
	anchors  map[string]*types.MemoryAnchor
	pingErr  error
	closed   atomic.Bool
}

func newFlakyStore(failures int) *flakyStore {
	return &flakyStore{failures: failures, anchors: make(map[string]*types.MemoryAnchor)}
}

func (s *flakyStore) CreateMemoryAnchor(_ context.Context, a *types.MemoryAnchor) (*types.MemoryAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failures < 0 || s.writes <= s.failures {
		return nil, errors.New("connection reset")
	}
	s.anchors[a.ID] = a
	return a, nil
}

func (s *flakyStore) GetMemoryAnchor(_ context.Context, id string) (*types.MemoryAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.anchors[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (s *flakyStore) Ping(context.Context) error { return s.pingErr }
func (s *flakyStore) Close() error               { s.closed.Store(true); return nil }

func (s *flakyStore) stored() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anchors)
}

// gatedStore holds every write until release is closed, honouring ctx.
type gatedStore struct {
	*flakyStore
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		flakyStore: newFlakyStore(0),
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (s *gatedStore) CreateMemoryAnchor(ctx context.Context, a *types.MemoryAnchor) (*types.MemoryAnchor, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.flakyStore.CreateMemoryAnchor(ctx, a)
}

func newOrchestrator(t *testing.T, cfg Config, store storage.AnchorStore, opts ...Option) *Orchestrator {
	t.Helper()
	engine, err := correlation.NewEngine(correlation.DefaultConfig())
	require.NoError(t, err)
	adapter, err := anchor.New(store, anchor.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	o, err := New(cfg, engine, adapter, store, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	return o
}

func waitProcessed(t *testing.T, o *Orchestrator, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Status().Stats.Processed >= n
	}, 10*time.Second, 5*time.Millisecond)
}

func TestOrchestrator_EndToEnd(t *testing.T) {
	store, err := sqlite.NewAnchorStore(":memory:")
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	o := newOrchestrator(t, testConfig(), store, WithRegisterer(reg))
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	events := emailThenDocument(5)
	ids := make([]string, 0, len(events))
	for _, e := range events {
		id, err := o.Submit(e)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitProcessed(t, o, int64(len(events)))

	st := o.Status()
	assert.Equal(t, int64(len(events)), st.Stats.Processed)
	assert.Equal(t, int64(len(events)), st.Stats.Succeeded)
	assert.Zero(t, st.Stats.Failed)
	assert.Positive(t, st.Stats.Anchors)
	assert.Positive(t, st.Stats.ByPattern[types.PatternSequential])
	assert.Equal(t, HealthHealthy, st.Health.Status)

	for _, id := range ids {
		p, ok := o.PipelineEvent(id)
		require.True(t, ok)
		assert.Equal(t, types.StageCompleted, p.Stage)
		require.NotNil(t, p.CompletedAt)
		var total time.Duration
		for _, stage := range []types.Stage{types.StageCapture, types.StageDetection, types.StageAnchorCreation, types.StagePersistence} {
			d, ok := p.StageTimings[stage]
			assert.True(t, ok, "missing timing for %s", stage)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			total += d
		}
		assert.GreaterOrEqual(t, total, time.Duration(0))
	}

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int(st.Stats.Anchors), n)
	assert.Equal(t, float64(len(events)), testutil.ToFloat64(o.metrics.Submitted))
	assert.Equal(t, float64(len(events)), testutil.ToFloat64(o.metrics.Processed.WithLabelValues("succeeded")))

	require.NoError(t, o.Shutdown(ctx))
}

func TestOrchestrator_RetryResumesAtPersistence(t *testing.T) {
	store := newFlakyStore(2)
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o := newOrchestrator(t, cfg, store)
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	events := emailThenDocument(5)
	for _, e := range events {
		_, err := o.Submit(e)
		require.NoError(t, err)
	}
	waitProcessed(t, o, int64(len(events)))

	st := o.Status()
	assert.Zero(t, st.Stats.Failed)
	assert.Equal(t, int64(2), st.Stats.Retries)
	assert.Positive(t, store.stored())
	assert.Equal(t, int64(2), st.Adapter.AnchorsRejectedError)
}

func TestOrchestrator_RetriesExhausted(t *testing.T) {
	store := newFlakyStore(-1)
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.MaxRetries = 2
	o := newOrchestrator(t, cfg, store)
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	events := emailThenDocument(5)
	var ids []string
	for _, e := range events {
		id, err := o.Submit(e)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	waitProcessed(t, o, int64(len(events)))

	st := o.Status()
	require.Positive(t, st.Stats.Failed)
	require.NotEmpty(t, st.RecentErrors)
	rec := st.RecentErrors[0]
	assert.Equal(t, types.StagePersistence, rec.Stage)
	assert.Equal(t, 3, rec.Attempts)
	assert.Contains(t, rec.Error, "connection reset")

	p, ok := o.PipelineEvent(rec.PipelineEventID)
	require.True(t, ok)
	assert.Equal(t, types.StageFailed, p.Stage)
	assert.Equal(t, 2, p.RetryCount)
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	o := newOrchestrator(t, testConfig(), newFlakyStore(0))

	_, err := o.Submit(emailThenDocument(1)[0])
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = o.Submit(nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	bad := types.NewEvent("x", t0, types.EventType("telepathy"), "s", types.Attributes{}, types.Attributes{}, nil)
	_, err = o.Submit(bad)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestOrchestrator_QueueFullDrops(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	core, logs := observer.New(zap.WarnLevel)
	o := newOrchestrator(t, cfg, newFlakyStore(0), WithLogger(zap.New(core)))
	// Mark running without workers so nothing drains the queue.
	o.started = true

	events := emailThenDocument(1)
	_, err := o.Submit(events[0])
	require.NoError(t, err)
	_, err = o.Submit(events[1])
	assert.ErrorIs(t, err, ErrQueueFull)

	st := o.Status()
	assert.Equal(t, int64(1), st.Stats.Dropped)
	assert.Equal(t, int64(1), st.Stats.Submitted)
	assert.Equal(t, HealthDegraded, st.Health.Status)
	assert.InDelta(t, 1.0, st.Health.QueueUtilization, 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.Dropped.WithLabelValues("queue_full")))

	dropped := logs.FilterMessage("pipeline queue full, dropping event").All()
	require.Len(t, dropped, 1)
	assert.Equal(t, events[1].ID, dropped[0].ContextMap()["event_id"])
}

func TestOrchestrator_InitializeFailureClosesStore(t *testing.T) {
	store := newFlakyStore(0)
	store.pingErr = errors.New("no route to host")
	o := newOrchestrator(t, testConfig(), store)

	err := o.Start(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route to host")
	assert.True(t, store.closed.Load())
	assert.False(t, o.Status().Running)
}

func TestOrchestrator_Lifecycle(t *testing.T) {
	store := newFlakyStore(0)
	o := newOrchestrator(t, testConfig(), store)
	ctx := context.Background()

	assert.ErrorIs(t, o.Shutdown(ctx), ErrNotStarted)
	require.NoError(t, o.Start(ctx))
	assert.Error(t, o.Start(ctx), "second start must fail")
	assert.True(t, o.Status().Running)

	require.NoError(t, o.Shutdown(ctx))

	assert.True(t, store.closed.Load())
	assert.True(t, o.Engine().Status().ShutDown)
	_, err := o.Submit(emailThenDocument(1)[0])
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Equal(t, HealthUnhealthy, o.Health().Status)
}

func TestOrchestrator_MonitorPushesStatusAndEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.Retention = time.Minute
	o := newOrchestrator(t, cfg, newFlakyStore(0))

	var pushes atomic.Int32
	o.SetOnStatus(func(Status) { pushes.Add(1) })
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	id, err := o.Submit(emailThenDocument(1)[0])
	require.NoError(t, err)
	waitProcessed(t, o, 1)

	require.Eventually(t, func() bool { return pushes.Load() > 0 }, 5*time.Second, 5*time.Millisecond)

	o.tick(time.Now().Add(2 * time.Minute))
	_, ok := o.PipelineEvent(id)
	assert.False(t, ok, "finished events older than retention are evicted")
}

func TestOrchestrator_AnchorCallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o := newOrchestrator(t, cfg, newFlakyStore(0))

	var mu sync.Mutex
	var created []string
	o.SetOnAnchorCreated(func(a *types.MemoryAnchor) {
		mu.Lock()
		created = append(created, a.ID)
		mu.Unlock()
	})
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	events := emailThenDocument(5)
	for _, e := range events {
		_, err := o.Submit(e)
		require.NoError(t, err)
	}
	waitProcessed(t, o, int64(len(events)))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, created, int(o.Status().Stats.Anchors))
	assert.NotEmpty(t, created)
}

func TestOrchestrator_ShutdownFinishesInFlightEvent(t *testing.T) {
	store := newGatedStore()
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	o := newOrchestrator(t, cfg, store)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	events := emailThenDocument(10)
	ids := make([]string, 0, len(events))
	for _, e := range events {
		id, err := o.Submit(e)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	select {
	case <-store.started:
	case <-time.After(10 * time.Second):
		t.Fatal("no anchor write started")
	}
	require.NoError(t, o.Engine().AddFeedback(types.CorrelationFeedback{
		CorrelationID: "seq:email->document", Meaningful: true, Confidence: 0.8,
	}))

	done := make(chan error, 1)
	go func() { done <- o.Shutdown(ctx) }()
	require.Eventually(t, func() bool {
		o.mu.RLock()
		defer o.mu.RUnlock()
		return o.shuttingDown
	}, 5*time.Second, time.Millisecond)
	close(store.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not return")
	}

	st := o.Status()
	assert.Zero(t, st.Stats.Failed)
	assert.Positive(t, st.Stats.Succeeded)
	assert.Equal(t, st.Stats.Processed, st.Stats.Succeeded)
	assert.Positive(t, st.Stats.Abandoned, "events still queued at shutdown are abandoned")
	assert.Equal(t, st.Stats.Submitted, st.Stats.Processed+st.Stats.Abandoned)
	assert.Equal(t, float64(st.Stats.Abandoned), testutil.ToFloat64(o.metrics.Dropped.WithLabelValues("shutdown")))
	assert.Positive(t, store.stored())

	var tracked int
	var persisted bool
	for _, id := range ids {
		p, ok := o.PipelineEvent(id)
		if !ok {
			continue
		}
		tracked++
		assert.Equal(t, types.StageCompleted, p.Stage, "event %s: %s", p.SourceEventID, p.Error)
		persisted = persisted || len(p.AnchorIDs) > 0
	}
	assert.Equal(t, int(st.Stats.Processed), tracked)
	assert.True(t, persisted, "the event writing at shutdown completes")

	assert.Zero(t, o.Engine().Status().PendingFeedback)
	assert.Equal(t, 1, o.Engine().Thresholds().PerformanceSummary().FeedbackProcessed)
	assert.True(t, store.closed.Load())
}

func TestOrchestrator_ShutdownTimeoutCancelsStuckWrite(t *testing.T) {
	store := newGatedStore()
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.MaxRetries = 0
	cfg.ShutdownTimeout = 50 * time.Millisecond
	o := newOrchestrator(t, cfg, store)
	ctx := context.Background()
	require.NoError(t, o.Start(ctx))

	for _, e := range emailThenDocument(10) {
		_, err := o.Submit(e)
		require.NoError(t, err)
	}
	select {
	case <-store.started:
	case <-time.After(10 * time.Second):
		t.Fatal("no anchor write started")
	}

	require.NoError(t, o.Shutdown(ctx))

	st := o.Status()
	assert.Equal(t, int64(1), st.Stats.Failed)
	require.Len(t, st.RecentErrors, 1)
	assert.Equal(t, types.StagePersistence, st.RecentErrors[0].Stage)
	assert.Contains(t, st.RecentErrors[0].Error, context.Canceled.Error())
	assert.Zero(t, store.stored())
}

func TestOrchestrator_StageTimingsNeverDecrease(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 2
	o := newOrchestrator(t, cfg, newFlakyStore(3))

	var mu sync.Mutex
	history := make(map[string][]types.PipelineEvent)
	o.SetOnProgress(func(p types.PipelineEvent) {
		mu.Lock()
		history[p.ID] = append(history[p.ID], p)
		mu.Unlock()
	})
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	events := emailThenDocument(5)
	for _, e := range events {
		_, err := o.Submit(e)
		require.NoError(t, err)
	}
	waitProcessed(t, o, int64(len(events)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, history, len(events))
	for id, snaps := range history {
		require.GreaterOrEqual(t, len(snaps), 4, "one snapshot per transition for %s", id)
		var prev time.Duration
		for i, p := range snaps {
			var total time.Duration
			for _, d := range p.StageTimings {
				total += d
			}
			assert.GreaterOrEqual(t, total, prev, "%s snapshot %d at %s", id, i, p.Stage)
			prev = total
		}
		assert.True(t, snaps[len(snaps)-1].Stage.IsTerminal())
	}
}

func TestOrchestrator_StreamOrderAcrossWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 4
	o := newOrchestrator(t, cfg, newFlakyStore(0))

	var mu sync.Mutex
	var started []string
	o.SetOnProgress(func(p types.PipelineEvent) {
		if p.Stage == types.StageDetection {
			mu.Lock()
			started = append(started, p.SourceEventID)
			mu.Unlock()
		}
	})
	require.NoError(t, o.Start(context.Background()))
	defer o.Shutdown(context.Background())

	var want []string
	for i := 0; i < 30; i++ {
		e := types.NewEvent(fmt.Sprintf("login-%02d", i), t0.Add(time.Duration(i)*time.Minute),
			types.EventTypeActivity, "auth", types.Attributes{Operation: "login"}, types.Attributes{}, nil)
		_, err := o.Submit(e)
		require.NoError(t, err)
		want = append(want, e.ID)
	}
	waitProcessed(t, o, int64(len(want)))

	mu.Lock()
	assert.Equal(t, want, started)
	mu.Unlock()

	require.Eventually(t, func() bool {
		o.turns.mu.Lock()
		defer o.turns.mu.Unlock()
		return len(o.turns.streams) == 0
	}, 5*time.Second, time.Millisecond, "finished streams are forgotten")
}

func TestStreamTurns(t *testing.T) {
	turns := newStreamTurns()
	ctx := context.Background()

	first := turns.issue("s")
	second := turns.issue("s")
	other := turns.issue("t")
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)
	require.Equal(t, uint64(1), other)

	require.NoError(t, turns.wait(ctx, "t", other), "streams do not wait on each other")

	waited := make(chan error, 1)
	go func() { waited <- turns.wait(ctx, "s", second) }()
	select {
	case <-waited:
		t.Fatal("second event ran before the first was released")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, turns.wait(ctx, "s", first))
	turns.release("s", first)
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second event never got its turn")
	}
	turns.release("s", second)
	turns.release("t", other)
	assert.Empty(t, turns.streams)

	// A revoked sequence is reissued.
	seq := turns.issue("s")
	turns.revoke("s", seq)
	assert.Equal(t, seq, turns.issue("s"))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	turns.issue("s")
	blocked := turns.issue("s")
	assert.ErrorIs(t, turns.wait(cctx, "s", blocked), context.Canceled)
}

func TestClassify(t *testing.T) {
	o := &Orchestrator{cfg: DefaultConfig()}
	tests := []struct {
		name string
		st   Status
		want HealthStatus
	}{
		{"healthy", Status{Running: true, QueueCapacity: 10}, HealthHealthy},
		{"stopped", Status{QueueCapacity: 10}, HealthUnhealthy},
		{"breaker_open", Status{Running: true, QueueCapacity: 10, StoreBreaker: "open"}, HealthUnhealthy},
		{"breaker_half_open", Status{Running: true, QueueCapacity: 10, StoreBreaker: "half-open"}, HealthDegraded},
		{"some_errors", Status{Running: true, QueueCapacity: 10, Stats: Stats{Processed: 10, Failed: 1, ErrorRate: 0.1}}, HealthDegraded},
		{"many_errors", Status{Running: true, QueueCapacity: 10, Stats: Stats{Processed: 10, Failed: 5, ErrorRate: 0.5}}, HealthUnhealthy},
		{"queue_pressure", Status{Running: true, QueueCapacity: 10, QueueDepth: 9}, HealthDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, o.classify(tt.st).Status)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.UnhealthyErrorRate = 0.01
	assert.Error(t, cfg.Validate())
}
