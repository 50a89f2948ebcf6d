package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/anchor"
	"github.com/scrypster/anchorflow/pkg/types"
)

// worker drains the queue until stop is cancelled. Idle workers wake every
// DequeueTimeout to notice shutdown. Events run on procCtx so a stop
// signal never interrupts a stage.
func (o *Orchestrator) worker(stop context.Context, workerID int) {
	defer o.workerWG.Done()

	log := o.logger.With(zap.Int("worker", workerID))
	log.Debug("pipeline worker started")

	timer := time.NewTimer(o.cfg.DequeueTimeout)
	defer timer.Stop()

	for stop.Err() == nil {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.cfg.DequeueTimeout)

		select {
		case j := <-o.queue:
			if stop.Err() != nil {
				// Taken after the stop signal; leave it unprocessed.
				o.mu.Lock()
				o.abandonLocked(j)
				o.mu.Unlock()
				break
			}
			o.metrics.QueueDepth.Set(float64(len(o.queue)))
			o.process(o.procCtx, log, j)
		case <-timer.C:
		case <-stop.Done():
		}
	}

	log.Debug("pipeline worker stopped")
}

// process runs the event to a terminal stage once earlier events of its
// stream are done, retrying failed stages with attempt²·RetryBackoff
// between attempts.
func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, j job) {
	p := j.event
	o.setInFlight(1)
	defer o.setInFlight(-1)
	defer o.turns.release(p.StreamID, j.seq)

	if err := o.turns.wait(ctx, p.StreamID, j.seq); err != nil {
		o.fail(log, p, fmt.Errorf("shutdown while waiting for stream %s: %w", p.StreamID, err))
		return
	}

	for {
		err := o.runStages(ctx, log, p)
		if err == nil {
			o.finish(p)
			return
		}

		if !p.CanRetry() {
			o.fail(log, p, err)
			return
		}
		p.RetryCount++
		o.mu.Lock()
		o.stats.Retries++
		o.mu.Unlock()
		o.metrics.Retries.Inc()

		backoff := time.Duration(p.RetryCount*p.RetryCount) * o.cfg.RetryBackoff
		log.Info("retrying pipeline event",
			zap.String("pipeline_event_id", p.ID),
			zap.String("stage", string(p.Stage)),
			zap.Int("attempt", p.RetryCount),
			zap.Int("max_retries", p.MaxRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		o.publish(p)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			o.fail(log, p, fmt.Errorf("shutdown during retry backoff: %w", err))
			return
		}
	}
}

// runStages advances p from its current stage to completion. A failed
// stage leaves p at that stage so a retry resumes there.
func (o *Orchestrator) runStages(ctx context.Context, log *zap.Logger, p *types.PipelineEvent) error {
	for !p.Stage.IsTerminal() {
		stage := p.Stage
		sctx, span := o.tracer.Start(ctx, "pipeline."+string(stage),
			trace.WithAttributes(
				attribute.String("pipeline_event_id", p.ID),
				attribute.String("stream_id", p.StreamID),
				attribute.Int("attempt", p.RetryCount),
			),
		)
		start := time.Now()
		next, err := o.runStage(sctx, log, p, stage)
		d := time.Since(start)
		p.RecordTiming(stage, d)
		o.metrics.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return fmt.Errorf("%s stage: %w", stage, err)
		}
		span.End()

		if err := p.Advance(next, time.Now()); err != nil {
			return err
		}
		o.publish(p)
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, log *zap.Logger, p *types.PipelineEvent, stage types.Stage) (types.Stage, error) {
	switch stage {
	case types.StageCapture:
		if err := validateEvent(p.Event); err != nil {
			return "", err
		}
		return types.StageDetection, nil

	case types.StageDetection:
		correlations, err := o.engine.ProcessEventStream(ctx, []*types.Event{p.Event})
		if err != nil {
			return "", err
		}
		p.Correlations = correlations
		return types.StageAnchorCreation, nil

	case types.StageAnchorCreation:
		p.Anchors = p.Anchors[:0]
		for _, c := range p.Correlations {
			a, err := o.adapter.BuildAnchor(c)
			switch {
			case errors.Is(err, anchor.ErrBelowThreshold):
				continue
			case err != nil:
				log.Warn("skipping correlation that cannot become an anchor",
					zap.String("correlation_id", c.ID), zap.Error(err))
				continue
			}
			p.Anchors = append(p.Anchors, a)
		}
		return types.StagePersistence, nil

	case types.StagePersistence:
		persisted := make(map[string]struct{}, len(p.AnchorIDs))
		for _, id := range p.AnchorIDs {
			persisted[id] = struct{}{}
		}
		for _, a := range p.Anchors {
			if _, done := persisted[a.ID]; done {
				continue
			}
			if err := o.persist(ctx, a); err != nil {
				return "", err
			}
			p.AnchorIDs = append(p.AnchorIDs, a.ID)
		}
		return types.StageCompleted, nil
	}
	return "", fmt.Errorf("no handler for stage %q", stage)
}

func (o *Orchestrator) persist(ctx context.Context, a *types.MemoryAnchor) error {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
	defer cancel()
	stored, err := o.adapter.PersistAnchor(pctx, a)
	if err != nil {
		return err
	}
	o.metrics.Anchors.Inc()

	o.mu.RLock()
	cb := o.onAnchorCreated
	o.mu.RUnlock()
	if cb != nil {
		cb(stored)
	}
	return nil
}

// publish stores a copy of p for readers.
func (o *Orchestrator) publish(p *types.PipelineEvent) {
	snap := p.Snapshot()
	o.mu.Lock()
	o.events[p.ID] = snap
	cb := o.onProgress
	o.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}

func (o *Orchestrator) finish(p *types.PipelineEvent) {
	o.mu.Lock()
	o.events[p.ID] = p.Snapshot()
	o.stats.Processed++
	o.stats.Succeeded++
	o.stats.Correlations += int64(len(p.Correlations))
	o.stats.Anchors += int64(len(p.AnchorIDs))
	for _, c := range p.Correlations {
		o.stats.ByPattern[c.PatternType]++
	}
	if p.CompletedAt != nil {
		o.totalLatency += p.CompletedAt.Sub(p.CreatedAt)
	}
	o.mu.Unlock()

	o.metrics.Processed.WithLabelValues("succeeded").Inc()
	for _, c := range p.Correlations {
		o.metrics.Correlations.WithLabelValues(string(c.PatternType)).Inc()
	}
}

func (o *Orchestrator) fail(log *zap.Logger, p *types.PipelineEvent, err error) {
	stage := p.Stage
	if ferr := p.Fail(err, time.Now()); ferr != nil {
		log.Error("cannot mark pipeline event failed", zap.String("pipeline_event_id", p.ID), zap.Error(ferr))
	}
	log.Error("pipeline event failed",
		zap.String("pipeline_event_id", p.ID),
		zap.String("event_id", p.SourceEventID),
		zap.String("stage", string(stage)),
		zap.Int("attempts", p.RetryCount+1),
		zap.Error(err))

	rec := ErrorRecord{
		PipelineEventID: p.ID,
		SourceEventID:   p.SourceEventID,
		Stage:           stage,
		Error:           err.Error(),
		Attempts:        p.RetryCount + 1,
		At:              time.Now(),
	}

	snap := p.Snapshot()
	o.mu.Lock()
	o.events[p.ID] = snap
	cb := o.onProgress
	o.stats.Processed++
	o.stats.Failed++
	o.recentErrors = append(o.recentErrors, rec)
	if over := len(o.recentErrors) - o.cfg.RecentErrors; over > 0 {
		o.recentErrors = append([]ErrorRecord(nil), o.recentErrors[over:]...)
	}
	o.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
	o.metrics.Processed.WithLabelValues("failed").Inc()
}

func (o *Orchestrator) setInFlight(delta int) {
	o.mu.Lock()
	o.inFlight += delta
	n := o.inFlight
	o.mu.Unlock()
	o.metrics.InFlight.Set(float64(n))
}
