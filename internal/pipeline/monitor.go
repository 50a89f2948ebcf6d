package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HealthStatus classifies the pipeline.
type HealthStatus string

// Health status values
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the pipeline health with the reasons behind it.
type Health struct {
	Status           HealthStatus `json:"status"`
	Reasons          []string     `json:"reasons,omitempty"`
	ErrorRate        float64      `json:"error_rate"`
	QueueUtilization float64      `json:"queue_utilization"`
}

// Health classifies the pipeline from error rate, queue utilisation and the
// store circuit breaker.
func (o *Orchestrator) Health() Health {
	return o.Status().Health
}

func (o *Orchestrator) classify(st Status) Health {
	h := Health{Status: HealthHealthy, ErrorRate: st.Stats.ErrorRate}
	if st.QueueCapacity > 0 {
		h.QueueUtilization = float64(st.QueueDepth) / float64(st.QueueCapacity)
	}

	degrade := func(reason string) {
		if h.Status == HealthHealthy {
			h.Status = HealthDegraded
		}
		h.Reasons = append(h.Reasons, reason)
	}
	fail := func(reason string) {
		h.Status = HealthUnhealthy
		h.Reasons = append(h.Reasons, reason)
	}

	if !st.Running {
		fail("pipeline not running")
	}
	switch st.StoreBreaker {
	case "open":
		fail("anchor store circuit open")
	case "half-open":
		degrade("anchor store circuit half-open")
	}
	switch {
	case h.ErrorRate >= o.cfg.UnhealthyErrorRate && st.Stats.Failed > 0:
		fail(fmt.Sprintf("error rate %.2f", h.ErrorRate))
	case h.ErrorRate >= o.cfg.DegradedErrorRate && st.Stats.Failed > 0:
		degrade(fmt.Sprintf("error rate %.2f", h.ErrorRate))
	}
	if h.QueueUtilization >= o.cfg.DegradedQueueUtilization {
		degrade(fmt.Sprintf("queue %.0f%% full", h.QueueUtilization*100))
	}
	return h
}

// monitor periodically evicts old pipeline events, refreshes gauges and
// pushes a status snapshot to the status callback.
func (o *Orchestrator) monitor(ctx context.Context) {
	defer o.monitorWG.Done()

	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(time.Now())
		}
	}
}

func (o *Orchestrator) tick(now time.Time) {
	if n := o.evict(now); n > 0 {
		o.logger.Debug("evicted finished pipeline events", zap.Int("count", n))
	}

	st := o.Status()
	o.metrics.QueueDepth.Set(float64(st.QueueDepth))
	o.metrics.ConfidenceThreshold.Set(st.Engine.Thresholds.Confidence)

	if st.Health.Status != HealthHealthy {
		o.logger.Warn("pipeline health",
			zap.String("status", string(st.Health.Status)),
			zap.Strings("reasons", st.Health.Reasons))
	}

	o.mu.RLock()
	cb := o.onStatus
	o.mu.RUnlock()
	if cb != nil {
		cb(st)
	}
}

// evict drops terminal pipeline events that finished more than Retention ago.
func (o *Orchestrator) evict(now time.Time) int {
	cutoff := now.Add(-o.cfg.Retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, p := range o.events {
		if p.Stage.IsTerminal() && p.CompletedAt != nil && p.CompletedAt.Before(cutoff) {
			delete(o.events, id)
			n++
		}
	}
	return n
}
