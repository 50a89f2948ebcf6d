package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/pkg/types"
)

// BreakerConfig holds the configuration for the store circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32 `koanf:"max_failures" validate:"gte=1"`

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`

	// HalfOpenMaxSuccesses is the number of requests allowed through while
	// half-open; that many consecutive successes close the circuit again.
	// Default: 2
	HalfOpenMaxSuccesses uint32 `koanf:"half_open_max_successes" validate:"gte=1"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          5,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

// BreakerMetrics holds counters about calls routed through the breaker.
type BreakerMetrics struct {
	State                string `json:"state"`
	TotalRequests        uint64 `json:"total_requests"`
	TotalSuccesses       uint64 `json:"total_successes"`
	TotalFailures        uint64 `json:"total_failures"`
	Rejected             uint64 `json:"rejected"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// ResilientStore wraps an AnchorStore with a gobreaker circuit breaker so a
// failing backend fails fast instead of tying up pipeline workers.
//
// ErrNotFound and ErrInvalidInput are caller errors and do not count as
// backend failures.
type ResilientStore struct {
	inner   AnchorStore
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu      sync.Mutex
	metrics BreakerMetrics
}

// NewResilientStore wraps inner with a circuit breaker.
func NewResilientStore(inner AnchorStore, cfg BreakerConfig, logger *zap.Logger) *ResilientStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = DefaultBreakerConfig().HalfOpenMaxSuccesses
	}

	rs := &ResilientStore{inner: inner, logger: logger}
	rs.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "anchor-store",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // Don't clear counts periodically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("anchor store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return rs
}

func (rs *ResilientStore) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := rs.breaker.Execute(fn)

	rs.mu.Lock()
	rs.metrics.TotalRequests++
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rs.metrics.Rejected++
	case err != nil:
		rs.metrics.TotalFailures++
	default:
		rs.metrics.TotalSuccesses++
	}
	rs.mu.Unlock()

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

// CreateMemoryAnchor writes through the breaker.
func (rs *ResilientStore) CreateMemoryAnchor(ctx context.Context, anchor *types.MemoryAnchor) (*types.MemoryAnchor, error) {
	result, err := rs.execute(ctx, func() (interface{}, error) {
		return rs.inner.CreateMemoryAnchor(ctx, anchor)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.MemoryAnchor), nil
}

// GetMemoryAnchor reads through the breaker.
func (rs *ResilientStore) GetMemoryAnchor(ctx context.Context, id string) (*types.MemoryAnchor, error) {
	result, err := rs.execute(ctx, func() (interface{}, error) {
		return rs.inner.GetMemoryAnchor(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*types.MemoryAnchor), nil
}

// ListMemoryAnchors lists through the breaker when the inner store supports it.
func (rs *ResilientStore) ListMemoryAnchors(ctx context.Context, limit int) ([]*types.MemoryAnchor, error) {
	lister, ok := rs.inner.(AnchorLister)
	if !ok {
		return nil, errors.New("anchor store does not support listing")
	}
	result, err := rs.execute(ctx, func() (interface{}, error) {
		return lister.ListMemoryAnchors(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*types.MemoryAnchor), nil
}

// Ping checks the inner store through the breaker.
func (rs *ResilientStore) Ping(ctx context.Context) error {
	_, err := rs.execute(ctx, func() (interface{}, error) {
		return nil, rs.inner.Ping(ctx)
	})
	return err
}

// Close closes the inner store. It bypasses the breaker.
func (rs *ResilientStore) Close() error {
	return rs.inner.Close()
}

// State returns the breaker state: "closed", "open" or "half-open".
func (rs *ResilientStore) State() string {
	return rs.breaker.State().String()
}

// Metrics returns a snapshot of breaker counters.
func (rs *ResilientStore) Metrics() BreakerMetrics {
	rs.mu.Lock()
	m := rs.metrics
	rs.mu.Unlock()

	counts := rs.breaker.Counts()
	m.State = rs.State()
	m.ConsecutiveFailures = counts.ConsecutiveFailures
	m.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	return m
}
