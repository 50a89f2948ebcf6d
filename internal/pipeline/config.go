package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds configuration for the pipeline orchestrator.
type Config struct {
	// MaxConcurrency is the number of worker goroutines.
	MaxConcurrency int `koanf:"max_concurrency" validate:"gte=1"`
	// QueueCapacity bounds the event queue; submissions beyond it are dropped.
	QueueCapacity int `koanf:"queue_capacity" validate:"gte=1"`
	// MaxRetries is the number of retries after a failed stage.
	MaxRetries int `koanf:"max_retries" validate:"gte=0"`
	// RetryBackoff is scaled by attempt² before each retry.
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"gte=0"`
	// Retention keeps finished pipeline events visible for this long.
	Retention time.Duration `koanf:"retention" validate:"gt=0"`
	// MonitorInterval is the period of the monitor loop.
	MonitorInterval time.Duration `koanf:"monitor_interval" validate:"gt=0"`
	// PersistTimeout bounds each anchor write; a timeout is retryable.
	PersistTimeout time.Duration `koanf:"persist_timeout" validate:"gt=0"`
	// DequeueTimeout is how long an idle worker waits before rechecking for shutdown.
	DequeueTimeout time.Duration `koanf:"dequeue_timeout" validate:"gt=0"`
	// ShutdownTimeout bounds how long Shutdown waits for in-flight events.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// RecentErrors is how many failure records Status keeps.
	RecentErrors int `koanf:"recent_errors" validate:"gte=1"`

	// DegradedErrorRate and UnhealthyErrorRate classify Health by failure share.
	DegradedErrorRate  float64 `koanf:"degraded_error_rate" validate:"gte=0,lte=1"`
	UnhealthyErrorRate float64 `koanf:"unhealthy_error_rate" validate:"gte=0,lte=1,gtefield=DegradedErrorRate"`
	// DegradedQueueUtilization marks Health degraded when the queue is this full.
	DegradedQueueUtilization float64 `koanf:"degraded_queue_utilization" validate:"gt=0,lte=1"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:           4,
		QueueCapacity:            1000,
		MaxRetries:               3,
		RetryBackoff:             100 * time.Millisecond,
		Retention:                time.Hour,
		MonitorInterval:          30 * time.Second,
		PersistTimeout:           5 * time.Second,
		DequeueTimeout:           time.Second,
		ShutdownTimeout:          30 * time.Second,
		RecentErrors:             20,
		DegradedErrorRate:        0.05,
		UnhealthyErrorRate:       0.25,
		DegradedQueueUtilization: 0.8,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	return nil
}
