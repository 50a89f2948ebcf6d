// Package config loads anchorflow configuration from defaults, an optional
// YAML file and ANCHORFLOW_* environment variables, in increasing order of
// precedence.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/scrypster/anchorflow/internal/anchor"
	"github.com/scrypster/anchorflow/internal/correlation"
	"github.com/scrypster/anchorflow/internal/logging"
	"github.com/scrypster/anchorflow/internal/pipeline"
	"github.com/scrypster/anchorflow/internal/server"
	"github.com/scrypster/anchorflow/internal/source"
	"github.com/scrypster/anchorflow/internal/storage"
	"github.com/scrypster/anchorflow/internal/storage/postgres"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "ANCHORFLOW_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Config is the complete anchorflow configuration.
type Config struct {
	Engine   correlation.Config    `koanf:"engine"`
	Adapter  anchor.Config         `koanf:"adapter"`
	Pipeline pipeline.Config       `koanf:"pipeline"`
	Storage  StorageConfig         `koanf:"storage"`
	Breaker  storage.BreakerConfig `koanf:"breaker"`
	Server   server.Config         `koanf:"server"`
	NATS     source.NATSConfig     `koanf:"nats"`
	Logging  logging.Config        `koanf:"logging"`
}

// StorageConfig selects and configures the anchor store.
type StorageConfig struct {
	// Driver is sqlite or postgres.
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`
	// DSN is a file path or URI for sqlite and a connection string for postgres.
	DSN      string          `koanf:"dsn" validate:"required"`
	Postgres postgres.Config `koanf:"postgres"`
	// CircuitBreaker wraps the store with the breaker configured under "breaker".
	CircuitBreaker bool `koanf:"circuit_breaker"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine:   correlation.DefaultConfig(),
		Adapter:  anchor.DefaultConfig(),
		Pipeline: pipeline.DefaultConfig(),
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "anchorflow.db",
			Postgres:       postgres.DefaultConfig(),
			CircuitBreaker: true,
		},
		Breaker: storage.DefaultBreakerConfig(),
		Server:  server.DefaultConfig(),
		NATS:    source.DefaultNATSConfig(),
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads configuration from path (skipped when empty) and the process
// environment.
func Load(path string) (*Config, error) {
	var content []byte
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return LoadBytes(content)
}

// LoadBytes layers YAML content and ANCHORFLOW_* environment variables
// over the defaults and validates the result.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// nested lists sub-sections whose keys contain underscores, longest first.
var nested = map[string][]string{
	"engine": {
		"detectors_sequential", "detectors_concurrent", "detectors_cyclical", "detectors_contextual",
		"thresholds", "window", "weights",
	},
	"storage": {"postgres"},
}

// EnvKey maps an environment variable name to its config key:
//
//	ANCHORFLOW_PIPELINE_MAX_CONCURRENCY -> pipeline.max_concurrency
//	ANCHORFLOW_ENGINE_WINDOW_SIZE       -> engine.window.size
//	ANCHORFLOW_ENGINE_DETECTORS_CYCLICAL_MIN_OCCURRENCES
//	                                    -> engine.detectors.cyclical.min_occurrences
func EnvKey(name string) string {
	lower := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range nested[section] {
		if rest, found := strings.CutPrefix(field, sub+"_"); found {
			return section + "." + strings.ReplaceAll(sub, "_", ".") + "." + rest
		}
	}
	return section + "." + field
}
