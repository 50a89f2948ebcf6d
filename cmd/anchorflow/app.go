package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/anchor"
	"github.com/scrypster/anchorflow/internal/config"
	"github.com/scrypster/anchorflow/internal/correlation"
	"github.com/scrypster/anchorflow/internal/logging"
	"github.com/scrypster/anchorflow/internal/pipeline"
	"github.com/scrypster/anchorflow/internal/storage"
	"github.com/scrypster/anchorflow/internal/storage/postgres"
	"github.com/scrypster/anchorflow/internal/storage/sqlite"
)

// app holds the wired components shared by serve and replay.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    storage.AnchorStore
	engine   *correlation.Engine
	adapter  *anchor.Adapter
	pipeline *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*app, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	engine, err := correlation.NewEngine(cfg.Engine, correlation.WithLogger(logger.Named("engine")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	adapter, err := anchor.New(store, cfg.Adapter, logger.Named("anchor"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	p, err := pipeline.New(cfg.Pipeline, engine, adapter, store,
		pipeline.WithLogger(logger.Named("pipeline")),
		pipeline.WithRegisterer(reg))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   engine,
		adapter:  adapter,
		pipeline: p,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.AnchorStore, error) {
	var (
		store storage.AnchorStore
		err   error
	)
	switch cfg.Storage.Driver {
	case "postgres":
		store, err = postgres.NewAnchorStore(ctx, cfg.Storage.DSN, cfg.Storage.Postgres, logger.Named("postgres"))
	default:
		store, err = sqlite.NewAnchorStore(cfg.Storage.DSN, sqlite.WithLogger(logger.Named("sqlite")))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s anchor store: %w", cfg.Storage.Driver, err)
	}
	if cfg.Storage.CircuitBreaker {
		store = storage.NewResilientStore(store, cfg.Breaker, logger.Named("breaker"))
	}
	return store, nil
}
