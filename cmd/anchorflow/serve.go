package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/internal/server"
	"github.com/scrypster/anchorflow/internal/source"
)

// NewServeCmd runs the pipeline with the HTTP API and optional NATS input.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline service",
		Long: `Start the correlation pipeline, the HTTP status and ingestion API
and, when enabled, the NATS event and feedback subscriber.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().Int("port", 0, "Override server.port")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	ctx := cmd.Context()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	srv, err := server.New(cfg.Server, a.pipeline, reg, a.logger.Named("server"))
	if err != nil {
		_ = a.pipeline.Shutdown(context.Background())
		return err
	}
	addr, err := srv.Start(ctx)
	if err != nil {
		_ = a.pipeline.Shutdown(context.Background())
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "anchorflow listening on http://%s\n", addr)

	var nsrc *source.NATSSource
	if cfg.NATS.Enabled {
		nsrc, err = source.NewNATSSource(cfg.NATS, a.pipeline, a.engine, a.logger.Named("nats"))
		if err == nil {
			err = nsrc.Start()
		}
		if err != nil {
			_ = srv.Shutdown(context.Background())
			_ = a.pipeline.Shutdown(context.Background())
			return fmt.Errorf("start nats source: %w", err)
		}
	}

	<-ctx.Done()
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()

	var errs []error
	if nsrc != nil {
		errs = append(errs, nsrc.Stop())
	}
	errs = append(errs, srv.Shutdown(shutdownCtx))
	errs = append(errs, a.pipeline.Shutdown(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown finished with errors", zap.Error(err))
		return err
	}
	return nil
}
