package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/anchorflow/internal/pipeline"
	"github.com/scrypster/anchorflow/internal/source"
	"github.com/scrypster/anchorflow/pkg/types"
)

// ReplaySummary is the result of a replay run.
type ReplaySummary struct {
	Events       int                         `json:"events"`
	Processed    int64                       `json:"processed"`
	Failed       int64                       `json:"failed"`
	Correlations int64                       `json:"correlations"`
	Anchors      int64                       `json:"anchors"`
	ByPattern    map[types.PatternType]int64 `json:"by_pattern"`
	Duration     time.Duration               `json:"duration"`
}

// NewReplayCmd feeds a recorded event file through the pipeline.
func NewReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <events-file>",
		Short: "Replay recorded events through the pipeline",
		Long: `Load events from a YAML or JSON file, run them through the pipeline in
timestamp order, wait for every event to finish and print a summary.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}
	cmd.Flags().String("dsn", "", "Override storage.dsn")
	cmd.Flags().Bool("json", false, "Print the summary as JSON")
	cmd.Flags().Int("workers", 1, "Pipeline workers; 1 keeps per-stream order")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Pipeline.MaxConcurrency = workers
	}

	events, err := source.LoadEvents(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.logger.Sync() }()

	if err := a.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	start := time.Now()
	submitted, runErr := submitAll(ctx, a.pipeline, events)
	if runErr == nil {
		runErr = waitProcessed(ctx, a.pipeline, int64(submitted))
	}
	st := a.pipeline.Status()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()
	if err := a.pipeline.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		return runErr
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return printSummary(cmd.OutOrStdout(), ReplaySummary{
		Events:       len(events),
		Processed:    st.Stats.Processed,
		Failed:       st.Stats.Failed,
		Correlations: st.Stats.Correlations,
		Anchors:      st.Stats.Anchors,
		ByPattern:    st.Stats.ByPattern,
		Duration:     time.Since(start),
	}, asJSON)
}

// submitAll submits events in order, backing off while the queue is full.
func submitAll(ctx context.Context, p *pipeline.Orchestrator, events []*types.Event) (int, error) {
	n := 0
	for _, e := range events {
		for {
			_, err := p.Submit(e)
			if err == nil {
				n++
				break
			}
			if !errors.Is(err, pipeline.ErrQueueFull) {
				return n, fmt.Errorf("submit event %s: %w", e.ID, err)
			}
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return n, nil
}

func waitProcessed(ctx context.Context, p *pipeline.Orchestrator, n int64) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for p.Status().Stats.Processed < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printSummary(w io.Writer, s ReplaySummary, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	fmt.Fprintf(w, "events:       %d\n", s.Events)
	fmt.Fprintf(w, "processed:    %d (failed %d)\n", s.Processed, s.Failed)
	fmt.Fprintf(w, "correlations: %d\n", s.Correlations)
	for _, pt := range types.AllPatternTypes {
		if n := s.ByPattern[pt]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", pt, n)
		}
	}
	fmt.Fprintf(w, "anchors:      %d\n", s.Anchors)
	fmt.Fprintf(w, "duration:     %s\n", s.Duration.Round(time.Millisecond))
	return nil
}
