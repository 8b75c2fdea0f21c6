package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapefleet/internal/pool"
	"github.com/JakeFAU/scrapefleet/internal/scrape"
	"github.com/JakeFAU/scrapefleet/internal/storage"
)

type runSummary struct {
	RunID   string `json:"runId"`
	Items   int    `json:"items"`
	Archive string `json:"archive"`
	Error   string `json:"error,omitempty"`
}

// newRunCmd creates the 'run' subcommand, which executes one job in process.
func newRunCmd() *cobra.Command {
	var (
		jobPath string
		serve   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a job on the in-process worker pool",
		Long: `Splits the job's URLs across a bounded pool of browser executors, merges
their deduplicated results and archives them to the configured blob store.
With --serve the status API stays up for the duration of the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, jobPath, serve)
		},
	}
	cmd.Flags().StringVar(&jobPath, "job", "", "path to the job file")
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the status API while the job runs")
	return cmd
}

func runJob(cmd *cobra.Command, jobPath string, serve bool) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	job, err := loadJob(jobPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if serve {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := serveHTTP(srvCtx, appInstance); err != nil {
				appInstance.Logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	configs, err := scrape.SplitJob(job, poolSize(appInstance.Config.Pool.MaxWorkers))
	if err != nil {
		return fmt.Errorf("split job: %w", err)
	}
	runID, err := appInstance.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	appInstance.Pool.AddListener(pool.NewEmitterListener(runID, appInstance.Hub))

	logger := appInstance.Logger.With(zap.String("run_id", runID))
	logger.Info("run started", zap.Int("urls", len(job.URLs)), zap.Int("workers", len(configs)))

	items, runErr := appInstance.Pool.Run(ctx, configs)
	path, err := storage.ArchiveRun(ctx, appInstance.Blobs, runID, items, runErr, appInstance.Clock.Now())
	if err != nil {
		return errors.Join(runErr, err)
	}

	summary := runSummary{RunID: runID, Items: len(items), Archive: path}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	logger.Info("run finished", zap.Int("items", len(items)), zap.String("archive", path))
	if runErr != nil {
		return fmt.Errorf("run %s: %w", runID, runErr)
	}
	return nil
}

func poolSize(configured int) int {
	if configured > 0 {
		return configured
	}
	return pool.DefaultMaxWorkers()
}
