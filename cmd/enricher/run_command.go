package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shpitdev/catalog-ark-enricher/internal/app"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/logging"
	"github.com/shpitdev/catalog-ark-enricher/internal/snapshot"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		datasetPath        string
		workers            int
		resume             bool
		dryRun             bool
		limit              int
		environment        string
		includeQuarantined bool
		itemTimeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enrich every record listed in the dataset",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return usageError(err)
			}
			if environment != "" {
				if err := cfg.UseEnvironment(environment); err != nil {
					return usageError(err)
				}
			}
			if datasetPath == "" {
				datasetPath = cfg.Dataset.Path
			}
			if datasetPath == "" {
				return usageErrorf("run requires --dataset (or dataset.path in the config file)")
			}
			if cmd.Flags().Changed("workers") && workers < 1 {
				return usageErrorf("--workers must be >= 1")
			}
			if !cmd.Flags().Changed("workers") {
				workers = cfg.Pipeline.Workers
			}
			if limit < 0 {
				return usageErrorf("--limit must be >= 0")
			}
			if itemTimeout <= 0 {
				itemTimeout = cfg.ItemTimeout()
			}

			logger, err := ctx.logger(cfg)
			if err != nil {
				return err
			}
			client, err := ctx.catalogClient(cfg, logger)
			if err != nil {
				return err
			}

			l, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				if errors.Is(err, ledger.ErrLocked) {
					return fmt.Errorf("ledger %s is in use by another run", cfg.Ledger.Path)
				}
				return err
			}
			defer func() {
				if cerr := l.Close(); cerr != nil {
					logger.Warn("close ledger", logging.Error(cerr))
				}
			}()

			deps := app.Deps{
				Client:     client,
				Reconciler: reconcilerFor(cfg),
				Ledger:     l,
				Logger:     logger,
			}
			var store *snapshot.Store
			if cfg.Snapshots.Enabled && !dryRun {
				store, err = snapshot.Open(cfg.Snapshots.Path)
				if err != nil {
					return err
				}
				defer func() {
					if cerr := store.Close(); cerr != nil {
						logger.Warn("close snapshot store", logging.Error(cerr))
					}
				}()
				deps.Snapshots = store
			}

			if err := client.Login(cmd.Context()); err != nil {
				return fmt.Errorf("catalog login: %w", err)
			}

			summary, runErr := app.Run(cmd.Context(), deps, app.Options{
				DatasetPath:        datasetPath,
				Dataset:            datasetOptions(cfg),
				Workers:            workers,
				ItemTimeout:        itemTimeout,
				Resume:             resume,
				DryRun:             dryRun,
				Limit:              limit,
				IncludeQuarantined: includeQuarantined,
				MaxReprocess:       cfg.Pipeline.MaxReprocess,
				ProgressInterval:   cfg.ProgressInterval(),
				ProgressWindow:     cfg.ProgressWindow(),
			})
			if !summary.Started.IsZero() {
				printSummary(cmd.OutOrStdout(), summary)
			}
			if store != nil {
				if n, err := store.CountRun(cmd.Context(), summary.RunID); err == nil && n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "Snapshots saved: %d (%s)\n", n, cfg.Snapshots.Path)
				}
			}
			if runErr != nil {
				return runErr
			}
			if code := summary.ExitCode(); code != app.ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&datasetPath, "dataset", "", "Input CSV listing record refs and identifiers")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of concurrent workers (default from config)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Skip refs already completed in the ledger")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Fetch and reconcile without writing to the catalog")
	cmd.Flags().IntVar(&limit, "limit", 0, "Process at most N pending records (0 = all)")
	cmd.Flags().StringVar(&environment, "environment", "", "Catalog environment: test or production")
	cmd.Flags().BoolVar(&includeQuarantined, "include-quarantined", false, "Dispatch refs that exceeded the reprocess limit")
	cmd.Flags().DurationVar(&itemTimeout, "item-timeout", 0, "Per-record deadline (default from config)")
	return cmd
}
