package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shpitdev/catalog-ark-enricher/internal/app"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
	"github.com/shpitdev/catalog-ark-enricher/internal/progress"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var (
		runID string
		total int
		watch time.Duration
		list  bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress of a run from the ledger",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return usageError(err)
			}
			out := cmd.OutOrStdout()

			if list {
				outcomes, err := ledger.ReadFile(cfg.Ledger.Path)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, renderRuns(ledger.Runs(outcomes)))
				return nil
			}

			reporter := progress.Reporter{Path: cfg.Ledger.Path, Window: cfg.ProgressWindow()}
			snap, err := reporter.Snapshot(runID, total)
			if err != nil {
				return err
			}
			if snap.RunID == "" {
				fmt.Fprintf(out, "No runs recorded in %s\n", cfg.Ledger.Path)
				return nil
			}
			fmt.Fprintln(out, renderProgress(snap))
			if watch <= 0 {
				return nil
			}
			reporter.Watch(cmd.Context(), watch, snap.RunID, total, func(s progress.Snapshot, err error) {
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "read ledger: %v\n", err)
					return
				}
				fmt.Fprintln(out, renderProgress(s))
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run ID (default: most recent run)")
	cmd.Flags().IntVar(&total, "total", 0, "Planned item count, enables the remaining-time estimate")
	cmd.Flags().DurationVar(&watch, "watch", 0, "Refresh interval; keeps polling until interrupted")
	cmd.Flags().BoolVar(&list, "list", false, "List every run recorded in the ledger")
	return cmd
}

func renderRuns(runs []ledger.Run) string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			r.Started.Local().Format(time.DateTime),
			r.Finished.Sub(r.Started).Round(time.Second).String(),
			strconv.Itoa(r.Outcomes),
			yesNo(r.DryRun),
		})
	}
	return renderTable(
		[]string{"Run", "Started", "Span", "Outcomes", "Dry run"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newTriageCommand(ctx *commandContext) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "triage",
		Short: "List failed and ambiguous records",
		Long: "List failed and ambiguous records. With --run, report that run's outcomes; " +
			"otherwise report every record whose latest outcome still needs attention.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return usageError(err)
			}
			outcomes, err := ledger.ReadFile(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			items := app.Triage(outcomes, runID, cfg.Pipeline.MaxReprocess)
			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Nothing to triage.")
				return nil
			}
			fmt.Fprintln(out, renderTriage(items))
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Restrict to one run ID")
	return cmd
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "resolve REF...",
		Short: "Mark records as handled by an operator",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return usageError(err)
			}
			refs := make([]string, 0, len(args))
			for _, a := range args {
				if ref := strings.TrimSpace(a); ref != "" {
					refs = append(refs, ref)
				}
			}

			l, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				if errors.Is(err, ledger.ErrLocked) {
					return fmt.Errorf("ledger %s is in use by another run", cfg.Ledger.Path)
				}
				return err
			}
			defer l.Close()

			outcomes, err := ledger.ReadFile(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			runID, err := app.Resolve(l, outcomes, refs, note)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %d record(s) as %s (run %s)\n", len(refs), ledger.ReasonOperatorResolved, runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "Reason recorded with the resolution")
	return cmd
}
