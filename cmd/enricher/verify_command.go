package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shpitdev/catalog-ark-enricher/internal/app"
	"github.com/shpitdev/catalog-ark-enricher/internal/ledger"
)

func newVerifyCommand(ctx *commandContext) *cobra.Command {
	var (
		sample      int
		environment string
	)

	cmd := &cobra.Command{
		Use:   "verify [REF...]",
		Short: "Re-fetch records and confirm their identifier is present",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && sample <= 0 {
				return usageErrorf("verify requires REF arguments or --sample N")
			}
			if len(args) > 0 && sample > 0 {
				return usageErrorf("verify takes REF arguments or --sample, not both")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return usageError(err)
			}
			if environment != "" {
				if err := cfg.UseEnvironment(environment); err != nil {
					return usageError(err)
				}
			}
			logger, err := ctx.logger(cfg)
			if err != nil {
				return err
			}
			client, err := ctx.catalogClient(cfg, logger)
			if err != nil {
				return err
			}

			outcomes, err := ledger.ReadFile(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			targets, unknown := app.VerifyTargets(outcomes, args, sample, nil)
			out := cmd.OutOrStdout()
			for _, ref := range unknown {
				fmt.Fprintf(cmd.ErrOrStderr(), "no identifier recorded for %s; skipping\n", ref)
			}
			if len(targets) == 0 {
				fmt.Fprintln(out, "Nothing to verify.")
				if len(unknown) > 0 {
					return &exitError{code: app.ExitFailed}
				}
				return nil
			}

			results := app.Verify(cmd.Context(), client, reconcilerFor(cfg), targets, cfg.Pipeline.Workers)
			rows := make([][]string, 0, len(results))
			missing := 0
			for _, r := range results {
				state := "present"
				detail := ""
				switch {
				case r.Err != nil:
					state = "error"
					detail = r.Err.Error()
					missing++
				case !r.Present:
					state = "missing"
					missing++
				}
				rows = append(rows, []string{r.Ref, r.Identifier, state, detail})
			}
			fmt.Fprintln(out, renderTable([]string{"Ref", "Identifier", "State", "Detail"}, rows, nil))
			fmt.Fprintf(out, "%d/%d verified\n", len(results)-missing, len(results))
			if missing > 0 || len(unknown) > 0 {
				return &exitError{code: app.ExitFailed}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&sample, "sample", 0, "Verify N random records updated by earlier runs")
	cmd.Flags().StringVar(&environment, "environment", "", "Catalog environment: test or production")
	return cmd
}
