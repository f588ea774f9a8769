package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shpitdev/catalog-ark-enricher/internal/snapshot"
)

func newSnapshotCommand(ctx *commandContext) *cobra.Command {
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect record images saved before updates",
	}
	snapshotCmd.AddCommand(newSnapshotShowCommand(ctx))
	return snapshotCmd
}

func newSnapshotShowCommand(ctx *commandContext) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "show REF",
		Short: "Print the latest snapshot of a record",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return usageError(err)
			}
			if !cfg.Snapshots.Enabled {
				return usageErrorf("snapshots are disabled (snapshots.enabled: false)")
			}
			store, err := snapshot.Open(cfg.Snapshots.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			ref := args[0]
			if history {
				snaps, err := store.History(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					return fmt.Errorf("no snapshots for %s", ref)
				}
				rows := make([][]string, 0, len(snaps))
				for _, s := range snaps {
					rows = append(rows, []string{
						strconv.FormatInt(s.ID, 10),
						s.RunID,
						strconv.Itoa(s.LockVersion),
						s.TakenAt.Local().Format(time.DateTime),
					})
				}
				fmt.Fprintln(out, renderTable([]string{"ID", "Run", "Lock version", "Taken"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft}))
				return nil
			}

			snap, err := store.Latest(cmd.Context(), ref)
			if errors.Is(err, snapshot.ErrNotFound) {
				return fmt.Errorf("no snapshots for %s", ref)
			}
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, snap.Body, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(snap.Body)
			}
			fmt.Fprintf(out, "# %s run=%s lock_version=%d taken=%s\n", snap.Ref, snap.RunID, snap.LockVersion, snap.TakenAt.Format(time.RFC3339))
			fmt.Fprintln(out, pretty.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "List every snapshot of the record")
	return cmd
}
