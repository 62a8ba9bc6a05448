package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/p-arndt/slugrunner/internal/config"
	"github.com/p-arndt/slugrunner/internal/store"
)

func newRunsCmd() *cobra.Command {
	var (
		ledgerPath string
		limit      int
		asJSON     bool
		prune      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent supervised runs from the run ledger",
		Long: `Show runs recorded with --ledger, newest first.

Output format:
  <run_id>  <hostname>  <started>  <duration>  <state>  <exit>  <workload>

With --prune, finished runs older than the given age are deleted first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(ledgerPath)
			if err != nil {
				return err
			}
			defer st.Close()

			if prune > 0 {
				n, err := st.PruneRuns(time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d runs\n", n)
			}

			runs, err := st.ListRuns(limit)
			if err != nil {
				return err
			}

			if asJSON {
				if runs == nil {
					runs = []*store.Run{}
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
				return nil
			}
			return printRuns(cmd.OutOrStdout(), runs, time.Now())
		},
	}

	cmd.Flags().StringVar(&ledgerPath, "ledger-path", config.DefaultLedgerPath(), "run ledger database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete finished runs older than this")
	return cmd
}

func printRuns(w io.Writer, runs []*store.Run, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, run := range runs {
		started := units.HumanDuration(now.Sub(run.StartedAt)) + " ago"

		duration := "running"
		exit := "-"
		if !run.FinishedAt.IsZero() {
			duration = units.HumanDuration(run.FinishedAt.Sub(run.StartedAt))
			exit = fmt.Sprintf("%d", run.ExitCode)
		}

		workload := run.ChildExit
		if run.Error != "" {
			workload = run.Error
		}
		if workload == "" {
			workload = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Hostname, started, duration, run.State, exit, workload)
	}
	return tw.Flush()
}
