package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BadgerOps/ijec/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyApp      string
	historyLimit    int
	historyFailures int64
	historyPrune    int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent encrypt job runs",
		Long: `Show the most recent encrypt job runs recorded in the history database.
Use --failures to list the chunk upload failures of one run and --prune to
keep only the newest runs.`,
		Example: `  ijec history
  ijec history --app myapp --limit 5
  ijec history --failures 12
  ijec history --prune 100`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}

	cmd.Flags().StringVar(&historyApp, "app", "", "only show runs of this app id")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show (0 for all)")
	cmd.Flags().Int64Var(&historyFailures, "failures", 0, "show chunk failures of the run with this id")
	cmd.Flags().IntVar(&historyPrune, "prune", 0, "delete all but the newest N runs")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}

	if historyPrune > 0 {
		n, err := st.PruneJobRuns(historyPrune)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d job run(s).\n", n)
		return nil
	}

	if historyFailures > 0 {
		return printChunkFailures(st, historyFailures)
	}

	runs, err := st.ListJobRuns(historyApp, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No job runs recorded.")
		return nil
	}

	fmt.Println("Job History")
	fmt.Println("===========")
	fmt.Println("")
	fmt.Printf("%6s %-16s %-12s %-14s %10s %8s %10s %-17s\n",
		"ID", "App", "Status", "Step", "Size", "Retries", "Duration", "Started")
	fmt.Println(strings.Repeat("-", 100))

	for _, run := range runs {
		duration := "-"
		if !run.EndTime.IsZero() {
			duration = run.EndTime.Sub(run.StartTime).Truncate(time.Second).String()
		}
		status := run.Status
		if run.Resumed {
			status += "*"
		}
		fmt.Printf("%6d %-16s %-12s %-14s %10s %8d %10s %-17s\n",
			run.ID,
			run.AppID,
			status,
			run.FinalStep,
			humanize.Bytes(uint64(run.ArchiveSize)),
			run.ChunkRetries,
			duration,
			run.StartTime.Local().Format("2006-01-02 15:04"),
		)
		if run.ErrorMessage != "" {
			fmt.Printf("%6s error: %s\n", "", run.ErrorMessage)
		}
	}

	fmt.Println("")
	fmt.Println("* resumed from an earlier session")
	return nil
}

func printChunkFailures(st *store.Store, runID int64) error {
	run, err := st.GetJobRun(runID)
	if err != nil {
		return err
	}
	failures, err := st.ListChunkFailures(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Job run %d (%s, %s): %d chunk failure(s)\n", run.ID, run.AppID, run.Status, len(failures))
	for _, f := range failures {
		fmt.Printf("  chunk %d at byte %d, attempt %d: %s\n", f.ChunkIndex, f.Cursor, f.Attempt, f.Error)
	}
	return nil
}
