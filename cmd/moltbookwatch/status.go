package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/usecase"
)

var statusFailures bool

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus counts and checkpoint progress",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().BoolVar(&statusFailures, "failures", false, "Also list page failures waiting for a retry")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := application.Acquisition.Stats(ctx)
	if err != nil {
		return err
	}
	cp, err := application.Acquisition.CheckpointStatus(ctx)
	if err != nil {
		return err
	}

	kinds := make([]string, 0, len(stats.Counts))
	for k := range stats.Counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	fmt.Fprintln(os.Stdout, "Corpus:")
	for _, k := range kinds {
		fmt.Fprintf(os.Stdout, "  %-10s %d\n", k, stats.Counts[domain.EntityKind(k)])
	}
	fmt.Fprintf(os.Stdout, "  %-10s %d\n", "revisions", stats.Revisions)

	fmt.Fprintln(os.Stdout, "\nCheckpoint:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PHASE\tCURSOR\tEXHAUSTED\tPAGES\tFAILED\tPENDING\tSTATE")
	for _, p := range domain.Phases {
		ps := cp.Phases[p]
		state := "ok"
		if err := cp.Corrupt[p]; err != nil {
			state = "corrupt: " + err.Error()
		}
		fmt.Fprintf(w, "  %s\t%s\t%t\t%d\t%d\t%d\t%s\n", p, ps.Cursor, ps.Exhausted, ps.Pages, ps.FailedPages, cp.Pending[p], state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if cp.Done() {
		fmt.Fprintln(os.Stdout, "\nAll phases complete.")
	}
	if !statusFailures {
		return nil
	}

	failures, err := application.Acquisition.Failures(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nFailures (%d):\n", len(failures))
	return printFailures(os.Stdout, failures)
}

func printFailures(out io.Writer, failures []domain.PageFailure) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  PHASE\tPAGE\tIDS\tATTEMPTS\tFAILED AT\tERROR")
	for _, f := range failures {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%s\t%s\n", f.Phase, f.Page, len(f.IDs), f.Attempts, f.FailedAt.Format(time.RFC3339), f.Err)
	}
	return w.Flush()
}

var checkpointPhases []string

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset acquisition progress",
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Discard stored progress so the next ingest starts over",
		Args:  cobra.NoArgs,
		RunE:  runCheckpointReset,
	}
	reset.Flags().StringSliceVar(&checkpointPhases, "phase", nil, "Reset only these phases (posts, submolts, agents)")
	cmd.AddCommand(reset)
	return cmd
}

func runCheckpointReset(cmd *cobra.Command, args []string) error {
	phases, err := usecase.ParsePhases(checkpointPhases)
	if err != nil {
		return err
	}

	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := application.Acquisition.ResetCheckpoint(ctx, phases...); err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "Checkpoint reset.")
	return nil
}
