package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/usecase"
)

var (
	ingestFresh       bool
	ingestRefresh     bool
	ingestRetryFailed bool
	ingestPhases      []string
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Harvest posts, submolts and agents, resuming from the checkpoint",
		Args:  cobra.NoArgs,
		RunE:  runIngest,
	}
	cmd.Flags().BoolVar(&ingestFresh, "fresh", false, "Discard stored progress and start over")
	cmd.Flags().BoolVar(&ingestRefresh, "refresh", false, "Restart listing cursors to pick up new content")
	cmd.Flags().BoolVar(&ingestRetryFailed, "retry-failed", false, "Retry detail fetches that failed in earlier runs")
	cmd.Flags().StringSliceVar(&ingestPhases, "phase", nil, "Limit the run to these phases (posts, submolts, agents)")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	phases, err := usecase.ParsePhases(ingestPhases)
	if err != nil {
		return err
	}

	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := application.Acquisition.Run(ctx, usecase.AcquireOptions{
		Fresh:       ingestFresh,
		Refresh:     ingestRefresh,
		RetryFailed: ingestRetryFailed,
		Phases:      phases,
	})
	printAcquisition(report)
	if err != nil {
		return err
	}
	if !report.Complete() {
		return fmt.Errorf("acquisition incomplete; rerun to resume")
	}
	return nil
}

func printAcquisition(report usecase.AcquisitionReport) {
	fmt.Fprintf(os.Stdout, "Acquisition finished in %s (%d requests, %d rounds).\n",
		report.Finished.Sub(report.Started).Round(time.Millisecond), report.Requests, report.Rounds)
	for _, p := range report.Phases {
		fmt.Fprintf(os.Stdout, "  %-9s %-9s pages=%d failed_pages=%d fetched=%d not_found=%d discovered=%d refreshed=%d\n",
			p.Phase, p.Status, p.Pages, p.FailedPages, p.Fetched, p.NotFound, p.Discovered, p.Refreshed)
		if p.Err != nil {
			fmt.Fprintf(os.Stdout, "            error: %v\n", p.Err)
		}
	}
}
