package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/usecase"
)

var (
	detectCategories []string
	detectExtractors []string
)

func detectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the extractors over the corpus and refresh findings",
		Args:  cobra.NoArgs,
		RunE:  runDetect,
	}
	cmd.Flags().StringSliceVar(&detectCategories, "category", nil, "Limit the pass to these taxonomy categories")
	cmd.Flags().StringSliceVar(&detectExtractors, "extractor", nil, "Limit the pass to these extractors")
	return cmd
}

func runDetect(cmd *cobra.Command, args []string) error {
	kinds, err := usecase.ParseExtractors(detectExtractors)
	if err != nil {
		return err
	}

	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := application.Detection.Run(ctx, usecase.DetectOptions{
		Categories: detectCategories,
		Extractors: kinds,
	})
	if err != nil {
		return err
	}
	printDetection(report)
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("extractors failed: %v", failed)
	}
	return nil
}

func printDetection(report usecase.DetectionReport) {
	fmt.Fprintf(os.Stdout, "Detection over %d records (as of %s).\n", report.Records, report.Now.Format("2006-01-02 15:04"))
	for _, e := range report.Extractors {
		status := "ok"
		if e.Err != nil {
			status = "error: " + e.Err.Error()
		}
		fmt.Fprintf(os.Stdout, "  %-12s evidence=%-5d %s %s\n", e.Kind, e.Evidence, e.Duration.Round(time.Millisecond), status)
	}
	fmt.Fprintf(os.Stdout, "  Findings: %d (auto-resolved %d, pending %d, new pending %d, removed %d)\n",
		report.Findings, report.AutoResolved, report.Pending, report.NewPending, report.Removed)
}
