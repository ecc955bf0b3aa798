package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/domain"
)

var (
	reviewLimit    int
	reviewReviewer string
	reviewNote     string
)

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Work the human review queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending findings, highest confidence first",
		Args:  cobra.NoArgs,
		RunE:  runReviewList,
	}
	list.Flags().IntVar(&reviewLimit, "limit", 20, "Maximum number of findings")

	adjudicate := &cobra.Command{
		Use:   "adjudicate <finding-id> <confirmed|rejected>",
		Short: "Record a decision on a pending finding",
		Args:  cobra.ExactArgs(2),
		RunE:  runReviewAdjudicate,
	}
	adjudicate.Flags().StringVar(&reviewReviewer, "reviewer", os.Getenv("USER"), "Who made the decision")
	adjudicate.Flags().StringVar(&reviewNote, "note", "", "Free-form justification")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show finding counts and per-extractor precision",
		Args:  cobra.NoArgs,
		RunE:  runReviewStats,
	}

	cmd.AddCommand(list, adjudicate, stats)
	return cmd
}

func runReviewList(cmd *cobra.Command, args []string) error {
	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	findings, err := application.Review.Pending(ctx, reviewLimit)
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		fmt.Fprintln(os.Stdout, "No findings awaiting review.")
		return nil
	}
	return printFindings(findings)
}

func runReviewAdjudicate(cmd *cobra.Command, args []string) error {
	if reviewReviewer == "" {
		return fmt.Errorf("--reviewer is required")
	}

	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	f, err := application.Review.Adjudicate(ctx, args[0], domain.Outcome(args[1]), reviewReviewer, reviewNote)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s on %s is now %s.\n", f.Category, f.Target, f.Status)
	return nil
}

func runReviewStats(cmd *cobra.Command, args []string) error {
	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := application.Review.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "Findings:")
	for _, s := range []domain.FindingStatus{domain.StatusAutoResolved, domain.StatusPendingReview, domain.StatusConfirmed, domain.StatusRejected} {
		fmt.Fprintf(os.Stdout, "  %-15s %d\n", s, stats.Counts[s])
	}
	fmt.Fprintf(os.Stdout, "\nLabels: %d\n", stats.Labels)
	if len(stats.Calibration) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  EXTRACTOR\tCONFIRMED\tREJECTED\tPRECISION\tSOLO\tSOLO PRECISION")
	for _, p := range stats.Calibration {
		fmt.Fprintf(w, "  %s\t%d\t%d\t%.4f\t%d\t%.4f\n", p.Extractor, p.Confirmed, p.Rejected, p.Precision, p.Solo, p.SoloPrecision)
	}
	return w.Flush()
}

func printFindings(findings []domain.Finding) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tTARGET\tCONFIDENCE\tEXTRACTORS\tSTATUS")
	for _, f := range findings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", f.ID, f.Category, f.Target, f.ConfidenceString(), f.Extractors, f.Status)
	}
	return w.Flush()
}
