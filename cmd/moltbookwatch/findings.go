package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"MoltbookWatch/internal/domain"
)

var (
	findingsStatus   string
	findingsCategory string
	findingsLimit    int
	findingsOutput   string
)

func findingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "Browse and export findings",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List findings",
		Args:  cobra.NoArgs,
		RunE:  runFindingsList,
	}
	list.Flags().IntVar(&findingsLimit, "limit", 50, "Maximum number of findings (0 for all)")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write findings with their evidence trail to JSONL and, if configured, PostgreSQL",
		Args:  cobra.NoArgs,
		RunE:  runFindingsExport,
	}
	exportCmd.Flags().StringVarP(&findingsOutput, "output", "o", "", "JSONL destination (defaults to export.jsonlPath)")

	for _, c := range []*cobra.Command{list, exportCmd} {
		c.Flags().StringVar(&findingsStatus, "status", "", "Filter by status (auto-resolved, pending-review, confirmed, rejected)")
		c.Flags().StringVar(&findingsCategory, "category", "", "Filter by taxonomy category")
	}

	cmd.AddCommand(list, exportCmd)
	return cmd
}

func findingsFilter(limit int) (domain.FindingFilter, error) {
	status := domain.FindingStatus(findingsStatus)
	switch status {
	case "", domain.StatusAutoResolved, domain.StatusPendingReview, domain.StatusConfirmed, domain.StatusRejected:
	default:
		return domain.FindingFilter{}, fmt.Errorf("unknown status %q", findingsStatus)
	}
	return domain.FindingFilter{Status: status, Category: findingsCategory, Limit: limit}, nil
}

func runFindingsList(cmd *cobra.Command, args []string) error {
	filter, err := findingsFilter(findingsLimit)
	if err != nil {
		return err
	}

	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	findings, err := application.Findings().ListFindings(ctx, filter)
	if err != nil {
		return err
	}
	if len(findings) == 0 {
		fmt.Fprintln(os.Stdout, "No findings.")
		return nil
	}
	return printFindings(findings)
}

func runFindingsExport(cmd *cobra.Command, args []string) error {
	filter, err := findingsFilter(0)
	if err != nil {
		return err
	}

	ctx, application, cleanup, err := openApp()
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := application.Export(ctx, filter, findingsOutput)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Exported %d findings.\n", n)
	return nil
}
