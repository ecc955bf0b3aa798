package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"MoltbookWatch/internal/domain"
)

func TestVersionCommand(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != version {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestFindingsFilter(t *testing.T) {
	findingsStatus, findingsCategory = "pending-review", "deception"
	t.Cleanup(func() { findingsStatus, findingsCategory = "", "" })

	filter, err := findingsFilter(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filter.Status != domain.StatusPendingReview || filter.Category != "deception" || filter.Limit != 10 {
		t.Fatalf("unexpected filter: %+v", filter)
	}

	findingsStatus = "maybe"
	if _, err := findingsFilter(0); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestAdjudicateRequiresTwoArgs(t *testing.T) {
	cmd := reviewCmd()
	cmd.SetArgs([]string{"adjudicate", "only-id"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestPrintFailures(t *testing.T) {
	var out bytes.Buffer
	err := printFailures(&out, []domain.PageFailure{{
		Phase:    domain.PhasePosts,
		Page:     "ids:p2",
		IDs:      []string{"p2", "p3"},
		Attempts: 4,
		Err:      "upstream 503",
		FailedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("print: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", out.String())
	}
	for _, want := range []string{"posts", "ids:p2", "2026-02-01T12:00:00Z", "upstream 503"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("row %q missing %q", lines[1], want)
		}
	}
	if f := statusCmd().Flags().Lookup("failures"); f == nil || f.DefValue != "false" {
		t.Fatalf("status --failures flag not registered")
	}
}
