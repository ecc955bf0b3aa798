package mcp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/infrastructure/storage/sqlite"
	"MoltbookWatch/internal/ports"
	"MoltbookWatch/internal/usecase"
)

type mockStatus struct {
	stats     domain.CorpusStats
	cp        domain.Checkpoint
	failures  []domain.PageFailure
	revisions map[string][]domain.Revision
}

func (m mockStatus) Stats(context.Context) (domain.CorpusStats, error) { return m.stats, nil }

func (m mockStatus) CheckpointStatus(context.Context) (domain.Checkpoint, error) { return m.cp, nil }

func (m mockStatus) Failures(context.Context, ...domain.Phase) ([]domain.PageFailure, error) {
	return m.failures, nil
}

func (m mockStatus) Revisions(_ context.Context, kind domain.EntityKind, id string) ([]domain.Revision, error) {
	return m.revisions[string(kind)+":"+id], nil
}

var testTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *sqlite.FindingStore) {
	t.Helper()

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "watch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewFindingStore(db)
	ev := domain.NewEvidence(domain.ExtractorLexical, "deception", []string{"post:p1"}, 0.8, "matched rule \"lie to my human\"")
	if err := store.SaveEvidence(context.Background(), []domain.Evidence{ev}); err != nil {
		t.Fatalf("save evidence: %v", err)
	}
	err = store.UpsertFindings(context.Background(), []domain.Finding{
		{ID: "f1", Category: "deception", Target: "post:p1", Confidence: 0.48,
			Extractors: []domain.ExtractorKind{domain.ExtractorLexical}, Evidence: []string{ev.ID}, Status: domain.StatusPendingReview},
		{ID: "f2", Category: "threats", Target: "post:p2", Confidence: 0.9,
			Extractors: []domain.ExtractorKind{domain.ExtractorSemantic}, Status: domain.StatusAutoResolved},
	})
	if err != nil {
		t.Fatalf("seed findings: %v", err)
	}

	cp := domain.NewCheckpoint()
	cp.Phases[domain.PhasePosts] = domain.PhaseState{Cursor: "200", Pages: 2}
	cp.Pending[domain.PhaseAgents] = 3
	status := mockStatus{
		stats: domain.CorpusStats{Counts: map[domain.EntityKind]int{domain.KindPost: 2}},
		cp:    cp,
		failures: []domain.PageFailure{
			{Phase: domain.PhasePosts, Page: "ids:p9", IDs: []string{"p9"}, Attempts: 4, Err: "boom", FailedAt: testTime},
		},
		revisions: map[string][]domain.Revision{
			"post:p1": {
				{Kind: domain.KindPost, ID: "p1", Raw: []byte(`{"id":"p1","title":"first"}`), FetchedAt: testTime, ArchivedAt: testTime.Add(time.Hour)},
				{Kind: domain.KindPost, ID: "p1", Raw: []byte("not json"), FetchedAt: testTime.Add(time.Hour), ArchivedAt: testTime.Add(2 * time.Hour)},
			},
		},
	}

	review := usecase.NewReviewQueue(store, nil, nil)
	return NewServer(review, store, status, "test"), store
}

func TestListPendingAndGetFinding(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, _ := newTestServer(t)

	_, list, err := server.handleListPending(ctx, nil, ListPendingInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list.Findings) != 1 || list.Findings[0].ID != "f1" {
		t.Fatalf("unexpected pending output: %+v", list)
	}

	_, detail, err := server.handleGetFinding(ctx, nil, GetFindingInput{ID: "f1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detail.Evidence) != 1 || detail.Evidence[0].Extractor != "lexical" {
		t.Fatalf("unexpected evidence output: %+v", detail)
	}

	if _, _, err := server.handleGetFinding(ctx, nil, GetFindingInput{}); err == nil {
		t.Fatalf("expected error for missing id")
	}
	if _, _, err := server.handleGetFinding(ctx, nil, GetFindingInput{ID: "nope"}); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, all, err := server.handleListFindings(ctx, nil, ListFindingsInput{Status: "auto-resolved"})
	if err != nil || len(all.Findings) != 1 || all.Findings[0].ID != "f2" {
		t.Fatalf("unexpected list output: %+v, %v", all, err)
	}
}

func TestAdjudicateTool(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, _ := newTestServer(t)

	if _, _, err := server.handleAdjudicate(ctx, nil, AdjudicateInput{ID: "f1", Outcome: "confirmed"}); err == nil {
		t.Fatalf("expected error without reviewer")
	}
	if _, _, err := server.handleAdjudicate(ctx, nil, AdjudicateInput{ID: "f1", Outcome: "maybe", Reviewer: "ana"}); !errors.Is(err, usecase.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	_, out, err := server.handleAdjudicate(ctx, nil, AdjudicateInput{ID: "f1", Outcome: "rejected", Reviewer: "ana"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "rejected" {
		t.Fatalf("status = %s, want rejected", out.Status)
	}
	if _, _, err := server.handleAdjudicate(ctx, nil, AdjudicateInput{ID: "f2", Outcome: "rejected", Reviewer: "ana"}); !errors.Is(err, usecase.ErrNotPending) {
		t.Fatalf("expected ErrNotPending for auto-resolved finding, got %v", err)
	}

	_, stats, err := server.handleReviewStats(ctx, nil, EmptyInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Counts["rejected"] != 1 || stats.Labels != 1 || len(stats.Calibration) != 1 || stats.Calibration[0].Precision != 0 {
		t.Fatalf("unexpected stats output: %+v", stats)
	}
}

func TestCorpusStatusTool(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)
	_, out, err := server.handleCorpusStatus(context.Background(), nil, EmptyInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Counts["post"] != 2 || out.Done || len(out.Phases) != 3 {
		t.Fatalf("unexpected status output: %+v", out)
	}
	if out.Phases[0].Cursor != "200" || out.Phases[2].Pending != 3 {
		t.Fatalf("unexpected phases: %+v", out.Phases)
	}
	if len(out.Failures) != 1 || out.Failures[0].Page != "ids:p9" || out.Failures[0].FailedAt != "2026-02-01T12:00:00Z" {
		t.Fatalf("unexpected failures: %+v", out.Failures)
	}
}

func TestCorpusRevisionsTool(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	server, _ := newTestServer(t)

	_, out, err := server.handleRevisions(ctx, nil, RevisionsInput{ID: "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != "post" || len(out.Revisions) != 2 {
		t.Fatalf("unexpected revisions output: %+v", out)
	}
	if string(out.Revisions[0].Payload) != `{"id":"p1","title":"first"}` || string(out.Revisions[1].Payload) != `"not json"` {
		t.Fatalf("unexpected payloads: %s, %s", out.Revisions[0].Payload, out.Revisions[1].Payload)
	}
	if out.Revisions[0].ArchivedAt != "2026-02-01T13:00:00Z" {
		t.Fatalf("archived_at = %s", out.Revisions[0].ArchivedAt)
	}

	if _, _, err := server.handleRevisions(ctx, nil, RevisionsInput{Kind: "vote", ID: "p1"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
