package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/infrastructure/storage/sqlite"
)

func newReviewQueue(t *testing.T) (*ReviewQueue, *recordingNotifier) {
	t.Helper()

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "watch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	n := &recordingNotifier{}
	q := NewReviewQueue(sqlite.NewFindingStore(db), n, nil)
	q.now = func() time.Time { return time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC) }
	return q, n
}

func finding(id, category string, conf float64, kinds ...domain.ExtractorKind) domain.Finding {
	return domain.Finding{
		ID: id, Category: category, Target: "post:" + id, Confidence: conf,
		Extractors: kinds, Evidence: []string{"ev-" + id},
	}
}

func TestReviewAdjudicationTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newReviewQueue(t)

	f := finding("f1", "deception", 0.55, domain.ExtractorLexical)
	if err := q.Enqueue(ctx, f); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, f); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	pending, err := q.Pending(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %+v, %v", pending, err)
	}

	if _, err := q.Adjudicate(ctx, "f1", "maybe", "ana", ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := q.Adjudicate(ctx, "nope", domain.OutcomeConfirmed, "ana", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := q.Adjudicate(ctx, "f1", domain.OutcomeConfirmed, "ana", "clear intent")
	if err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if got.Status != domain.StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", got.Status)
	}
	if _, err := q.Adjudicate(ctx, "f1", domain.OutcomeRejected, "ben", ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second adjudication, got %v", err)
	}

	// Re-enqueueing an adjudicated finding keeps the decision.
	if err := q.Enqueue(ctx, f); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if pending, _ := q.Pending(ctx, 10); len(pending) != 0 {
		t.Fatalf("adjudicated finding returned to the queue: %+v", pending)
	}

	labels, err := q.Labels(ctx)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 1 || labels[0].Note != "clear intent" || !labels[0].AdjudicatedAt.Equal(q.now()) {
		t.Fatalf("unexpected labels %+v", labels)
	}
}

func TestReviewStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, _ := newReviewQueue(t)

	for _, f := range []domain.Finding{
		finding("a", "deception", 0.5, domain.ExtractorLexical),
		finding("b", "deception", 0.6, domain.ExtractorLexical, domain.ExtractorSemantic),
		finding("c", "deception", 0.45, domain.ExtractorLexical),
	} {
		if err := q.Enqueue(ctx, f); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := q.Adjudicate(ctx, "a", domain.OutcomeRejected, "ana", ""); err != nil {
		t.Fatalf("adjudicate a: %v", err)
	}
	if _, err := q.Adjudicate(ctx, "b", domain.OutcomeConfirmed, "ana", ""); err != nil {
		t.Fatalf("adjudicate b: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[domain.StatusPendingReview] != 1 || stats.Counts[domain.StatusConfirmed] != 1 || stats.Counts[domain.StatusRejected] != 1 {
		t.Fatalf("unexpected counts %v", stats.Counts)
	}
	if stats.Labels != 2 || len(stats.Calibration) != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	lex := stats.Calibration[0]
	if lex.Extractor != domain.ExtractorLexical || lex.Precision != 0.5 || lex.SoloPrecision != 0 {
		t.Fatalf("unexpected lexical calibration %+v", lex)
	}
}

func TestReviewDigest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, n := newReviewQueue(t)

	if err := q.Notify(ctx, nil); err != nil || len(n.sent()) != 0 {
		t.Fatalf("empty digest must not be sent")
	}

	var many []domain.Finding
	for i := 0; i < digestLimit+3; i++ {
		many = append(many, finding(string(rune('a'+i)), "deception", 0.5, domain.ExtractorSemantic))
	}
	if err := q.Notify(ctx, many); err != nil {
		t.Fatalf("notify: %v", err)
	}
	sent := n.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one digest, got %d", len(sent))
	}
	if !strings.HasPrefix(sent[0], "23 new findings") || !strings.Contains(sent[0], "...and 3 more") {
		t.Fatalf("unexpected digest:\n%s", sent[0])
	}
	if !strings.Contains(sent[0], "Confidence: 0.50 (semantic)") {
		t.Fatalf("digest missing confidence line:\n%s", sent[0])
	}
}

func TestReviewAdmitQueuesNewPendingOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q, n := newReviewQueue(t)

	pending := finding("f1", "deception", 0.55, domain.ExtractorLexical)
	pending.Status = domain.StatusPendingReview
	auto := finding("f2", "threats", 0.9, domain.ExtractorSemantic)
	auto.Status = domain.StatusAutoResolved

	res, err := q.Admit(ctx, []domain.Finding{pending, auto}, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(res.NewPending) != 1 || res.NewPending[0].ID != "f1" {
		t.Fatalf("unexpected admit result: %+v", res)
	}
	if got, _ := q.Pending(ctx, 10); len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("pending = %+v", got)
	}

	if _, err := q.Admit(ctx, []domain.Finding{pending, auto}, nil); err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if digests := n.sent(); len(digests) != 1 || !strings.Contains(digests[0], "deception on post:f1") {
		t.Fatalf("unexpected digests %q", digests)
	}
}
