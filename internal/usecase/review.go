package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"MoltbookWatch/internal/aggregate"
	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

var (
	// ErrInvalidOutcome rejects adjudications other than confirmed or rejected.
	ErrInvalidOutcome = errors.New("outcome must be confirmed or rejected")
	// ErrNotPending is returned when the finding is not awaiting review.
	ErrNotPending = ports.ErrNotPending
	// ErrNotFound is returned for unknown finding IDs.
	ErrNotFound = ports.ErrNotFound
)

// ReviewStats summarizes the queue and what reviewers decided so far.
type ReviewStats struct {
	Counts      map[domain.FindingStatus]int `json:"counts"`
	Labels      int                          `json:"labels"`
	Calibration []aggregate.Precision        `json:"calibration"`
}

// ReviewQueue is the human adjudication worklist.
type ReviewQueue struct {
	store    ports.ReviewStore
	notifier ports.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReviewQueue wires the queue. A nil notifier disables digests.
func NewReviewQueue(store ports.ReviewStore, notifier ports.Notifier, logger *slog.Logger) *ReviewQueue {
	return &ReviewQueue{store: store, notifier: notifier, logger: logger, now: time.Now}
}

// Enqueue places f in the queue. Enqueuing the same finding again is a no-op
// and an already adjudicated finding keeps its decision.
func (q *ReviewQueue) Enqueue(ctx context.Context, f domain.Finding) error {
	f.Status = domain.StatusPendingReview
	if err := q.store.UpsertFindings(ctx, []domain.Finding{f}); err != nil {
		return fmt.Errorf("enqueue finding %s: %w", f.ID, err)
	}
	return nil
}

// Admit is how detection feeds the queue. It makes the stored findings within
// categories (all when empty) match the latest aggregation; findings that
// enter as pending-review are the queue's new entries and go out in one
// digest. A failed digest is logged, not returned.
func (q *ReviewQueue) Admit(ctx context.Context, findings []domain.Finding, categories []string) (ports.SyncResult, error) {
	res, err := q.store.SyncFindings(ctx, findings, categories)
	if err != nil {
		return res, fmt.Errorf("sync findings: %w", err)
	}
	if len(res.NewPending) > 0 {
		q.info("findings queued for review", "count", len(res.NewPending))
	}
	if err := q.Notify(ctx, res.NewPending); err != nil {
		q.warn("review digest failed", "error", err)
	}
	return res, nil
}

// Adjudicate records a reviewer decision on a pending finding and returns the
// updated finding.
func (q *ReviewQueue) Adjudicate(ctx context.Context, id string, outcome domain.Outcome, reviewer, note string) (domain.Finding, error) {
	if !outcome.Valid() {
		return domain.Finding{}, fmt.Errorf("%q: %w", outcome, ErrInvalidOutcome)
	}
	label := domain.Label{
		FindingID:     id,
		Outcome:       outcome,
		Reviewer:      reviewer,
		Note:          note,
		AdjudicatedAt: q.now().UTC(),
	}
	if err := q.store.Adjudicate(ctx, label); err != nil {
		return domain.Finding{}, err
	}
	q.info("finding adjudicated", "id", id, "outcome", outcome, "reviewer", reviewer)
	return q.store.Finding(ctx, id)
}

// Pending lists findings awaiting review, highest confidence first.
func (q *ReviewQueue) Pending(ctx context.Context, limit int) ([]domain.Finding, error) {
	return q.store.ListFindings(ctx, domain.FindingFilter{Status: domain.StatusPendingReview, Limit: limit})
}

// Labels returns every retained adjudication.
func (q *ReviewQueue) Labels(ctx context.Context) ([]domain.Label, error) {
	return q.store.Labels(ctx)
}

// Stats reports status counts and per-extractor precision from labels.
func (q *ReviewQueue) Stats(ctx context.Context) (ReviewStats, error) {
	counts, err := q.store.Counts(ctx)
	if err != nil {
		return ReviewStats{}, err
	}
	labels, err := q.store.Labels(ctx)
	if err != nil {
		return ReviewStats{}, err
	}
	return ReviewStats{Counts: counts, Labels: len(labels), Calibration: aggregate.Calibrate(labels)}, nil
}

// Notify sends a digest of newly pending findings.
func (q *ReviewQueue) Notify(ctx context.Context, findings []domain.Finding) error {
	if q.notifier == nil || len(findings) == 0 {
		return nil
	}
	if err := q.notifier.PublishDigest(ctx, buildDigestMessage(findings)); err != nil {
		return fmt.Errorf("publish review digest: %w", err)
	}
	return nil
}

const digestLimit = 20

func buildDigestMessage(findings []domain.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d new findings awaiting review\n\n", len(findings))
	for i, f := range findings {
		if i == digestLimit {
			fmt.Fprintf(&b, "...and %d more\n", len(findings)-digestLimit)
			break
		}
		kinds := make([]string, len(f.Extractors))
		for j, k := range f.Extractors {
			kinds[j] = string(k)
		}
		fmt.Fprintf(&b, "- %s on %s\nConfidence: %s (%s)\n%s\n\n",
			f.Category, f.Target, f.ConfidenceString(), strings.Join(kinds, ", "), f.ID)
	}
	return b.String()
}

func (q *ReviewQueue) info(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Info(msg, args...)
	}
}

func (q *ReviewQueue) warn(msg string, args ...any) {
	if q.logger != nil {
		q.logger.Warn(msg, args...)
	}
}
