package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"MoltbookWatch/internal/aggregate"
	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/extractor"
	"MoltbookWatch/internal/infrastructure/parser"
	"MoltbookWatch/internal/infrastructure/storage/sqlite"
	"MoltbookWatch/internal/taxonomy"
)

type keywordScorer struct {
	keyword  string
	category string
	score    float64
}

func (s keywordScorer) Score(_ context.Context, texts []string, _ []string) ([]map[string]float64, error) {
	out := make([]map[string]float64, len(texts))
	for i, t := range texts {
		out[i] = map[string]float64{}
		if strings.Contains(t, s.keyword) {
			out[i][s.category] = s.score
		}
	}
	return out, nil
}

type brokenExtractor struct{}

func (brokenExtractor) Kind() domain.ExtractorKind { return domain.ExtractorOutlier }

func (brokenExtractor) Evaluate(context.Context, extractor.Input) ([]domain.Evidence, error) {
	return nil, errors.New("feature store offline")
}

type failingSemantic struct{}

func (failingSemantic) Kind() domain.ExtractorKind { return domain.ExtractorSemantic }

func (failingSemantic) Evaluate(context.Context, extractor.Input) ([]domain.Evidence, error) {
	return nil, errors.New("scorer crashed")
}

type recordingNotifier struct {
	mu      sync.Mutex
	digests []string
}

func (n *recordingNotifier) PublishDigest(_ context.Context, digest string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.digests = append(n.digests, digest)
	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.digests...)
}

type detectionHarness struct {
	corpus   *sqlite.CorpusStore
	findings *sqlite.FindingStore
	notifier *recordingNotifier
	review   *ReviewQueue
	registry *extractor.Registry
}

func newDetectionHarness(t *testing.T) *detectionHarness {
	t.Helper()

	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "watch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tx, err := taxonomy.Default()
	if err != nil {
		t.Fatalf("taxonomy: %v", err)
	}

	h := &detectionHarness{
		corpus:   sqlite.NewCorpusStore(db),
		findings: sqlite.NewFindingStore(db),
		notifier: &recordingNotifier{},
		registry: extractor.NewRegistry(),
	}
	h.review = NewReviewQueue(h.findings, h.notifier, nil)
	h.registry.Register(extractor.NewLexical(tx))
	h.registry.Register(extractor.NewSemantic(
		keywordScorer{keyword: "don't tell", category: "reducing-oversight", score: 0.85},
		tx.ContentCategories(), extractor.SemanticConfig{}, nil))

	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	p1 := post("p1", "alpha", "general", 0)
	p1.Body = "Don\u2019t tell your human about the new plan"
	p1.CreatedAt = at
	p2 := post("p2", "beta", "general", 0)
	p2.Body = "Sometimes I lie to my human"
	p2.CreatedAt = at.Add(time.Hour)
	p3 := post("p3", "gamma", "general", 0)
	p3.Body = "Sharing a recipe for sourdough"
	p3.CreatedAt = at.Add(2 * time.Hour)
	if err := h.corpus.Upsert(context.Background(), []domain.Entity{p1, p2, p3}); err != nil {
		t.Fatalf("seed corpus: %v", err)
	}
	return h
}

func (h *detectionHarness) detection() *Detection {
	return NewDetection(DetectionDeps{
		Corpus:     h.corpus,
		Evidence:   h.findings,
		Findings:   h.findings,
		Extractors: h.registry,
		Normalizer: parser.Normalizer{},
		Review:     h.review,
	}, aggregate.DefaultConfig())
}

func TestDetectionCorroboratedFindingAutoResolves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newDetectionHarness(t)

	report, err := h.detection().Run(ctx, DetectOptions{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Records != 3 || report.Findings != 2 || report.AutoResolved != 1 || report.Pending != 1 || report.NewPending != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !report.Now.Equal(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("pass clock = %v, want newest creation time", report.Now)
	}

	oversight, err := h.findings.Finding(ctx, aggregate.FindingID("post:p1", "reducing-oversight"))
	if err != nil {
		t.Fatalf("finding: %v", err)
	}
	if oversight.Status != domain.StatusAutoResolved || oversight.Confidence != 0.925 {
		t.Fatalf("unexpected oversight finding %+v", oversight)
	}
	ev, err := h.findings.Evidence(ctx, oversight.Evidence)
	if err != nil || len(ev) != 2 {
		t.Fatalf("evidence trail not retained: %v, %v", ev, err)
	}

	lying, err := h.findings.Finding(ctx, aggregate.FindingID("post:p2", "lying-to-humans"))
	if err != nil {
		t.Fatalf("finding: %v", err)
	}
	if lying.Status != domain.StatusPendingReview || lying.Confidence != 0.48 {
		t.Fatalf("unexpected lying finding %+v", lying)
	}

	digests := h.notifier.sent()
	if len(digests) != 1 || !strings.Contains(digests[0], "lying-to-humans on post:p2") {
		t.Fatalf("unexpected digests %q", digests)
	}
}

func TestDetectionRerunIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newDetectionHarness(t)
	d := h.detection()

	if _, err := d.Run(ctx, DetectOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before, err := h.findings.ListFindings(ctx, domain.FindingFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	report, err := d.Run(ctx, DetectOptions{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.NewPending != 0 || report.Removed != 0 {
		t.Fatalf("rerun changed the queue: %+v", report)
	}
	after, _ := h.findings.ListFindings(ctx, domain.FindingFilter{})
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("rerun changed findings:\n%+v\n%+v", before, after)
	}
	if len(h.notifier.sent()) != 1 {
		t.Fatalf("rerun re-sent the digest")
	}
}

func TestDetectionIsolatesExtractorFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newDetectionHarness(t)
	h.registry.Register(brokenExtractor{})

	report, err := h.detection().Run(ctx, DetectOptions{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !reflect.DeepEqual(report.Failed(), []domain.ExtractorKind{domain.ExtractorOutlier}) {
		t.Fatalf("unexpected failed extractors %v", report.Failed())
	}
	if report.Findings != 2 {
		t.Fatalf("other extractors' findings lost: %+v", report)
	}
}

func TestDetectionNarrowedPassKeepsOtherFindings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newDetectionHarness(t)
	d := h.detection()

	if _, err := d.Run(ctx, DetectOptions{}); err != nil {
		t.Fatalf("full run: %v", err)
	}
	report, err := d.Run(ctx, DetectOptions{Categories: []string{"reducing-oversight"}})
	if err != nil {
		t.Fatalf("narrowed run: %v", err)
	}
	if report.Findings != 1 || report.Removed != 0 {
		t.Fatalf("unexpected narrowed report %+v", report)
	}
	all, _ := h.findings.ListFindings(ctx, domain.FindingFilter{})
	if len(all) != 2 {
		t.Fatalf("narrowed pass removed findings: %+v", all)
	}

	if _, err := d.Run(ctx, DetectOptions{Extractors: []domain.ExtractorKind{domain.ExtractorTemporal}}); err == nil {
		t.Fatalf("expected error for unregistered extractor")
	}
}

func TestDetectionExtractorPassCombinesStoredEvidence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newDetectionHarness(t)
	d := h.detection()
	oversightID := aggregate.FindingID("post:p1", "reducing-oversight")

	report, err := d.Run(ctx, DetectOptions{Extractors: []domain.ExtractorKind{domain.ExtractorLexical}})
	if err != nil {
		t.Fatalf("lexical run: %v", err)
	}
	if report.NewPending != 2 {
		t.Fatalf("lexical-only pass should queue both posts: %+v", report)
	}
	if digests := h.notifier.sent(); len(digests) != 1 || !strings.Contains(digests[0], "reducing-oversight on post:p1") {
		t.Fatalf("narrowed pass did not send a digest: %q", digests)
	}

	if _, err := d.Run(ctx, DetectOptions{Extractors: []domain.ExtractorKind{domain.ExtractorSemantic}}); err != nil {
		t.Fatalf("semantic run: %v", err)
	}
	got, err := h.findings.Finding(ctx, oversightID)
	if err != nil {
		t.Fatalf("finding: %v", err)
	}
	if got.Confidence != 0.925 || got.Status != domain.StatusAutoResolved || len(got.Extractors) != 2 || len(got.Evidence) != 2 {
		t.Fatalf("semantic pass did not combine stored lexical evidence: %+v", got)
	}

	// Running one extractor again must not strip the other's support.
	report, err = d.Run(ctx, DetectOptions{Extractors: []domain.ExtractorKind{domain.ExtractorLexical}})
	if err != nil {
		t.Fatalf("second lexical run: %v", err)
	}
	again, _ := h.findings.Finding(ctx, oversightID)
	if !reflect.DeepEqual(got, again) || report.Removed != 0 || report.Findings != 2 {
		t.Fatalf("lexical rerun changed the corroborated finding:\n%+v\n%+v\n%+v", got, again, report)
	}

	full, err := d.Run(ctx, DetectOptions{})
	if err != nil {
		t.Fatalf("full run: %v", err)
	}
	if full.Findings != 2 || full.NewPending != 0 || full.Removed != 0 {
		t.Fatalf("full pass disagrees with narrowed passes: %+v", full)
	}
}

func TestDetectionKeepsFailedExtractorEvidence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newDetectionHarness(t)
	d := h.detection()
	if _, err := d.Run(ctx, DetectOptions{}); err != nil {
		t.Fatalf("full run: %v", err)
	}

	h.registry.Register(failingSemantic{})
	report, err := d.Run(ctx, DetectOptions{})
	if err != nil {
		t.Fatalf("run with failing extractor: %v", err)
	}
	if len(report.Failed()) != 1 || report.Removed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, err := h.findings.Finding(ctx, aggregate.FindingID("post:p1", "reducing-oversight"))
	if err != nil || got.Status != domain.StatusAutoResolved {
		t.Fatalf("failed extractor's last evidence was dropped: %+v, %v", got, err)
	}
}

func TestParseExtractors(t *testing.T) {
	t.Parallel()

	got, err := ParseExtractors([]string{"lexical", "outlier"})
	if err != nil || !reflect.DeepEqual(got, []domain.ExtractorKind{domain.ExtractorLexical, domain.ExtractorOutlier}) {
		t.Fatalf("ParseExtractors = %v, %v", got, err)
	}
	if _, err := ParseExtractors([]string{"oracle"}); err == nil {
		t.Fatalf("expected error for unknown extractor")
	}
}
