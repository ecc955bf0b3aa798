package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"MoltbookWatch/internal/aggregate"
	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/extractor"
	"MoltbookWatch/internal/ports"
)

// DetectionDeps wires the detection pass.
type DetectionDeps struct {
	Corpus     ports.CorpusStore
	Evidence   ports.EvidenceIndex
	Findings   ports.FindingStore
	Extractors *extractor.Registry
	Normalizer ports.TextNormalizer
	Review     *ReviewQueue
	Logger     *slog.Logger
}

// DetectOptions narrows a detection pass.
type DetectOptions struct {
	Categories []string
	Extractors []domain.ExtractorKind
}

// ExtractorReport is one extractor's share of a pass.
type ExtractorReport struct {
	Kind     domain.ExtractorKind
	Evidence int
	Duration time.Duration
	Err      error
}

// DetectionReport summarizes a pass.
type DetectionReport struct {
	Records      int
	Now          time.Time
	Extractors   []ExtractorReport
	Evidence     int
	Findings     int
	AutoResolved int
	Pending      int
	NewPending   int
	Removed      int
}

// Failed lists extractors that returned an error.
func (r DetectionReport) Failed() []domain.ExtractorKind {
	var out []domain.ExtractorKind
	for _, e := range r.Extractors {
		if e.Err != nil {
			out = append(out, e.Kind)
		}
	}
	return out
}

// Detection runs the extractors over the corpus and turns their evidence
// into findings.
type Detection struct {
	corpus     ports.CorpusStore
	evidence   ports.EvidenceIndex
	findings   ports.FindingStore
	registry   *extractor.Registry
	normalizer ports.TextNormalizer
	review     *ReviewQueue
	logger     *slog.Logger
	cfg        aggregate.Config
}

// NewDetection constructs the detection use case.
func NewDetection(deps DetectionDeps, cfg aggregate.Config) *Detection {
	return &Detection{
		corpus:     deps.Corpus,
		evidence:   deps.Evidence,
		findings:   deps.Findings,
		registry:   deps.Extractors,
		normalizer: deps.Normalizer,
		review:     deps.Review,
		logger:     deps.Logger,
		cfg:        cfg,
	}
}

var corpusKinds = []domain.EntityKind{domain.KindPost, domain.KindComment, domain.KindAgent, domain.KindSubmolt}

// Run executes one pass. Each extractor that succeeds replaces its current
// evidence within the pass's categories; findings are then rebuilt from the
// current evidence of every extractor, so a pass narrowed to some extractors
// still combines the others' latest output. An extractor error is recorded in
// the report and that extractor's previous evidence stays current. Stored
// findings outside the pass's categories are left alone.
func (d *Detection) Run(ctx context.Context, opts DetectOptions) (DetectionReport, error) {
	var report DetectionReport

	extractors, err := d.selectExtractors(opts.Extractors)
	if err != nil {
		return report, err
	}
	if len(opts.Extractors) > 0 && d.evidence == nil {
		return report, errors.New("narrowing by extractor needs an evidence store")
	}

	records, now, err := d.load(ctx)
	if err != nil {
		return report, err
	}
	report.Records = len(records)
	report.Now = now
	d.info("detection started", "records", len(records), "extractors", len(extractors), "now", now)

	input := extractor.Input{Records: records, Categories: opts.Categories, Now: now}
	results := make([][]domain.Evidence, len(extractors))
	report.Extractors = make([]ExtractorReport, len(extractors))

	var g errgroup.Group
	for i, ex := range extractors {
		g.Go(func() error {
			start := time.Now()
			ev, err := ex.Evaluate(ctx, input)
			report.Extractors[i] = ExtractorReport{Kind: ex.Kind(), Evidence: len(ev), Duration: time.Since(start), Err: err}
			if err != nil {
				d.warn("extractor failed", "extractor", ex.Kind(), "error", err)
				return nil
			}
			results[i] = ev
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	var (
		fresh     []domain.Evidence
		succeeded []domain.ExtractorKind
	)
	for i, ev := range results {
		if report.Extractors[i].Err != nil {
			continue
		}
		succeeded = append(succeeded, report.Extractors[i].Kind)
		fresh = append(fresh, ev...)
	}
	report.Evidence = len(fresh)

	evidence := fresh
	if d.evidence != nil {
		replaced := succeeded
		if len(opts.Extractors) == 0 {
			replaced = append(replaced, d.unregistered()...)
		}
		if err := d.evidence.ReplaceCurrent(ctx, replaced, opts.Categories, fresh); err != nil {
			return report, fmt.Errorf("save evidence: %w", err)
		}
		if evidence, err = d.evidence.CurrentEvidence(ctx, opts.Categories); err != nil {
			return report, fmt.Errorf("load current evidence: %w", err)
		}
	}

	findings := aggregate.Aggregate(evidence, d.cfg)
	report.Findings = len(findings)
	for _, f := range findings {
		switch f.Status {
		case domain.StatusAutoResolved:
			report.AutoResolved++
		case domain.StatusPendingReview:
			report.Pending++
		}
	}

	var res ports.SyncResult
	switch {
	case d.review != nil:
		res, err = d.review.Admit(ctx, findings, opts.Categories)
	case d.findings != nil:
		res, err = d.findings.SyncFindings(ctx, findings, opts.Categories)
	default:
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("store findings: %w", err)
	}
	report.Removed = res.Removed
	report.NewPending = len(res.NewPending)

	d.info("detection finished", "evidence", report.Evidence, "findings", report.Findings,
		"auto_resolved", report.AutoResolved, "pending", report.Pending,
		"new_pending", report.NewPending, "removed", report.Removed)
	return report, nil
}

// unregistered lists extractor kinds the registry no longer holds; a full
// pass retires their evidence.
func (d *Detection) unregistered() []domain.ExtractorKind {
	var out []domain.ExtractorKind
	for _, k := range domain.ExtractorKinds {
		if _, err := d.registry.Resolve(k); err != nil {
			out = append(out, k)
		}
	}
	return out
}

func (d *Detection) selectExtractors(kinds []domain.ExtractorKind) ([]extractor.Extractor, error) {
	if d.registry == nil {
		return nil, errors.New("no extractors configured")
	}
	if len(kinds) == 0 {
		return d.registry.All(), nil
	}
	out := make([]extractor.Extractor, 0, len(kinds))
	for _, k := range kinds {
		ex, err := d.registry.Resolve(k)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

// load reads the whole corpus into extractor records. The pass clock is the
// newest creation time in the corpus so a rerun over the same corpus sees the
// same windows.
func (d *Detection) load(ctx context.Context) ([]extractor.Record, time.Time, error) {
	var (
		records []extractor.Record
		now     time.Time
		fetched time.Time
	)
	for _, kind := range corpusKinds {
		err := d.corpus.Scan(ctx, kind, func(e domain.Entity) error {
			rec := extractor.Record{Entity: e}
			raw := e.Text()
			if d.normalizer != nil {
				rec.Text = d.normalizer.Normalize(raw)
				rec.Mentions = d.normalizer.Mentions(raw)
			} else {
				rec.Text = raw
			}
			records = append(records, rec)
			if e.CreatedAt.After(now) {
				now = e.CreatedAt
			}
			if e.FetchedAt.After(fetched) {
				fetched = e.FetchedAt
			}
			return nil
		})
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("scan %s records: %w", kind, err)
		}
	}
	if now.IsZero() {
		now = fetched
	}
	return records, now.UTC(), nil
}

func (d *Detection) info(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}

func (d *Detection) warn(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, args...)
	}
}

// ParseExtractors converts command-line extractor names.
func ParseExtractors(names []string) ([]domain.ExtractorKind, error) {
	out := make([]domain.ExtractorKind, 0, len(names))
	for _, n := range names {
		k := domain.ExtractorKind(n)
		switch k {
		case domain.ExtractorLexical, domain.ExtractorSemantic, domain.ExtractorRelationship,
			domain.ExtractorTemporal, domain.ExtractorOutlier:
			out = append(out, k)
		default:
			return nil, fmt.Errorf("unknown extractor %q", n)
		}
	}
	return out, nil
}
