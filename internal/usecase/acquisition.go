package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/governor"
	"MoltbookWatch/internal/ports"
)

// ErrUpstreamUnavailable aborts a run in which every attempted page failed.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// AcquisitionDeps wires the driven adapters used by the harvester.
type AcquisitionDeps struct {
	Source      ports.Source
	Corpus      ports.CorpusStore
	Checkpoints ports.CheckpointStore
	Governor    ports.Governor
	Logger      *slog.Logger
}

// AcquisitionConfig tunes the fetch workers and the retry policy.
type AcquisitionConfig struct {
	Workers     int
	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c AcquisitionConfig) withDefaults() AcquisitionConfig {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	return c
}

// AcquireOptions selects how a run starts. Without Fresh the run resumes from
// the stored checkpoint.
type AcquireOptions struct {
	// Fresh discards stored progress of the selected phases first.
	Fresh bool
	// Refresh restarts listing cursors to pick up new content.
	Refresh bool
	// RetryFailed moves recorded detail failures back to pending.
	RetryFailed bool
	// Phases limits the run; empty means all phases.
	Phases []domain.Phase
}

// PhaseStatus is the completion status of one phase after a run.
type PhaseStatus string

const (
	PhaseDone      PhaseStatus = "done"
	PhasePartial   PhaseStatus = "partial"
	PhaseCorrupt   PhaseStatus = "corrupt"
	PhaseCancelled PhaseStatus = "cancelled"
)

// PhaseReport summarizes one phase of a run.
type PhaseReport struct {
	Phase       domain.Phase
	Status      PhaseStatus
	Pages       int
	FailedPages int
	Fetched     int
	NotFound    int
	Discovered  int
	Refreshed   int
	Err         error
}

// AcquisitionReport is returned by every run, including aborted ones.
type AcquisitionReport struct {
	Phases   []PhaseReport
	Requests int64
	Rounds   int
	Started  time.Time
	Finished time.Time
}

// Complete reports whether every phase of the run is done.
func (r AcquisitionReport) Complete() bool {
	for _, p := range r.Phases {
		if p.Status != PhaseDone {
			return false
		}
	}
	return len(r.Phases) > 0
}

// Phase returns the report of one phase.
func (r AcquisitionReport) Phase(phase domain.Phase) (PhaseReport, bool) {
	for _, p := range r.Phases {
		if p.Phase == phase {
			return p, true
		}
	}
	return PhaseReport{}, false
}

// Acquisition harvests the upstream platform into the corpus, phase by phase,
// committing checkpoint progress only after each batch is persisted.
type Acquisition struct {
	source      ports.Source
	corpus      ports.CorpusStore
	checkpoints ports.CheckpointStore
	governor    ports.Governor
	logger      *slog.Logger
	cfg         AcquisitionConfig
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

// NewAcquisition constructs the harvester.
func NewAcquisition(deps AcquisitionDeps, cfg AcquisitionConfig) *Acquisition {
	return &Acquisition{
		source:      deps.Source,
		corpus:      deps.Corpus,
		checkpoints: deps.Checkpoints,
		governor:    deps.Governor,
		logger:      deps.Logger,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

type phaseRun struct {
	phase  domain.Phase
	commit sync.Mutex
	state  domain.PhaseState
	report PhaseReport

	// stalled is set when a listing page failed; the cursor stays put so the
	// page is listed again by the next run.
	stalled bool
	drained bool
}

func (p *phaseRun) finished() bool {
	return p.state.Exhausted && p.drained
}

type acquisitionRun struct {
	*Acquisition
	requests atomic.Int64
	units    atomic.Int64
	failed   atomic.Int64
}

// Run executes one acquisition pass until every selected phase is exhausted
// and drained, the context is cancelled, or a fatal error occurs. The report
// is valid in every case.
func (a *Acquisition) Run(ctx context.Context, opts AcquireOptions) (AcquisitionReport, error) {
	report := AcquisitionReport{Started: a.now()}
	if a.source == nil || a.corpus == nil || a.checkpoints == nil {
		return report, errors.New("acquisition: source, corpus and checkpoint store are required")
	}

	phases := opts.Phases
	if len(phases) == 0 {
		phases = domain.Phases
	}
	for _, p := range phases {
		if !p.Valid() {
			return report, fmt.Errorf("unknown phase %q", p)
		}
	}

	if opts.Fresh {
		if err := a.checkpoints.Reset(ctx, phases...); err != nil {
			return report, fmt.Errorf("reset checkpoint: %w", err)
		}
	}
	if opts.RetryFailed {
		for _, p := range phases {
			n, err := a.checkpoints.RequeueFailed(ctx, p)
			if err != nil {
				return report, fmt.Errorf("requeue failed %s: %w", p, err)
			}
			a.info("requeued failed ids", "phase", p, "count", n)
		}
	}

	cp, err := a.checkpoints.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("load checkpoint: %w", err)
	}

	run := &acquisitionRun{Acquisition: a}
	var active, all []*phaseRun
	for _, p := range phases {
		pr := &phaseRun{phase: p, state: cp.Phases[p], report: PhaseReport{Phase: p}}
		all = append(all, pr)
		if cerr := cp.Corrupt[p]; cerr != nil {
			pr.report.Status = PhaseCorrupt
			pr.report.Err = cerr
			a.warn("phase checkpoint corrupt, reset required", "phase", p, "error", cerr)
			continue
		}
		if p == domain.PhaseAgents {
			pr.state.Exhausted = true
		} else if opts.Refresh {
			pr.state.Cursor = ""
			pr.state.Exhausted = false
		}
		active = append(active, pr)
	}

	runErr := run.loop(ctx, active, &report)

	report.Requests = run.requests.Load()
	report.Finished = a.now()
	for _, pr := range all {
		if pr.report.Status == "" {
			pr.report.Status = pr.status(ctx, runErr)
		}
		report.Phases = append(report.Phases, pr.report)
	}

	a.info("acquisition finished",
		"rounds", report.Rounds,
		"requests", report.Requests,
		"complete", report.Complete(),
		"elapsed", report.Finished.Sub(report.Started).Round(time.Millisecond))
	return report, runErr
}

func (p *phaseRun) status(ctx context.Context, runErr error) PhaseStatus {
	switch {
	case p.finished() && !p.stalled && p.report.FailedPages == 0:
		return PhaseDone
	case ctx.Err() != nil:
		return PhaseCancelled
	default:
		if runErr != nil && p.report.Err == nil {
			p.report.Err = runErr
		}
		return PhasePartial
	}
}

// loop runs rounds in which every active phase does one unit of work
// concurrently. It ends after a round in which no phase had work.
func (r *acquisitionRun) loop(ctx context.Context, active []*phaseRun, report *AcquisitionReport) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		report.Rounds++
		r.units.Store(0)
		r.failed.Store(0)

		var worked atomic.Bool
		g, gctx := errgroup.WithContext(ctx)
		for _, pr := range active {
			g.Go(func() error {
				did, err := r.step(gctx, pr)
				if did {
					worked.Store(true)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if units := r.units.Load(); units > 0 && r.failed.Load() == units {
			return fmt.Errorf("round %d: all %d pages failed: %w", report.Rounds, units, ErrUpstreamUnavailable)
		}
		if !worked.Load() {
			return nil
		}
	}
}

// step lists one page when the phase still has a listing, then fetches one
// batch of pending IDs.
func (r *acquisitionRun) step(ctx context.Context, pr *phaseRun) (bool, error) {
	worked := false
	if !pr.state.Exhausted && !pr.stalled {
		worked = true
		if err := r.listPage(ctx, pr); err != nil {
			return worked, err
		}
	}

	ids, err := r.checkpoints.Pending(ctx, pr.phase, r.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return worked, ctx.Err()
		}
		return worked, fmt.Errorf("load pending %s: %w", pr.phase, err)
	}
	pr.drained = len(ids) == 0
	if pr.drained {
		return worked, nil
	}
	return true, r.fetchBatch(ctx, pr, ids)
}

func (r *acquisitionRun) listPage(ctx context.Context, pr *phaseRun) error {
	cursor := pr.state.Cursor
	var page ports.Page
	attempts, err := r.retry(ctx, func(ctx context.Context) error {
		var lerr error
		page, lerr = r.source.List(ctx, pr.phase, cursor)
		return lerr
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	r.units.Add(1)
	state := pr.state
	state.Pages++
	state.UpdatedAt = r.now()

	if err != nil {
		r.failed.Add(1)
		r.warn("listing page failed", "phase", pr.phase, "cursor", cursor, "attempts", attempts, "error", err)
		pr.stalled = true
		state.FailedPages++
		update := domain.CheckpointUpdate{
			Phase: pr.phase,
			State: state,
			Failures: []domain.PageFailure{{
				Phase:    pr.phase,
				Page:     "list@" + cursor,
				Attempts: attempts,
				Err:      err.Error(),
				FailedAt: state.UpdatedAt,
			}},
		}
		if err := r.commit(ctx, pr, update); err != nil {
			return err
		}
		pr.report.Pages++
		pr.report.FailedPages++
		return nil
	}

	wctx := context.WithoutCancel(ctx)
	enqueue, refreshed, err := r.selectForFetch(wctx, pr.phase, page.Entities)
	if err != nil {
		return err
	}

	state.Cursor = page.NextCursor
	state.Exhausted = !page.HasMore || page.NextCursor == cursor || len(page.IDs) == 0
	update := domain.CheckpointUpdate{Phase: pr.phase, State: state}
	if len(enqueue) > 0 {
		update.Enqueue = map[domain.Phase][]string{pr.phase: enqueue}
	}
	if err := r.commit(wctx, pr, update); err != nil {
		return err
	}

	pr.report.Pages++
	pr.report.Discovered += len(enqueue) - refreshed
	pr.report.Refreshed += refreshed
	r.debug("listing page committed", "phase", pr.phase, "cursor", cursor, "next", state.Cursor,
		"items", len(page.IDs), "enqueued", len(enqueue), "exhausted", state.Exhausted)
	return nil
}

// selectForFetch keeps listed entities that are not in the corpus yet, plus
// posts whose comment count grew since the stored copy.
func (r *acquisitionRun) selectForFetch(ctx context.Context, phase domain.Phase, listed []domain.Entity) ([]string, int, error) {
	if len(listed) == 0 {
		return nil, 0, nil
	}
	ids := make([]string, len(listed))
	for i, e := range listed {
		ids[i] = e.ID
	}

	known, err := r.corpus.Known(ctx, phase.Kind(), ids)
	if err != nil {
		return nil, 0, fmt.Errorf("load known %s: %w", phase, err)
	}
	var counts map[string]int
	if phase == domain.PhasePosts && len(known) > 0 {
		counts, err = r.corpus.CommentCounts(ctx, ids)
		if err != nil {
			return nil, 0, fmt.Errorf("load comment counts: %w", err)
		}
	}

	var (
		out       []string
		refreshed int
		seen      = map[string]bool{}
	)
	for _, e := range listed {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		switch {
		case !known[e.ID]:
			out = append(out, e.ID)
		case phase == domain.PhasePosts && e.CommentCount > counts[e.ID]:
			out = append(out, e.ID)
			refreshed++
		}
	}
	return out, refreshed, nil
}

type fetchResult struct {
	detail   ports.Detail
	attempts int
	err      error
	skipped  bool
}

// fetchBatch fetches ids through the worker pool, persists what arrived and
// commits the batch. IDs interrupted by cancellation stay pending.
func (r *acquisitionRun) fetchBatch(ctx context.Context, pr *phaseRun, ids []string) error {
	results := make([]fetchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i].skipped = true
				return nil
			}
			var d ports.Detail
			attempts, err := r.retry(ctx, func(ctx context.Context) error {
				var ferr error
				d, ferr = r.source.Fetch(ctx, pr.phase, id)
				return ferr
			})
			results[i] = fetchResult{detail: d, attempts: attempts, err: err}
			return nil
		})
	}
	_ = g.Wait()

	cancelled := ctx.Err() != nil
	var (
		entities []domain.Entity
		dequeue  []string
		failures []domain.PageFailure
		fetched  int
		notFound int
		now      = r.now()
	)
	for i, res := range results {
		id := ids[i]
		switch {
		case res.skipped, res.err != nil && cancelled:
			continue
		case res.err == nil:
			fetched++
			entities = append(entities, res.detail.Entity)
			entities = append(entities, res.detail.Children...)
		case errors.Is(res.err, ports.ErrNotFound):
			notFound++
			r.debug("entity not found", "phase", pr.phase, "id", id)
		default:
			r.failed.Add(1)
			r.warn("fetch failed", "phase", pr.phase, "id", id, "attempts", res.attempts, "error", res.err)
			failures = append(failures, domain.PageFailure{
				Phase:    pr.phase,
				Page:     id,
				IDs:      []string{id},
				Attempts: res.attempts,
				Err:      res.err.Error(),
				FailedAt: now,
			})
		}
		r.units.Add(1)
		dequeue = append(dequeue, id)
	}

	if len(dequeue) > 0 {
		if err := r.persist(context.WithoutCancel(ctx), pr, entities, dequeue, failures); err != nil {
			return err
		}
		pr.report.Pages += len(dequeue)
		pr.report.Fetched += fetched
		pr.report.NotFound += notFound
		pr.report.FailedPages += len(failures)
	}
	if cancelled {
		return ctx.Err()
	}
	return nil
}

// persist writes entities to the corpus and only then commits the checkpoint
// update that dequeues them.
func (r *acquisitionRun) persist(ctx context.Context, pr *phaseRun, entities []domain.Entity, dequeue []string, failures []domain.PageFailure) error {
	if len(entities) > 0 {
		if err := r.corpus.Upsert(ctx, entities); err != nil {
			return fmt.Errorf("persist %s batch: %w", pr.phase, err)
		}
	}

	enqueue := map[domain.Phase][]string{}
	discovered := 0
	for phase, names := range domain.Discover(entities) {
		known, err := r.corpus.Known(ctx, phase.Kind(), names)
		if err != nil {
			return fmt.Errorf("load known %s: %w", phase, err)
		}
		for _, name := range names {
			if !known[name] {
				enqueue[phase] = append(enqueue[phase], name)
				discovered++
			}
		}
	}

	state := pr.state
	state.Pages += len(dequeue)
	state.FailedPages += len(failures)
	state.UpdatedAt = r.now()
	update := domain.CheckpointUpdate{
		Phase:    pr.phase,
		State:    state,
		Enqueue:  enqueue,
		Dequeue:  dequeue,
		Failures: failures,
	}
	if err := r.commit(ctx, pr, update); err != nil {
		return err
	}
	pr.report.Discovered += discovered
	r.debug("batch committed", "phase", pr.phase, "entities", len(entities), "dequeued", len(dequeue),
		"failed", len(failures), "discovered", discovered)
	return nil
}

func (r *acquisitionRun) commit(ctx context.Context, pr *phaseRun, update domain.CheckpointUpdate) error {
	pr.commit.Lock()
	defer pr.commit.Unlock()

	if err := r.checkpoints.Commit(ctx, update); err != nil {
		return fmt.Errorf("commit %s checkpoint: %w", pr.phase, err)
	}
	pr.state = update.State
	return nil
}

// retry runs op until it succeeds, returns a permanent error or runs out of
// attempts. Every attempt is admitted by the governor first.
func (r *acquisitionRun) retry(ctx context.Context, op func(context.Context) error) (int, error) {
	for attempt := 0; ; attempt++ {
		if r.governor != nil {
			if _, err := r.governor.Admit(ctx, governor.KindRequest); err != nil {
				return attempt, err
			}
		}
		r.requests.Add(1)

		err := op(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}
		retryable, delay := classify(err)
		if !retryable || attempt >= r.cfg.MaxRetries {
			return attempt + 1, err
		}

		wait := r.backoff(attempt)
		if delay > 0 {
			if r.governor != nil {
				r.governor.Backoff(governor.KindRequest, r.now().Add(delay))
			} else if delay > wait {
				wait = delay
			}
		}
		r.debug("retrying", "attempt", attempt+1, "wait", wait, "error", err)
		if err := r.sleep(ctx, wait); err != nil {
			return attempt + 1, err
		}
	}
}

func (a *Acquisition) backoff(attempt int) time.Duration {
	d := a.cfg.BackoffBase
	for i := 0; i < attempt && d < a.cfg.BackoffMax; i++ {
		d *= 2
	}
	return min(d, a.cfg.BackoffMax)
}

// classify decides whether err is worth another attempt. Network errors and
// malformed payloads are retried; not-found never is.
func classify(err error) (bool, time.Duration) {
	if errors.Is(err, ports.ErrNotFound) {
		return false, 0
	}
	var upstream ports.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Transient(), upstream.Delay()
	}
	return true, 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CheckpointStatus renders the stored checkpoint for the status command.
func (a *Acquisition) CheckpointStatus(ctx context.Context) (domain.Checkpoint, error) {
	if a.checkpoints == nil {
		return domain.NewCheckpoint(), nil
	}
	return a.checkpoints.Load(ctx)
}

// Stats reports stored record counts.
func (a *Acquisition) Stats(ctx context.Context) (domain.CorpusStats, error) {
	return a.corpus.Stats(ctx)
}

// Failures lists page failures not yet requeued, for phases (all when none
// given) in phase order.
func (a *Acquisition) Failures(ctx context.Context, phases ...domain.Phase) ([]domain.PageFailure, error) {
	if len(phases) == 0 {
		phases = domain.Phases
	}
	if a.checkpoints == nil {
		return nil, nil
	}
	var out []domain.PageFailure
	for _, p := range phases {
		if !p.Valid() {
			return nil, fmt.Errorf("unknown phase %q", p)
		}
		failures, err := a.checkpoints.Failures(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("load %s failures: %w", p, err)
		}
		out = append(out, failures...)
	}
	return out, nil
}

// Revisions returns the archived copies of one stored entity.
func (a *Acquisition) Revisions(ctx context.Context, kind domain.EntityKind, id string) ([]domain.Revision, error) {
	if id == "" {
		return nil, fmt.Errorf("revisions: id is required")
	}
	return a.corpus.Revisions(ctx, kind, id)
}

// ResetCheckpoint discards stored progress of phases (all when none given).
func (a *Acquisition) ResetCheckpoint(ctx context.Context, phases ...domain.Phase) error {
	for _, p := range phases {
		if !p.Valid() {
			return fmt.Errorf("unknown phase %q", p)
		}
	}
	if err := a.checkpoints.Reset(ctx, phases...); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	return nil
}

// ParsePhases converts command-line phase names.
func ParsePhases(names []string) ([]domain.Phase, error) {
	out := make([]domain.Phase, 0, len(names))
	for _, n := range names {
		p := domain.Phase(n)
		if !p.Valid() {
			return nil, fmt.Errorf("unknown phase %q (want posts, submolts or agents)", n)
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *Acquisition) info(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Info(msg, args...)
	}
}

func (a *Acquisition) debug(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Debug(msg, args...)
	}
}

func (a *Acquisition) warn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}
