package ports

import (
	"context"
	"errors"
	"time"

	"MoltbookWatch/internal/domain"
)

var (
	// ErrScorerUnavailable is returned by scorers that cannot reach their backend.
	ErrScorerUnavailable = errors.New("scorer unavailable")
	// ErrMalformed marks an upstream payload that could not be decoded.
	ErrMalformed = errors.New("malformed payload")
	// ErrNotFound is returned for missing records, upstream or stored.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when adjudicating a finding that is not awaiting review.
	ErrNotPending = errors.New("finding is not pending review")
)

// Page is one listing page of the upstream API.
type Page struct {
	IDs        []string
	Entities   []domain.Entity
	NextCursor string
	HasMore    bool
}

// Detail is a fetched entity with any children embedded in its payload.
type Detail struct {
	Entity   domain.Entity
	Children []domain.Entity
}

// UpstreamError is implemented by source errors that carry retry guidance.
type UpstreamError interface {
	error
	Transient() bool
	Delay() time.Duration
}

// Source talks to the upstream platform.
type Source interface {
	List(ctx context.Context, phase domain.Phase, cursor string) (Page, error)
	Fetch(ctx context.Context, phase domain.Phase, id string) (Detail, error)
}

// CorpusStore persists harvested entities.
type CorpusStore interface {
	Upsert(ctx context.Context, entities []domain.Entity) error
	Known(ctx context.Context, kind domain.EntityKind, ids []string) (map[string]bool, error)
	CommentCounts(ctx context.Context, ids []string) (map[string]int, error)
	Scan(ctx context.Context, kind domain.EntityKind, fn func(domain.Entity) error) error
	Stats(ctx context.Context) (domain.CorpusStats, error)
	// Revisions lists archived copies of one entity, oldest first.
	Revisions(ctx context.Context, kind domain.EntityKind, id string) ([]domain.Revision, error)
}

// CheckpointStore durably records acquisition progress.
type CheckpointStore interface {
	Load(ctx context.Context) (domain.Checkpoint, error)
	Commit(ctx context.Context, update domain.CheckpointUpdate) error
	Reset(ctx context.Context, phases ...domain.Phase) error
	Pending(ctx context.Context, phase domain.Phase, limit int) ([]string, error)
	RequeueFailed(ctx context.Context, phase domain.Phase) (int, error)
	Failures(ctx context.Context, phase domain.Phase) ([]domain.PageFailure, error)
}

// Governor admits rate-limited operations.
type Governor interface {
	Admit(ctx context.Context, kind string) (time.Time, error)
	Backoff(kind string, until time.Time)
}

// Scorer returns calibrated per-category probabilities for each text.
type Scorer interface {
	Score(ctx context.Context, texts []string, categories []string) ([]map[string]float64, error)
}

// TextNormalizer prepares record text for the text extractors.
type TextNormalizer interface {
	Normalize(s string) string
	Mentions(s string) []string
}

// EvidenceStore keeps extractor output for audit.
type EvidenceStore interface {
	SaveEvidence(ctx context.Context, evidence []domain.Evidence) error
	Evidence(ctx context.Context, ids []string) ([]domain.Evidence, error)
}

// EvidenceIndex remembers which stored evidence each extractor produced on
// its latest successful pass, so findings can be rebuilt from every
// extractor's current output when a pass runs only some of them.
type EvidenceIndex interface {
	EvidenceStore
	// ReplaceCurrent stores evidence and makes it the current output of kinds,
	// dropping their previous current evidence within categories (all when
	// empty).
	ReplaceCurrent(ctx context.Context, kinds []domain.ExtractorKind, categories []string, evidence []domain.Evidence) error
	// CurrentEvidence returns the current evidence of every extractor within
	// categories (all when empty), ordered by ID.
	CurrentEvidence(ctx context.Context, categories []string) ([]domain.Evidence, error)
}

// SyncResult summarizes a findings sync.
type SyncResult struct {
	Upserted   int
	Removed    int
	NewPending []domain.Finding
}

// FindingStore persists aggregated findings.
type FindingStore interface {
	UpsertFindings(ctx context.Context, findings []domain.Finding) error
	// SyncFindings upserts findings and removes unadjudicated findings within
	// categories (all when empty) that findings no longer contains.
	SyncFindings(ctx context.Context, findings []domain.Finding, categories []string) (SyncResult, error)
	Finding(ctx context.Context, id string) (domain.Finding, error)
	ListFindings(ctx context.Context, filter domain.FindingFilter) ([]domain.Finding, error)
}

// ReviewStore backs the review queue.
type ReviewStore interface {
	FindingStore
	Adjudicate(ctx context.Context, label domain.Label) error
	Labels(ctx context.Context) ([]domain.Label, error)
	Counts(ctx context.Context) (map[domain.FindingStatus]int, error)
}

// FindingExporter ships findings to an external sink.
type FindingExporter interface {
	Export(ctx context.Context, findings []domain.Finding) error
}

// Notifier streams review digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
