package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "watch.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCorpusUpsertOverwritesAndArchivesChangedPosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCorpusStore(openTestDB(t))
	fetched := time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC)

	post := domain.Entity{
		Kind:         domain.KindPost,
		ID:           "p1",
		AuthorID:     "alpha",
		Title:        "hello",
		Body:         "first body",
		CommentCount: 1,
		Raw:          []byte(`{"id":"p1","extra_field":true}`),
		FetchedAt:    fetched,
		Endpoint:     "/posts/p1",
	}
	if err := store.Upsert(ctx, []domain.Entity{post}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(ctx, []domain.Entity{post}); err != nil {
		t.Fatalf("identical upsert: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[domain.KindPost] != 1 || stats.Revisions != 0 {
		t.Fatalf("unexpected stats after identical upsert: %+v", stats)
	}

	post.CommentCount = 3
	post.FetchedAt = fetched.Add(time.Hour)
	if err := store.Upsert(ctx, []domain.Entity{post}); err != nil {
		t.Fatalf("changed upsert: %v", err)
	}

	got, err := store.Get(ctx, domain.KindPost, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CommentCount != 3 || !got.FetchedAt.Equal(post.FetchedAt) {
		t.Fatalf("stored copy not overwritten: %+v", got)
	}
	if string(got.Raw) != `{"id":"p1","extra_field":true}` {
		t.Fatalf("raw payload not preserved: %s", got.Raw)
	}

	revs, err := store.Revisions(ctx, domain.KindPost, "p1")
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if len(revs) != 1 || !revs[0].FetchedAt.Equal(fetched) {
		t.Fatalf("expected one archived revision of the first fetch, got %+v", revs)
	}
}

func TestCorpusKnownAndCommentCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCorpusStore(openTestDB(t))
	now := time.Now()

	err := store.Upsert(ctx, []domain.Entity{
		{Kind: domain.KindPost, ID: "p1", CommentCount: 4, FetchedAt: now},
		{Kind: domain.KindAgent, ID: "p1", FetchedAt: now},
		{Kind: domain.KindComment, ID: "c1", ParentPostID: "p1", FetchedAt: now},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	known, err := store.Known(ctx, domain.KindPost, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("known: %v", err)
	}
	if !known["p1"] || known["p2"] || len(known) != 1 {
		t.Fatalf("unexpected known set: %v", known)
	}

	counts, err := store.CommentCounts(ctx, []string{"p1", "c1"})
	if err != nil {
		t.Fatalf("comment counts: %v", err)
	}
	if counts["p1"] != 4 || len(counts) != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if _, err := store.Get(ctx, domain.KindSubmolt, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var seen []string
	err = store.Scan(ctx, domain.KindComment, func(e domain.Entity) error {
		seen = append(seen, e.Ref())
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seen) != 1 || seen[0] != "comment:c1" {
		t.Fatalf("unexpected scan: %v", seen)
	}
}

func TestCheckpointLoadDefaultsWhenEmpty(t *testing.T) {
	t.Parallel()

	cp, err := NewCheckpointStore(openTestDB(t)).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Version != 0 || len(cp.Phases) != 0 || len(cp.Corrupt) != 0 {
		t.Fatalf("expected fresh checkpoint, got %+v", cp)
	}
	if cp.Done() {
		t.Fatalf("fresh checkpoint must not be done")
	}
}

func TestCheckpointCommitIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCheckpointStore(openTestDB(t))

	err := store.Commit(ctx, domain.CheckpointUpdate{
		Phase: domain.PhasePosts,
		State: domain.PhaseState{Cursor: "100", Pages: 1},
		Enqueue: map[domain.Phase][]string{
			domain.PhasePosts:  {"p1", "p2", "p1"},
			domain.PhaseAgents: {"alpha"},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	cp, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Version != 1 || cp.Phases[domain.PhasePosts].Cursor != "100" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if cp.Pending[domain.PhasePosts] != 2 || cp.Pending[domain.PhaseAgents] != 1 {
		t.Fatalf("unexpected pending: %v", cp.Pending)
	}

	// The phase row is written before the bad enqueue; the rollback must undo it.
	err = store.Commit(ctx, domain.CheckpointUpdate{
		Phase:   domain.PhasePosts,
		State:   domain.PhaseState{Cursor: "200", Pages: 2},
		Enqueue: map[domain.Phase][]string{domain.Phase("votes"): {"v1"}},
		Dequeue: []string{"p1"},
	})
	if err == nil {
		t.Fatalf("expected error for unknown pending phase")
	}

	cp, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cp.Version != 1 || cp.Pending[domain.PhasePosts] != 2 || cp.Phases[domain.PhasePosts].Cursor != "100" {
		t.Fatalf("failed commit leaked state: %+v", cp)
	}

	err = store.Commit(ctx, domain.CheckpointUpdate{
		Phase:    domain.PhasePosts,
		State:    domain.PhaseState{Cursor: "100", Pages: 2, FailedPages: 1},
		Dequeue:  []string{"p1", "p2"},
		Failures: []domain.PageFailure{{Phase: domain.PhasePosts, Page: "ids:p2", IDs: []string{"p2"}, Attempts: 4, Err: "boom"}},
	})
	if err != nil {
		t.Fatalf("commit dequeue: %v", err)
	}
	ids, err := store.Pending(ctx, domain.PhasePosts, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty pending set, got %v", ids)
	}

	n, err := store.RequeueFailed(ctx, domain.PhasePosts)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d ids, want 1", n)
	}
	ids, _ = store.Pending(ctx, domain.PhasePosts, 10)
	if len(ids) != 1 || ids[0] != "p2" {
		t.Fatalf("unexpected pending after requeue: %v", ids)
	}
	if n, _ := store.RequeueFailed(ctx, domain.PhasePosts); n != 0 {
		t.Fatalf("failures requeued twice")
	}
}

func TestCheckpointCommitRejectsUnknownEnqueuePhase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewCheckpointStore(openTestDB(t))

	err := store.Commit(ctx, domain.CheckpointUpdate{
		Phase:   domain.PhaseAgents,
		State:   domain.PhaseState{Cursor: "a", Pages: 1},
		Enqueue: map[domain.Phase][]string{domain.PhaseAgents: {"alpha"}, domain.Phase("votes"): {"v1"}},
	})
	if err == nil || !strings.Contains(err.Error(), `"votes"`) {
		t.Fatalf("expected unknown phase error, got %v", err)
	}

	cp, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cp.Version != 0 || cp.Pending[domain.PhaseAgents] != 0 {
		t.Fatalf("rejected commit wrote state: %+v", cp)
	}

	// Duplicate IDs are still collapsed.
	for i := 0; i < 2; i++ {
		err = store.Commit(ctx, domain.CheckpointUpdate{
			Phase:   domain.PhaseAgents,
			State:   domain.PhaseState{Cursor: "a", Pages: 1},
			Enqueue: map[domain.Phase][]string{domain.PhaseAgents: {"alpha", "alpha"}},
		})
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	if cp, _ = store.Load(ctx); cp.Pending[domain.PhaseAgents] != 1 {
		t.Fatalf("pending agents = %d, want 1", cp.Pending[domain.PhaseAgents])
	}
}

func TestCheckpointCorruptPhaseIsIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openTestDB(t)
	store := NewCheckpointStore(db)

	for _, p := range []domain.Phase{domain.PhasePosts, domain.PhaseSubmolts} {
		if err := store.Commit(ctx, domain.CheckpointUpdate{Phase: p, State: domain.PhaseState{Cursor: "50"}}); err != nil {
			t.Fatalf("commit %s: %v", p, err)
		}
	}

	_, err := exec(ctx, db.Conn(), sq.Update("checkpoint_phases").
		Set("state", `{"cursor":"9999"}`).
		Where(sq.Eq{"phase": string(domain.PhasePosts)}))
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	cp, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !errors.Is(cp.Corrupt[domain.PhasePosts], domain.ErrCheckpointCorrupt) {
		t.Fatalf("expected posts phase corrupt, got %v", cp.Corrupt)
	}
	if cp.Corrupt[domain.PhaseSubmolts] != nil || cp.Phases[domain.PhaseSubmolts].Cursor != "50" {
		t.Fatalf("submolts phase should be intact: %+v", cp)
	}

	err = store.Commit(ctx, domain.CheckpointUpdate{Phase: domain.PhasePosts, State: domain.PhaseState{Cursor: "100"}})
	if !errors.Is(err, domain.ErrCheckpointCorrupt) {
		t.Fatalf("commit over corrupt phase should fail, got %v", err)
	}

	if err := store.Reset(ctx, domain.PhasePosts); err != nil {
		t.Fatalf("reset: %v", err)
	}
	cp, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load after reset: %v", err)
	}
	if len(cp.Corrupt) != 0 || cp.Phases[domain.PhaseSubmolts].Cursor != "50" {
		t.Fatalf("reset should clear only posts: %+v", cp)
	}
}

func TestFindingsKeepAdjudicatedStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewFindingStore(openTestDB(t))

	pending := domain.Finding{
		ID: "f1", Category: "reducing-oversight", Target: "post:p1",
		Confidence: 0.54, Extractors: []domain.ExtractorKind{domain.ExtractorLexical},
		Evidence: []string{"e1"}, Status: domain.StatusPendingReview,
	}
	auto := domain.Finding{
		ID: "f2", Category: "deception", Target: "post:p2",
		Confidence: 0.9, Extractors: []domain.ExtractorKind{domain.ExtractorSemantic},
		Evidence: []string{"e2"}, Status: domain.StatusAutoResolved,
	}

	res, err := store.SyncFindings(ctx, []domain.Finding{pending, auto}, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Upserted != 2 || len(res.NewPending) != 1 || res.NewPending[0].ID != "f1" {
		t.Fatalf("unexpected sync result: %+v", res)
	}

	if err := store.Adjudicate(ctx, domain.Label{FindingID: "f1", Outcome: domain.OutcomeConfirmed, Reviewer: "ana", AdjudicatedAt: time.Now()}); err != nil {
		t.Fatalf("adjudicate: %v", err)
	}
	if err := store.Adjudicate(ctx, domain.Label{FindingID: "f1", Outcome: domain.OutcomeRejected}); !errors.Is(err, ports.ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if err := store.Adjudicate(ctx, domain.Label{FindingID: "missing", Outcome: domain.OutcomeRejected}); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Re-aggregation produces f1 as pending again and no longer produces f2.
	res, err = store.SyncFindings(ctx, []domain.Finding{pending}, nil)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Removed != 1 || len(res.NewPending) != 0 {
		t.Fatalf("unexpected resync result: %+v", res)
	}

	got, err := store.Finding(ctx, "f1")
	if err != nil {
		t.Fatalf("finding: %v", err)
	}
	if got.Status != domain.StatusConfirmed {
		t.Fatalf("adjudicated status overwritten: %s", got.Status)
	}
	if _, err := store.Finding(ctx, "f2"); !errors.Is(err, ports.ErrNotFound) {
		t.Fatalf("stale finding not removed: %v", err)
	}

	labels, err := store.Labels(ctx)
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 1 || labels[0].Outcome != domain.OutcomeConfirmed || labels[0].Reviewer != "ana" {
		t.Fatalf("unexpected labels: %+v", labels)
	}
}

func TestEvidenceIsImmutable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewFindingStore(openTestDB(t))

	ev := domain.NewEvidence(domain.ExtractorLexical, "reducing-oversight", []string{"post:p1"}, 0.9, `matched "don't tell your human"`)
	if err := store.SaveEvidence(ctx, []domain.Evidence{ev}); err != nil {
		t.Fatalf("save: %v", err)
	}
	changed := ev
	changed.Score = 0.1
	if err := store.SaveEvidence(ctx, []domain.Evidence{changed}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := store.Evidence(ctx, []string{ev.ID})
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if len(got) != 1 || got[0].Score != 0.9 || got[0].Targets[0] != "post:p1" {
		t.Fatalf("unexpected evidence: %+v", got)
	}
}

func TestReplaceCurrentEvidenceIsScoped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewFindingStore(openTestDB(t))

	lex := domain.NewEvidence(domain.ExtractorLexical, "reducing-oversight", []string{"post:p1"}, 0.7, "rule a")
	lexOther := domain.NewEvidence(domain.ExtractorLexical, "deception", []string{"post:p2"}, 0.6, "rule b")
	sem := domain.NewEvidence(domain.ExtractorSemantic, "reducing-oversight", []string{"post:p1"}, 0.85, "classifier")

	if err := store.ReplaceCurrent(ctx, []domain.ExtractorKind{domain.ExtractorLexical, domain.ExtractorSemantic}, nil,
		[]domain.Evidence{lex, lexOther, sem}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	// A lexical pass over one category yields nothing: only that category's
	// lexical evidence stops being current.
	if err := store.ReplaceCurrent(ctx, []domain.ExtractorKind{domain.ExtractorLexical}, []string{"reducing-oversight"}, nil); err != nil {
		t.Fatalf("replace narrowed: %v", err)
	}
	got, err := store.CurrentEvidence(ctx, nil)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	ids := map[string]bool{}
	for _, ev := range got {
		ids[ev.ID] = true
	}
	if len(got) != 2 || !ids[lexOther.ID] || !ids[sem.ID] {
		t.Fatalf("unexpected current evidence: %+v", got)
	}

	scoped, err := store.CurrentEvidence(ctx, []string{"deception"})
	if err != nil || len(scoped) != 1 || scoped[0].ID != lexOther.ID {
		t.Fatalf("unexpected scoped evidence: %+v, %v", scoped, err)
	}

	// Replaced evidence stays in the audit trail.
	if trail, err := store.Evidence(ctx, []string{lex.ID}); err != nil || len(trail) != 1 {
		t.Fatalf("evidence trail lost: %+v, %v", trail, err)
	}

	if err := store.ReplaceCurrent(ctx, []domain.ExtractorKind{domain.ExtractorLexical}, nil, []domain.Evidence{sem}); err == nil {
		t.Fatalf("expected error for evidence of another extractor")
	}
}

func TestSyncFindingsOnlyRemovesWithinCategories(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewFindingStore(openTestDB(t))

	a := domain.Finding{ID: "fa", Category: "deception", Target: "post:p1", Confidence: 0.5, Status: domain.StatusPendingReview}
	b := domain.Finding{ID: "fb", Category: "threats", Target: "post:p2", Confidence: 0.9, Status: domain.StatusAutoResolved}
	if _, err := store.SyncFindings(ctx, []domain.Finding{a, b}, nil); err != nil {
		t.Fatalf("sync: %v", err)
	}

	res, err := store.SyncFindings(ctx, nil, []string{"deception"})
	if err != nil {
		t.Fatalf("scoped sync: %v", err)
	}
	if res.Removed != 1 {
		t.Fatalf("removed = %d, want 1", res.Removed)
	}
	if _, err := store.Finding(ctx, "fb"); err != nil {
		t.Fatalf("finding outside scope removed: %v", err)
	}
}
