package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// FindingStore keeps evidence, findings and review labels.
type FindingStore struct {
	db *sql.DB
}

var (
	_ ports.EvidenceIndex = (*FindingStore)(nil)
	_ ports.ReviewStore   = (*FindingStore)(nil)
)

// NewFindingStore wires the evidence, findings and labels tables.
func NewFindingStore(db *DB) *FindingStore {
	return &FindingStore{db: db.conn}
}

var findingColumns = []string{"id", "category", "target", "members", "confidence", "extractors", "evidence", "status"}

// SaveEvidence stores evidence items. Evidence is immutable; known IDs are skipped.
func (s *FindingStore) SaveEvidence(ctx context.Context, evidence []domain.Evidence) error {
	if len(evidence) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evidence tx: %w", err)
	}
	defer rollback(tx)

	if err := insertEvidence(ctx, tx, evidence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evidence tx: %w", err)
	}
	return nil
}

func insertEvidence(ctx context.Context, tx *sql.Tx, evidence []domain.Evidence) error {
	for _, ev := range evidence {
		targets, err := json.Marshal(ev.Targets)
		if err != nil {
			return fmt.Errorf("encode targets: %w", err)
		}
		_, err = exec(ctx, tx, sq.Insert("evidence").Options("OR IGNORE").
			Columns("id", "extractor", "category", "targets", "score", "rationale").
			Values(ev.ID, string(ev.Extractor), ev.Category, string(targets), ev.Score, ev.Rationale))
		if err != nil {
			return fmt.Errorf("insert evidence %s: %w", ev.ID, err)
		}
	}
	return nil
}

// ReplaceCurrent stores evidence and swaps it in as the current output of
// kinds within categories, in one transaction.
func (s *FindingStore) ReplaceCurrent(ctx context.Context, kinds []domain.ExtractorKind, categories []string, evidence []domain.Evidence) error {
	if len(kinds) == 0 {
		return nil
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	owned := make(map[domain.ExtractorKind]bool, len(kinds))
	for _, k := range kinds {
		owned[k] = true
	}
	for _, ev := range evidence {
		if !owned[ev.Extractor] {
			return fmt.Errorf("evidence %s from %s outside replaced extractors", ev.ID, ev.Extractor)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin evidence tx: %w", err)
	}
	defer rollback(tx)

	if err := insertEvidence(ctx, tx, evidence); err != nil {
		return err
	}

	del := sq.Delete("current_evidence").Where(sq.Eq{"extractor": names})
	if len(categories) > 0 {
		del = del.Where(sq.Eq{"category": categories})
	}
	if _, err := exec(ctx, tx, del); err != nil {
		return fmt.Errorf("clear current evidence: %w", err)
	}
	for _, ev := range evidence {
		_, err := exec(ctx, tx, sq.Insert("current_evidence").Options("OR IGNORE").
			Columns("extractor", "category", "evidence_id").
			Values(string(ev.Extractor), ev.Category, ev.ID))
		if err != nil {
			return fmt.Errorf("mark evidence %s current: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit evidence tx: %w", err)
	}
	return nil
}

// CurrentEvidence loads the current evidence of every extractor, ordered by ID.
func (s *FindingStore) CurrentEvidence(ctx context.Context, categories []string) ([]domain.Evidence, error) {
	b := sq.Select("c.evidence_id").From("current_evidence c")
	if len(categories) > 0 {
		b = b.Where(sq.Eq{"c.category": categories})
	}
	rows, err := query(ctx, s.db, b.OrderBy("c.evidence_id"))
	if err != nil {
		return nil, fmt.Errorf("query current evidence: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan evidence id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Evidence(ctx, ids)
}

// Evidence loads evidence items by ID, ordered by ID.
func (s *FindingStore) Evidence(ctx context.Context, ids []string) ([]domain.Evidence, error) {
	var out []domain.Evidence
	for _, chunk := range chunks(ids) {
		rows, err := query(ctx, s.db, sq.Select("id", "extractor", "category", "targets", "score", "rationale").
			From("evidence").Where(sq.Eq{"id": chunk}).OrderBy("id"))
		if err != nil {
			return nil, fmt.Errorf("query evidence: %w", err)
		}
		for rows.Next() {
			var (
				ev                 domain.Evidence
				extractor, targets string
			)
			if err := rows.Scan(&ev.ID, &extractor, &ev.Category, &targets, &ev.Score, &ev.Rationale); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan evidence: %w", err)
			}
			ev.Extractor = domain.ExtractorKind(extractor)
			if err := json.Unmarshal([]byte(targets), &ev.Targets); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("decode targets: %w", err)
			}
			out = append(out, ev)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("rows iteration: %w", err)
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close rows: %w", err)
		}
	}
	return out, nil
}

// UpsertFindings inserts or refreshes findings. Adjudicated statuses survive.
func (s *FindingStore) UpsertFindings(ctx context.Context, findings []domain.Finding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin findings tx: %w", err)
	}
	defer rollback(tx)

	if _, err := upsertFindings(ctx, tx, findings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit findings tx: %w", err)
	}
	return nil
}

// SyncFindings makes the stored set match findings: upserts each one and
// removes unadjudicated findings within categories that the latest
// aggregation no longer produces. Adjudicated findings are never removed.
func (s *FindingStore) SyncFindings(ctx context.Context, findings []domain.Finding, categories []string) (ports.SyncResult, error) {
	var res ports.SyncResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin findings tx: %w", err)
	}
	defer rollback(tx)

	inserted, err := upsertFindings(ctx, tx, findings)
	if err != nil {
		return res, err
	}
	res.Upserted = len(findings)
	for _, f := range findings {
		if inserted[f.ID] && f.Status == domain.StatusPendingReview {
			res.NewPending = append(res.NewPending, f)
		}
	}

	keep := make(map[string]bool, len(findings))
	for _, f := range findings {
		keep[f.ID] = true
	}
	candidates := sq.Select("id").From("findings").
		Where(sq.Eq{"status": []string{string(domain.StatusAutoResolved), string(domain.StatusPendingReview)}})
	if len(categories) > 0 {
		candidates = candidates.Where(sq.Eq{"category": categories})
	}
	rows, err := query(ctx, tx, candidates)
	if err != nil {
		return res, fmt.Errorf("query stale findings: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return res, fmt.Errorf("scan finding id: %w", err)
		}
		if !keep[id] {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return res, fmt.Errorf("rows iteration: %w", err)
	}
	if err := rows.Close(); err != nil {
		return res, fmt.Errorf("close rows: %w", err)
	}

	for _, chunk := range chunks(stale) {
		if _, err := exec(ctx, tx, sq.Delete("findings").Where(sq.Eq{"id": chunk})); err != nil {
			return res, fmt.Errorf("remove stale findings: %w", err)
		}
	}
	res.Removed = len(stale)

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit findings tx: %w", err)
	}
	return res, nil
}

func upsertFindings(ctx context.Context, tx *sql.Tx, findings []domain.Finding) (map[string]bool, error) {
	inserted := make(map[string]bool)
	for _, f := range findings {
		row, err := queryRow(ctx, tx, sq.Select("1").From("findings").Where(sq.Eq{"id": f.ID}))
		if err != nil {
			return nil, err
		}
		var one int
		switch err := row.Scan(&one); {
		case errors.Is(err, sql.ErrNoRows):
			inserted[f.ID] = true
		case err != nil:
			return nil, fmt.Errorf("probe finding %s: %w", f.ID, err)
		}

		members, extractors, evidence, err := encodeFinding(f)
		if err != nil {
			return nil, err
		}
		_, err = exec(ctx, tx, sq.Insert("findings").
			Columns(findingColumns...).
			Values(f.ID, f.Category, f.Target, members, f.Confidence, extractors, evidence, string(f.Status)).
			Suffix(`ON CONFLICT (id) DO UPDATE SET
				members = excluded.members,
				confidence = excluded.confidence,
				extractors = excluded.extractors,
				evidence = excluded.evidence,
				status = CASE WHEN findings.status IN ('confirmed', 'rejected') THEN findings.status ELSE excluded.status END`))
		if err != nil {
			return nil, fmt.Errorf("upsert finding %s: %w", f.ID, err)
		}
	}
	return inserted, nil
}

// Finding loads one finding.
func (s *FindingStore) Finding(ctx context.Context, id string) (domain.Finding, error) {
	list, err := s.listFindings(ctx, s.db, sq.Select(findingColumns...).From("findings").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Finding{}, err
	}
	if len(list) == 0 {
		return domain.Finding{}, fmt.Errorf("finding %s: %w", id, ports.ErrNotFound)
	}
	return list[0], nil
}

// ListFindings returns findings matching filter, highest confidence first.
func (s *FindingStore) ListFindings(ctx context.Context, filter domain.FindingFilter) ([]domain.Finding, error) {
	b := sq.Select(findingColumns...).From("findings").OrderBy("confidence DESC", "id")
	if filter.Status != "" {
		b = b.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Category != "" {
		b = b.Where(sq.Eq{"category": filter.Category})
	}
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	return s.listFindings(ctx, s.db, b)
}

func (s *FindingStore) listFindings(ctx context.Context, q querier, b sq.SelectBuilder) ([]domain.Finding, error) {
	rows, err := query(ctx, q, b)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []domain.Finding
	for rows.Next() {
		var (
			f                                     domain.Finding
			members, extractors, evidence, status string
		)
		if err := rows.Scan(&f.ID, &f.Category, &f.Target, &members, &f.Confidence, &extractors, &evidence, &status); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &f.Members); err != nil {
			return nil, fmt.Errorf("decode members: %w", err)
		}
		if err := json.Unmarshal([]byte(extractors), &f.Extractors); err != nil {
			return nil, fmt.Errorf("decode extractors: %w", err)
		}
		if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence refs: %w", err)
		}
		f.Status = domain.FindingStatus(status)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Adjudicate moves a pending finding to the label's outcome and retains the
// label. Findings not awaiting review yield ports.ErrNotPending.
func (s *FindingStore) Adjudicate(ctx context.Context, label domain.Label) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin adjudicate tx: %w", err)
	}
	defer rollback(tx)

	list, err := s.listFindings(ctx, tx, sq.Select(findingColumns...).From("findings").Where(sq.Eq{"id": label.FindingID}))
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("finding %s: %w", label.FindingID, ports.ErrNotFound)
	}
	f := list[0]
	if f.Status != domain.StatusPendingReview {
		return fmt.Errorf("finding %s is %s: %w", f.ID, f.Status, ports.ErrNotPending)
	}

	_, err = exec(ctx, tx, sq.Update("findings").
		Set("status", string(label.Outcome.Status())).
		Where(sq.Eq{"id": f.ID, "status": string(domain.StatusPendingReview)}))
	if err != nil {
		return fmt.Errorf("update finding status: %w", err)
	}

	extractors, err := json.Marshal(f.Extractors)
	if err != nil {
		return fmt.Errorf("encode extractors: %w", err)
	}
	_, err = exec(ctx, tx, sq.Insert("labels").
		Columns("finding_id", "category", "target", "confidence", "extractors", "outcome", "reviewer", "note", "adjudicated_at").
		Values(f.ID, f.Category, f.Target, f.Confidence, string(extractors), string(label.Outcome),
			label.Reviewer, label.Note, formatTime(label.AdjudicatedAt)).
		Suffix(`ON CONFLICT (finding_id) DO UPDATE SET
			outcome = excluded.outcome,
			reviewer = excluded.reviewer,
			note = excluded.note,
			adjudicated_at = excluded.adjudicated_at`))
	if err != nil {
		return fmt.Errorf("insert label: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit adjudicate tx: %w", err)
	}
	return nil
}

// Labels returns every retained adjudication, oldest first.
func (s *FindingStore) Labels(ctx context.Context) ([]domain.Label, error) {
	rows, err := query(ctx, s.db, sq.Select("finding_id", "category", "target", "confidence", "extractors",
		"outcome", "reviewer", "note", "adjudicated_at").
		From("labels").OrderBy("adjudicated_at", "finding_id"))
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer rows.Close()

	var out []domain.Label
	for rows.Next() {
		var (
			l                         domain.Label
			extractors, outcome, when string
		)
		if err := rows.Scan(&l.FindingID, &l.Category, &l.Target, &l.Confidence, &extractors,
			&outcome, &l.Reviewer, &l.Note, &when); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		if err := json.Unmarshal([]byte(extractors), &l.Extractors); err != nil {
			return nil, fmt.Errorf("decode extractors: %w", err)
		}
		l.Outcome = domain.Outcome(outcome)
		l.AdjudicatedAt = parseTime(when)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Counts reports findings per status.
func (s *FindingStore) Counts(ctx context.Context) (map[domain.FindingStatus]int, error) {
	rows, err := query(ctx, s.db, sq.Select("status", "COUNT(*)").From("findings").GroupBy("status"))
	if err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	defer rows.Close()

	out := map[domain.FindingStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.FindingStatus(status)] = n
	}
	return out, rows.Err()
}

func encodeFinding(f domain.Finding) (string, string, string, error) {
	members, err := json.Marshal(nonNil(f.Members))
	if err != nil {
		return "", "", "", fmt.Errorf("encode members: %w", err)
	}
	extractors, err := json.Marshal(f.Extractors)
	if err != nil {
		return "", "", "", fmt.Errorf("encode extractors: %w", err)
	}
	evidence, err := json.Marshal(nonNil(f.Evidence))
	if err != nil {
		return "", "", "", fmt.Errorf("encode evidence refs: %w", err)
	}
	return string(members), string(extractors), string(evidence), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
