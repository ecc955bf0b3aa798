package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// phaseFormat is the on-disk version of a phase row.
const phaseFormat = 1

type phaseRecord struct {
	Cursor      string    `json:"cursor"`
	Exhausted   bool      `json:"exhausted"`
	Pages       int       `json:"pages"`
	FailedPages int       `json:"failed_pages"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CheckpointStore keeps per-phase cursors, the pending-ID sets and page failure
// records. Every Commit is a single transaction.
type CheckpointStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.CheckpointStore = (*CheckpointStore)(nil)

// NewCheckpointStore wires the checkpoint tables.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db.conn, now: time.Now}
}

// Load reads the checkpoint. Missing rows yield the fresh state; a row whose
// checksum or format does not verify is reported in Corrupt for its phase only.
func (s *CheckpointStore) Load(ctx context.Context) (domain.Checkpoint, error) {
	cp := domain.NewCheckpoint()

	row, err := queryRow(ctx, s.db, sq.Select("version").From("checkpoint_meta").Where(sq.Eq{"id": 1}))
	if err != nil {
		return cp, err
	}
	switch err := row.Scan(&cp.Version); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return cp, fmt.Errorf("load checkpoint version: %w", err)
	}

	rows, err := query(ctx, s.db, sq.Select("phase", "format", "state", "checksum").From("checkpoint_phases"))
	if err != nil {
		return cp, fmt.Errorf("load checkpoint phases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			phase, state, sum string
			format            int
		)
		if err := rows.Scan(&phase, &format, &state, &sum); err != nil {
			return cp, fmt.Errorf("scan checkpoint phase: %w", err)
		}
		p := domain.Phase(phase)
		ps, err := decodePhase(p, format, state, sum)
		if err != nil {
			cp.Corrupt[p] = err
			continue
		}
		cp.Phases[p] = ps
	}
	if err := rows.Err(); err != nil {
		return cp, fmt.Errorf("rows iteration: %w", err)
	}

	pending, err := query(ctx, s.db, sq.Select("phase", "COUNT(*)").From("pending_ids").GroupBy("phase"))
	if err != nil {
		return cp, fmt.Errorf("count pending: %w", err)
	}
	defer pending.Close()
	for pending.Next() {
		var (
			phase string
			n     int
		)
		if err := pending.Scan(&phase, &n); err != nil {
			return cp, fmt.Errorf("scan pending count: %w", err)
		}
		cp.Pending[domain.Phase(phase)] = n
	}
	if err := pending.Err(); err != nil {
		return cp, fmt.Errorf("rows iteration: %w", err)
	}
	return cp, nil
}

// Commit applies update atomically and bumps the global version. Committing
// over a corrupt phase row is refused.
func (s *CheckpointStore) Commit(ctx context.Context, update domain.CheckpointUpdate) error {
	if !update.Phase.Valid() {
		return fmt.Errorf("commit checkpoint: unknown phase %q", update.Phase)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer rollback(tx)

	if err := verifyPhase(ctx, tx, update.Phase); err != nil {
		return err
	}

	state := update.State
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	encoded, sum, err := encodePhase(update.Phase, state)
	if err != nil {
		return err
	}
	_, err = exec(ctx, tx, sq.Insert("checkpoint_phases").
		Columns("phase", "format", "state", "checksum").
		Values(string(update.Phase), phaseFormat, encoded, sum).
		Suffix("ON CONFLICT (phase) DO UPDATE SET format = excluded.format, state = excluded.state, checksum = excluded.checksum"))
	if err != nil {
		return fmt.Errorf("write phase %s: %w", update.Phase, err)
	}

	for phase, ids := range update.Enqueue {
		if !phase.Valid() {
			return fmt.Errorf("enqueue: unknown phase %q", phase)
		}
		for _, id := range ids {
			_, err := exec(ctx, tx, sq.Insert("pending_ids").
				Columns("phase", "id").
				Values(string(phase), id).
				Suffix("ON CONFLICT (phase, id) DO NOTHING"))
			if err != nil {
				return fmt.Errorf("enqueue %s/%s: %w", phase, id, err)
			}
		}
	}

	for _, chunk := range chunks(update.Dequeue) {
		_, err := exec(ctx, tx, sq.Delete("pending_ids").
			Where(sq.Eq{"phase": string(update.Phase), "id": chunk}))
		if err != nil {
			return fmt.Errorf("dequeue %s: %w", update.Phase, err)
		}
	}

	for _, f := range update.Failures {
		ids, err := json.Marshal(f.IDs)
		if err != nil {
			return fmt.Errorf("encode failure ids: %w", err)
		}
		failedAt := f.FailedAt
		if failedAt.IsZero() {
			failedAt = s.now()
		}
		_, err = exec(ctx, tx, sq.Insert("page_failures").
			Columns("phase", "page", "ids", "attempts", "error", "failed_at").
			Values(string(f.Phase), f.Page, string(ids), f.Attempts, f.Err, formatTime(failedAt)))
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
	}

	if err := bumpVersion(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint tx: %w", err)
	}
	return nil
}

// Reset discards progress for the given phases, or for all when none given.
func (s *CheckpointStore) Reset(ctx context.Context, phases ...domain.Phase) error {
	if len(phases) == 0 {
		phases = domain.Phases
	}
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset tx: %w", err)
	}
	defer rollback(tx)

	for _, table := range []string{"checkpoint_phases", "pending_ids", "page_failures"} {
		if _, err := exec(ctx, tx, sq.Delete(table).Where(sq.Eq{"phase": names})); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset tx: %w", err)
	}
	return nil
}

// Pending returns up to limit pending IDs of phase in discovery order.
func (s *CheckpointStore) Pending(ctx context.Context, phase domain.Phase, limit int) ([]string, error) {
	b := sq.Select("id").From("pending_ids").Where(sq.Eq{"phase": string(phase)}).OrderBy("seq")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	rows, err := query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("query pending %s: %w", phase, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueFailed moves the IDs of recorded detail failures back into the
// pending set. Listing-page failures carry no IDs and are only marked; a
// refresh run re-lists them.
func (s *CheckpointStore) RequeueFailed(ctx context.Context, phase domain.Phase) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer rollback(tx)

	rows, err := query(ctx, tx, sq.Select("ids").From("page_failures").
		Where(sq.Eq{"phase": string(phase), "requeued": 0}))
	if err != nil {
		return 0, fmt.Errorf("query failures: %w", err)
	}
	var batches [][]string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan failure: %w", err)
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("decode failure ids: %w", err)
		}
		batches = append(batches, ids)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("rows iteration: %w", err)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("close rows: %w", err)
	}

	requeued := 0
	for _, ids := range batches {
		for _, id := range ids {
			res, err := exec(ctx, tx, sq.Insert("pending_ids").
				Columns("phase", "id").Values(string(phase), id).Suffix("ON CONFLICT (phase, id) DO NOTHING"))
			if err != nil {
				return 0, fmt.Errorf("requeue %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				requeued++
			}
		}
	}

	_, err = exec(ctx, tx, sq.Update("page_failures").Set("requeued", 1).
		Where(sq.Eq{"phase": string(phase), "requeued": 0}))
	if err != nil {
		return 0, fmt.Errorf("mark failures requeued: %w", err)
	}
	if err := bumpVersion(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return requeued, nil
}

// Failures lists recorded page failures of phase that were not requeued.
func (s *CheckpointStore) Failures(ctx context.Context, phase domain.Phase) ([]domain.PageFailure, error) {
	rows, err := query(ctx, s.db, sq.Select("page", "ids", "attempts", "error", "failed_at").
		From("page_failures").
		Where(sq.Eq{"phase": string(phase), "requeued": 0}).
		OrderBy("seq"))
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var out []domain.PageFailure
	for rows.Next() {
		var (
			f             domain.PageFailure
			ids, failedAt string
		)
		if err := rows.Scan(&f.Page, &ids, &f.Attempts, &f.Err, &failedAt); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &f.IDs); err != nil {
			return nil, fmt.Errorf("decode failure ids: %w", err)
		}
		f.Phase = phase
		f.FailedAt = parseTime(failedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

func verifyPhase(ctx context.Context, tx *sql.Tx, phase domain.Phase) error {
	row, err := queryRow(ctx, tx, sq.Select("format", "state", "checksum").
		From("checkpoint_phases").Where(sq.Eq{"phase": string(phase)}))
	if err != nil {
		return err
	}
	var (
		format     int
		state, sum string
	)
	switch err := row.Scan(&format, &state, &sum); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("load phase %s: %w", phase, err)
	}
	_, err = decodePhase(phase, format, state, sum)
	return err
}

func bumpVersion(ctx context.Context, tx *sql.Tx) error {
	_, err := exec(ctx, tx, sq.Insert("checkpoint_meta").
		Columns("id", "version").
		Values(1, 1).
		Suffix("ON CONFLICT (id) DO UPDATE SET version = checkpoint_meta.version + 1"))
	if err != nil {
		return fmt.Errorf("bump checkpoint version: %w", err)
	}
	return nil
}

func encodePhase(phase domain.Phase, ps domain.PhaseState) (string, string, error) {
	raw, err := json.Marshal(phaseRecord{
		Cursor:      ps.Cursor,
		Exhausted:   ps.Exhausted,
		Pages:       ps.Pages,
		FailedPages: ps.FailedPages,
		UpdatedAt:   ps.UpdatedAt.UTC(),
	})
	if err != nil {
		return "", "", fmt.Errorf("encode phase %s: %w", phase, err)
	}
	return string(raw), checksum(phase, phaseFormat, string(raw)), nil
}

func decodePhase(phase domain.Phase, format int, state, sum string) (domain.PhaseState, error) {
	if format != phaseFormat {
		return domain.PhaseState{}, fmt.Errorf("%w: phase %s has format %d", domain.ErrCheckpointCorrupt, phase, format)
	}
	if checksum(phase, format, state) != sum {
		return domain.PhaseState{}, fmt.Errorf("%w: phase %s checksum mismatch", domain.ErrCheckpointCorrupt, phase)
	}
	var rec phaseRecord
	if err := json.Unmarshal([]byte(state), &rec); err != nil {
		return domain.PhaseState{}, fmt.Errorf("%w: phase %s: %v", domain.ErrCheckpointCorrupt, phase, err)
	}
	return domain.PhaseState{
		Cursor:      rec.Cursor,
		Exhausted:   rec.Exhausted,
		Pages:       rec.Pages,
		FailedPages: rec.FailedPages,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

func checksum(phase domain.Phase, format int, state string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", phase, format, state)))
	return hex.EncodeToString(h[:])
}
