package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// CorpusStore persists harvested entities, archiving changed posts.
type CorpusStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.CorpusStore = (*CorpusStore)(nil)

// NewCorpusStore wires the corpus tables.
func NewCorpusStore(db *DB) *CorpusStore {
	return &CorpusStore{db: db.conn, now: time.Now}
}

var entityColumns = []string{
	"kind", "id", "parent_post_id", "parent_comment_id", "author_id", "submolt_id",
	"title", "body", "upvotes", "downvotes", "comment_count", "karma",
	"follower_count", "following_count", "created_at", "payload", "fetched_at", "endpoint",
}

// Upsert writes entities in one transaction. A stored post whose title, body or
// comment count differs from the incoming copy is archived first.
func (s *CorpusStore) Upsert(ctx context.Context, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin corpus tx: %w", err)
	}
	defer rollback(tx)

	archivedAt := formatTime(s.now())
	for _, e := range entities {
		if e.Kind == domain.KindPost {
			if err := s.archiveIfChanged(ctx, tx, e, archivedAt); err != nil {
				return err
			}
		}

		payload := string(e.Raw)
		if payload == "" {
			payload = "{}"
		}
		ins := sq.Insert("entities").
			Columns(entityColumns...).
			Values(
				string(e.Kind), e.ID, e.ParentPostID, e.ParentCommentID, e.AuthorID, e.SubmoltID,
				e.Title, e.Body, e.Upvotes, e.Downvotes, e.CommentCount, e.Karma,
				e.FollowerCount, e.FollowingCount, formatTime(e.CreatedAt), payload,
				formatTime(e.FetchedAt), e.Endpoint,
			).
			Suffix(`ON CONFLICT (kind, id) DO UPDATE SET
				parent_post_id = excluded.parent_post_id,
				parent_comment_id = excluded.parent_comment_id,
				author_id = excluded.author_id,
				submolt_id = excluded.submolt_id,
				title = excluded.title,
				body = excluded.body,
				upvotes = excluded.upvotes,
				downvotes = excluded.downvotes,
				comment_count = excluded.comment_count,
				karma = excluded.karma,
				follower_count = excluded.follower_count,
				following_count = excluded.following_count,
				created_at = excluded.created_at,
				payload = excluded.payload,
				fetched_at = excluded.fetched_at,
				endpoint = excluded.endpoint`)
		if _, err := exec(ctx, tx, ins); err != nil {
			return fmt.Errorf("upsert %s: %w", e.Ref(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit corpus tx: %w", err)
	}
	return nil
}

func (s *CorpusStore) archiveIfChanged(ctx context.Context, tx *sql.Tx, e domain.Entity, archivedAt string) error {
	row, err := queryRow(ctx, tx, sq.Select("title", "body", "comment_count", "payload", "fetched_at").
		From("entities").
		Where(sq.Eq{"kind": string(e.Kind), "id": e.ID}))
	if err != nil {
		return err
	}

	var (
		title, body, payload, fetchedAt string
		comments                        int
	)
	switch err := row.Scan(&title, &body, &comments, &payload, &fetchedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("load stored %s: %w", e.Ref(), err)
	}

	if title == e.Title && body == e.Body && comments == e.CommentCount {
		return nil
	}

	ins := sq.Insert("entity_revisions").
		Columns("kind", "id", "payload", "fetched_at", "archived_at").
		Values(string(e.Kind), e.ID, payload, fetchedAt, archivedAt)
	if _, err := exec(ctx, tx, ins); err != nil {
		return fmt.Errorf("archive %s: %w", e.Ref(), err)
	}
	return nil
}

// Known returns the subset of ids already stored for kind.
func (s *CorpusStore) Known(ctx context.Context, kind domain.EntityKind, ids []string) (map[string]bool, error) {
	result := make(map[string]bool)
	for _, chunk := range chunks(ids) {
		rows, err := query(ctx, s.db, sq.Select("id").From("entities").
			Where(sq.Eq{"kind": string(kind), "id": chunk}))
		if err != nil {
			return nil, fmt.Errorf("query known %s: %w", kind, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan id: %w", err)
			}
			result[id] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("rows iteration: %w", err)
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close rows: %w", err)
		}
	}
	return result, nil
}

// CommentCounts returns the stored comment count for each known post id.
func (s *CorpusStore) CommentCounts(ctx context.Context, ids []string) (map[string]int, error) {
	result := make(map[string]int)
	for _, chunk := range chunks(ids) {
		rows, err := query(ctx, s.db, sq.Select("id", "comment_count").From("entities").
			Where(sq.Eq{"kind": string(domain.KindPost), "id": chunk}))
		if err != nil {
			return nil, fmt.Errorf("query comment counts: %w", err)
		}
		for rows.Next() {
			var (
				id string
				n  int
			)
			if err := rows.Scan(&id, &n); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan comment count: %w", err)
			}
			result[id] = n
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("rows iteration: %w", err)
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close rows: %w", err)
		}
	}
	return result, nil
}

// Get loads one entity.
func (s *CorpusStore) Get(ctx context.Context, kind domain.EntityKind, id string) (domain.Entity, error) {
	rows, err := query(ctx, s.db, sq.Select(entityColumns...).From("entities").
		Where(sq.Eq{"kind": string(kind), "id": id}))
	if err != nil {
		return domain.Entity{}, fmt.Errorf("query %s: %w", domain.Ref(kind, id), err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.Entity{}, fmt.Errorf("rows iteration: %w", err)
		}
		return domain.Entity{}, fmt.Errorf("%s: %w", domain.Ref(kind, id), ports.ErrNotFound)
	}
	return scanEntity(rows)
}

// Scan streams every entity of kind ordered by id.
func (s *CorpusStore) Scan(ctx context.Context, kind domain.EntityKind, fn func(domain.Entity) error) error {
	rows, err := query(ctx, s.db, sq.Select(entityColumns...).From("entities").
		Where(sq.Eq{"kind": string(kind)}).
		OrderBy("id"))
	if err != nil {
		return fmt.Errorf("scan %s: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration: %w", err)
	}
	return nil
}

// Revisions lists archived copies of one entity, oldest first.
func (s *CorpusStore) Revisions(ctx context.Context, kind domain.EntityKind, id string) ([]domain.Revision, error) {
	rows, err := query(ctx, s.db, sq.Select("payload", "fetched_at", "archived_at").
		From("entity_revisions").
		Where(sq.Eq{"kind": string(kind), "id": id}).
		OrderBy("seq"))
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var out []domain.Revision
	for rows.Next() {
		var payload, fetchedAt, archivedAt string
		if err := rows.Scan(&payload, &fetchedAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		out = append(out, domain.Revision{
			Kind:       kind,
			ID:         id,
			Raw:        []byte(payload),
			FetchedAt:  parseTime(fetchedAt),
			ArchivedAt: parseTime(archivedAt),
		})
	}
	return out, rows.Err()
}

// Stats counts entities per kind and archived revisions.
func (s *CorpusStore) Stats(ctx context.Context) (domain.CorpusStats, error) {
	stats := domain.CorpusStats{Counts: map[domain.EntityKind]int{}}

	rows, err := query(ctx, s.db, sq.Select("kind", "COUNT(*)").From("entities").GroupBy("kind"))
	if err != nil {
		return stats, fmt.Errorf("count entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			n    int
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return stats, fmt.Errorf("scan count: %w", err)
		}
		stats.Counts[domain.EntityKind(kind)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("rows iteration: %w", err)
	}

	row, err := queryRow(ctx, s.db, sq.Select("COUNT(*)").From("entity_revisions"))
	if err != nil {
		return stats, err
	}
	if err := row.Scan(&stats.Revisions); err != nil {
		return stats, fmt.Errorf("count revisions: %w", err)
	}
	return stats, nil
}

func scanEntity(rows *sql.Rows) (domain.Entity, error) {
	var (
		e                              domain.Entity
		kind, createdAt, payload, seen string
	)
	err := rows.Scan(
		&kind, &e.ID, &e.ParentPostID, &e.ParentCommentID, &e.AuthorID, &e.SubmoltID,
		&e.Title, &e.Body, &e.Upvotes, &e.Downvotes, &e.CommentCount, &e.Karma,
		&e.FollowerCount, &e.FollowingCount, &createdAt, &payload, &seen, &e.Endpoint,
	)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	e.Kind = domain.EntityKind(kind)
	e.CreatedAt = parseTime(createdAt)
	e.FetchedAt = parseTime(seen)
	e.Raw = []byte(payload)
	return e, nil
}
