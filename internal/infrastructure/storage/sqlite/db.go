// Package sqlite keeps the corpus, acquisition checkpoint, evidence, findings
// and review labels in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// chunkSize bounds the number of bound variables per IN clause.
const chunkSize = 500

// DB wraps the shared connection pool.
type DB struct {
	conn *sql.DB
	Path string
}

// Open opens (creating if needed) the database at path and applies the schema.
// Pragmas travel in the DSN so every pooled connection gets them.
func Open(ctx context.Context, path string) (*DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(30000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")

	conn, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	db := &DB{conn: conn, Path: path}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying sql.DB for custom queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		kind              TEXT NOT NULL,
		id                TEXT NOT NULL,
		parent_post_id    TEXT NOT NULL DEFAULT '',
		parent_comment_id TEXT NOT NULL DEFAULT '',
		author_id         TEXT NOT NULL DEFAULT '',
		submolt_id        TEXT NOT NULL DEFAULT '',
		title             TEXT NOT NULL DEFAULT '',
		body              TEXT NOT NULL DEFAULT '',
		upvotes           INTEGER NOT NULL DEFAULT 0,
		downvotes         INTEGER NOT NULL DEFAULT 0,
		comment_count     INTEGER NOT NULL DEFAULT 0,
		karma             INTEGER NOT NULL DEFAULT 0,
		follower_count    INTEGER NOT NULL DEFAULT 0,
		following_count   INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL DEFAULT '',
		payload           TEXT NOT NULL DEFAULT '{}',
		fetched_at        TEXT NOT NULL,
		endpoint          TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (kind, id)
	);

	CREATE TABLE IF NOT EXISTS entity_revisions (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		id          TEXT NOT NULL,
		payload     TEXT NOT NULL,
		fetched_at  TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint_meta (
		id      INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint_phases (
		phase    TEXT PRIMARY KEY,
		format   INTEGER NOT NULL,
		state    TEXT NOT NULL,
		checksum TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_ids (
		seq   INTEGER PRIMARY KEY AUTOINCREMENT,
		phase TEXT NOT NULL CHECK (phase IN ('posts', 'submolts', 'agents')),
		id    TEXT NOT NULL,
		CONSTRAINT uq_pending UNIQUE (phase, id)
	);

	CREATE TABLE IF NOT EXISTS page_failures (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		phase     TEXT NOT NULL,
		page      TEXT NOT NULL,
		ids       TEXT NOT NULL DEFAULT '[]',
		attempts  INTEGER NOT NULL,
		error     TEXT NOT NULL,
		failed_at TEXT NOT NULL,
		requeued  INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS evidence (
		id        TEXT PRIMARY KEY,
		extractor TEXT NOT NULL,
		category  TEXT NOT NULL,
		targets   TEXT NOT NULL,
		score     REAL NOT NULL,
		rationale TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS current_evidence (
		extractor   TEXT NOT NULL,
		category    TEXT NOT NULL,
		evidence_id TEXT NOT NULL REFERENCES evidence (id),
		PRIMARY KEY (extractor, evidence_id)
	);

	CREATE TABLE IF NOT EXISTS findings (
		id         TEXT PRIMARY KEY,
		category   TEXT NOT NULL,
		target     TEXT NOT NULL,
		members    TEXT NOT NULL,
		confidence REAL NOT NULL,
		extractors TEXT NOT NULL,
		evidence   TEXT NOT NULL,
		status     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS labels (
		finding_id     TEXT PRIMARY KEY,
		category       TEXT NOT NULL,
		target         TEXT NOT NULL,
		confidence     REAL NOT NULL,
		extractors     TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		reviewer       TEXT NOT NULL,
		note           TEXT NOT NULL DEFAULT '',
		adjudicated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_author ON entities (author_id);
	CREATE INDEX IF NOT EXISTS idx_entities_parent_post ON entities (parent_post_id) WHERE kind = 'comment';
	CREATE INDEX IF NOT EXISTS idx_revisions_entity ON entity_revisions (kind, id);
	CREATE INDEX IF NOT EXISTS idx_failures_phase ON page_failures (phase, requeued);
	CREATE INDEX IF NOT EXISTS idx_current_evidence_category ON current_evidence (category);
	CREATE INDEX IF NOT EXISTS idx_findings_status ON findings (status);
	CREATE INDEX IF NOT EXISTS idx_findings_category ON findings (category);
	`
	if _, err := d.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exec(ctx context.Context, e execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return e.ExecContext(ctx, query, args...)
}

func query(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Rows, error) {
	text, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return q.QueryContext(ctx, text, args...)
}

func queryRow(ctx context.Context, q querier, b sq.Sqlizer) (*sql.Row, error) {
	text, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return q.QueryRowContext(ctx, text, args...), nil
}

func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > chunkSize {
		out = append(out, ids[:chunkSize])
		ids = ids[chunkSize:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
