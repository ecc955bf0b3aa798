package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"MoltbookWatch/internal/domain"
	"MoltbookWatch/internal/ports"
)

// pgxConn is the subset of a pgx pool the exporter uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PostgresExporter mirrors findings into a shared Postgres table for
// downstream dashboards.
type PostgresExporter struct {
	db    pgxConn
	close func()
}

var _ ports.FindingExporter = (*PostgresExporter)(nil)

// NewPostgresExporter wires an existing connection or pool.
func NewPostgresExporter(db pgxConn) *PostgresExporter {
	return &PostgresExporter{db: db}
}

// OpenPostgres connects a pool to dsn and makes sure the findings table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresExporter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	e := &PostgresExporter{db: pool, close: pool.Close}
	if err := e.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the pool opened by OpenPostgres.
func (e *PostgresExporter) Close() {
	if e.close != nil {
		e.close()
	}
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS moltbook_findings (
	id          TEXT PRIMARY KEY,
	category    TEXT NOT NULL,
	target      TEXT NOT NULL,
	members     JSONB NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	extractors  JSONB NOT NULL,
	evidence    JSONB NOT NULL,
	status      TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const upsertSQL = `INSERT INTO moltbook_findings (id, category, target, members, confidence, extractors, evidence, status)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
              ON CONFLICT (id) DO UPDATE
              SET members = EXCLUDED.members,
                  confidence = EXCLUDED.confidence,
                  extractors = EXCLUDED.extractors,
                  evidence = EXCLUDED.evidence,
                  status = EXCLUDED.status,
                  updated_at = NOW()`

// EnsureSchema creates the findings table if needed.
func (e *PostgresExporter) EnsureSchema(ctx context.Context) error {
	if _, err := e.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create findings table: %w", err)
	}
	return nil
}

// Export upserts findings in one batch.
func (e *PostgresExporter) Export(ctx context.Context, findings []domain.Finding) error {
	if e.db == nil || len(findings) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range findings {
		members, err := json.Marshal(nonNil(f.Members))
		if err != nil {
			return fmt.Errorf("encode members: %w", err)
		}
		extractors, err := json.Marshal(f.Extractors)
		if err != nil {
			return fmt.Errorf("encode extractors: %w", err)
		}
		evidence, err := json.Marshal(nonNil(f.Evidence))
		if err != nil {
			return fmt.Errorf("encode evidence refs: %w", err)
		}
		batch.Queue(upsertSQL, f.ID, f.Category, f.Target, string(members), f.Confidence,
			string(extractors), string(evidence), string(f.Status))
	}

	results := e.db.SendBatch(ctx, batch)
	for _, f := range findings {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("upsert finding %s: %w", f.ID, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

// Exported returns the subset of ids already present in Postgres.
func (e *PostgresExporter) Exported(ctx context.Context, ids []string) (map[string]bool, error) {
	if e.db == nil || len(ids) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := e.db.Query(ctx, `SELECT id FROM moltbook_findings WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query exported: %w", err)
	}
	defer rows.Close()

	result := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
