package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresRepo stores entries in the sync_outcomes table, created on
// first use.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo connects to dsn and ensures the schema exists.
func NewPostgresRepo(ctx context.Context, dsn string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	r := &PostgresRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sync_outcomes (
    id BIGSERIAL PRIMARY KEY,
    run_id UUID NOT NULL,
    category TEXT NOT NULL,
    year INTEGER NOT NULL,
    status TEXT NOT NULL,
    path TEXT NOT NULL,
    result TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL,
    bytes BIGINT NOT NULL,
    duration_ms BIGINT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_outcomes_run_id_idx ON sync_outcomes (run_id);
`)
	return err
}

func (r *PostgresRepo) Record(ctx context.Context, e Entry) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO sync_outcomes (run_id, category, year, status, path, result, kind, attempts, bytes, duration_ms, error, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.RunID, e.Category, e.Year, e.Status, e.Path, e.Result, e.Kind,
		e.Attempts, e.Bytes, e.Duration.Milliseconds(), e.Error, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("ledger: record %s: %w", e.Path, err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, runID uuid.UUID) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, category, year, status, path, result, kind, attempts, bytes, duration_ms, error, recorded_at
FROM sync_outcomes WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.RunID, &e.Category, &e.Year, &e.Status, &e.Path, &e.Result, &e.Kind,
			&e.Attempts, &e.Bytes, &ms, &e.Error, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}
