package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// DBPool abstracts *pgxpool.Pool so the journal can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	pgCreateSteps = `
        CREATE TABLE IF NOT EXISTS pilot_steps (
            run_id      TEXT NOT NULL,
            step        INTEGER NOT NULL,
            mode        TEXT NOT NULL,
            action      TEXT NOT NULL,
            response    TEXT NOT NULL,
            screenshot  TEXT NOT NULL,
            duration_ms BIGINT NOT NULL,
            created_at  TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (run_id, step)
        )`

	pgInsertStep = `
        INSERT INTO pilot_steps (run_id, step, mode, action, response, screenshot, duration_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	pgSelectSteps = `
        SELECT run_id, step, mode, action, response, screenshot, duration_ms, created_at
        FROM pilot_steps WHERE run_id = $1 ORDER BY step`
)

// PostgresJournal stores step records in PostgreSQL.
type PostgresJournal struct {
	pool DBPool
	log  *zap.Logger
}

// NewPostgres verifies the connection and creates the table if needed.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresJournal, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, pgCreateSteps); err != nil {
		return nil, fmt.Errorf("failed to create pilot_steps table: %w", err)
	}
	return &PostgresJournal{
		pool: pool,
		log:  logger.Named("store.postgres"),
	}, nil
}

// Record inserts one step.
func (j *PostgresJournal) Record(ctx context.Context, rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := j.pool.Exec(ctx, pgInsertStep,
		rec.RunID, rec.Step, rec.Mode, rec.Action, rec.Response, rec.Screenshot,
		rec.Duration.Milliseconds(), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", rec.Step, err)
	}
	j.log.Debug("Recorded step", zap.String("run_id", rec.RunID), zap.Int("step", rec.Step))
	return nil
}

// Steps returns the records of one run in step order.
func (j *PostgresJournal) Steps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := j.pool.Query(ctx, pgSelectSteps, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var durationMS int64
		if err := rows.Scan(&rec.RunID, &rec.Step, &rec.Mode, &rec.Action, &rec.Response, &rec.Screenshot, &durationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate steps: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}
