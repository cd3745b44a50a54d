package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteJournal stores step records in a local SQLite file (pure Go, no cgo).
type SQLiteJournal struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (or creates) the journal database at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	j := &SQLiteJournal{db: db, log: logger.Named("store.sqlite")}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pilot_steps (
			run_id      TEXT NOT NULL,
			step        INTEGER NOT NULL,
			mode        TEXT NOT NULL,
			action      TEXT NOT NULL,
			response    TEXT NOT NULL,
			screenshot  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at  TEXT NOT NULL,
			PRIMARY KEY (run_id, step)
		)
	`)
	return err
}

// Record inserts one step.
func (j *SQLiteJournal) Record(ctx context.Context, rec StepRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO pilot_steps (run_id, step, mode, action, response, screenshot, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Step, rec.Mode, rec.Action, rec.Response, rec.Screenshot,
		rec.Duration.Milliseconds(), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d: %w", rec.Step, err)
	}
	j.log.Debug("Recorded step", zap.String("run_id", rec.RunID), zap.Int("step", rec.Step))
	return nil
}

// Steps returns the records of one run in step order.
func (j *SQLiteJournal) Steps(ctx context.Context, runID string) ([]StepRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, step, mode, action, response, screenshot, duration_ms, created_at
		FROM pilot_steps WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		var durationMS int64
		var created string
		if err := rows.Scan(&rec.RunID, &rec.Step, &rec.Mode, &rec.Action, &rec.Response, &rec.Screenshot, &durationMS, &created); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("invalid created_at %q: %w", created, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
