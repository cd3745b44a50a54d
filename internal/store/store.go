// Package store records completed decision steps so a run can be inspected
// or replayed after the fact.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/config"
)

// StepRecord is one completed capture, decide, tap cycle.
type StepRecord struct {
	RunID      string
	Step       int
	Mode       string
	Action     string
	Response   string
	Screenshot string
	Duration   time.Duration
	CreatedAt  time.Time
}

// Journal persists step records.
type Journal interface {
	Record(ctx context.Context, rec StepRecord) error
	// Steps returns the records of one run in step order.
	Steps(ctx context.Context, runID string) ([]StepRecord, error)
	Close() error
}

// NopJournal discards every record.
type NopJournal struct{}

func (NopJournal) Record(context.Context, StepRecord) error { return nil }

func (NopJournal) Steps(context.Context, string) ([]StepRecord, error) { return nil, nil }

func (NopJournal) Close() error { return nil }

// Open creates the journal selected by cfg.
func Open(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (Journal, error) {
	switch cfg.Type {
	case "", config.JournalNone:
		return NopJournal{}, nil
	case config.JournalSQLite:
		return OpenSQLite(ctx, cfg.Path, logger)
	case config.JournalPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		j, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown journal type '%s'", cfg.Type)
	}
}
