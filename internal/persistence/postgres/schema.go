package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Schema creates the journal tables. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS ladder_decisions (
		id          TEXT PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		venue       TEXT NOT NULL,
		source      TEXT NOT NULL,
		target      TEXT NOT NULL,
		direction   TEXT NOT NULL,
		mode        TEXT NOT NULL,
		result      TEXT NOT NULL,
		amount_usd  DOUBLE PRECISION NOT NULL,
		net_profit  DOUBLE PRECISION,
		payload     JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ladder_decisions_ts_idx ON ladder_decisions (ts DESC)`,
	`CREATE TABLE IF NOT EXISTS reconcile_runs (
		id              BIGSERIAL PRIMARY KEY,
		ts              TIMESTAMPTZ NOT NULL,
		venue_total     NUMERIC NOT NULL,
		internal_total  NUMERIC NOT NULL,
		drift_pct       DOUBLE PRECISION NOT NULL,
		threshold       DOUBLE PRECISION NOT NULL,
		discrepancy     BOOLEAN NOT NULL,
		should_halt     BOOLEAN NOT NULL,
		venues_checked  TEXT[] NOT NULL DEFAULT '{}',
		venues_failed   TEXT[] NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS reconcile_runs_ts_idx ON reconcile_runs (ts DESC)`,
}

// Migrate applies Schema inside one transaction
func Migrate(ctx context.Context, db *sqlx.DB) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range Schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return tx.Commit()
}
