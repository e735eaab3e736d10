package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/tradeguard/internal/persistence"
)

// decisionsRepo implements DecisionRepo for PostgreSQL
type decisionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDecisionsRepo creates a new PostgreSQL ladder decision repository
func NewDecisionsRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionRepo {
	return &decisionsRepo{
		db:      db,
		timeout: timeout,
	}
}

// Insert adds a decision record; the decision ID makes retries idempotent
func (r *decisionsRepo) Insert(ctx context.Context, rec persistence.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.ID == "" {
		return fmt.Errorf("decision ID is required")
	}

	query := `
		INSERT INTO ladder_decisions
		(id, ts, venue, source, target, direction, mode, result, amount_usd, net_profit, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.Timestamp, rec.Venue, rec.Source, rec.Target,
		rec.Direction, rec.Mode, rec.Result, rec.AmountUSD, rec.NetProfit, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// ListRecent retrieves decisions within the time range, newest first
func (r *decisionsRepo) ListRecent(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, ts, venue, source, target, direction, mode, result, amount_usd, net_profit, payload, created_at
		FROM ladder_decisions
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts DESC
		LIMIT $3`

	var records []persistence.DecisionRecord
	if err := r.db.SelectContext(ctx, &records, query, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	return records, nil
}

// CountByResult returns decision counts grouped by result
func (r *decisionsRepo) CountByResult(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT result, COUNT(*)
		FROM ladder_decisions
		WHERE ts >= $1 AND ts <= $2
		GROUP BY result
		ORDER BY result`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions by result: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var result string
		var count int64
		if err := rows.Scan(&result, &count); err != nil {
			return nil, fmt.Errorf("failed to scan result count: %w", err)
		}
		counts[result] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}
