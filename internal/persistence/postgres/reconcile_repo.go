package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/tradeguard/internal/persistence"
)

// reconcileRepo implements ReconcileRepo for PostgreSQL
type reconcileRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewReconcileRepo creates a new PostgreSQL reconciliation repository
func NewReconcileRepo(db *sqlx.DB, timeout time.Duration) persistence.ReconcileRepo {
	return &reconcileRepo{
		db:      db,
		timeout: timeout,
	}
}

const reconcileColumns = `id, ts, venue_total, internal_total, drift_pct, threshold,
		discrepancy, should_halt, venues_checked, venues_failed, created_at`

// Insert adds a reconciliation run
func (r *reconcileRepo) Insert(ctx context.Context, rec persistence.ReconcileRecord) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO reconcile_runs
		(ts, venue_total, internal_total, drift_pct, threshold, discrepancy, should_halt, venues_checked, venues_failed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		rec.Timestamp, rec.VenueTotal, rec.InternalTotal, rec.DriftPct, rec.Threshold,
		rec.Discrepancy, rec.ShouldHalt, pq.Array(orEmpty(rec.VenuesChecked)), pq.Array(orEmpty(rec.VenuesFailed))).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert reconcile run: %w", err)
	}
	return id, nil
}

// ListRecent retrieves runs within the time range, newest first
func (r *reconcileRepo) ListRecent(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.ReconcileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + reconcileColumns + `
		FROM reconcile_runs
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconcile runs: %w", err)
	}
	defer rows.Close()

	var records []persistence.ReconcileRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}

// LastHalt returns the most recent run that recommended a halt
func (r *reconcileRepo) LastHalt(ctx context.Context) (*persistence.ReconcileRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + reconcileColumns + `
		FROM reconcile_runs
		WHERE should_halt
		ORDER BY ts DESC
		LIMIT 1`

	rec, err := scanRun(r.db.QueryRowxContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last halt: %w", err)
	}
	return rec, nil
}

// orEmpty keeps NOT NULL array columns from receiving NULL
func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*persistence.ReconcileRecord, error) {
	var rec persistence.ReconcileRecord
	var checked, failed pq.StringArray

	err := row.Scan(
		&rec.ID, &rec.Timestamp, &rec.VenueTotal, &rec.InternalTotal, &rec.DriftPct,
		&rec.Threshold, &rec.Discrepancy, &rec.ShouldHalt, &checked, &failed, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.VenuesChecked = []string(checked)
	rec.VenuesFailed = []string(failed)
	return &rec, nil
}
