package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TimeRange represents a time window for journal queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the range, bounds included
func (tr TimeRange) Contains(ts time.Time) bool {
	return !ts.Before(tr.From) && !ts.After(tr.To)
}

// DecisionRecord is one journaled ladder decision
type DecisionRecord struct {
	ID        string    `json:"id" db:"id"`
	Timestamp time.Time `json:"ts" db:"ts"`
	Venue     string    `json:"venue" db:"venue"`
	Source    string    `json:"source" db:"source"`
	Target    string    `json:"target" db:"target"`
	Direction string    `json:"direction" db:"direction"`
	Mode      string    `json:"mode" db:"mode"`
	Result    string    `json:"result" db:"result"`
	AmountUSD float64   `json:"amount_usd" db:"amount_usd"`
	NetProfit *float64  `json:"net_profit,omitempty" db:"net_profit"`
	Payload   []byte    `json:"payload" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ReconcileRecord is one journaled reconciliation run
type ReconcileRecord struct {
	ID            int64           `json:"id" db:"id"`
	Timestamp     time.Time       `json:"ts" db:"ts"`
	VenueTotal    decimal.Decimal `json:"venue_total" db:"venue_total"`
	InternalTotal decimal.Decimal `json:"internal_total" db:"internal_total"`
	DriftPct      float64         `json:"drift_pct" db:"drift_pct"`
	Threshold     float64         `json:"threshold" db:"threshold"`
	Discrepancy   bool            `json:"discrepancy" db:"discrepancy"`
	ShouldHalt    bool            `json:"should_halt" db:"should_halt"`
	VenuesChecked []string        `json:"venues_checked" db:"venues_checked"`
	VenuesFailed  []string        `json:"venues_failed" db:"venues_failed"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// DecisionRepo persists ladder decisions
type DecisionRepo interface {
	// Insert adds a decision; a repeated ID is a no-op
	Insert(ctx context.Context, rec DecisionRecord) error

	// ListRecent returns decisions inside tr, newest first
	ListRecent(ctx context.Context, tr TimeRange, limit int) ([]DecisionRecord, error)

	// CountByResult returns decision counts grouped by result
	CountByResult(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// ReconcileRepo persists reconciliation runs
type ReconcileRepo interface {
	// Insert adds a run and returns its row ID
	Insert(ctx context.Context, rec ReconcileRecord) (int64, error)

	// ListRecent returns runs inside tr, newest first
	ListRecent(ctx context.Context, tr TimeRange, limit int) ([]ReconcileRecord, error)

	// LastHalt returns the most recent run that recommended a halt, or nil
	LastHalt(ctx context.Context) (*ReconcileRecord, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Decisions DecisionRepo
	Reconcile ReconcileRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool and query statistics
	Stats(ctx context.Context) map[string]interface{}
}
