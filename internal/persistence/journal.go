package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/tradeguard/internal/ladder"
	"github.com/sawpanic/tradeguard/internal/ops/reconcile"
)

// Journal adapts a Repository to the ladder and reconciler sinks
type Journal struct {
	repo *Repository
}

// NewJournal creates a journal writing through repo
func NewJournal(repo *Repository) *Journal {
	return &Journal{repo: repo}
}

// RecordDecision implements ladder.DecisionSink
func (j *Journal) RecordDecision(ctx context.Context, d ladder.Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	rec := DecisionRecord{
		ID:        d.ID,
		Timestamp: d.Timestamp,
		Venue:     d.Venue,
		Source:    d.Source,
		Target:    d.Target,
		Direction: string(d.Direction),
		Mode:      string(d.Mode),
		Result:    d.Result,
		AmountUSD: d.AmountUSD,
		Payload:   payload,
	}
	if d.Execution != nil && d.Execution.Success && d.Execution.Valued {
		np := d.Execution.NetProfit
		rec.NetProfit = &np
	}
	return j.repo.Decisions.Insert(ctx, rec)
}

// RecordReport implements reconcile.ReportSink
func (j *Journal) RecordReport(ctx context.Context, r reconcile.Report) error {
	_, err := j.repo.Reconcile.Insert(ctx, ReconcileRecord{
		Timestamp:     r.Timestamp,
		VenueTotal:    r.VenueTotal,
		InternalTotal: r.InternalTotal,
		DriftPct:      r.DriftPct,
		Threshold:     r.Threshold,
		Discrepancy:   r.Discrepancy,
		ShouldHalt:    r.ShouldHalt,
		VenuesChecked: r.VenuesChecked,
		VenuesFailed:  r.VenuesFailed,
	})
	return err
}
