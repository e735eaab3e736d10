package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradeguard/internal/stream"
	"github.com/sawpanic/tradeguard/internal/venue"
)

// DefaultHistoryLimit bounds the discrepancy history
const DefaultHistoryLimit = 100

// Position is an open position valued at its book cost
type Position struct {
	Symbol    string          `json:"symbol"`
	Qty       decimal.Decimal `json:"qty"`
	BookValue decimal.Decimal `json:"book_value"`
}

// Book exposes the internally tracked account
type Book interface {
	Cash() decimal.Decimal
	Positions() []Position
}

// ReportSink receives every completed report
type ReportSink interface {
	RecordReport(ctx context.Context, r Report) error
}

// Report is the outcome of one reconciliation pass
type Report struct {
	Timestamp     time.Time       `json:"timestamp"`
	VenueTotal    decimal.Decimal `json:"venue_total"`
	InternalTotal decimal.Decimal `json:"internal_total"`
	Drift         float64         `json:"drift"`
	DriftPct      float64         `json:"drift_pct"`
	Threshold     float64         `json:"threshold"`
	Discrepancy   bool            `json:"discrepancy"`
	ShouldHalt    bool            `json:"should_halt"`
	VenuesChecked []string        `json:"venues_checked"`
	VenuesFailed  []string        `json:"venues_failed,omitempty"`
}

// Discrepancy is one history entry
type Discrepancy struct {
	Timestamp     time.Time       `json:"timestamp"`
	VenueTotal    decimal.Decimal `json:"venue_total"`
	InternalTotal decimal.Decimal `json:"internal_total"`
	DriftPct      float64         `json:"drift_pct"`
	ShouldHalt    bool            `json:"should_halt"`
}

// Config controls cadence and sensitivity
type Config struct {
	Interval     time.Duration
	Threshold    float64 // fractional drift, 0.05 = 5%
	HistoryLimit int
}

// DefaultConfig returns a 5 minute interval at a 5% threshold
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Minute, Threshold: 0.05, HistoryLimit: DefaultHistoryLimit}
}

// Stats summarises reconciler activity
type Stats struct {
	Runs          int64      `json:"runs"`
	Discrepancies int64      `json:"discrepancies"`
	Halts         int64      `json:"halts"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastDriftPct  float64    `json:"last_drift_pct"`
	ShouldHalt    bool       `json:"should_halt"`
}

// Reconciler compares internal equity against what the venues report. It
// only signals drift; acting on ShouldHalt is the caller's job.
type Reconciler struct {
	config  Config
	book    Book
	readers map[string]venue.EquityReader

	publisher stream.Publisher
	sink      ReportSink
	now       func() time.Time

	mu      sync.Mutex
	running bool
	lastRun time.Time
	last    *Report
	history []Discrepancy
	stats   Stats
}

// New creates a reconciler over the given equity readers
func New(cfg Config, book Book, readers map[string]venue.EquityReader, pub stream.Publisher) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Reconciler{
		config:    cfg,
		book:      book,
		readers:   readers,
		publisher: stream.OrNop(pub),
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// WithSink forwards every report to sink
func (r *Reconciler) WithSink(sink ReportSink) *Reconciler {
	r.sink = sink
	return r
}

// MaybeReconcile runs a pass when the interval has elapsed since the last
// one. The bool is false when the call was skipped.
func (r *Reconciler) MaybeReconcile(ctx context.Context) (*Report, bool) {
	r.mu.Lock()
	due := !r.running && (r.lastRun.IsZero() || r.now().Sub(r.lastRun) >= r.config.Interval)
	if due {
		r.running = true
	}
	r.mu.Unlock()
	if !due {
		return nil, false
	}
	return r.run(ctx), true
}

// Reconcile runs a pass immediately
func (r *Reconciler) Reconcile(ctx context.Context) *Report {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	return r.run(ctx)
}

// run computes and records one pass; the caller has already set running
func (r *Reconciler) run(ctx context.Context) *Report {
	report := r.compute(ctx)

	r.mu.Lock()
	r.running = false
	r.lastRun = report.Timestamp
	r.last = report
	r.stats.Runs++
	ts := report.Timestamp
	r.stats.LastRun = &ts
	r.stats.LastDriftPct = report.DriftPct
	r.stats.ShouldHalt = report.ShouldHalt
	if report.Discrepancy {
		r.stats.Discrepancies++
		if report.ShouldHalt {
			r.stats.Halts++
		}
		r.history = append(r.history, Discrepancy{
			Timestamp:     report.Timestamp,
			VenueTotal:    report.VenueTotal,
			InternalTotal: report.InternalTotal,
			DriftPct:      report.DriftPct,
			ShouldHalt:    report.ShouldHalt,
		})
		if over := len(r.history) - r.config.HistoryLimit; over > 0 {
			r.history = append(r.history[:0], r.history[over:]...)
		}
	}
	r.mu.Unlock()

	if report.Discrepancy {
		ev := log.Warn()
		if report.ShouldHalt {
			ev = log.Error()
		}
		ev.Str("venue_total", report.VenueTotal.StringFixed(2)).
			Str("internal_total", report.InternalTotal.StringFixed(2)).
			Float64("drift_pct", report.DriftPct).
			Bool("should_halt", report.ShouldHalt).
			Msg("Balance reconciliation drift")
		r.publisher.Publish(ctx, stream.TopicReconcileDrift, report)
	} else {
		log.Debug().Float64("drift_pct", report.DriftPct).Strs("venues", report.VenuesChecked).Msg("Balances reconciled")
	}

	if r.sink != nil {
		if err := r.sink.RecordReport(ctx, *report); err != nil {
			log.Warn().Err(err).Msg("Failed to record reconciliation report")
		}
	}
	return report
}

func (r *Reconciler) compute(ctx context.Context) *Report {
	report := &Report{
		Timestamp:     r.now(),
		Threshold:     r.config.Threshold,
		VenueTotal:    decimal.Zero,
		InternalTotal: r.internalTotal(),
		VenuesChecked: []string{},
	}

	for _, name := range venue.SortedKeys(r.readers) {
		eq, err := r.readers[name].TotalEquity(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", name).Msg("Equity query failed, skipping venue")
			report.VenuesFailed = append(report.VenuesFailed, name)
			continue
		}
		report.VenueTotal = report.VenueTotal.Add(eq)
		report.VenuesChecked = append(report.VenuesChecked, name)
	}

	if len(report.VenuesChecked) == 0 {
		// Nothing to compare against
		return report
	}

	report.Drift = Drift(report.VenueTotal, report.InternalTotal)
	report.DriftPct = report.Drift * 100
	report.Discrepancy = report.Drift > r.config.Threshold
	report.ShouldHalt = report.Drift >= 2*r.config.Threshold
	return report
}

func (r *Reconciler) internalTotal() decimal.Decimal {
	if r.book == nil {
		return decimal.Zero
	}
	total := r.book.Cash()
	for _, p := range r.book.Positions() {
		total = total.Add(p.BookValue)
	}
	return total
}

// Drift returns |a-b| relative to the smaller positive total, so $100 against
// $95 is 5.26%. When one side is zero the larger side is the denominator.
func Drift(a, b decimal.Decimal) float64 {
	diff := a.Sub(b).Abs()
	if diff.IsZero() {
		return 0
	}
	den := decimal.Min(a, b)
	if !den.IsPositive() {
		den = decimal.Max(a, b)
	}
	if !den.IsPositive() {
		return 0
	}
	f, _ := diff.Div(den).Float64()
	return f
}

// LastReport returns a copy of the latest report, nil before the first pass
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	cp.VenuesChecked = append([]string(nil), r.last.VenuesChecked...)
	cp.VenuesFailed = append([]string(nil), r.last.VenuesFailed...)
	return &cp
}

// ShouldHalt reports the halt signal of the latest pass
func (r *Reconciler) ShouldHalt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last != nil && r.last.ShouldHalt
}

// History returns the recorded discrepancies, oldest first
func (r *Reconciler) History() []Discrepancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Discrepancy(nil), r.history...)
}

// Stats returns reconciler counters
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
