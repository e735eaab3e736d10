package ops

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/net/budget"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/net/ratelimit"
	"github.com/sawpanic/tradeguard/internal/ops/confirm"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/ops/reconcile"
	"github.com/sawpanic/tradeguard/internal/ops/tradelock"
	"github.com/sawpanic/tradeguard/internal/venue"
)

// DefaultLockTimeout bounds WithTradeLock acquisition
const DefaultLockTimeout = 5 * time.Second

// Deps are the components the gate consults. Everything except Breaker may be
// nil; a missing component is skipped.
type Deps struct {
	Breaker    *circuit.Breaker
	Reconciler *reconcile.Reconciler
	Locker     tradelock.Locker
	Signals    *venue.SafeSignals
	Confirmer  *confirm.Confirmer
	Pulse      *pulse.Pulse
	Budget     *budget.GlobalBudget
	Limiters   *ratelimit.Manager
	Switches   *SwitchManager
	KPI        *KPITracker
	Observer   VerdictObserver
	Extra      map[string]func() any // Additional heartbeat sections by name
}

// VerdictObserver is told about every verdict after it is recorded
type VerdictObserver interface {
	ObserveVerdict(v Verdict)
}

// GateStats summarises gate activity for the state pulse
type GateStats struct {
	Checks      int64      `json:"checks"`
	Allowed     int64      `json:"allowed"`
	Blocked     int64      `json:"blocked"`
	Degraded    int64      `json:"degraded"`
	Halted      bool       `json:"halted"`
	HaltReason  string     `json:"halt_reason,omitempty"`
	HaltedAt    *time.Time `json:"halted_at,omitempty"`
	Heartbeats  int64      `json:"heartbeats"`
	LocksHeld   []string   `json:"locks_held"`
	KPI         KPIMetrics `json:"kpi"`
	SignalsDown int64      `json:"signals_degraded"`
}

// Gate composes the resilience components into one pre-trade decision and
// one periodic heartbeat. Only global read-only and a reconciliation halt
// stop trading outright; everything else narrows it.
type Gate struct {
	deps        Deps
	lockTimeout time.Duration
	now         func() time.Time

	mu           sync.Mutex
	halted       bool
	haltReason   string
	haltedAt     time.Time
	seenReport   time.Time
	owned        map[string]int
	stats        GateStats
	lastSnapshot pulse.Snapshot
}

// NewGate creates a gate over deps
func NewGate(deps Deps, lockTimeout time.Duration) *Gate {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	if deps.KPI == nil {
		deps.KPI = NewKPITracker(5 * time.Minute)
	}
	return &Gate{
		deps:        deps,
		lockTimeout: lockTimeout,
		now:         time.Now,
		owned:       make(map[string]int),
	}
}

// WithClock replaces the time source
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// CheckTradeAllowed evaluates, in order: operator switches, global read-only,
// reconciliation halt, venue availability, symbol lock held elsewhere and the
// optional signal veto. A failing signal collaborator allows the trade and
// marks the verdict degraded.
func (g *Gate) CheckTradeAllowed(ctx context.Context, venueName, symbol, side string) Verdict {
	v := g.evaluate(ctx, venueName, symbol, side)

	g.mu.Lock()
	g.stats.Checks++
	if v.Allowed {
		g.stats.Allowed++
	} else {
		g.stats.Blocked++
	}
	if v.Degraded {
		g.stats.Degraded++
	}
	g.mu.Unlock()
	g.deps.KPI.Record(v)
	if g.deps.Observer != nil {
		g.deps.Observer.ObserveVerdict(v)
	}

	if !v.Allowed {
		log.Info().
			Str("venue", venueName).
			Str("symbol", symbol).
			Str("side", side).
			Str("blocker", v.Blocker).
			Str("reason", v.Reason).
			Msg("Trade blocked")
	}
	return v
}

func (g *Gate) evaluate(ctx context.Context, venueName, symbol, side string) Verdict {
	v := Verdict{Allowed: true}

	if sw := g.deps.Switches; sw != nil {
		if !sw.IsTradingEnabled() {
			return v.block(CheckOperator, "kill switch engaged", nil)
		}
		if !sw.IsVenueEnabled(venueName) {
			return v.block(CheckOperator, "venue switched off by operator", map[string]any{"venue": venueName})
		}
		v.pass(CheckOperator)
	}

	if g.deps.Breaker != nil && g.deps.Breaker.ReadOnly() {
		return v.block(CheckReadOnly, "global read-only mode active", nil)
	}
	v.pass(CheckReadOnly)

	g.observeReconciler()
	if halted, reason := g.Halted(); halted {
		return v.block(CheckHalt, reason, nil)
	}
	v.pass(CheckHalt)

	if g.deps.Breaker != nil {
		if err := g.deps.Breaker.Check(venueName); err != nil {
			return v.block(CheckVenue, err.Error(), map[string]any{"venue": venueName})
		}
	}
	v.pass(CheckVenue)

	if g.deps.Locker != nil && !g.ownsLock(symbol) {
		held, err := g.deps.Locker.IsHeld(symbol)
		switch {
		case err != nil:
			v.warn(CheckSymbolLock, err.Error())
		case held:
			return v.block(CheckSymbolLock, "symbol locked by another trader", map[string]any{"symbol": symbol})
		default:
			v.pass(CheckSymbolLock)
		}
	} else {
		v.pass(CheckSymbolLock)
	}

	if g.deps.Signals.Configured() {
		res := g.deps.Signals.CheckTrade(ctx, venueName, symbol, side)
		if !res.Ok() {
			v.warn(CheckSignalVeto, res.Err.Error())
			return v
		}
		if !res.Value.Allow {
			reason := res.Value.Reason
			if reason == "" {
				reason = "vetoed by signal"
			}
			return v.block(CheckSignalVeto, reason, nil)
		}
	}
	v.pass(CheckSignalVeto)
	return v
}

// observeReconciler latches a halt from any report newer than the last one
// seen, whoever ran it. ClearHalt therefore survives until the next bad pass.
func (g *Gate) observeReconciler() {
	if g.deps.Reconciler == nil {
		return
	}
	report := g.deps.Reconciler.LastReport()
	if report == nil {
		return
	}
	g.observeReport(report)
}

func (g *Gate) observeReport(report *reconcile.Report) {
	g.mu.Lock()
	if !report.Timestamp.After(g.seenReport) {
		g.mu.Unlock()
		return
	}
	g.seenReport = report.Timestamp
	latched := false
	if report.ShouldHalt && !g.halted {
		g.halted = true
		g.haltReason = fmt.Sprintf("reconciliation drift %.2f%% exceeds %.2f%%", report.DriftPct, 2*report.Threshold*100)
		g.haltedAt = g.now()
		latched = true
	}
	g.mu.Unlock()

	if latched {
		log.Error().Float64("drift_pct", report.DriftPct).Msg("Trading halted by reconciliation")
	}
}

// Halted reports whether a reconciliation halt is latched
func (g *Gate) Halted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.haltReason
}

// ClearHalt releases a latched halt after operator review
func (g *Gate) ClearHalt() {
	g.mu.Lock()
	was := g.halted
	g.halted = false
	g.haltReason = ""
	g.haltedAt = time.Time{}
	g.mu.Unlock()

	if was {
		log.Warn().Msg("Reconciliation halt cleared")
	}
}

func (g *Gate) ownsLock(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.owned[symbol] > 0
}

// WithTradeLock runs fn while holding the symbol's trade lock. Contention
// past the lock timeout returns ErrLockTimeout without calling fn.
func (g *Gate) WithTradeLock(ctx context.Context, symbol string, fn func(ctx context.Context) error) error {
	if g.deps.Locker == nil {
		return fn(ctx)
	}
	ok, err := g.deps.Locker.Acquire(ctx, symbol, g.lockTimeout)
	if err != nil {
		return fmt.Errorf("acquire trade lock %s: %w", symbol, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", symbol, tradelock.ErrLockTimeout)
	}

	g.mu.Lock()
	g.owned[symbol]++
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.owned[symbol]--; g.owned[symbol] <= 0 {
			delete(g.owned, symbol)
		}
		g.mu.Unlock()
		if err := g.deps.Locker.Release(symbol); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to release trade lock")
		}
	}()

	return fn(ctx)
}

// Heartbeat runs a due reconciliation, assembles the state snapshot and
// writes it through the pulse.
func (g *Gate) Heartbeat(ctx context.Context, positions any) error {
	if g.deps.Reconciler != nil {
		if report, ran := g.deps.Reconciler.MaybeReconcile(ctx); ran && report != nil {
			g.observeReport(report)
		}
	}

	g.mu.Lock()
	g.stats.Heartbeats++
	g.mu.Unlock()

	snap := pulse.Snapshot{
		Positions: positions,
		Sections:  g.sections(),
	}

	g.mu.Lock()
	g.lastSnapshot = snap
	g.mu.Unlock()

	if g.deps.Pulse == nil {
		return nil
	}
	return g.deps.Pulse.Beat(ctx, snap)
}

func (g *Gate) sections() map[string]any {
	s := map[string]any{"gate": g.Stats()}
	if g.deps.Breaker != nil {
		s["breaker"] = g.deps.Breaker.Status()
	}
	if g.deps.Confirmer != nil {
		s["confirmer"] = g.deps.Confirmer.Stats()
	}
	if l, ok := g.deps.Locker.(interface{ Stats() tradelock.Stats }); ok {
		s["locks"] = l.Stats()
	}
	if g.deps.Budget != nil {
		s["budget"] = g.deps.Budget.Stats()
	}
	if g.deps.Limiters != nil {
		s["limiters"] = g.deps.Limiters.Stats()
	}
	if g.deps.Reconciler != nil {
		s["reconcile"] = g.deps.Reconciler.Stats()
	}
	if g.deps.Switches != nil {
		s["switches"] = g.deps.Switches.GetStatus()
	}
	if g.deps.Pulse != nil {
		s["pulse"] = g.deps.Pulse.Status()
	}
	for name, fn := range g.deps.Extra {
		s[name] = fn()
	}
	return s
}

// Stats returns gate counters
func (g *Gate) Stats() GateStats {
	kpi := g.deps.KPI.GetMetrics()

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stats
	st.Halted = g.halted
	st.HaltReason = g.haltReason
	if !g.haltedAt.IsZero() {
		t := g.haltedAt
		st.HaltedAt = &t
	}
	st.LocksHeld = make([]string, 0, len(g.owned))
	for sym := range g.owned {
		st.LocksHeld = append(st.LocksHeld, sym)
	}
	sort.Strings(st.LocksHeld)
	st.KPI = kpi
	st.SignalsDown = g.deps.Signals.Degraded()
	return st
}

// LastSnapshot returns the snapshot assembled by the latest heartbeat
func (g *Gate) LastSnapshot() pulse.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSnapshot
}
