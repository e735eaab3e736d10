package ops

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/ops/reconcile"
	"github.com/sawpanic/tradeguard/internal/ops/tradelock"
)

// StatusRenderer renders a state snapshot as console tables or CSV
type StatusRenderer struct {
	out io.Writer
}

// NewStatusRenderer creates a renderer writing to out
func NewStatusRenderer(out io.Writer) *StatusRenderer {
	return &StatusRenderer{out: out}
}

// snapshotView holds the typed sections of a decoded snapshot
type snapshotView struct {
	gate      GateStats
	breaker   circuit.Status
	locks     tradelock.Stats
	switches  SwitchStatus
	reconcile reconcile.Stats
	pulse     pulse.Status
}

// decodeSection re-decodes a section that arrived as generic JSON
func decodeSection(sections map[string]any, name string, v any) {
	raw, ok := sections[name]
	if !ok || raw == nil {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, v)
}

func view(snap pulse.Snapshot) snapshotView {
	var v snapshotView
	decodeSection(snap.Sections, "gate", &v.gate)
	decodeSection(snap.Sections, "breaker", &v.breaker)
	decodeSection(snap.Sections, "locks", &v.locks)
	decodeSection(snap.Sections, "switches", &v.switches)
	decodeSection(snap.Sections, "reconcile", &v.reconcile)
	decodeSection(snap.Sections, "pulse", &v.pulse)
	return v
}

// RenderConsole renders the snapshot in a compact table format
func (r *StatusRenderer) RenderConsole(snap pulse.Snapshot, now time.Time) {
	v := view(snap)

	fmt.Fprintln(r.out, "=== tradeguard operational status ===")
	age := now.Sub(snap.Timestamp).Round(time.Second)
	fmt.Fprintf(r.out, "Snapshot #%d at %s (%s ago)\n\n", snap.Sequence, snap.Timestamp.Format("2006-01-02 15:04:05"), age)

	r.renderGateTable(v)
	fmt.Fprintln(r.out)
	r.renderBlocksTable(v.gate.KPI)
	fmt.Fprintln(r.out)
	r.renderVenueTable(v.breaker)
	fmt.Fprintln(r.out)
	r.renderLocks(v.locks)
}

func (r *StatusRenderer) renderGateTable(v snapshotView) {
	fmt.Fprintln(r.out, "📊 TRADE GATE")
	fmt.Fprintln(r.out, "┌─────────────────────┬──────────┬────────────┐")
	fmt.Fprintln(r.out, "│ Metric              │ Value    │ Status     │")
	fmt.Fprintln(r.out, "├─────────────────────┼──────────┼────────────┤")

	fmt.Fprintf(r.out, "│ %-19s │ %8s │ %-10s │\n", "Kill switch", r.getBoolText(v.switches.KillSwitch), r.flagStatus(v.switches.KillSwitch))
	fmt.Fprintf(r.out, "│ %-19s │ %8s │ %-10s │\n", "Global read-only", r.getBoolText(v.breaker.GlobalReadOnly), r.flagStatus(v.breaker.GlobalReadOnly))
	fmt.Fprintf(r.out, "│ %-19s │ %8s │ %-10s │\n", "Reconcile halt", r.getBoolText(v.gate.Halted), r.flagStatus(v.gate.Halted))
	fmt.Fprintf(r.out, "│ %-19s │ %7.2f%% │ %-10s │\n", "Last drift", v.reconcile.LastDriftPct, r.getKPIStatus(v.reconcile.LastDriftPct, 5, 10))
	fmt.Fprintf(r.out, "│ %-19s │ %8.1f │ %-10s │\n", "Checks/min", v.gate.KPI.ChecksPerMinute, "")
	fmt.Fprintf(r.out, "│ %-19s │ %7.1f%% │ %-10s │\n", "Block rate", v.gate.KPI.BlockRatePercent, r.getKPIStatus(v.gate.KPI.BlockRatePercent, 25, 75))
	fmt.Fprintf(r.out, "│ %-19s │ %7.1f%% │ %-10s │\n", "Degraded rate", v.gate.KPI.DegradedRatePercent, r.getKPIStatus(v.gate.KPI.DegradedRatePercent, 10, 50))
	fmt.Fprintf(r.out, "│ %-19s │ %8s │ %-10s │\n", "Pulse", r.getBoolText(!v.pulse.Stale), r.flagStatus(v.pulse.Stale))

	fmt.Fprintln(r.out, "└─────────────────────┴──────────┴────────────┘")
}

func (r *StatusRenderer) renderBlocksTable(kpi KPIMetrics) {
	if len(kpi.BlocksByCheck) == 0 {
		fmt.Fprintln(r.out, "🛡️  BLOCKED TRADES: none in window")
		return
	}

	fmt.Fprintln(r.out, "🛡️  BLOCKED TRADES")
	fmt.Fprintln(r.out, "┌─────────────────────┬──────────┐")
	fmt.Fprintln(r.out, "│ Check               │ Blocks   │")
	fmt.Fprintln(r.out, "├─────────────────────┼──────────┤")
	names := make([]string, 0, len(kpi.BlocksByCheck))
	for name := range kpi.BlocksByCheck {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(r.out, "│ %-19s │ %8d │\n", r.truncateText(name, 19), kpi.BlocksByCheck[name])
	}
	fmt.Fprintln(r.out, "└─────────────────────┴──────────┘")
}

func (r *StatusRenderer) renderVenueTable(status circuit.Status) {
	if len(status.Venues) == 0 {
		fmt.Fprintln(r.out, "🏢 VENUE STATUS: no failures recorded")
		return
	}

	fmt.Fprintln(r.out, "🏢 VENUE STATUS")
	fmt.Fprintln(r.out, "┌─────────────────────┬─────────┬──────────┬───────┬─────────────────────┐")
	fmt.Fprintln(r.out, "│ Venue               │ Status  │ Failures │ Trips │ Disabled Until      │")
	fmt.Fprintln(r.out, "├─────────────────────┼─────────┼──────────┼───────┼─────────────────────┤")

	names := make([]string, 0, len(status.Venues))
	for name := range status.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vs := status.Venues[name]
		until := "-"
		if vs.DisabledUntil != nil {
			until = vs.DisabledUntil.Format("15:04:05")
		}
		fmt.Fprintf(r.out, "│ %-19s │ %s%-6s │ %8d │ %5d │ %-19s │\n",
			r.truncateText(name, 19),
			r.getBoolIcon(vs.Available), r.getBoolText(vs.Available),
			vs.RecentFailures, vs.Trips, until)
	}
	fmt.Fprintln(r.out, "└─────────────────────┴─────────┴──────────┴───────┴─────────────────────┘")
}

func (r *StatusRenderer) renderLocks(locks tradelock.Stats) {
	fmt.Fprintf(r.out, "🔒 LOCKS: %d held, %d acquired, %d contended, %d timed out\n",
		len(locks.Held), locks.Acquired, locks.Contended, locks.TimedOut)
	for _, sym := range locks.Held {
		fmt.Fprintf(r.out, "   - %s\n", sym)
	}
}

// WriteCSV writes the snapshot as timestamp,category,name,value,status rows
func (r *StatusRenderer) WriteCSV(snap pulse.Snapshot) error {
	v := view(snap)
	ts := snap.Timestamp.Format("2006-01-02 15:04:05")

	writer := csv.NewWriter(r.out)
	records := [][]string{
		{"timestamp", "category", "name", "value", "status"},
		{ts, "gate", "kill_switch", r.getBoolText(v.switches.KillSwitch), r.flagStatus(v.switches.KillSwitch)},
		{ts, "gate", "global_read_only", r.getBoolText(v.breaker.GlobalReadOnly), r.flagStatus(v.breaker.GlobalReadOnly)},
		{ts, "gate", "reconcile_halt", r.getBoolText(v.gate.Halted), r.flagStatus(v.gate.Halted)},
		{ts, "gate", "checks", fmt.Sprintf("%d", v.gate.Checks), ""},
		{ts, "gate", "blocked", fmt.Sprintf("%d", v.gate.Blocked), ""},
		{ts, "reconcile", "last_drift_pct", fmt.Sprintf("%.2f", v.reconcile.LastDriftPct), r.getKPIStatus(v.reconcile.LastDriftPct, 5, 10)},
	}
	names := make([]string, 0, len(v.breaker.Venues))
	for name := range v.breaker.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vs := v.breaker.Venues[name]
		records = append(records, []string{ts, "venue", name, fmt.Sprintf("%d", vs.RecentFailures), r.flagStatus(!vs.Available)})
	}
	for _, sym := range v.locks.Held {
		records = append(records, []string{ts, "lock", sym, "held", ""})
	}

	if err := writer.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

// Helper functions for formatting

func (r *StatusRenderer) getKPIStatus(value, warn, critical float64) string {
	if value >= critical {
		return "CRITICAL"
	} else if value >= warn {
		return "WARN"
	}
	return "OK"
}

func (r *StatusRenderer) flagStatus(bad bool) string {
	if bad {
		return "CRITICAL"
	}
	return "OK"
}

func (r *StatusRenderer) getBoolIcon(enabled bool) string {
	if enabled {
		return "✅"
	}
	return "❌"
}

func (r *StatusRenderer) getBoolText(enabled bool) string {
	if enabled {
		return "ON"
	}
	return "OFF"
}

func (r *StatusRenderer) truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	if maxLen < 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}
