package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/ops"
)

// Registry holds the Prometheus metrics for the resilience layer. It owns its
// own prometheus.Registry so several instances can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	// Event flow
	Events *prometheus.CounterVec

	// Gate
	GateVerdicts *prometheus.CounterVec
	GateDegraded prometheus.Counter

	// Circuit breaker and rate limiting
	VenueTrips       *prometheus.CounterVec
	ReadOnly         prometheus.Gauge
	CircuitResets    *prometheus.CounterVec
	RateLimitTrips   *prometheus.CounterVec
	RateLimitBackoff *prometheus.HistogramVec
	BudgetCascades   *prometheus.CounterVec

	// Routing, reconciliation and confirmation
	Restrictions           *prometheus.CounterVec
	ReconcileDriftPct      prometheus.Gauge
	ReconcileDiscrepancies prometheus.Counter
	ReconcileHalts         prometheus.Counter
	ConfirmAmbiguous       *prometheus.CounterVec

	// Ladder
	LadderDecisions *prometheus.CounterVec
	LadderNetProfit prometheus.Gauge

	// Loop timing
	StepDuration *prometheus.HistogramVec
}

// NewRegistry creates and registers every metric
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_events_total",
				Help: "Events published on the internal bus by topic",
			},
			[]string{"topic"},
		),

		GateVerdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_gate_verdicts_total",
				Help: "Pre-trade verdicts by result and blocking check",
			},
			[]string{"result", "blocker"},
		),

		GateDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeguard_gate_degraded_total",
				Help: "Verdicts reached with a collaborator unavailable",
			},
		),

		VenueTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_circuit_venue_trips_total",
				Help: "Per-venue circuit breaker trips",
			},
			[]string{"venue"},
		),

		ReadOnly: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeguard_circuit_read_only",
				Help: "1 while the global breaker holds the system read-only",
			},
		),

		CircuitResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_circuit_resets_total",
				Help: "Manual breaker resets by scope",
			},
			[]string{"scope"},
		),

		RateLimitTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_ratelimit_trips_total",
				Help: "Rate limit responses that triggered a backoff",
			},
			[]string{"venue"},
		),

		RateLimitBackoff: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeguard_ratelimit_backoff_seconds",
				Help:    "Backoff applied after a rate limit response",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"venue"},
		),

		BudgetCascades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_budget_cascades_total",
				Help: "Backoffs cascaded to lower priority classes",
			},
			[]string{"priority"},
		),

		Restrictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_router_restrictions_total",
				Help: "Venue restrictions detected by kind",
			},
			[]string{"venue", "kind"},
		),

		ReconcileDriftPct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeguard_reconcile_drift_percent",
				Help: "Drift percent of the last discrepant reconciliation",
			},
		),

		ReconcileDiscrepancies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeguard_reconcile_discrepancies_total",
				Help: "Reconciliation runs that exceeded the drift threshold",
			},
		),

		ReconcileHalts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tradeguard_reconcile_halts_total",
				Help: "Reconciliation runs that recommended a trading halt",
			},
		),

		ConfirmAmbiguous: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_confirm_ambiguous_total",
				Help: "Orders assumed filled after confirmation timed out",
			},
			[]string{"venue"},
		),

		LadderDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradeguard_ladder_decisions_total",
				Help: "Conversion ladder decisions by direction and result",
			},
			[]string{"direction", "result"},
		),

		LadderNetProfit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradeguard_ladder_net_profit_usd",
				Help: "Cumulative net profit of executed ladder conversions",
			},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradeguard_step_duration_seconds",
				Help:    "Duration of periodic loop steps in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"step", "result"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Events,
		r.GateVerdicts,
		r.GateDegraded,
		r.VenueTrips,
		r.ReadOnly,
		r.CircuitResets,
		r.RateLimitTrips,
		r.RateLimitBackoff,
		r.BudgetCascades,
		r.Restrictions,
		r.ReconcileDriftPct,
		r.ReconcileDiscrepancies,
		r.ReconcileHalts,
		r.ConfirmAmbiguous,
		r.LadderDecisions,
		r.LadderNetProfit,
		r.StepDuration,
	)

	return r
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// ObserveVerdict implements ops.VerdictObserver
func (r *Registry) ObserveVerdict(v ops.Verdict) {
	result, blocker := "allowed", "none"
	if !v.Allowed {
		result, blocker = "blocked", v.Blocker
	}
	r.GateVerdicts.WithLabelValues(result, blocker).Inc()
	if v.Degraded {
		r.GateDegraded.Inc()
	}
}

// StepTimer tracks execution time for one loop step
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a step
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{
		metrics: r,
		step:    step,
		start:   time.Now(),
	}
}

// Stop completes the step timing and records the metric
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Step completed")
}

// Totals sums every counter and gauge family by name. Histograms report
// their sample count.
func (r *Registry) Totals() (map[string]float64, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		out[mf.GetName()] = sumFamily(mf)
	}
	return out, nil
}

func sumFamily(mf *dto.MetricFamily) float64 {
	total := 0.0
	for _, m := range mf.GetMetric() {
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			total += m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			total += m.GetGauge().GetValue()
		case dto.MetricType_HISTOGRAM:
			total += float64(m.GetHistogram().GetSampleCount())
		}
	}
	return total
}
