package metrics

import (
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/stream"
)

// Attach subscribes the registry to every topic on bus. The returned func
// unsubscribes.
func (r *Registry) Attach(bus *stream.Bus) func() {
	return bus.Subscribe("", r.ObserveEvent)
}

type venueEvent struct {
	Venue       string  `json:"venue"`
	Scope       string  `json:"scope"`
	Kind        string  `json:"kind"`
	Priority    string  `json:"priority"`
	BackoffSecs float64 `json:"backoff_secs"`
}

type reconcileEvent struct {
	DriftPct   float64 `json:"drift_pct"`
	ShouldHalt bool    `json:"should_halt"`
}

type ladderEvent struct {
	Direction string `json:"direction"`
	Result    string `json:"result"`
	Execution *struct {
		NetProfit float64 `json:"net_profit"`
		Success   bool    `json:"success"`
		Valued    bool    `json:"valued"`
	} `json:"execution"`
}

// ObserveEvent updates metrics from one bus event
func (r *Registry) ObserveEvent(ev stream.Event) {
	r.Events.WithLabelValues(ev.Topic).Inc()

	switch ev.Topic {
	case stream.TopicVenueTrip, stream.TopicRateLimitTrip, stream.TopicCircuitReset,
		stream.TopicBudgetCascade, stream.TopicRestriction, stream.TopicConfirmAmbiguous:
		var e venueEvent
		if !decode(ev, &e) {
			return
		}
		switch ev.Topic {
		case stream.TopicVenueTrip:
			r.VenueTrips.WithLabelValues(e.Venue).Inc()
		case stream.TopicRateLimitTrip:
			r.RateLimitTrips.WithLabelValues(e.Venue).Inc()
			r.RateLimitBackoff.WithLabelValues(e.Venue).Observe(e.BackoffSecs)
		case stream.TopicCircuitReset:
			r.CircuitResets.WithLabelValues(e.Scope).Inc()
			if e.Scope == "global" {
				r.ReadOnly.Set(0)
			}
		case stream.TopicBudgetCascade:
			r.BudgetCascades.WithLabelValues(e.Priority).Inc()
		case stream.TopicRestriction:
			r.Restrictions.WithLabelValues(e.Venue, e.Kind).Inc()
		case stream.TopicConfirmAmbiguous:
			r.ConfirmAmbiguous.WithLabelValues(e.Venue).Inc()
		}

	case stream.TopicGlobalReadOnly:
		r.ReadOnly.Set(1)

	case stream.TopicReconcileDrift:
		var e reconcileEvent
		if !decode(ev, &e) {
			return
		}
		r.ReconcileDiscrepancies.Inc()
		r.ReconcileDriftPct.Set(e.DriftPct)
		if e.ShouldHalt {
			r.ReconcileHalts.Inc()
		}

	case stream.TopicLadderDecision:
		var e ladderEvent
		if !decode(ev, &e) {
			return
		}
		r.LadderDecisions.WithLabelValues(e.Direction, e.Result).Inc()
		if e.Execution != nil && e.Execution.Success && e.Execution.Valued {
			r.LadderNetProfit.Add(e.Execution.NetProfit)
		}
	}
}

func decode(ev stream.Event, v any) bool {
	if err := ev.Decode(v); err != nil {
		log.Debug().Err(err).Str("topic", ev.Topic).Msg("Skipping undecodable event for metrics")
		return false
	}
	return true
}
