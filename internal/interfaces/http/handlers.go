package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/sawpanic/tradeguard/internal/ladder"
	"github.com/sawpanic/tradeguard/internal/metrics"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/ops"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/persistence"
	"github.com/sawpanic/tradeguard/internal/router"
	"github.com/sawpanic/tradeguard/internal/stream"
)

// Deps are the components the handlers expose. Gate, Breaker, Switches and
// Bus are required; the rest may be nil.
type Deps struct {
	Gate     *ops.Gate
	Breaker  *circuit.Breaker
	Switches *ops.SwitchManager
	Bus      *stream.Bus
	Pulse    *pulse.Pulse
	Router   *router.Router
	Ladder   *ladder.Ladder
	Metrics  *metrics.Registry
	Journal  persistence.RepositoryHealth
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	deps    Deps
	started time.Time
	now     func() time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, started: time.Now(), now: time.Now}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: h.now().UTC(),
	})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// Health reports unhealthy while trading is stopped outright, degraded when
// the state pulse is stale or the journal is unreachable.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]CheckResult{}
	status := "healthy"
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	if h.deps.Breaker.ReadOnly() {
		checks["read_only"] = CheckResult{Status: "fail", Message: "global circuit breaker holds the system read-only"}
		status = "unhealthy"
	} else {
		checks["read_only"] = CheckResult{Status: "pass", Message: "trading permitted"}
	}

	if halted, reason := h.deps.Gate.Halted(); halted {
		checks["reconcile_halt"] = CheckResult{Status: "fail", Message: reason}
		status = "unhealthy"
	} else {
		checks["reconcile_halt"] = CheckResult{Status: "pass", Message: "balances reconciled"}
	}

	if !h.deps.Switches.IsTradingEnabled() {
		checks["kill_switch"] = CheckResult{Status: "warn", Message: "kill switch engaged"}
		degrade()
	}

	if h.deps.Pulse != nil {
		st := h.deps.Pulse.Status()
		if st.Stale {
			checks["state_pulse"] = CheckResult{Status: "warn", Message: "no pulse written within the staleness threshold"}
			degrade()
		} else {
			checks["state_pulse"] = CheckResult{Status: "pass", Message: "last write " + st.LastWrite.UTC().Format(time.RFC3339)}
		}
	}

	if h.deps.Journal != nil {
		hc := h.deps.Journal.Health(r.Context())
		if hc.Healthy {
			checks["journal"] = CheckResult{Status: "pass", Message: "reachable"}
		} else {
			msg := "unreachable"
			if len(hc.Errors) > 0 {
				msg = hc.Errors[0]
			}
			checks["journal"] = CheckResult{Status: "warn", Message: msg}
			degrade()
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: h.now().UTC(),
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
		Checks:    checks,
	})
}

// Status returns gate counters, switches and the last heartbeat snapshot
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Timestamp: h.now().UTC(),
		Gate:      h.deps.Gate.Stats(),
		Switches:  h.deps.Switches.GetStatus(),
	}
	if h.deps.Pulse != nil {
		st := h.deps.Pulse.Status()
		resp.Pulse = &st
	}
	if snap := h.deps.Gate.LastSnapshot(); snap.Sections != nil {
		resp.Snapshot = &snap
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// RouterState returns capabilities, restrictions and blocked pairs
func (h *Handlers) RouterState(w http.ResponseWriter, r *http.Request) {
	if h.deps.Router == nil {
		h.writeError(w, r, http.StatusNotFound, "router_disabled", "No venue router is configured")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Router.Snapshot())
}

// Ladder returns ladder counters and recent decisions
func (h *Handlers) Ladder(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ladder == nil {
		h.writeError(w, r, http.StatusNotFound, "ladder_disabled", "No conversion ladder is configured")
		return
	}
	h.writeJSON(w, http.StatusOK, LadderResponse{
		Stats:  h.deps.Ladder.Stats(),
		Recent: h.deps.Ladder.Recent(limitParam(r, 20)),
	})
}

// RecentEvents returns the newest bus events, oldest first
func (h *Handlers) RecentEvents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Bus.Recent(limitParam(r, 50)))
}

// ResetCircuit clears one venue's breaker, or the global breaker when no
// venue is given.
func (h *Handlers) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["venue"]
	if venue == "" {
		h.deps.Breaker.ResetGlobal(r.Context())
		h.writeJSON(w, http.StatusOK, ActionResponse{Action: "circuit_reset", Target: "global", Timestamp: h.now().UTC()})
		return
	}
	h.deps.Breaker.ResetVenue(r.Context(), venue)
	h.writeJSON(w, http.StatusOK, ActionResponse{Action: "circuit_reset", Target: venue, Timestamp: h.now().UTC()})
}

// ClearHalt lifts a latched reconciliation halt
func (h *Handlers) ClearHalt(w http.ResponseWriter, r *http.Request) {
	h.deps.Gate.ClearHalt()
	h.writeJSON(w, http.StatusOK, ActionResponse{Action: "clear_halt", Timestamp: h.now().UTC()})
}

// KillSwitch engages or releases the global kill switch. Enabled means
// trading is enabled.
func (h *Handlers) KillSwitch(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "Expected {\"enabled\": bool}")
		return
	}
	h.deps.Switches.SetKillSwitch(!req.Enabled)
	h.writeJSON(w, http.StatusOK, h.deps.Switches.GetStatus())
}

// VenueSwitch enables or disables one venue
func (h *Handlers) VenueSwitch(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "Expected {\"enabled\": bool}")
		return
	}
	h.deps.Switches.SetVenueSwitch(mux.Vars(r)["venue"], req.Enabled)
	h.writeJSON(w, http.StatusOK, h.deps.Switches.GetStatus())
}

// Metrics serves Prometheus exposition, or 404 without a registry
func (h *Handlers) Metrics() http.Handler {
	if h.deps.Metrics == nil {
		return http.HandlerFunc(h.NotFound)
	}
	return h.deps.Metrics.Handler()
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
