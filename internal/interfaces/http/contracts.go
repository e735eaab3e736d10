package http

import (
	"time"

	"github.com/sawpanic/tradeguard/internal/ladder"
	"github.com/sawpanic/tradeguard/internal/ops"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
)

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // healthy, degraded, unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string `json:"status"` // pass, warn, fail
	Message string `json:"message"`
}

// StatusResponse is the live view of the resilience layer
type StatusResponse struct {
	Timestamp time.Time        `json:"timestamp"`
	Gate      ops.GateStats    `json:"gate"`
	Switches  ops.SwitchStatus `json:"switches"`
	Pulse     *pulse.Status    `json:"pulse,omitempty"`
	Snapshot  *pulse.Snapshot  `json:"snapshot,omitempty"`
}

// LadderResponse summarises the conversion ladder
type LadderResponse struct {
	Stats  ladder.Stats      `json:"stats"`
	Recent []ladder.Decision `json:"recent"`
}

// SwitchRequest toggles an operator switch
type SwitchRequest struct {
	Enabled bool `json:"enabled"`
}

// ActionResponse acknowledges an operator action
type ActionResponse struct {
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
