package ops

import "fmt"

// GuardStatus represents the status of a guard check
type GuardStatus int

const (
	GuardStatusOK GuardStatus = iota
	GuardStatusWarn
	GuardStatusBlock
)

func (s GuardStatus) String() string {
	switch s {
	case GuardStatusOK:
		return "OK"
	case GuardStatusWarn:
		return "WARN"
	case GuardStatusBlock:
		return "BLOCK"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status by name in JSON snapshots
func (s GuardStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Names of the pre-trade checks, in evaluation order
const (
	CheckOperator   = "operator_switch"
	CheckReadOnly   = "global_read_only"
	CheckHalt       = "reconcile_halt"
	CheckVenue      = "venue_available"
	CheckSymbolLock = "symbol_lock"
	CheckSignalVeto = "signal_veto"
)

// GuardResult represents the result of one guard check
type GuardResult struct {
	Name     string         `json:"name"`
	Status   GuardStatus    `json:"status"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Verdict is the outcome of CheckTradeAllowed. Blocker names the first check
// that refused the trade; later checks are not evaluated.
type Verdict struct {
	Allowed  bool          `json:"allowed"`
	Blocker  string        `json:"blocker,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Degraded bool          `json:"degraded"`
	Checks   []GuardResult `json:"checks"`
}

func (v Verdict) String() string {
	if v.Allowed {
		if v.Degraded {
			return "allowed (degraded)"
		}
		return "allowed"
	}
	return fmt.Sprintf("blocked by %s: %s", v.Blocker, v.Reason)
}

func (v *Verdict) pass(name string) {
	v.Checks = append(v.Checks, GuardResult{Name: name, Status: GuardStatusOK})
}

func (v *Verdict) warn(name, msg string) {
	v.Degraded = true
	v.Checks = append(v.Checks, GuardResult{Name: name, Status: GuardStatusWarn, Message: msg})
}

func (v *Verdict) block(name, reason string, meta map[string]any) Verdict {
	v.Allowed = false
	v.Blocker = name
	v.Reason = reason
	v.Checks = append(v.Checks, GuardResult{Name: name, Status: GuardStatusBlock, Message: reason, Metadata: meta})
	return *v
}
