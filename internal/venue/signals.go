package venue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// errAbsent marks calls made when no collaborator is configured
var errAbsent = errors.New("collaborator not configured")

// DirectionSignal is an external view of market direction, each field in [0, 1]
type DirectionSignal struct {
	Bullish   float64 `json:"bullish"`
	Bearish   float64 `json:"bearish"`
	Coherence float64 `json:"coherence"`
}

// ConversionOutcome is reported to the learning collaborator after execution
type ConversionOutcome struct {
	DecisionID string    `json:"decision_id"`
	Venue      string    `json:"venue"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Direction  string    `json:"direction"`
	InputUSD   float64   `json:"input_usd"`
	OutputUSD  float64   `json:"output_usd"`
	FeesUSD    float64   `json:"fees_usd"`
	NetProfit  float64   `json:"net_profit"`
	Success    bool      `json:"success"`
	Valued     bool      `json:"valued"` // false when OutputUSD and NetProfit are unknown
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Veto is the signal collaborator's opinion on a trade
type Veto struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Signals is the optional directional and learning collaborator. Every method
// is best-effort from the core's point of view.
type Signals interface {
	Direction(ctx context.Context) (DirectionSignal, error)
	RankSymbols(ctx context.Context, symbols []string) ([]string, error)
	AddSignal(ctx context.Context, name string, payload map[string]any) error
	RecordConversion(ctx context.Context, outcome ConversionOutcome) error
	CheckTrade(ctx context.Context, venue, symbol, side string) (Veto, error)
}

// SafeSignals wraps an optional Signals so every call returns a Result and
// never blocks the caller past timeout. A nil inner collaborator is valid.
type SafeSignals struct {
	inner    Signals
	timeout  time.Duration
	degraded atomic.Int64
}

// NewSafeSignals wraps s; timeout bounds each call
func NewSafeSignals(s Signals, timeout time.Duration) *SafeSignals {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SafeSignals{inner: s, timeout: timeout}
}

// Configured reports whether a collaborator is present
func (s *SafeSignals) Configured() bool { return s != nil && s.inner != nil }

// Degraded returns how many calls fell back to a neutral default
func (s *SafeSignals) Degraded() int64 {
	if s == nil {
		return 0
	}
	return s.degraded.Load()
}

func call[T any](ctx context.Context, s *SafeSignals, op string, fn func(ctx context.Context, inner Signals) (T, error)) (res Result[T]) {
	if !s.Configured() {
		return Fail[T]("signals", op, errAbsent)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.degraded.Add(1)
			res = Fail[T]("signals", op, fmt.Errorf("panic: %v", r))
		}
	}()

	v, err := fn(ctx, s.inner)
	if err != nil {
		s.degraded.Add(1)
		return Fail[T]("signals", op, err)
	}
	return OK(v)
}

// Direction returns the directional signal
func (s *SafeSignals) Direction(ctx context.Context) Result[DirectionSignal] {
	return call(ctx, s, "direction", func(ctx context.Context, in Signals) (DirectionSignal, error) {
		return in.Direction(ctx)
	})
}

// RankSymbols re-ranks symbols by the collaborator's memory
func (s *SafeSignals) RankSymbols(ctx context.Context, symbols []string) Result[[]string] {
	return call(ctx, s, "rank_symbols", func(ctx context.Context, in Signals) ([]string, error) {
		return in.RankSymbols(ctx, symbols)
	})
}

// AddSignal forwards a named signal
func (s *SafeSignals) AddSignal(ctx context.Context, name string, payload map[string]any) Result[struct{}] {
	return call(ctx, s, "add_signal", func(ctx context.Context, in Signals) (struct{}, error) {
		return struct{}{}, in.AddSignal(ctx, name, payload)
	})
}

// RecordConversion forwards a conversion outcome
func (s *SafeSignals) RecordConversion(ctx context.Context, outcome ConversionOutcome) Result[struct{}] {
	return call(ctx, s, "record_conversion", func(ctx context.Context, in Signals) (struct{}, error) {
		return struct{}{}, in.RecordConversion(ctx, outcome)
	})
}

// CheckTrade asks the collaborator whether a trade may proceed
func (s *SafeSignals) CheckTrade(ctx context.Context, venue, symbol, side string) Result[Veto] {
	return call(ctx, s, "check_trade", func(ctx context.Context, in Signals) (Veto, error) {
		return in.CheckTrade(ctx, venue, symbol, side)
	})
}
