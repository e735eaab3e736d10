package confirm

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/stream"
	"github.com/sawpanic/tradeguard/internal/venue"
)

// Status is the resolved state of a submitted order
type Status string

const (
	StatusPending              Status = "pending"
	StatusFilled               Status = "filled"
	StatusRejected             Status = "rejected"
	StatusTimeoutAssumedFilled Status = "timeout_assumed_filled"
	StatusDryRun               Status = "dry_run"
)

var (
	priceFields = []string{"average", "avg_price", "avgPrice", "price", "fill_price"}
	qtyFields   = []string{"filled", "filled_qty", "executed_qty", "executedQty", "amount"}
)

// Request identifies an order to confirm
type Request struct {
	OrderID string
	Venue   string
	Symbol  string
	DryRun  bool
}

// Confirmation is the outcome of polling an order. FillPrice and FillQty are
// nil when the venue did not report them; they are never defaulted to zero.
type Confirmation struct {
	OrderID     string    `json:"order_id"`
	Venue       string    `json:"venue"`
	Symbol      string    `json:"symbol"`
	Status      Status    `json:"status"`
	RawStatus   string    `json:"raw_status,omitempty"`
	Confirmed   bool      `json:"confirmed"`
	FillPrice   *float64  `json:"fill_price,omitempty"`
	FillQty     *float64  `json:"fill_qty,omitempty"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ambiguous reports whether the fill was assumed rather than observed
func (c Confirmation) Ambiguous() bool {
	return c.Status == StatusTimeoutAssumedFilled
}

// Config bounds polling
type Config struct {
	MaxPolls     int
	PollInterval time.Duration
}

// DefaultConfig returns five polls two seconds apart
func DefaultConfig() Config {
	return Config{MaxPolls: 5, PollInterval: 2 * time.Second}
}

// Stats counts outcomes for the state pulse
type Stats struct {
	Total          int64 `json:"total"`
	Filled         int64 `json:"filled"`
	Rejected       int64 `json:"rejected"`
	TimeoutAssumed int64 `json:"timeout_assumed_filled"`
	DryRun         int64 `json:"dry_run"`
	Cancelled      int64 `json:"cancelled_by_caller"`
	PollErrors     int64 `json:"poll_errors"`
	Polls          int64 `json:"polls"`
}

// Confirmer polls venue order status until a terminal state or the poll
// budget runs out. It has no background work; every call is synchronous.
type Confirmer struct {
	cfg       Config
	readers   map[string]venue.OrderStatusReader
	publisher stream.Publisher
	now       func() time.Time

	mu    sync.Mutex
	stats Stats
}

// NewConfirmer creates a confirmer over the given per-venue readers
func NewConfirmer(cfg Config, readers map[string]venue.OrderStatusReader, pub stream.Publisher) *Confirmer {
	def := DefaultConfig()
	if cfg.MaxPolls < 1 {
		cfg.MaxPolls = def.MaxPolls
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if readers == nil {
		readers = make(map[string]venue.OrderStatusReader)
	}
	return &Confirmer{
		cfg:       cfg,
		readers:   readers,
		publisher: stream.OrNop(pub),
		now:       time.Now,
	}
}

// Confirm resolves req. The only error is ctx cancellation, in which case the
// returned confirmation is pending.
func (c *Confirmer) Confirm(ctx context.Context, req Request) (Confirmation, error) {
	out := Confirmation{
		OrderID: req.OrderID,
		Venue:   req.Venue,
		Symbol:  req.Symbol,
		Status:  StatusPending,
	}

	if req.DryRun || strings.TrimSpace(req.OrderID) == "" {
		out.Status = StatusDryRun
		out.Confirmed = true
		return c.finish(out), nil
	}

	reader, ok := c.readers[req.Venue]
	if !ok {
		log.Warn().Str("venue", req.Venue).Str("order_id", req.OrderID).
			Msg("No order status reader for venue, assuming filled")
		return c.assume(ctx, out), nil
	}

	for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
		out.Attempts = attempt
		c.count(func(s *Stats) { s.Polls++ })

		raw, err := reader.OrderStatus(ctx, req.OrderID, req.Symbol)
		if err != nil {
			c.count(func(s *Stats) { s.PollErrors++ })
			log.Debug().Err(err).Str("order_id", req.OrderID).Int("attempt", attempt).Msg("Order status poll failed")
		} else if done := resolve(&out, raw); done {
			return c.finish(out), nil
		}

		if attempt < c.cfg.MaxPolls {
			if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
				c.count(func(s *Stats) { s.Cancelled++ })
				out.CompletedAt = c.now().UTC()
				return out, err
			}
		}
	}

	return c.assume(ctx, out), nil
}

// assume marks out as optimistically filled. This is a distinct status so
// downstream accounting can treat it differently from an observed fill.
func (c *Confirmer) assume(ctx context.Context, out Confirmation) Confirmation {
	out.Status = StatusTimeoutAssumedFilled
	out.Confirmed = true
	out = c.finish(out)

	log.Warn().
		Str("order_id", out.OrderID).
		Str("venue", out.Venue).
		Str("symbol", out.Symbol).
		Int("attempts", out.Attempts).
		Msg("Order fill not observed, assuming filled")
	c.publisher.Publish(ctx, stream.TopicConfirmAmbiguous, out)
	return out
}

func (c *Confirmer) finish(out Confirmation) Confirmation {
	out.CompletedAt = c.now().UTC()
	c.count(func(s *Stats) {
		s.Total++
		switch out.Status {
		case StatusFilled:
			s.Filled++
		case StatusRejected:
			s.Rejected++
		case StatusTimeoutAssumedFilled:
			s.TimeoutAssumed++
		case StatusDryRun:
			s.DryRun++
		}
	})
	return out
}

func (c *Confirmer) count(f func(s *Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.stats)
}

// Stats returns a copy of the counters
func (c *Confirmer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// resolve applies a raw venue status document to out and reports whether it
// is terminal
func resolve(out *Confirmation, raw map[string]any) bool {
	status := strings.ToLower(strings.TrimSpace(stringField(raw, "status")))
	switch status {
	case "filled", "closed":
		out.Status = StatusFilled
		out.RawStatus = status
		out.Confirmed = true
		out.FillPrice = firstPositive(raw, priceFields)
		out.FillQty = firstPositive(raw, qtyFields)
		return true
	case "rejected", "cancelled", "canceled", "expired":
		out.Status = StatusRejected
		out.RawStatus = status
		out.Confirmed = false
		return true
	default:
		out.RawStatus = status
		return false
	}
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// firstPositive returns the first field that parses to a positive number
func firstPositive(raw map[string]any, fields []string) *float64 {
	for _, f := range fields {
		if v, ok := number(raw[f]); ok && v > 0 {
			return &v
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
