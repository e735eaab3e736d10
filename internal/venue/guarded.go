package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/tradeguard/internal/net/budget"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/net/ratelimit"
)

// Guards are the shared resilience components a Guarded client routes through.
// Any of them may be nil.
type Guards struct {
	Limiter *ratelimit.AdaptiveLimiter
	Budget  *budget.GlobalBudget
	Breaker *circuit.Breaker
}

// Guarded wraps a venue so every call is rate limited and budgeted. Trading
// calls go through the venue circuit breaker; reads go through a separate
// gobreaker so a flaky quote endpoint cannot disable order flow.
type Guarded struct {
	client *Client
	guards Guards
	reads  *gobreaker.CircuitBreaker
}

// NewGuarded creates a guarded client for c
func NewGuarded(c *Client, g Guards) *Guarded {
	name := c.Name()
	settings := gobreaker.Settings{
		Name:        name + "-reads",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			return counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
		OnStateChange: func(breaker string, from, to gobreaker.State) {
			log.Warn().
				Str("venue", name).
				Str("breaker", breaker).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Venue read breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &Guarded{client: c, guards: g, reads: gobreaker.NewCircuitBreaker(settings)}
}

// Name returns the venue name
func (g *Guarded) Name() string { return g.client.Name() }

// Capabilities returns the wrapped venue's capabilities
func (g *Guarded) Capabilities() Capability { return g.client.Capabilities() }

// ReadState returns the read breaker state
func (g *Guarded) ReadState() string { return g.reads.State().String() }

// maxStarvedRetries bounds how often a positions or order call sits out an
// exclusion window
const maxStarvedRetries = 3

func (g *Guarded) admit(ctx context.Context, class ratelimit.Class, p budget.Priority) error {
	if g.guards.Budget != nil {
		if err := g.waitBudget(ctx, p); err != nil {
			return err
		}
	}
	if g.guards.Limiter != nil {
		if err := g.guards.Limiter.Wait(ctx, class); err != nil {
			return err
		}
	}
	return nil
}

// waitBudget rejects a starved quote read outright; the caller decides
// whether the quote is still worth having after the window. Positions calls
// sit out execution windows since they are usually part of order handling.
func (g *Guarded) waitBudget(ctx context.Context, p budget.Priority) error {
	if p == budget.PriorityQuotes {
		return g.guards.Budget.Wait(ctx, p)
	}
	return g.guards.Budget.WaitSittingOut(ctx, p, maxStarvedRetries)
}

func (g *Guarded) observe(ctx context.Context, p budget.Priority, err error) {
	if err == nil || !errors.Is(err, ErrRateLimited) {
		return
	}
	if g.guards.Limiter != nil {
		g.guards.Limiter.OnRateLimitError(ctx)
	}
	if g.guards.Budget != nil {
		g.guards.Budget.OnRateLimit(ctx, p)
	}
}

func read[T any](ctx context.Context, g *Guarded, p budget.Priority, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.admit(ctx, ratelimit.ClassData, p); err != nil {
		return zero, err
	}

	v, err := g.reads.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	g.observe(ctx, p, err)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s %s: %w", g.Name(), op, err)
		}
		return zero, err
	}
	return v.(T), nil
}

// OrderStatus implements OrderStatusReader
func (g *Guarded) OrderStatus(ctx context.Context, orderID, symbol string) (map[string]any, error) {
	r := g.client.Orders()
	if r == nil {
		return nil, fmt.Errorf("%s order status: %w", g.Name(), ErrUnsupported)
	}
	return read(ctx, g, budget.PriorityPositions, "order status", func(ctx context.Context) (map[string]any, error) {
		return r.OrderStatus(ctx, orderID, symbol)
	})
}

// TotalEquity implements EquityReader
func (g *Guarded) TotalEquity(ctx context.Context) (decimal.Decimal, error) {
	r := g.client.Equity()
	if r == nil {
		return decimal.Zero, fmt.Errorf("%s equity: %w", g.Name(), ErrUnsupported)
	}
	return read(ctx, g, budget.PriorityPositions, "equity", r.TotalEquity)
}

func (g *Guarded) converter() (Converter, error) {
	c := g.client.Converter()
	if c == nil {
		return nil, fmt.Errorf("%s convert: %w", g.Name(), ErrUnsupported)
	}
	return c, nil
}

// Balances implements Converter
func (g *Guarded) Balances(ctx context.Context) (map[string]float64, error) {
	c, err := g.converter()
	if err != nil {
		return nil, err
	}
	return read(ctx, g, budget.PriorityPositions, "balances", c.Balances)
}

// Adjacency implements Converter
func (g *Guarded) Adjacency(ctx context.Context) (map[string][]Edge, error) {
	c, err := g.converter()
	if err != nil {
		return nil, err
	}
	return read(ctx, g, budget.PriorityQuotes, "adjacency", c.Adjacency)
}

// ValueUSD implements Converter
func (g *Guarded) ValueUSD(ctx context.Context, asset string, amount float64) (float64, error) {
	c, err := g.converter()
	if err != nil {
		return 0, err
	}
	return read(ctx, g, budget.PriorityQuotes, "value", func(ctx context.Context) (float64, error) {
		return c.ValueUSD(ctx, asset, amount)
	})
}

// Ticker implements Converter
func (g *Guarded) Ticker(ctx context.Context, asset string) (Ticker, error) {
	c, err := g.converter()
	if err != nil {
		return Ticker{}, err
	}
	return read(ctx, g, budget.PriorityQuotes, "ticker", func(ctx context.Context) (Ticker, error) {
		return c.Ticker(ctx, asset)
	})
}

// DryRun implements Converter
func (g *Guarded) DryRun() bool {
	c := g.client.Converter()
	return c == nil || c.DryRun()
}

// Convert implements Converter. It is refused while the venue breaker reports
// the venue unavailable, and its outcome feeds that breaker.
func (g *Guarded) Convert(ctx context.Context, from, to string, amount float64) (Conversion, error) {
	c, err := g.converter()
	if err != nil {
		return Conversion{}, err
	}
	if g.guards.Breaker != nil {
		if err := g.guards.Breaker.Check(g.Name()); err != nil {
			return Conversion{}, err
		}
	}
	if err := g.admit(ctx, ratelimit.ClassTrading, budget.PriorityExecution); err != nil {
		return Conversion{}, err
	}

	res, err := c.Convert(ctx, from, to, amount)
	g.observe(ctx, budget.PriorityExecution, err)
	if g.guards.Breaker != nil {
		if err != nil {
			g.guards.Breaker.RecordFailure(ctx, g.Name(), err.Error())
		} else {
			g.guards.Breaker.RecordSuccess(g.Name())
		}
	}
	return res, err
}
