package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/net/ratelimit"
	"github.com/sawpanic/tradeguard/internal/stream"
)

var (
	// ErrStarved is returned when a higher-priority class holds an exclusion window
	ErrStarved = errors.New("starved by higher-priority traffic")
	// ErrThrottled is returned by Acquire when the class bucket is empty
	ErrThrottled = errors.New("priority class budget exhausted")
	// ErrBackingOff is returned by Acquire while the class is backing off
	ErrBackingOff = errors.New("priority class backing off")
)

// Priority orders request classes; lower values win
type Priority int

const (
	PriorityExecution Priority = iota // order placement and cancellation
	PriorityPositions                 // balance and position queries
	PriorityQuotes                    // market data
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PriorityExecution:
		return "execution"
	case PriorityPositions:
		return "positions"
	case PriorityQuotes:
		return "quotes"
	default:
		return "unknown"
	}
}

// StarvedError names the class that caused the rejection
type StarvedError struct {
	Priority Priority
	By       Priority
	Until    time.Time
}

func (e *StarvedError) Error() string {
	return fmt.Sprintf("%s starved by %s until %s",
		e.Priority, e.By, e.Until.Format("15:04:05.000"))
}

// Is makes errors.Is(err, ErrStarved) hold
func (e *StarvedError) Is(target error) bool {
	return target == ErrStarved
}

// Config sizes the global budget
type Config struct {
	TotalRPS           float64
	ExecutionShare     float64
	PositionsShare     float64
	QuotesShare        float64
	ExecutionExclusion time.Duration
	PositionsExclusion time.Duration
	Backoff            ratelimit.BackoffConfig
	MaxWaitSlice       time.Duration
}

// DefaultConfig returns the documented 40/30/30 split
func DefaultConfig() Config {
	return Config{
		TotalRPS:           50,
		ExecutionShare:     0.40,
		PositionsShare:     0.30,
		QuotesShare:        0.30,
		ExecutionExclusion: 500 * time.Millisecond,
		PositionsExclusion: 200 * time.Millisecond,
		Backoff:            ratelimit.DefaultBackoffConfig(),
		MaxWaitSlice:       ratelimit.DefaultMaxWaitSlice,
	}
}

type class struct {
	bucket    *ratelimit.TokenBucket
	backoff   *ratelimit.Backoff
	exclusion time.Duration // window imposed on lower classes after a grant

	granted   int64
	starved   int64
	throttled int64
}

// GlobalBudget partitions process-wide request capacity across priority
// classes. A grant at a class opens a short window during which strictly
// lower classes are rejected outright rather than queued.
type GlobalBudget struct {
	mu       sync.Mutex
	classes  [numPriorities]*class
	excludes [numPriorities]time.Time // exclusion window end opened by each class
	maxSlice time.Duration

	now       func() time.Time
	publisher stream.Publisher
}

// New creates a budget from cfg. Shares are normalised so they sum to one.
func New(cfg Config, pub stream.Publisher) *GlobalBudget {
	if cfg.TotalRPS <= 0 {
		cfg.TotalRPS = DefaultConfig().TotalRPS
	}
	if cfg.MaxWaitSlice <= 0 {
		cfg.MaxWaitSlice = ratelimit.DefaultMaxWaitSlice
	}
	shares := [numPriorities]float64{cfg.ExecutionShare, cfg.PositionsShare, cfg.QuotesShare}
	sum := 0.0
	for _, s := range shares {
		sum += math.Max(0, s)
	}
	if sum == 0 {
		shares = [numPriorities]float64{0.4, 0.3, 0.3}
		sum = 1
	}
	exclusions := [numPriorities]time.Duration{cfg.ExecutionExclusion, cfg.PositionsExclusion, 0}

	g := &GlobalBudget{
		maxSlice:  cfg.MaxWaitSlice,
		now:       time.Now,
		publisher: stream.OrNop(pub),
	}
	for i := range g.classes {
		rps := cfg.TotalRPS * math.Max(0, shares[i]) / sum
		capacity := int(math.Max(1, math.Ceil(rps)))
		g.classes[i] = &class{
			bucket:    ratelimit.NewTokenBucket(rps, capacity).WithMaxWaitSlice(cfg.MaxWaitSlice),
			backoff:   ratelimit.NewBackoff(cfg.Backoff),
			exclusion: exclusions[i],
		}
	}
	return g
}

// WithClock replaces the time source for the budget, its buckets and backoffs
func (g *GlobalBudget) WithClock(now func() time.Time) *GlobalBudget {
	g.now = now
	for _, c := range g.classes {
		c.bucket.WithClock(now)
		c.backoff.WithClock(now)
	}
	return g
}

// WithJitter replaces the backoff jitter source on every class
func (g *GlobalBudget) WithJitter(f func() float64) *GlobalBudget {
	for _, c := range g.classes {
		c.backoff.WithJitter(f)
	}
	return g
}

func valid(p Priority) bool {
	return p >= PriorityExecution && p < numPriorities
}

// excludedLocked returns the starving error if a strictly higher class holds
// an active window
func (g *GlobalBudget) excludedLocked(p Priority, now time.Time) *StarvedError {
	for q := PriorityExecution; q < p; q++ {
		if until := g.excludes[q]; now.Before(until) {
			return &StarvedError{Priority: p, By: q, Until: until}
		}
	}
	return nil
}

func (g *GlobalBudget) grantLocked(p Priority, now time.Time) {
	c := g.classes[p]
	c.granted++
	if c.exclusion > 0 {
		if until := now.Add(c.exclusion); until.After(g.excludes[p]) {
			g.excludes[p] = until
		}
	}
}

// Acquire grants one request slot at p without waiting
func (g *GlobalBudget) Acquire(p Priority) error {
	if !valid(p) {
		return fmt.Errorf("unknown priority %d", p)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	c := g.classes[p]
	if err := g.excludedLocked(p, now); err != nil {
		c.starved++
		return err
	}
	if c.backoff.Active() {
		c.throttled++
		return fmt.Errorf("%w: %s for %v", ErrBackingOff, p, c.backoff.Remaining())
	}
	if !c.bucket.Allow(1) {
		c.throttled++
		return fmt.Errorf("%w: %s", ErrThrottled, p)
	}
	g.grantLocked(p, now)
	return nil
}

// Wait blocks for a slot at p. Exclusion is never queued: a starved class gets
// ErrStarved immediately, and the check is repeated on every wake-up so a
// window opened by a higher class while this call sleeps is honoured too.
// Sleeps happen outside the lock in slices no longer than the max wait slice.
func (g *GlobalBudget) Wait(ctx context.Context, p Priority) error {
	if !valid(p) {
		return fmt.Errorf("unknown priority %d", p)
	}
	c := g.classes[p]

	for {
		g.mu.Lock()
		now := g.now()
		if err := g.excludedLocked(p, now); err != nil {
			c.starved++
			g.mu.Unlock()
			return err
		}
		sleep := c.backoff.Remaining()
		if sleep <= 0 {
			if c.bucket.Allow(1) {
				g.grantLocked(p, now)
				g.mu.Unlock()
				return nil
			}
			sleep = time.Duration((1 - c.bucket.Tokens()) / c.bucket.Rate() * float64(time.Second))
		}
		g.mu.Unlock()

		if sleep > g.maxSlice {
			sleep = g.maxSlice
		}
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// SitOut runs fn and, each time it fails with a *StarvedError, sleeps until
// the exclusion window closes and runs it again, at most retries times.
// Any other outcome is returned as-is.
func SitOut[T any](ctx context.Context, retries int, fn func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		var starved *StarvedError
		if err == nil || !errors.As(err, &starved) || attempt >= retries {
			return v, err
		}
		timer := time.NewTimer(time.Until(starved.Until))
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitSittingOut is Wait wrapped in SitOut
func (g *GlobalBudget) WaitSittingOut(ctx context.Context, p Priority, retries int) error {
	_, err := SitOut(ctx, retries, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.Wait(ctx, p)
	})
	return err
}

// OnRateLimit cascades backoff from p down through every lower class, halving
// the magnitude at each step. It returns the backoff applied per class.
func (g *GlobalBudget) OnRateLimit(ctx context.Context, p Priority) map[Priority]time.Duration {
	if !valid(p) {
		return nil
	}

	applied := make(map[Priority]time.Duration, numPriorities-p)
	scale := 1.0
	for q := p; q < numPriorities; q++ {
		applied[q] = g.classes[q].backoff.TripScaled(scale)
		scale /= 2
	}

	payload := make(map[string]float64, len(applied))
	for q, d := range applied {
		payload[q.String()] = d.Seconds()
	}

	log.Warn().
		Str("priority", p.String()).
		Dur("backoff", applied[p]).
		Int("classes", len(applied)).
		Msg("Rate limit at priority, cascading backoff")

	g.publisher.Publish(ctx, stream.TopicBudgetCascade, map[string]any{
		"priority":     p.String(),
		"backoff_secs": payload,
	})
	return applied
}

// ClassStats is a snapshot of one priority class
type ClassStats struct {
	Priority       string                 `json:"priority"`
	Bucket         ratelimit.BucketStats  `json:"bucket"`
	Backoff        ratelimit.BackoffState `json:"backoff"`
	Granted        int64                  `json:"granted"`
	Starved        int64                  `json:"starved"`
	Throttled      int64                  `json:"throttled"`
	ExcludingUntil *time.Time             `json:"excluding_until,omitempty"`
}

// Stats represents the budget for the state pulse
type Stats struct {
	Classes []ClassStats `json:"classes"`
}

// Stats returns a snapshot of every class
func (g *GlobalBudget) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := Stats{Classes: make([]ClassStats, 0, numPriorities)}
	for i, c := range g.classes {
		cs := ClassStats{
			Priority:  Priority(i).String(),
			Bucket:    c.bucket.Stats(),
			Backoff:   c.backoff.State(),
			Granted:   c.granted,
			Starved:   c.starved,
			Throttled: c.throttled,
		}
		if until := g.excludes[i]; now.Before(until) {
			u := until
			cs.ExcludingUntil = &u
		}
		out.Classes = append(out.Classes, cs)
	}
	return out
}
