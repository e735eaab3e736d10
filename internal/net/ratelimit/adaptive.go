package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/stream"
)

// Class separates order execution traffic from market-data traffic
type Class int

const (
	ClassTrading Class = iota
	ClassData
)

func (c Class) String() string {
	switch c {
	case ClassTrading:
		return "trading"
	case ClassData:
		return "data"
	default:
		return "unknown"
	}
}

// AdaptiveConfig sizes one venue connection
type AdaptiveConfig struct {
	TradingRPS   float64
	TradingBurst int
	DataRPS      float64
	DataBurst    int
	Backoff      BackoffConfig
	MaxWaitSlice time.Duration
}

// AdaptiveLimiter holds two independent buckets per venue plus a shared
// backoff that every call honours before touching a bucket.
type AdaptiveLimiter struct {
	venue     string
	trading   *TokenBucket
	data      *TokenBucket
	backoff   *Backoff
	maxSlice  time.Duration
	publisher stream.Publisher

	mu      sync.Mutex
	allowed map[Class]int64
	denied  map[Class]int64
}

// NewAdaptiveLimiter creates a limiter for venue
func NewAdaptiveLimiter(venue string, cfg AdaptiveConfig, pub stream.Publisher) *AdaptiveLimiter {
	if cfg.MaxWaitSlice <= 0 {
		cfg.MaxWaitSlice = DefaultMaxWaitSlice
	}
	return &AdaptiveLimiter{
		venue:     venue,
		trading:   NewTokenBucket(cfg.TradingRPS, cfg.TradingBurst).WithMaxWaitSlice(cfg.MaxWaitSlice),
		data:      NewTokenBucket(cfg.DataRPS, cfg.DataBurst).WithMaxWaitSlice(cfg.MaxWaitSlice),
		backoff:   NewBackoff(cfg.Backoff),
		maxSlice:  cfg.MaxWaitSlice,
		publisher: stream.OrNop(pub),
		allowed:   make(map[Class]int64),
		denied:    make(map[Class]int64),
	}
}

// Venue returns the venue this limiter guards
func (a *AdaptiveLimiter) Venue() string { return a.venue }

func (a *AdaptiveLimiter) bucket(c Class) *TokenBucket {
	if c == ClassTrading {
		return a.trading
	}
	return a.data
}

// Allow is the non-blocking check: it refuses while backing off, otherwise
// debits one token from the class bucket.
func (a *AdaptiveLimiter) Allow(c Class) bool {
	ok := !a.backoff.Active() && a.bucket(c).Allow(1)
	a.count(c, ok)
	return ok
}

// Wait blocks through any active backoff in capped slices, then waits on the
// class bucket.
func (a *AdaptiveLimiter) Wait(ctx context.Context, c Class) error {
	if err := a.waitBackoff(ctx); err != nil {
		a.count(c, false)
		return err
	}
	if err := a.bucket(c).Wait(ctx, 1); err != nil {
		a.count(c, false)
		return err
	}
	a.count(c, true)
	return nil
}

func (a *AdaptiveLimiter) waitBackoff(ctx context.Context) error {
	for {
		remaining := a.backoff.Remaining()
		if remaining <= 0 {
			return nil
		}
		if remaining > a.maxSlice {
			remaining = a.maxSlice
		}
		if err := sleepCtx(ctx, remaining); err != nil {
			return err
		}
	}
}

// OnRateLimitError records a venue "too many requests" response
func (a *AdaptiveLimiter) OnRateLimitError(ctx context.Context) time.Duration {
	return a.trip(ctx, 1)
}

// OnRateLimitErrorScaled trips with a reduced magnitude
func (a *AdaptiveLimiter) OnRateLimitErrorScaled(ctx context.Context, scale float64) time.Duration {
	return a.trip(ctx, scale)
}

func (a *AdaptiveLimiter) trip(ctx context.Context, scale float64) time.Duration {
	d := a.backoff.TripScaled(scale)
	st := a.backoff.State()

	log.Warn().
		Str("venue", a.venue).
		Dur("backoff", d).
		Int("trip_count", st.TripCount).
		Msg("Rate limit hit, backing off")

	a.publisher.Publish(ctx, stream.TopicRateLimitTrip, map[string]any{
		"venue":         a.venue,
		"backoff_secs":  d.Seconds(),
		"trip_count":    st.TripCount,
		"backoff_until": st.BackoffUntil,
		"scale":         scale,
	})
	return d
}

// Backoff exposes the backoff state
func (a *AdaptiveLimiter) Backoff() BackoffState { return a.backoff.State() }

func (a *AdaptiveLimiter) count(c Class, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ok {
		a.allowed[c]++
	} else {
		a.denied[c]++
	}
}

// LimiterStats is a snapshot for the state pulse
type LimiterStats struct {
	Venue          string       `json:"venue"`
	Trading        BucketStats  `json:"trading"`
	Data           BucketStats  `json:"data"`
	Backoff        BackoffState `json:"backoff"`
	TradingAllowed int64        `json:"trading_allowed"`
	TradingDenied  int64        `json:"trading_denied"`
	DataAllowed    int64        `json:"data_allowed"`
	DataDenied     int64        `json:"data_denied"`
}

// Stats returns a snapshot of the limiter
func (a *AdaptiveLimiter) Stats() LimiterStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return LimiterStats{
		Venue:          a.venue,
		Trading:        a.trading.Stats(),
		Data:           a.data.Stats(),
		Backoff:        a.backoff.State(),
		TradingAllowed: a.allowed[ClassTrading],
		TradingDenied:  a.denied[ClassTrading],
		DataAllowed:    a.allowed[ClassData],
		DataDenied:     a.denied[ClassData],
	}
}

// Manager holds one adaptive limiter per venue
type Manager struct {
	mu       sync.RWMutex
	cfg      AdaptiveConfig
	pub      stream.Publisher
	limiters map[string]*AdaptiveLimiter
}

// NewManager creates a manager that lazily builds limiters with cfg
func NewManager(cfg AdaptiveConfig, pub stream.Publisher) *Manager {
	return &Manager{
		cfg:      cfg,
		pub:      pub,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

// For returns the limiter for venue, creating it on first use
func (m *Manager) For(venue string) *AdaptiveLimiter {
	m.mu.RLock()
	l, ok := m.limiters[venue]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := m.limiters[venue]; ok {
		return l
	}
	l = NewAdaptiveLimiter(venue, m.cfg, m.pub)
	m.limiters[venue] = l
	return l
}

// Stats returns statistics for every venue limiter
func (m *Manager) Stats() map[string]LimiterStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]LimiterStats, len(m.limiters))
	for venue, l := range m.limiters {
		stats[venue] = l.Stats()
	}
	return stats
}
