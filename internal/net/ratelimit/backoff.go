package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures exponential backoff after venue 429 responses
type BackoffConfig struct {
	Multiplier   float64       // backoff seconds = Multiplier^tripCount
	Max          time.Duration // ceiling before jitter
	RecoveryRate float64       // backoff seconds recovered per elapsed second
}

// DefaultBackoffConfig mirrors the config package defaults
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Multiplier: 2, Max: 60 * time.Second, RecoveryRate: 0.5}
}

// BackoffState is a point-in-time view of a Backoff
type BackoffState struct {
	BackoffUntil   time.Time `json:"backoff_until"`
	CurrentBackoff float64   `json:"current_backoff_secs"`
	TripCount      int       `json:"trip_count"`
}

// Backoff tracks exponential backoff with ±25% jitter. The effective backoff
// decays linearly from the value set at the last trip and only increases on a
// trip; once it reaches zero the trip count resets.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	stored   float64 // seconds, value at lastTrip
	lastTrip time.Time
	until    time.Time
	trips    int

	now    func() time.Time
	jitter func() float64 // in [-1, 1)
}

// NewBackoff creates an idle backoff
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	if cfg.RecoveryRate <= 0 {
		cfg.RecoveryRate = 0.5
	}
	return &Backoff{
		cfg:    cfg,
		now:    time.Now,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// WithClock replaces the time source
func (b *Backoff) WithClock(now func() time.Time) *Backoff {
	b.now = now
	return b
}

// WithJitter replaces the jitter source; f must return values in [-1, 1)
func (b *Backoff) WithJitter(f func() float64) *Backoff {
	b.jitter = f
	return b
}

// Trip records a rate-limit response and returns the new backoff duration
func (b *Backoff) Trip() time.Duration {
	return b.TripScaled(1)
}

// TripScaled trips with the computed backoff multiplied by scale. Cascading
// backoff at lower priorities uses scale < 1.
func (b *Backoff) TripScaled(scale float64) time.Duration {
	if scale <= 0 {
		scale = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.decayLocked(now)

	b.trips++
	base := math.Min(b.cfg.Max.Seconds(), math.Pow(b.cfg.Multiplier, float64(b.trips)))
	secs := base * scale * (1 + 0.25*b.jitter())
	if secs < 0 {
		secs = 0
	}

	b.stored = secs
	b.lastTrip = now
	d := time.Duration(secs * float64(time.Second))
	if until := now.Add(d); until.After(b.until) {
		b.until = until
	}
	return d
}

// Remaining returns how long callers must still hold off
func (b *Backoff) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r := b.until.Sub(b.now()); r > 0 {
		return r
	}
	return 0
}

// Active reports whether now is inside the backoff window
func (b *Backoff) Active() bool {
	return b.Remaining() > 0
}

// State returns the current backoff state with decay applied
func (b *Backoff) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.decayLocked(now)
	return BackoffState{
		BackoffUntil:   b.until,
		CurrentBackoff: b.currentLocked(now),
		TripCount:      b.trips,
	}
}

// Reset clears all backoff state
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stored = 0
	b.trips = 0
	b.until = time.Time{}
	b.lastTrip = time.Time{}
}

func (b *Backoff) currentLocked(now time.Time) float64 {
	if b.stored == 0 {
		return 0
	}
	elapsed := now.Sub(b.lastTrip).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Max(0, b.stored-elapsed*b.cfg.RecoveryRate)
}

func (b *Backoff) decayLocked(now time.Time) {
	if b.trips > 0 && b.currentLocked(now) == 0 {
		b.trips = 0
		b.stored = 0
	}
}
