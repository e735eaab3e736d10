package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ErrExceedsCapacity is returned when a caller asks for more tokens than the
// bucket can ever hold
var ErrExceedsCapacity = errors.New("request exceeds bucket capacity")

// DefaultMaxWaitSlice caps a single sleep inside Wait so cancellation is
// observed promptly
const DefaultMaxWaitSlice = 250 * time.Millisecond

// TokenBucket is a token bucket on top of x/time/rate. Only AllowN is used on
// the underlying limiter, never reservations, so the token count stays within
// [0, capacity].
type TokenBucket struct {
	limiter  *rate.Limiter
	rps      float64
	capacity int
	maxSlice time.Duration
	now      func() time.Time
}

// NewTokenBucket creates a full bucket refilling at rps up to capacity
func NewTokenBucket(rps float64, capacity int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		limiter:  rate.NewLimiter(rate.Limit(rps), capacity),
		rps:      rps,
		capacity: capacity,
		maxSlice: DefaultMaxWaitSlice,
		now:      time.Now,
	}
}

// WithClock replaces the time source; tests drive refill deterministically
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// WithMaxWaitSlice sets the longest single sleep inside Wait
func (b *TokenBucket) WithMaxWaitSlice(d time.Duration) *TokenBucket {
	if d > 0 {
		b.maxSlice = d
	}
	return b
}

// Allow debits n tokens if available and reports whether it did. It never waits.
func (b *TokenBucket) Allow(n int) bool {
	if n <= 0 {
		return true
	}
	return b.limiter.AllowN(b.now(), n)
}

// Wait blocks until n tokens can be debited, sleeping in slices no longer than
// the configured maximum, or until ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if n > b.capacity {
		return fmt.Errorf("%w: want %d, capacity %d", ErrExceedsCapacity, n, b.capacity)
	}

	for {
		now := b.now()
		if b.limiter.AllowN(now, n) {
			return nil
		}

		deficit := float64(n) - b.limiter.TokensAt(now)
		sleep := time.Duration(deficit / b.rps * float64(time.Second))
		if sleep > b.maxSlice {
			sleep = b.maxSlice
		}
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}

		if err := sleepCtx(ctx, sleep); err != nil {
			return err
		}
	}
}

// Tokens returns the tokens currently available
func (b *TokenBucket) Tokens() float64 {
	t := b.limiter.TokensAt(b.now())
	if t < 0 {
		return 0
	}
	return t
}

// Rate returns the refill rate in tokens per second
func (b *TokenBucket) Rate() float64 { return b.rps }

// Capacity returns the bucket capacity
func (b *TokenBucket) Capacity() int { return b.capacity }

// BucketStats is a point-in-time view of a bucket
type BucketStats struct {
	RPS             float64 `json:"rps"`
	Capacity        int     `json:"capacity"`
	TokensAvailable float64 `json:"tokens_available"`
}

// Stats returns a snapshot of the bucket
func (b *TokenBucket) Stats() BucketStats {
	return BucketStats{
		RPS:             b.rps,
		Capacity:        b.capacity,
		TokensAvailable: b.Tokens(),
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
