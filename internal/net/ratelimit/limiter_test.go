package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sawpanic/tradeguard/internal/stream"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestTokenBucket_AllowBurstThenRefill(t *testing.T) {
	clock := newFakeClock()
	bucket := NewTokenBucket(2, 2).WithClock(clock.Now)

	if !bucket.Allow(1) || !bucket.Allow(1) {
		t.Fatal("First two requests should be allowed by the burst")
	}
	if bucket.Allow(1) {
		t.Error("Third request should be rejected without waiting")
	}

	clock.Advance(500 * time.Millisecond)
	if !bucket.Allow(1) {
		t.Error("One token should have refilled after 500ms at 2 rps")
	}

	clock.Advance(time.Hour)
	if got := bucket.Tokens(); got != 2 {
		t.Errorf("Refill must cap at capacity, got %.2f tokens", got)
	}
}

func TestTokenBucket_TokensStayWithinBounds(t *testing.T) {
	clock := newFakeClock()
	bucket := NewTokenBucket(7, 5).WithClock(clock.Now)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			bucket.Allow(rng.Intn(7))
		case 1:
			ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
			if bucket.Tokens() >= 1 {
				_ = bucket.Wait(ctx, 1)
			}
			cancel()
		case 2:
			clock.Advance(time.Duration(rng.Intn(400)) * time.Millisecond)
		}

		tokens := bucket.Tokens()
		if tokens < 0 || tokens > float64(bucket.Capacity()) {
			t.Fatalf("Step %d: tokens out of bounds: %.3f", i, tokens)
		}
	}
}

func TestTokenBucket_WaitExceedsCapacity(t *testing.T) {
	bucket := NewTokenBucket(10, 3)
	err := bucket.Wait(context.Background(), 4)
	if !errors.Is(err, ErrExceedsCapacity) {
		t.Errorf("Expected ErrExceedsCapacity, got %v", err)
	}
}

func TestTokenBucket_Wait(t *testing.T) {
	bucket := NewTokenBucket(20, 1) // one token every 50ms

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := bucket.Wait(ctx, 1); err != nil {
		t.Fatalf("First wait should not error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("First request should be immediate, took %v", elapsed)
	}

	start = time.Now()
	if err := bucket.Wait(ctx, 1); err != nil {
		t.Fatalf("Second wait should not error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Errorf("Second request should wait ~50ms, took %v", elapsed)
	}
}

func TestTokenBucket_WaitHonoursCancellation(t *testing.T) {
	bucket := NewTokenBucket(0.1, 1) // ten seconds per token
	bucket.Allow(1)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := bucket.Wait(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	// Capped sleep slices mean cancellation is seen well before the 10s refill
	if elapsed := time.Since(start); elapsed > DefaultMaxWaitSlice+100*time.Millisecond {
		t.Errorf("Cancellation observed too late: %v", elapsed)
	}
}

func newTestBackoff(clock *fakeClock) *Backoff {
	b := NewBackoff(BackoffConfig{Multiplier: 2, Max: 10 * time.Second, RecoveryRate: 0.5})
	b.now = clock.Now
	b.jitter = func() float64 { return 0 }
	return b
}

func TestBackoff_ExponentialWithCeiling(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackoff(clock)

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Trip(); got != w {
			t.Errorf("Trip %d: expected %v, got %v", i+1, w, got)
		}
	}
	if st := b.State(); st.TripCount != 5 {
		t.Errorf("Expected trip count 5, got %d", st.TripCount)
	}
}

func TestBackoff_DecaysAndResets(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackoff(clock)

	b.Trip() // 2s
	if !b.Active() {
		t.Fatal("Backoff should be active right after a trip")
	}

	clock.Advance(2 * time.Second)
	st := b.State()
	if st.CurrentBackoff != 1 {
		t.Errorf("Expected 1s remaining after 2s at recovery 0.5, got %.2f", st.CurrentBackoff)
	}
	if b.Active() {
		t.Error("Backoff window should have elapsed")
	}

	prev := st.CurrentBackoff
	clock.Advance(time.Second)
	if cur := b.State().CurrentBackoff; cur > prev {
		t.Errorf("Backoff must not grow without a trip: %.2f -> %.2f", prev, cur)
	}

	clock.Advance(2 * time.Second)
	st = b.State()
	if st.CurrentBackoff != 0 || st.TripCount != 0 {
		t.Errorf("Expected full recovery, got %+v", st)
	}

	if got := b.Trip(); got != 2*time.Second {
		t.Errorf("After recovery the next trip should restart at 2s, got %v", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	clock := newFakeClock()
	for _, j := range []float64{-1, -0.5, 0, 0.5, 0.999} {
		b := newTestBackoff(clock)
		b.jitter = func() float64 { return j }
		got := b.Trip().Seconds()
		if got < 1.5 || got > 2.5 {
			t.Errorf("Jitter %.3f produced %.3fs, outside ±25%% of 2s", j, got)
		}
	}
}

func TestAdaptiveLimiter_RejectsDuringBackoff(t *testing.T) {
	bus := stream.NewBus()
	var trips []stream.Event
	bus.Subscribe(stream.TopicRateLimitTrip, func(ev stream.Event) { trips = append(trips, ev) })

	limiter := NewAdaptiveLimiter("kraken", AdaptiveConfig{
		TradingRPS: 100, TradingBurst: 10, DataRPS: 100, DataBurst: 10,
		Backoff: BackoffConfig{Multiplier: 2, Max: time.Minute, RecoveryRate: 1},
	}, bus)
	limiter.backoff.jitter = func() float64 { return 0 }

	if !limiter.Allow(ClassTrading) {
		t.Fatal("Trading should be allowed before any backoff")
	}

	limiter.OnRateLimitError(context.Background())
	if limiter.Allow(ClassTrading) || limiter.Allow(ClassData) {
		t.Error("Both classes must be rejected while backing off")
	}
	if len(trips) != 1 {
		t.Fatalf("Expected one ratelimit.trip event, got %d", len(trips))
	}

	stats := limiter.Stats()
	if stats.TradingAllowed != 1 || stats.TradingDenied != 1 || stats.DataDenied != 1 {
		t.Errorf("Unexpected counters: %+v", stats)
	}
	if stats.Backoff.TripCount != 1 {
		t.Errorf("Expected trip count 1, got %d", stats.Backoff.TripCount)
	}
}

func TestAdaptiveLimiter_WaitBlocksThroughBackoff(t *testing.T) {
	limiter := NewAdaptiveLimiter("okx", AdaptiveConfig{
		TradingRPS: 100, TradingBurst: 10, DataRPS: 100, DataBurst: 10,
		Backoff:      BackoffConfig{Multiplier: 2, Max: time.Minute, RecoveryRate: 1},
		MaxWaitSlice: 20 * time.Millisecond,
	}, nil)
	limiter.backoff.jitter = func() float64 { return 0 }

	d := limiter.OnRateLimitErrorScaled(context.Background(), 0.05) // 2s * 0.05 = 100ms
	if d < 99*time.Millisecond || d > 101*time.Millisecond {
		t.Fatalf("Expected 100ms scaled backoff, got %v", d)
	}

	start := time.Now()
	if err := limiter.Wait(context.Background(), ClassData); err != nil {
		t.Fatalf("Wait should succeed once backoff elapses: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Wait returned before backoff elapsed: %v", elapsed)
	}
}

func TestManager_LazyPerVenue(t *testing.T) {
	m := NewManager(AdaptiveConfig{TradingRPS: 1, TradingBurst: 1, DataRPS: 1, DataBurst: 1}, nil)

	a := m.For("kraken")
	if m.For("kraken") != a {
		t.Error("Manager should return the same limiter for a venue")
	}
	if !a.Allow(ClassTrading) || a.Allow(ClassTrading) {
		t.Error("Burst of one should allow exactly one request")
	}
	if !m.For("binance").Allow(ClassTrading) {
		t.Error("Venues must have independent buckets")
	}
	if len(m.Stats()) != 2 {
		t.Errorf("Expected stats for 2 venues, got %d", len(m.Stats()))
	}
}
