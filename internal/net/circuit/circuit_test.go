package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/stream"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(pub stream.Publisher) (*Breaker, *testClock) {
	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewBreaker(DefaultConfig(), pub).WithClock(clock.Now), clock
}

func TestBreaker_ThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(nil)

	b.RecordFailure(ctx, "binance", "timeout")
	b.RecordFailure(ctx, "binance", "timeout")
	ok, reason := b.IsAvailable("binance")
	assert.True(t, ok, "threshold-1 failures must not trip")
	assert.Empty(t, reason)

	b.RecordFailure(ctx, "binance", "timeout")
	ok, reason = b.IsAvailable("binance")
	assert.False(t, ok, "threshold failures must trip")
	assert.Contains(t, reason, "circuit open")

	ok, _ = b.IsAvailable("kraken")
	assert.True(t, ok, "other venues are unaffected")
}

func TestBreaker_WindowPrunesOldFailures(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(nil)

	b.RecordFailure(ctx, "okx", "502")
	b.RecordFailure(ctx, "okx", "502")
	clock.Advance(5*time.Minute + time.Second)
	b.RecordFailure(ctx, "okx", "502")

	ok, _ := b.IsAvailable("okx")
	assert.True(t, ok, "failures outside the window do not count")
	assert.Equal(t, 1, b.Status().Venues["okx"].RecentFailures)
}

func TestBreaker_CooldownExpiresLazily(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "coinbase", "500")
	}
	err := b.Check("coinbase")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVenueDisabled)

	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, clock.Now().Add(5*time.Minute), ue.Until)

	clock.Advance(4 * time.Minute)
	ok, _ := b.IsAvailable("coinbase")
	assert.False(t, ok)

	clock.Advance(time.Minute + time.Second)
	ok, _ = b.IsAvailable("coinbase")
	assert.True(t, ok)
	assert.Nil(t, b.Status().Venues["coinbase"].DisabledUntil)
}

func TestBreaker_RetriggerRefreshesCooldown(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBreaker(nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "kraken", "500")
	}
	clock.Advance(4 * time.Minute)
	b.RecordFailure(ctx, "kraken", "500")

	clock.Advance(2 * time.Minute)
	ok, _ := b.IsAvailable("kraken")
	assert.False(t, ok, "the fourth failure restarted the cooldown")
	assert.Equal(t, 1, b.Status().Venues["kraken"].Trips, "re-trigger inside cooldown is not a new trip")
}

func TestBreaker_SuccessClearsHistory(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(nil)

	b.RecordFailure(ctx, "okx", "timeout")
	b.RecordFailure(ctx, "okx", "timeout")
	b.RecordSuccess("okx")
	b.RecordFailure(ctx, "okx", "timeout")

	ok, _ := b.IsAvailable("okx")
	assert.True(t, ok)
	assert.Equal(t, 1, b.Status().Venues["okx"].RecentFailures)
}

func TestBreaker_GlobalReadOnlyRequiresManualReset(t *testing.T) {
	ctx := context.Background()
	bus := stream.NewBus()
	var readOnly, resets int
	bus.Subscribe(stream.TopicGlobalReadOnly, func(stream.Event) { readOnly++ })
	bus.Subscribe(stream.TopicCircuitReset, func(stream.Event) { resets++ })

	b, clock := newTestBreaker(bus)

	venues := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < 10; i++ {
		b.RecordFailure(ctx, venues[i%len(venues)], "err")
	}
	assert.True(t, b.ReadOnly())

	// More failures do not re-announce the transition
	b.RecordFailure(ctx, "a", "err")
	assert.Equal(t, 1, readOnly)

	// Long after every window and cooldown it stays read-only
	clock.Advance(24 * time.Hour)
	for _, v := range append(venues, "never-failed") {
		ok, reason := b.IsAvailable(v)
		assert.False(t, ok, v)
		assert.Contains(t, reason, "global read-only")
	}
	assert.ErrorIs(t, b.Check("never-failed"), ErrGlobalReadOnly)

	b.ResetGlobal(ctx)
	assert.False(t, b.ReadOnly())
	ok, _ := b.IsAvailable("a")
	assert.True(t, ok)
	assert.Empty(t, b.Status().Venues)
	assert.Equal(t, 1, resets)
}

func TestBreaker_ResetVenueLeavesReadOnly(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(nil)
	for i := 0; i < 10; i++ {
		b.RecordFailure(ctx, "binance", "err")
	}
	require.True(t, b.ReadOnly())

	b.ResetVenue(ctx, "binance")
	assert.True(t, b.ReadOnly())
	_, tracked := b.Status().Venues["binance"]
	assert.False(t, tracked)
}

func TestBreaker_VenueTripEvent(t *testing.T) {
	ctx := context.Background()
	bus := stream.NewBus()
	var trips []stream.Event
	bus.Subscribe(stream.TopicVenueTrip, func(ev stream.Event) { trips = append(trips, ev) })

	b, _ := newTestBreaker(bus)
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "binance", fmt.Sprintf("err %d", i))
	}

	require.Len(t, trips, 1)
	var payload struct {
		Venue    string `json:"venue"`
		Failures int    `json:"failures"`
		Reason   string `json:"reason"`
	}
	require.NoError(t, trips[0].Decode(&payload))
	assert.Equal(t, "binance", payload.Venue)
	assert.Equal(t, 3, payload.Failures)
	assert.Equal(t, "err 2", payload.Reason)
}

func TestBreaker_Call(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(nil)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := b.Call(ctx, "okx", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}

	called := false
	err := b.Call(ctx, "okx", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrVenueDisabled)
	assert.False(t, called, "fn must not run while the venue is disabled")

	assert.NoError(t, b.Call(ctx, "kraken", func(context.Context) error { return nil }))
}

func TestStatus_Unavailable(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(nil)
	for i := 0; i < 3; i++ {
		b.RecordFailure(ctx, "okx", "err")
		b.RecordFailure(ctx, "binance", "err")
	}
	b.RecordFailure(ctx, "kraken", "err")

	st := b.Status()
	assert.Equal(t, []string{"binance", "okx"}, st.Unavailable())
	assert.Equal(t, 2, st.Trips)
	assert.False(t, st.GlobalReadOnly)
	assert.Nil(t, st.ReadOnlySince)
}
