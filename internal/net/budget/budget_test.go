package budget

import (
	"context"
	"errors"
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

func newTestBudget(pub stream.Publisher) (*GlobalBudget, *testClock) {
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	g := New(DefaultConfig(), pub).WithClock(clock.Now).WithJitter(func() float64 { return 0 })
	return g, clock
}

func TestGlobalBudget_Split(t *testing.T) {
	g, _ := newTestBudget(nil)
	stats := g.Stats()
	require.Len(t, stats.Classes, 3)

	assert.Equal(t, "execution", stats.Classes[0].Priority)
	assert.InDelta(t, 20.0, stats.Classes[0].Bucket.RPS, 1e-9)
	assert.InDelta(t, 15.0, stats.Classes[1].Bucket.RPS, 1e-9)
	assert.InDelta(t, 15.0, stats.Classes[2].Bucket.RPS, 1e-9)
	assert.Equal(t, 20, stats.Classes[0].Bucket.Capacity)
}

func TestGlobalBudget_SharesNormalised(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionShare, cfg.PositionsShare, cfg.QuotesShare = 2, 1, 1
	g := New(cfg, nil)

	stats := g.Stats()
	assert.InDelta(t, 25.0, stats.Classes[0].Bucket.RPS, 1e-9)
	assert.InDelta(t, 12.5, stats.Classes[2].Bucket.RPS, 1e-9)
}

func TestGlobalBudget_ExecutionStarvesLowerClasses(t *testing.T) {
	g, clock := newTestBudget(nil)

	require.NoError(t, g.Acquire(PriorityExecution))

	err := g.Acquire(PriorityPositions)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStarved))

	var starved *StarvedError
	require.True(t, errors.As(err, &starved))
	assert.Equal(t, PriorityExecution, starved.By)

	assert.ErrorIs(t, g.Acquire(PriorityQuotes), ErrStarved)
	assert.NoError(t, g.Acquire(PriorityExecution), "execution is never starved by itself")

	clock.Advance(499 * time.Millisecond)
	assert.ErrorIs(t, g.Acquire(PriorityQuotes), ErrStarved)

	clock.Advance(2 * time.Millisecond)
	assert.NoError(t, g.Acquire(PriorityQuotes))
}

func TestGlobalBudget_PositionsStarvesQuotesOnly(t *testing.T) {
	g, clock := newTestBudget(nil)

	require.NoError(t, g.Acquire(PriorityPositions))
	assert.ErrorIs(t, g.Acquire(PriorityQuotes), ErrStarved)
	assert.NoError(t, g.Acquire(PriorityExecution))

	// The execution grant above opened its own 0.5s window
	clock.Advance(300 * time.Millisecond)
	assert.ErrorIs(t, g.Acquire(PriorityQuotes), ErrStarved)

	clock.Advance(300 * time.Millisecond)
	assert.NoError(t, g.Acquire(PriorityQuotes))
}

func TestGlobalBudget_WaitNeverQueuesWhenStarved(t *testing.T) {
	g, _ := newTestBudget(nil)
	require.NoError(t, g.Acquire(PriorityExecution))

	start := time.Now()
	err := g.Wait(context.Background(), PriorityQuotes)
	assert.ErrorIs(t, err, ErrStarved)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGlobalBudget_Throttled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalRPS = 3 // one token per class
	g := New(cfg, nil)

	require.NoError(t, g.Acquire(PriorityQuotes))
	assert.ErrorIs(t, g.Acquire(PriorityQuotes), ErrThrottled)
	assert.Equal(t, int64(1), g.Stats().Classes[2].Throttled)
}

func TestGlobalBudget_CascadeHalvesPerStep(t *testing.T) {
	bus := stream.NewBus()
	var cascades []stream.Event
	bus.Subscribe(stream.TopicBudgetCascade, func(ev stream.Event) { cascades = append(cascades, ev) })

	g, clock := newTestBudget(bus)
	applied := g.OnRateLimit(context.Background(), PriorityPositions)

	require.Len(t, applied, 2)
	assert.Equal(t, 2*time.Second, applied[PriorityPositions])
	assert.Equal(t, time.Second, applied[PriorityQuotes])
	_, touched := applied[PriorityExecution]
	assert.False(t, touched, "higher classes are not backed off")

	assert.NoError(t, g.Acquire(PriorityExecution))
	clock.Advance(600 * time.Millisecond) // past the execution window
	assert.ErrorIs(t, g.Acquire(PriorityPositions), ErrBackingOff)
	assert.ErrorIs(t, g.Acquire(PriorityQuotes), ErrBackingOff)

	clock.Advance(time.Second)
	assert.NoError(t, g.Acquire(PriorityQuotes))
	assert.ErrorIs(t, g.Acquire(PriorityPositions), ErrBackingOff)

	require.Len(t, cascades, 1)
	var payload struct {
		Priority    string             `json:"priority"`
		BackoffSecs map[string]float64 `json:"backoff_secs"`
	}
	require.NoError(t, cascades[0].Decode(&payload))
	assert.Equal(t, "positions", payload.Priority)
	assert.InDelta(t, 1.0, payload.BackoffSecs["quotes"], 1e-9)
}

func TestGlobalBudget_StatsReportExclusion(t *testing.T) {
	g, _ := newTestBudget(nil)
	require.NoError(t, g.Acquire(PriorityExecution))
	_ = g.Acquire(PriorityQuotes)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.Classes[0].Granted)
	assert.NotNil(t, stats.Classes[0].ExcludingUntil)
	assert.Equal(t, int64(1), stats.Classes[2].Starved)
	assert.Nil(t, stats.Classes[2].ExcludingUntil)
}

func TestGlobalBudget_UnknownPriority(t *testing.T) {
	g, _ := newTestBudget(nil)
	assert.Error(t, g.Acquire(Priority(7)))
	assert.Nil(t, g.OnRateLimit(context.Background(), Priority(-1)))
}

func TestGlobalBudget_WaitRechecksExclusionAfterSleeping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalRPS = 10 // quotes: 3 rps, capacity 3
	g := New(cfg, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(PriorityQuotes))
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), PriorityQuotes) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, g.Acquire(PriorityExecution))

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return")
	}
	var starved *StarvedError
	require.True(t, errors.As(err, &starved), "got %v", err)
	assert.Equal(t, PriorityExecution, starved.By)

	stats := g.Stats()
	assert.Equal(t, int64(3), stats.Classes[2].Granted, "nothing granted inside the window")
	assert.Equal(t, int64(1), stats.Classes[2].Starved)
}

func TestGlobalBudget_WaitGrantsAfterRefill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalRPS = 10
	g := New(cfg, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(PriorityQuotes))
	}

	start := time.Now()
	require.NoError(t, g.Wait(context.Background(), PriorityQuotes))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int64(4), g.Stats().Classes[2].Granted)
}

func TestSitOut(t *testing.T) {
	ctx := context.Background()

	calls := 0
	v, err := SitOut(ctx, 2, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &StarvedError{Priority: PriorityQuotes, By: PriorityPositions, Until: time.Now().Add(10 * time.Millisecond)}
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = SitOut(ctx, 1, func(context.Context) (int, error) {
		calls++
		return 0, &StarvedError{Priority: PriorityQuotes, By: PriorityExecution, Until: time.Now()}
	})
	assert.ErrorIs(t, err, ErrStarved)
	assert.Equal(t, 2, calls, "gives up after the allowed retries")

	calls = 0
	boom := errors.New("boom")
	_, err = SitOut(ctx, 3, func(context.Context) (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "only starvation is retried")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = SitOut(cctx, 3, func(context.Context) (int, error) {
		return 0, &StarvedError{Until: time.Now().Add(time.Hour)}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGlobalBudget_WaitSittingOut(t *testing.T) {
	b := New(DefaultConfig(), nil)
	require.NoError(t, b.Acquire(PriorityPositions))

	start := time.Now()
	require.NoError(t, b.WaitSittingOut(context.Background(), PriorityQuotes, 3))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, int64(1), b.Stats().Classes[PriorityQuotes].Starved)
	assert.Equal(t, int64(1), b.Stats().Classes[PriorityQuotes].Granted)
}
