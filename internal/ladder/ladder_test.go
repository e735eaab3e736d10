package ladder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/net/budget"
	"github.com/sawpanic/tradeguard/internal/stream"
	"github.com/sawpanic/tradeguard/internal/venue"
)

type fakeConverter struct {
	balances map[string]float64
	prices   map[string]float64
	adj      map[string][]venue.Edge
	tickers  map[string]venue.Ticker
	dryRun   bool
	failOn   string
	unpriced string // ValueUSD fails for this asset
	starved  int    // ValueUSD calls rejected by the budget before answering
	converts []string
}

func (c *fakeConverter) Balances(context.Context) (map[string]float64, error) {
	return c.balances, nil
}

func (c *fakeConverter) Adjacency(context.Context) (map[string][]venue.Edge, error) {
	return c.adj, nil
}

func (c *fakeConverter) Convert(_ context.Context, from, to string, amount float64) (venue.Conversion, error) {
	if from == c.failOn {
		return venue.Conversion{}, errors.New("insufficient liquidity")
	}
	c.converts = append(c.converts, from+"->"+to)
	out := amount * c.prices[from] / c.prices[to]
	return venue.Conversion{
		OrderIDs:  []string{fmt.Sprintf("O%d", len(c.converts))},
		From:      from,
		To:        to,
		AmountIn:  amount,
		AmountOut: out,
	}, nil
}

func (c *fakeConverter) ValueUSD(_ context.Context, asset string, amount float64) (float64, error) {
	if c.starved > 0 {
		c.starved--
		return 0, &budget.StarvedError{
			Priority: budget.PriorityQuotes,
			By:       budget.PriorityPositions,
			Until:    time.Now().Add(10 * time.Millisecond),
		}
	}
	if asset == c.unpriced {
		return 0, errors.New("price feed down")
	}
	p, ok := c.prices[asset]
	if !ok {
		return 0, errors.New("no price for " + asset)
	}
	return amount * p, nil
}

func (c *fakeConverter) Ticker(_ context.Context, asset string) (venue.Ticker, error) {
	t, ok := c.tickers[asset]
	if !ok {
		return venue.Ticker{}, errors.New("no ticker")
	}
	return t, nil
}

func (c *fakeConverter) DryRun() bool { return c.dryRun }

func edges(from string, to ...string) []venue.Edge {
	out := make([]venue.Edge, 0, len(to))
	for _, t := range to {
		out = append(out, venue.Edge{From: from, To: t, Pair: from + "/" + t, Side: "sell"})
	}
	return out
}

type fixedSignals struct {
	dir      venue.DirectionSignal
	reverse  bool
	outcomes []venue.ConversionOutcome
	added    []string
}

func (s *fixedSignals) Direction(context.Context) (venue.DirectionSignal, error) { return s.dir, nil }
func (s *fixedSignals) RankSymbols(_ context.Context, symbols []string) ([]string, error) {
	if !s.reverse {
		return symbols, nil
	}
	out := make([]string, 0, len(symbols))
	for i := len(symbols) - 1; i >= 0; i-- {
		out = append(out, symbols[i])
	}
	return out, nil
}
func (s *fixedSignals) AddSignal(_ context.Context, name string, payload map[string]any) error {
	s.added = append(s.added, fmt.Sprintf("%s:%v", name, payload["id"]))
	return nil
}
func (s *fixedSignals) RecordConversion(_ context.Context, o venue.ConversionOutcome) error {
	s.outcomes = append(s.outcomes, o)
	return nil
}
func (s *fixedSignals) CheckTrade(context.Context, string, string, string) (venue.Veto, error) {
	return venue.Veto{Allow: true}, nil
}

type fixedPerformance struct {
	net, equity float64
}

func (p fixedPerformance) NetProfitUSD(context.Context) (float64, error) { return p.net, nil }
func (p fixedPerformance) EquityUSD(context.Context) (float64, error)    { return p.equity, nil }

type downVenues map[string]bool

func (d downVenues) IsAvailable(v string) (bool, string) {
	if d[v] {
		return false, "circuit open"
	}
	return true, ""
}

type recordingSink struct{ decisions []Decision }

func (s *recordingSink) RecordDecision(_ context.Context, d Decision) error {
	s.decisions = append(s.decisions, d)
	return nil
}

func baseConfig() Config {
	return Config{
		Enabled:           true,
		Mode:              ModeSuggest,
		Cooldown:          5 * time.Minute,
		MinUSD:            10,
		Fraction:          0.25,
		MaxHops:           4,
		FeeRate:           0.0026,
		VenuePriority:     []string{"kraken", "coinbase"},
		StableAssets:      []string{"USD", "USDC", "USDT", "DAI"},
		BlueChips:         []string{"ADA", "BTC", "ETH", "SOL"},
		FallbackDirection: DirAZ,
		BullishThreshold:  0.6,
		BearishThreshold:  0.6,
		MinCoherence:      0.5,
		ProfitGate:        ProfitGate{Enabled: true, PennyFloor: 0.01, PercentFloor: 0.001},
	}
}

func prices() map[string]float64 {
	return map[string]float64{"USD": 1, "USDC": 1, "BTC": 60000, "ETH": 2000, "SOL": 150, "ADA": 0.5, "DOGE": 0.1}
}

func TestFindPath(t *testing.T) {
	adj := map[string][]venue.Edge{
		"DOGE": edges("DOGE", "USD"),
		"USD":  edges("USD", "BTC", "ETH"),
		"BTC":  edges("BTC", "SOL"),
	}

	p := FindPath(adj, "DOGE", "SOL", 4)
	require.Len(t, p, 3)
	assert.Equal(t, "DOGE", p[0].From)
	assert.Equal(t, "SOL", p[2].To)

	assert.Nil(t, FindPath(adj, "DOGE", "SOL", 2), "hop limit")
	assert.Nil(t, FindPath(adj, "DOGE", "DOGE", 4))
	assert.Nil(t, FindPath(adj, "SOL", "DOGE", 4))
}

func TestMomentum(t *testing.T) {
	assert.Equal(t, 5.0, Momentum(venue.Ticker{Change24hPct: 5}))
	assert.InDelta(t, 5*1.15, Momentum(venue.Ticker{Change24hPct: 5, VolumeUSD: 999}), 1e-9)
	assert.InDelta(t, 5*1.5, Momentum(venue.Ticker{Change24hPct: 5, VolumeUSD: 1e30}), 1e-9, "volume boost is capped")
	assert.Less(t, Momentum(venue.Ticker{Change24hPct: -2, VolumeUSD: 1e6}), 0.0)
}

func TestProfitGateFloor(t *testing.T) {
	g := ProfitGate{Enabled: true, PennyFloor: 0.01, AbsoluteFloor: 0, PercentFloor: 0.001}
	assert.InDelta(t, 10.0, g.Floor(10000), 1e-9)
	assert.InDelta(t, 0.01, g.Floor(1), 1e-9)
	g.AbsoluteFloor = 25
	assert.InDelta(t, 25.0, g.Floor(10000), 1e-9)
}

func TestStep_Disabled(t *testing.T) {
	cfg := baseConfig()
	cfg.Enabled = false
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": &fakeConverter{}}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, l.Stats().Steps)
}

func TestStep_NeverSelfTargets(t *testing.T) {
	for _, dir := range []string{"UP", "DOWN", "LEFT", "RIGHT", "A-Z", "Z-A"} {
		conv := &fakeConverter{
			balances: map[string]float64{"BTC": 1},
			prices:   prices(),
			adj:      map[string][]venue.Edge{"BTC": edges("BTC", "BTC", "ETH", "SOL", "USD")},
		}
		cfg := baseConfig()
		cfg.Direction = dir
		l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

		d, err := l.Step(context.Background())
		require.NoError(t, err, dir)
		require.NotNil(t, d, dir)
		assert.Equal(t, "BTC", d.Source, dir)
		assert.NotEqual(t, "BTC", d.Target, dir)
		assert.Equal(t, "override", d.DirectionSource, dir)
	}
}

func TestStep_DirectionPolicies(t *testing.T) {
	cases := map[string]string{
		"DOWN":  "USD",
		"LEFT":  "ETH",
		"RIGHT": "SOL",
		"A-Z":   "DOGE",
		"Z-A":   "USD",
	}
	for dir, want := range cases {
		conv := &fakeConverter{
			balances: map[string]float64{"BTC": 1},
			prices:   prices(),
			adj:      map[string][]venue.Edge{"BTC": edges("BTC", "USD", "SOL", "ETH", "DOGE")},
		}
		cfg := baseConfig()
		cfg.Direction = dir
		l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

		d, err := l.Step(context.Background())
		require.NoError(t, err, dir)
		require.NotNil(t, d, dir)
		assert.Equal(t, want, d.Target, dir)
	}
}

func TestStep_DownFromStableAborts(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"USD": 5000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"USD": edges("USD", "BTC", "USDC")},
	}
	cfg := baseConfig()
	cfg.Direction = "down"
	sink := &recordingSink{}
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}, Sink: sink})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, int64(1), l.Stats().Aborted)
	assert.Empty(t, sink.decisions)
}

func TestStep_ProfitGateForcesDown(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 5},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "BTC", "SOL", "USD")},
	}
	cfg := baseConfig()
	cfg.Direction = "UP"
	l := New(cfg, Deps{
		Converters:  map[string]venue.Converter{"kraken": conv},
		Performance: fixedPerformance{net: -0.50, equity: 10000},
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DirDown, d.Direction, "-0.50 is below the $10 floor at 0.1% of 10k")
	assert.Equal(t, "profit_gate", d.DirectionSource)
	assert.Equal(t, "USD", d.Target)
}

func TestStep_ProfitGateAboveFloor(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 5},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "BTC", "SOL", "USD")},
	}
	cfg := baseConfig()
	cfg.Direction = "Z-A"
	l := New(cfg, Deps{
		Converters:  map[string]venue.Converter{"kraken": conv},
		Performance: fixedPerformance{net: 50, equity: 10000},
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DirZA, d.Direction)
	assert.Equal(t, "USD", d.Target)
}

func TestStep_SignalUpPicksMomentum(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"USD": 1000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"USD": edges("USD", "BTC", "ETH", "SOL")},
		tickers: map[string]venue.Ticker{
			"BTC": {Asset: "BTC", Change24hPct: -1, VolumeUSD: 1e9},
			"ETH": {Asset: "ETH", Change24hPct: 2, VolumeUSD: 1e6},
			"SOL": {Asset: "SOL", Change24hPct: 5, VolumeUSD: 1e3},
		},
	}
	sig := &fixedSignals{dir: venue.DirectionSignal{Bullish: 0.8, Coherence: 0.7}}
	l := New(baseConfig(), Deps{
		Converters: map[string]venue.Converter{"kraken": conv},
		Signals:    venue.NewSafeSignals(sig, time.Second),
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DirUp, d.Direction)
	assert.Equal(t, "signal", d.DirectionSource)
	assert.Equal(t, "SOL", d.Target)
	assert.InDelta(t, 250.0, d.AmountUSD, 1e-9)
	require.Len(t, d.Path, 1)
}

func TestStep_UpFallsBackToAlphabetical(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"USD": 1000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"USD": edges("USD", "SOL", "ETH", "BTC")},
		tickers: map[string]venue.Ticker{
			"BTC": {Change24hPct: -1},
			"ETH": {Change24hPct: -2},
			"SOL": {Change24hPct: 0},
		},
	}
	cfg := baseConfig()
	cfg.Direction = "UP"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "BTC", d.Target)
}

func TestStep_UpRespectsUniverse(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"USD": 1000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"USD": edges("USD", "BTC", "ETH", "SOL")},
	}
	cfg := baseConfig()
	cfg.Direction = "UP"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})
	l.SetUniverse([]string{"eth", "XRP"})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "ETH", d.Target)
}

func TestStep_BearishSignalGoesDown(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"SOL": 10},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"SOL": edges("SOL", "BTC", "USDC")},
	}
	sig := &fixedSignals{dir: venue.DirectionSignal{Bearish: 0.9}}
	l := New(baseConfig(), Deps{
		Converters: map[string]venue.Converter{"kraken": conv},
		Signals:    venue.NewSafeSignals(sig, time.Second),
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, DirDown, d.Direction)
	assert.Equal(t, "USDC", d.Target)
}

func TestStep_NoNeighboursFallsBackToStables(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ADA": 1000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{},
	}
	cfg := baseConfig()
	cfg.Direction = "A-Z"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "DAI", d.Target)
	assert.Empty(t, d.Path, "no route is informational in suggest mode")
	assert.Equal(t, ResultSuggested, d.Result)
}

func TestStep_SkipsUnavailableVenuesAndSmallHoldings(t *testing.T) {
	kraken := &fakeConverter{
		balances: map[string]float64{"BTC": 10},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"BTC": edges("BTC", "USD")},
	}
	coinbase := &fakeConverter{
		balances: map[string]float64{"ETH": 1, "DOGE": 50},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USD")},
	}
	cfg := baseConfig()
	cfg.Direction = "DOWN"
	l := New(cfg, Deps{
		Converters:   map[string]venue.Converter{"kraken": kraken, "coinbase": coinbase},
		Availability: downVenues{"kraken": true},
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "coinbase", d.Venue)
	assert.Equal(t, "ETH", d.Source, "DOGE is worth $5, below the minimum")
}

func TestStep_AmountBelowMinimumAborts(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 0.01},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USD")},
	}
	cfg := baseConfig()
	cfg.Direction = "DOWN"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d, "a quarter of $20 is below $10")
}

func TestStep_Cooldown(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"BTC": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"BTC": edges("BTC", "USD")},
	}
	cfg := baseConfig()
	cfg.Direction = "DOWN"
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}}).
		WithClock(func() time.Time { return now })

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)

	now = now.Add(time.Minute)
	d, err = l.Step(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)

	now = now.Add(5 * time.Minute)
	d, err = l.Step(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Equal(t, int64(2), l.Stats().Decisions)
}

func TestStep_ExecuteConvertsAndAccountsFees(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USD")},
	}
	cfg := baseConfig()
	cfg.Mode = ModeExecute
	cfg.Direction = "DOWN"
	cfg.Fraction = 0.5

	bus := stream.NewBus()
	var topics []string
	for _, topic := range []string{stream.TopicLadderDecision, stream.TopicLadderExecuted, stream.TopicLadderLink} {
		bus.Subscribe(topic, func(ev stream.Event) { topics = append(topics, ev.Topic) })
	}
	sig := &fixedSignals{}
	sink := &recordingSink{}
	l := New(cfg, Deps{
		Converters: map[string]venue.Converter{"kraken": conv},
		Signals:    venue.NewSafeSignals(sig, time.Second),
		Sink:       sink,
		Publisher:  bus,
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ResultExecuted, d.Result)
	require.NotNil(t, d.Execution)
	assert.True(t, d.Execution.Success)
	assert.Equal(t, []string{"O1"}, d.Execution.OrderIDs)
	assert.InDelta(t, 1000.0, d.Execution.InputUSD, 1e-9)
	assert.InDelta(t, 2.6, d.Execution.FeesUSD, 1e-9, "0.26% of $1000 over one hop")
	assert.InDelta(t, 1000.0, d.Execution.AmountOut, 1e-9)
	assert.Equal(t, []string{"ETH->USD"}, conv.converts)

	assert.True(t, d.Execution.Valued)
	assert.InDelta(t, 0.0, d.Execution.NetProfit, 1e-9)

	require.Len(t, sig.outcomes, 1)
	assert.Equal(t, d.ID, sig.outcomes[0].DecisionID)
	assert.True(t, sig.outcomes[0].Valued)
	assert.Equal(t, []string{"ladder_decision:" + d.ID}, sig.added)
	require.Len(t, sink.decisions, 1)
	assert.ElementsMatch(t, []string{
		stream.TopicLadderDecision, stream.TopicLadderLink,
		stream.TopicLadderExecuted, stream.TopicLadderLink,
	}, topics)
	assert.Equal(t, int64(1), l.Stats().Executed)
}

func TestStep_ExecuteDryRunSkips(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USD")},
		dryRun:   true,
	}
	cfg := baseConfig()
	cfg.Mode = ModeExecute
	cfg.Direction = "DOWN"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ResultSkippedDryRun, d.Result)
	assert.Nil(t, d.Execution)
	assert.Empty(t, conv.converts)
	assert.Equal(t, int64(1), l.Stats().Skipped)
}

func TestStep_ExecuteFailureRecorded(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USD")},
		failOn:   "ETH",
	}
	cfg := baseConfig()
	cfg.Mode = ModeExecute
	cfg.Direction = "DOWN"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ResultFailed, d.Result)
	require.NotNil(t, d.Execution)
	assert.False(t, d.Execution.Success)
	assert.Contains(t, d.Execution.Error, "insufficient liquidity")
	assert.Equal(t, int64(1), l.Stats().Failed)
}

func TestRecent(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"BTC": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"BTC": edges("BTC", "USD")},
	}
	cfg := baseConfig()
	cfg.Cooldown = 0
	cfg.Direction = "DOWN"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	for i := 0; i < 3; i++ {
		_, err := l.Step(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, l.Recent(2), 2)
	assert.Len(t, l.Recent(0), 3)
}

func TestStep_RankingBreaksMomentumTies(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"USD": 1000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"USD": edges("USD", "BTC", "ETH", "SOL")},
		tickers: map[string]venue.Ticker{
			"BTC": {Change24hPct: 3},
			"ETH": {Change24hPct: 1},
			"SOL": {Change24hPct: 3},
		},
	}
	cfg := baseConfig()
	cfg.Direction = "UP"

	plain := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})
	d, err := plain.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "BTC", d.Target, "alphabetical without a ranking")

	sig := &fixedSignals{reverse: true}
	ranked := New(cfg, Deps{
		Converters: map[string]venue.Converter{"kraken": conv},
		Signals:    venue.NewSafeSignals(sig, time.Second),
	})
	d, err = ranked.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "SOL", d.Target)
}

func TestStep_UpFallbackTakesTopRanked(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"USD": 1000},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"USD": edges("USD", "BTC", "ETH", "SOL")},
		tickers: map[string]venue.Ticker{
			"BTC": {Change24hPct: -1},
			"ETH": {Change24hPct: -2},
			"SOL": {Change24hPct: 0},
		},
	}
	cfg := baseConfig()
	cfg.Direction = "UP"
	sig := &fixedSignals{reverse: true}
	l := New(cfg, Deps{
		Converters: map[string]venue.Converter{"kraken": conv},
		Signals:    venue.NewSafeSignals(sig, time.Second),
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "SOL", d.Target)
	assert.Equal(t, []string{"ladder_decision:" + d.ID}, sig.added)
}

func TestStep_UnpricedOutputIsNotCountedAsLoss(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USDC")},
		unpriced: "USDC",
	}
	cfg := baseConfig()
	cfg.Mode = ModeExecute
	cfg.Direction = "DOWN"
	sig := &fixedSignals{}
	sink := &recordingSink{}
	bus := stream.NewBus()
	var links []map[string]any
	bus.Subscribe(stream.TopicLadderLink, func(ev stream.Event) {
		var m map[string]any
		require.NoError(t, ev.Decode(&m))
		links = append(links, m)
	})
	l := New(cfg, Deps{
		Converters: map[string]venue.Converter{"kraken": conv},
		Signals:    venue.NewSafeSignals(sig, time.Second),
		Sink:       sink,
		Publisher:  bus,
	})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, ResultExecuted, d.Result)
	require.NotNil(t, d.Execution)
	assert.True(t, d.Execution.Success)
	assert.False(t, d.Execution.Valued)
	assert.Zero(t, d.Execution.NetProfit)
	assert.InDelta(t, 500.0, d.Execution.InputUSD, 1e-9)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Executed)
	assert.Equal(t, int64(1), stats.Unvalued)
	assert.Zero(t, stats.NetProfitUSD)

	require.Len(t, sig.outcomes, 1)
	assert.False(t, sig.outcomes[0].Valued)
	require.Len(t, sink.decisions, 1)
	assert.False(t, sink.decisions[0].Execution.Valued)
	for _, m := range links {
		assert.NotContains(t, m, "net_profit")
	}
}

func TestStep_QuoteReadsSitOutBudgetWindows(t *testing.T) {
	conv := &fakeConverter{
		balances: map[string]float64{"ETH": 1},
		prices:   prices(),
		adj:      map[string][]venue.Edge{"ETH": edges("ETH", "USD")},
		starved:  2,
	}
	cfg := baseConfig()
	cfg.Direction = "DOWN"
	l := New(cfg, Deps{Converters: map[string]venue.Converter{"kraken": conv}})

	d, err := l.Step(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "USD", d.Target)
	assert.InDelta(t, 500.0, d.AmountUSD, 1e-9)
	assert.Zero(t, conv.starved)
}
