package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradeguard/internal/config"
	"github.com/sawpanic/tradeguard/internal/infrastructure/db"
	httpapi "github.com/sawpanic/tradeguard/internal/interfaces/http"
	"github.com/sawpanic/tradeguard/internal/ladder"
	"github.com/sawpanic/tradeguard/internal/metrics"
	"github.com/sawpanic/tradeguard/internal/net/budget"
	restclient "github.com/sawpanic/tradeguard/internal/net/client"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/net/ratelimit"
	"github.com/sawpanic/tradeguard/internal/ops"
	"github.com/sawpanic/tradeguard/internal/ops/confirm"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/ops/reconcile"
	"github.com/sawpanic/tradeguard/internal/ops/tradelock"
	"github.com/sawpanic/tradeguard/internal/router"
	"github.com/sawpanic/tradeguard/internal/stream"
	"github.com/sawpanic/tradeguard/internal/venue"
)

// Options carries what configuration cannot: venue adapters and the optional
// collaborators. Every field may be left zero.
type Options struct {
	Registry    *venue.Registry
	Signals     venue.Signals
	Performance ladder.Performance
	Book        reconcile.Book // Seeded from venue equity when nil
	Positions   func() any     // Heartbeat positions; the book's positions when nil
	Redis       *redis.Client  // Overrides the client built from config
	Locker      tradelock.Locker
	Journal     *db.Manager
}

// Core owns one instance of every resilience component. Nothing in the
// process reaches these through globals; callers hold the Core.
type Core struct {
	Config     config.Config
	Bus        *stream.Bus
	Metrics    *metrics.Registry
	Breaker    *circuit.Breaker
	Limiters   *ratelimit.Manager
	Budget     *budget.GlobalBudget
	Locker     tradelock.Locker
	Confirmer  *confirm.Confirmer
	Store      pulse.StateStore
	Pulse      *pulse.Pulse
	Book       reconcile.Book
	Reconciler *reconcile.Reconciler
	Router     *router.Router
	Ladder     *ladder.Ladder
	Switches   *ops.SwitchManager
	Signals    *venue.SafeSignals
	Gate       *ops.Gate
	Journal    *db.Manager
	Venues     map[string]*venue.Guarded

	positions func() any
	closers   []func() error
}

// New builds a Core from cfg. The config is expected to be clamped already.
// On error everything built so far is closed again.
func New(ctx context.Context, cfg config.Config, opts Options) (*Core, error) {
	c := &Core{Config: cfg, Venues: make(map[string]*venue.Guarded)}
	if err := c.build(ctx, cfg, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(ctx context.Context, cfg config.Config, opts Options) error {
	client := opts.Redis
	if client == nil && cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, client.Close)
	}

	c.Bus = stream.NewBus(eventSinks(cfg, client, c)...)
	c.Metrics = metrics.NewRegistry()
	detach := c.Metrics.Attach(c.Bus)
	c.closers = append(c.closers, func() error { detach(); return nil })

	c.Breaker = circuit.NewBreaker(circuit.Config{
		Window:          cfg.Circuit.WindowDuration(),
		VenueThreshold:  cfg.Circuit.VenueThreshold,
		Cooldown:        cfg.Circuit.CooldownDuration(),
		GlobalThreshold: cfg.Circuit.GlobalThreshold,
	}, c.Bus)

	backoff := ratelimit.BackoffConfig{
		Multiplier:   cfg.RateLimit.BackoffMultiplier,
		Max:          cfg.RateLimit.MaxBackoff(),
		RecoveryRate: cfg.RateLimit.RecoveryRate,
	}
	c.Limiters = ratelimit.NewManager(ratelimit.AdaptiveConfig{
		TradingRPS:   cfg.RateLimit.TradingRPS,
		TradingBurst: cfg.RateLimit.TradingBurst,
		DataRPS:      cfg.RateLimit.DataRPS,
		DataBurst:    cfg.RateLimit.DataBurst,
		Backoff:      backoff,
		MaxWaitSlice: cfg.RateLimit.MaxWaitSlice(),
	}, c.Bus)
	c.Budget = budget.New(budget.Config{
		TotalRPS:           cfg.Budget.TotalRPS,
		ExecutionShare:     cfg.Budget.ExecutionShare,
		PositionsShare:     cfg.Budget.PositionsShare,
		QuotesShare:        cfg.Budget.QuotesShare,
		ExecutionExclusion: time.Duration(cfg.Budget.ExecutionExclusionMS) * time.Millisecond,
		PositionsExclusion: time.Duration(cfg.Budget.PositionsExclusionMS) * time.Millisecond,
		Backoff:            backoff,
		MaxWaitSlice:       cfg.RateLimit.MaxWaitSlice(),
	}, c.Bus)

	if opts.Registry != nil {
		for _, name := range opts.Registry.Names() {
			vc, err := opts.Registry.Get(name)
			if err != nil {
				return err
			}
			c.Venues[name] = venue.NewGuarded(vc, venue.Guards{
				Limiter: c.Limiters.For(name),
				Budget:  c.Budget,
				Breaker: c.Breaker,
			})
		}
	}

	store, stateName, err := stateStore(cfg, client)
	if err != nil {
		return err
	}
	c.Store = store
	c.Pulse = pulse.New(store, stateName, cfg.Pulse.StaleAfter())

	c.Locker = opts.Locker
	if c.Locker == nil {
		if c.Locker, err = newLocker(cfg, client); err != nil {
			return err
		}
	}
	c.closers = append(c.closers, c.Locker.ReleaseAll)

	c.Confirmer = confirm.NewConfirmer(confirm.Config{
		MaxPolls:     cfg.Confirm.MaxPolls,
		PollInterval: cfg.Confirm.PollInterval(),
	}, c.orderReaders(), c.Bus)

	c.Journal = opts.Journal
	if c.Journal == nil {
		dbCfg := db.DefaultConfig()
		dbCfg.DSN = cfg.Journal.DSN
		dbCfg.QueryTimeout = cfg.Journal.Timeout()
		if c.Journal, err = db.NewManager(ctx, dbCfg); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	c.closers = append(c.closers, c.Journal.Close)
	journal := c.Journal.Journal()

	c.Book = opts.Book
	if c.Book == nil {
		c.Book = reconcile.NewLedger(c.baselineEquity(ctx))
	}
	c.Reconciler = reconcile.New(reconcile.Config{
		Interval:     cfg.Reconcile.Interval(),
		Threshold:    cfg.Reconcile.Threshold,
		HistoryLimit: reconcile.DefaultHistoryLimit,
	}, c.Book, c.equityReaders(), c.Bus)
	if journal != nil {
		c.Reconciler.WithSink(journal)
	}

	c.Router = router.New(routerConfig(cfg), c.Breaker, store, c.Bus)
	if err := c.Router.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Router state could not be restored, starting fresh")
	}

	c.Signals = venue.NewSafeSignals(opts.Signals, cfg.Gate.SignalTimeout())
	c.Switches = ops.NewSwitchManager(cfg.Gate.KillSwitch, cfg.Gate.DisabledVenues)

	ladderDeps := ladder.Deps{
		Converters:   c.converters(),
		Signals:      c.Signals,
		Performance:  opts.Performance,
		Availability: c.Breaker,
		Locker:       c.Locker,
		Publisher:    c.Bus,
	}
	if journal != nil {
		ladderDeps.Sink = journal
	}
	c.Ladder = ladder.New(ladderConfig(cfg.Ladder), ladderDeps)

	c.Gate = ops.NewGate(ops.Deps{
		Breaker:    c.Breaker,
		Reconciler: c.Reconciler,
		Locker:     c.Locker,
		Signals:    c.Signals,
		Confirmer:  c.Confirmer,
		Pulse:      c.Pulse,
		Budget:     c.Budget,
		Limiters:   c.Limiters,
		Switches:   c.Switches,
		Observer:   c.Metrics,
		Extra: map[string]func() any{
			"router": func() any { return c.Router.Snapshot() },
			"ladder": func() any { return c.Ladder.Stats() },
			"events": func() any { return c.Bus.Stats() },
		},
	}, cfg.Lock.Timeout())

	c.positions = opts.Positions
	if c.positions == nil {
		book := c.Book
		c.positions = func() any { return book.Positions() }
	}

	log.Info().
		Int("venues", len(c.Venues)).
		Str("pulse_backend", cfg.Pulse.Backend).
		Bool("journal", c.Journal.IsEnabled()).
		Bool("ladder", cfg.Ladder.Enabled).
		Msg("Trade guard core assembled")
	return nil
}

func eventSinks(cfg config.Config, client *redis.Client, c *Core) []stream.Sink {
	var sinks []stream.Sink
	if client != nil && cfg.Events.RedisChannel != "" {
		sinks = append(sinks, stream.NewRedisSink(client, cfg.Events.RedisChannel))
	}
	if len(cfg.Events.KafkaBrokers) > 0 && cfg.Events.KafkaTopic != "" {
		k := stream.NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		c.closers = append(c.closers, k.Close)
		sinks = append(sinks, k)
	}
	return sinks
}

// stateStore picks the snapshot backend. The pulse document is named after
// the configured path without its extension; the router shares the store.
func stateStore(cfg config.Config, client *redis.Client) (pulse.StateStore, string, error) {
	name := strings.TrimSuffix(filepath.Base(cfg.Pulse.Path), filepath.Ext(cfg.Pulse.Path))
	if cfg.Pulse.Backend == "redis" {
		if client == nil {
			return nil, "", errors.New("pulse backend redis requires redis.addr")
		}
		return pulse.NewRedisStore(client, cfg.Redis.KeyPrefix), name, nil
	}
	return pulse.NewFileStore(filepath.Dir(cfg.Pulse.Path)), name, nil
}

// OpenStateStore opens the configured snapshot store for tools that only read
// it. The returned func closes any connection it made.
func OpenStateStore(cfg config.Config) (pulse.StateStore, string, func() error, error) {
	var client *redis.Client
	closeFn := func() error { return nil }
	if cfg.Pulse.Backend == "redis" && cfg.Redis.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closeFn = client.Close
	}
	store, name, err := stateStore(cfg, client)
	if err != nil {
		_ = closeFn()
		return nil, "", nil, err
	}
	return store, name, closeFn, nil
}

// newLocker uses redis locks when snapshots already live in redis, so every
// process sharing the state also shares the locks.
func newLocker(cfg config.Config, client *redis.Client) (tradelock.Locker, error) {
	if cfg.Pulse.Backend == "redis" && client != nil {
		return tradelock.NewRedisLocker(client, cfg.Redis.KeyPrefix, 2*cfg.Lock.Timeout(), cfg.Lock.Retry()), nil
	}
	l, err := tradelock.NewFileLocker(cfg.Lock.Dir, cfg.Lock.Retry())
	if err != nil {
		return nil, fmt.Errorf("trade lock: %w", err)
	}
	return l, nil
}

func routerConfig(cfg config.Config) router.Config {
	profiles := make(map[string]router.Profile, len(cfg.Router.Venues))
	for name, vp := range cfg.Router.Venues {
		profiles[name] = router.Profile{
			AssetClasses:    vp.AssetClasses,
			MinNotional:     vp.MinNotional,
			RegionCompliant: vp.RegionCompliant,
		}
	}
	return router.Config{
		Priority:         cfg.Router.Priority,
		Profiles:         profiles,
		MaxAttempts:      cfg.Router.MaxAttempts,
		MinSuccessRate:   cfg.Router.MinSuccessRate,
		RegionRestricted: cfg.Router.RegionRestricted,
		StateName:        cfg.Router.StateName,
	}
}

func ladderConfig(l config.LadderConfig) ladder.Config {
	return ladder.Config{
		Enabled:           l.Enabled,
		Mode:              ladder.Mode(l.Mode),
		Cooldown:          l.Cooldown(),
		MinUSD:            l.MinUSD,
		Fraction:          l.Fraction,
		MaxHops:           l.MaxHops,
		FeeRate:           l.FeeRate,
		VenuePriority:     l.VenuePriority,
		Blocklist:         l.Blocklist,
		StableAssets:      l.StableAssets,
		BlueChips:         l.BlueChips,
		Direction:         l.Direction,
		FallbackDirection: ladder.Direction(l.FallbackDirection),
		BullishThreshold:  l.BullishThreshold,
		BearishThreshold:  l.BearishThreshold,
		MinCoherence:      l.MinCoherence,
		ProfitGate: ladder.ProfitGate{
			Enabled:       l.ProfitGate.Enabled,
			PennyFloor:    l.ProfitGate.PennyFloor,
			AbsoluteFloor: l.ProfitGate.AbsoluteFloor,
			PercentFloor:  l.ProfitGate.PercentFloor,
		},
	}
}

func (c *Core) orderReaders() map[string]venue.OrderStatusReader {
	out := make(map[string]venue.OrderStatusReader)
	for name, g := range c.Venues {
		if g.Capabilities().Has(venue.CapOrderStatus) {
			out[name] = g
		}
	}
	return out
}

func (c *Core) equityReaders() map[string]venue.EquityReader {
	out := make(map[string]venue.EquityReader)
	for name, g := range c.Venues {
		if g.Capabilities().Has(venue.CapEquity) {
			out[name] = g
		}
	}
	return out
}

func (c *Core) converters() map[string]venue.Converter {
	out := make(map[string]venue.Converter)
	for name, g := range c.Venues {
		if g.Capabilities().Has(venue.CapConvert) {
			out[name] = g
		}
	}
	return out
}

// baselineEquity sums what the venues report at startup. Without an external
// position store the book starts in agreement with the venues and later
// drift is measured from there.
func (c *Core) baselineEquity(ctx context.Context) decimal.Decimal {
	total := decimal.Zero
	for _, name := range venue.SortedKeys(c.Venues) {
		g := c.Venues[name]
		if !g.Capabilities().Has(venue.CapEquity) {
			continue
		}
		eq, err := g.TotalEquity(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", name).Msg("Baseline equity unavailable")
			continue
		}
		total = total.Add(eq)
	}
	return total
}

// HTTPClient returns a REST client for a venue adapter. Its requests share
// the venue's limiter, the global budget and, for order flow, the breaker.
func (c *Core) HTTPClient(venueName string, timeout time.Duration) *http.Client {
	return restclient.NewTransport(restclient.TransportConfig{
		Venue:   venueName,
		Limiter: c.Limiters.For(venueName),
		Budget:  c.Budget,
		Breaker: c.Breaker,
	}, nil).Client(timeout)
}

// Server builds the HTTP status server over this core
func (c *Core) Server() *httpapi.Server {
	handlers := httpapi.NewHandlers(httpapi.Deps{
		Gate:     c.Gate,
		Breaker:  c.Breaker,
		Switches: c.Switches,
		Bus:      c.Bus,
		Pulse:    c.Pulse,
		Router:   c.Router,
		Ladder:   c.Ladder,
		Metrics:  c.Metrics,
		Journal:  c.Journal.Health(),
	})
	return httpapi.NewServer(httpapi.DefaultServerConfig(c.Config.HTTP.Addr), handlers)
}

// Tick runs one heartbeat and, when enabled, one ladder step. A heartbeat
// failure is returned; ladder failures are logged and counted only.
func (c *Core) Tick(ctx context.Context) error {
	timer := c.Metrics.StartStepTimer("heartbeat")
	if err := c.Gate.Heartbeat(ctx, c.positions()); err != nil {
		timer.Stop("error")
		return err
	}
	timer.Stop("ok")

	if !c.Config.Ladder.Enabled {
		return nil
	}
	if halted, reason := c.Gate.Halted(); halted || c.Breaker.ReadOnly() {
		log.Debug().Bool("read_only", c.Breaker.ReadOnly()).Str("halt", reason).Msg("Ladder step skipped")
		return nil
	}
	if !c.Switches.IsTradingEnabled() {
		return nil
	}

	timer = c.Metrics.StartStepTimer("ladder")
	d, err := c.Ladder.Step(ctx)
	switch {
	case err != nil:
		timer.Stop("error")
		log.Warn().Err(err).Msg("Ladder step failed")
	case d == nil:
		timer.Stop("idle")
	default:
		timer.Stop(d.Result)
	}
	return nil
}

// Run ticks every pulse interval until ctx is cancelled
func (c *Core) Run(ctx context.Context) error {
	interval := c.Config.Pulse.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Heartbeat loop started")
	if err := c.Tick(ctx); err != nil {
		log.Error().Err(err).Msg("Heartbeat failed")
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Heartbeat loop stopped")
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Heartbeat failed")
			}
		}
	}
}

// Close releases held locks and closes sinks, the journal and redis in
// reverse order of construction.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
