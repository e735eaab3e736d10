package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the complete tradeguard configuration. Every numeric knob has a
// documented default in Default and a safe range enforced by Clamp.
type Config struct {
	Venues    []string        `yaml:"venues"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Budget    BudgetConfig    `yaml:"budget"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Lock      LockConfig      `yaml:"lock"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Pulse     PulseConfig     `yaml:"pulse"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Router    RouterConfig    `yaml:"router"`
	Ladder    LadderConfig    `yaml:"ladder"`
	Gate      GateConfig      `yaml:"gate"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Journal   JournalConfig   `yaml:"journal"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Paper     PaperConfig     `yaml:"paper"`
}

// RateLimitConfig sizes the per-venue adaptive limiter
type RateLimitConfig struct {
	TradingRPS        float64 `yaml:"trading_rps"`        // Execution-class refill rate
	TradingBurst      int     `yaml:"trading_burst"`      // Execution-class capacity
	DataRPS           float64 `yaml:"data_rps"`           // Data-class refill rate
	DataBurst         int     `yaml:"data_burst"`         // Data-class capacity
	BackoffMultiplier float64 `yaml:"backoff_multiplier"` // Base of the exponential backoff
	MaxBackoffSecs    float64 `yaml:"max_backoff_secs"`   // Backoff ceiling
	RecoveryRate      float64 `yaml:"recovery_rate"`      // Backoff seconds recovered per elapsed second
	MaxWaitSliceMS    int     `yaml:"max_wait_slice_ms"`  // Longest single sleep inside Wait
}

// BudgetConfig partitions process-wide throughput across priority classes
type BudgetConfig struct {
	TotalRPS             float64 `yaml:"total_rps"`
	ExecutionShare       float64 `yaml:"execution_share"`
	PositionsShare       float64 `yaml:"positions_share"`
	QuotesShare          float64 `yaml:"quotes_share"`
	ExecutionExclusionMS int     `yaml:"execution_exclusion_ms"` // Lower classes starved after an execution grant
	PositionsExclusionMS int     `yaml:"positions_exclusion_ms"` // Quotes starved after a positions grant
}

// CircuitConfig configures the venue breaker
type CircuitConfig struct {
	WindowSecs      int `yaml:"window_secs"`      // Rolling failure window
	VenueThreshold  int `yaml:"venue_threshold"`  // Failures in window that disable a venue
	CooldownSecs    int `yaml:"cooldown_secs"`    // How long a tripped venue stays disabled
	GlobalThreshold int `yaml:"global_threshold"` // Failures across all venues that force read-only
}

// LockConfig configures the cross-process trade lock
type LockConfig struct {
	Dir       string `yaml:"dir"`
	TimeoutMS int    `yaml:"timeout_ms"`
	RetryMS   int    `yaml:"retry_ms"`
}

// ConfirmConfig configures order-fill polling
type ConfirmConfig struct {
	MaxPolls       int `yaml:"max_polls"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// PulseConfig configures the state snapshot
type PulseConfig struct {
	Backend      string `yaml:"backend"` // file | redis
	Path         string `yaml:"path"`
	StaleSecs    int    `yaml:"stale_secs"`
	IntervalSecs int    `yaml:"interval_secs"`
}

// ReconcileConfig configures balance reconciliation
type ReconcileConfig struct {
	IntervalSecs int     `yaml:"interval_secs"`
	Threshold    float64 `yaml:"threshold"` // Fractional drift that records a discrepancy; halt at 2x
}

// RouterConfig configures the restriction-learning venue router
type RouterConfig struct {
	Priority         []string                      `yaml:"priority"`
	StateName        string                        `yaml:"state_name"`
	MaxAttempts      int                           `yaml:"max_attempts"`
	MinSuccessRate   float64                       `yaml:"min_success_rate"`
	RegionRestricted []string                      `yaml:"region_restricted"`
	Venues           map[string]VenueProfileConfig `yaml:"venues"`
}

// VenueProfileConfig is the static capability metadata of one venue
type VenueProfileConfig struct {
	AssetClasses    []string `yaml:"asset_classes"`
	MinNotional     float64  `yaml:"min_notional"`
	RegionCompliant bool     `yaml:"region_compliant"`
}

// LadderConfig configures capital rotation
type LadderConfig struct {
	Enabled           bool             `yaml:"enabled"`
	Mode              string           `yaml:"mode"` // suggest | execute
	CooldownSecs      int              `yaml:"cooldown_secs"`
	MinUSD            float64          `yaml:"min_usd"`
	Fraction          float64          `yaml:"fraction"`
	MaxHops           int              `yaml:"max_hops"`
	FeeRate           float64          `yaml:"fee_rate"`
	VenuePriority     []string         `yaml:"venue_priority"`
	Blocklist         []string         `yaml:"blocklist"`
	StableAssets      []string         `yaml:"stable_assets"`
	BlueChips         []string         `yaml:"blue_chips"`
	Direction         string           `yaml:"direction"`          // Explicit override, empty for signal-driven
	FallbackDirection string           `yaml:"fallback_direction"` // A-Z or Z-A
	BullishThreshold  float64          `yaml:"bullish_threshold"`
	BearishThreshold  float64          `yaml:"bearish_threshold"`
	MinCoherence      float64          `yaml:"min_coherence"`
	ProfitGate        ProfitGateConfig `yaml:"profit_gate"`
}

// ProfitGateConfig configures the net-profit gate
type ProfitGateConfig struct {
	Enabled       bool    `yaml:"enabled"`
	PennyFloor    float64 `yaml:"penny_floor"`
	AbsoluteFloor float64 `yaml:"absolute_floor"`
	PercentFloor  float64 `yaml:"percent_floor"`
}

// RedisConfig is shared by the redis state store and event sink
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig selects optional event sinks
type EventsConfig struct {
	RedisChannel string   `yaml:"redis_channel"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// JournalConfig configures the postgres audit journal
type JournalConfig struct {
	DSN       string `yaml:"dsn"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// GateConfig holds operator switches consulted before every trade
type GateConfig struct {
	KillSwitch      bool     `yaml:"kill_switch"`       // Blocks all trading until cleared
	DisabledVenues  []string `yaml:"disabled_venues"`   // Venues an operator has switched off
	SignalTimeoutMS int      `yaml:"signal_timeout_ms"` // Budget for each optional collaborator call
}

// HTTPConfig configures the status server
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// PaperConfig seeds the in-memory paper venue registered by serve --paper
type PaperConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Name      string             `yaml:"name"`
	DryRun    bool               `yaml:"dry_run"`
	Balances  map[string]float64 `yaml:"balances"`
	Prices    map[string]float64 `yaml:"prices"`
	Change24h map[string]float64 `yaml:"change_24h"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the documented safe defaults
func Default() Config {
	return Config{
		Venues: []string{"kraken", "coinbase", "binance", "okx"},
		RateLimit: RateLimitConfig{
			TradingRPS:        5,
			TradingBurst:      10,
			DataRPS:           15,
			DataBurst:         30,
			BackoffMultiplier: 2,
			MaxBackoffSecs:    60,
			RecoveryRate:      0.5,
			MaxWaitSliceMS:    250,
		},
		Budget: BudgetConfig{
			TotalRPS:             50,
			ExecutionShare:       0.40,
			PositionsShare:       0.30,
			QuotesShare:          0.30,
			ExecutionExclusionMS: 500,
			PositionsExclusionMS: 200,
		},
		Circuit: CircuitConfig{
			WindowSecs:      300,
			VenueThreshold:  3,
			CooldownSecs:    300,
			GlobalThreshold: 10,
		},
		Lock: LockConfig{
			Dir:       os.TempDir() + "/tradeguard-locks",
			TimeoutMS: 5000,
			RetryMS:   100,
		},
		Confirm: ConfirmConfig{
			MaxPolls:       5,
			PollIntervalMS: 2000,
		},
		Pulse: PulseConfig{
			Backend:      "file",
			Path:         "state/pulse.json",
			StaleSecs:    120,
			IntervalSecs: 30,
		},
		Reconcile: ReconcileConfig{
			IntervalSecs: 300,
			Threshold:    0.05,
		},
		Router: RouterConfig{
			Priority:         []string{"kraken", "coinbase", "binance", "okx"},
			StateName:        "router",
			MaxAttempts:      3,
			MinSuccessRate:   0.8,
			RegionRestricted: nil,
			Venues: map[string]VenueProfileConfig{
				"kraken":   {AssetClasses: []string{"crypto", "fiat"}, MinNotional: 5, RegionCompliant: true},
				"coinbase": {AssetClasses: []string{"crypto", "fiat"}, MinNotional: 1, RegionCompliant: true},
				"binance":  {AssetClasses: []string{"crypto"}, MinNotional: 10},
				"okx":      {AssetClasses: []string{"crypto", "derivatives"}, MinNotional: 5},
			},
		},
		Ladder: LadderConfig{
			Enabled:           false,
			Mode:              "suggest",
			CooldownSecs:      300,
			MinUSD:            10,
			Fraction:          0.25,
			MaxHops:           4,
			FeeRate:           0.0026,
			VenuePriority:     []string{"kraken", "coinbase", "binance", "okx"},
			StableAssets:      []string{"USD", "USDC", "USDT", "DAI"},
			BlueChips:         []string{"ADA", "AVAX", "BTC", "DOT", "ETH", "LINK", "SOL", "XRP"},
			FallbackDirection: "A-Z",
			BullishThreshold:  0.6,
			BearishThreshold:  0.6,
			MinCoherence:      0.5,
			ProfitGate: ProfitGateConfig{
				Enabled:       true,
				PennyFloor:    0.01,
				AbsoluteFloor: 0,
				PercentFloor:  0.001,
			},
		},
		Redis: RedisConfig{
			KeyPrefix: "tradeguard:",
		},
		Events: EventsConfig{
			RedisChannel: "tradeguard.events",
			KafkaTopic:   "tradeguard.events",
		},
		Gate: GateConfig{
			SignalTimeoutMS: 2000,
		},
		Journal: JournalConfig{
			TimeoutMS: 5000,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8090",
		},
		Log: LogConfig{
			Level: "info",
		},
		Paper: PaperConfig{
			Name:   "paper",
			DryRun: true,
		},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides and
// clamps the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	cfg.Clamp()

	return &cfg, nil
}

// Clamp forces every knob into its safe range. Out-of-range values are logged
// and replaced rather than rejected.
func (c *Config) Clamp() {
	rl := &c.RateLimit
	clampFloat("rate_limit.trading_rps", &rl.TradingRPS, 0.1, 1000)
	clampInt("rate_limit.trading_burst", &rl.TradingBurst, 1, 10000)
	clampFloat("rate_limit.data_rps", &rl.DataRPS, 0.1, 1000)
	clampInt("rate_limit.data_burst", &rl.DataBurst, 1, 10000)
	clampFloat("rate_limit.backoff_multiplier", &rl.BackoffMultiplier, 1.1, 10)
	clampFloat("rate_limit.max_backoff_secs", &rl.MaxBackoffSecs, 1, 3600)
	clampFloat("rate_limit.recovery_rate", &rl.RecoveryRate, 0.01, 100)
	clampInt("rate_limit.max_wait_slice_ms", &rl.MaxWaitSliceMS, 10, 5000)

	b := &c.Budget
	clampFloat("budget.total_rps", &b.TotalRPS, 1, 10000)
	clampFloat("budget.execution_share", &b.ExecutionShare, 0.05, 0.9)
	clampFloat("budget.positions_share", &b.PositionsShare, 0.05, 0.9)
	clampFloat("budget.quotes_share", &b.QuotesShare, 0.05, 0.9)
	clampInt("budget.execution_exclusion_ms", &b.ExecutionExclusionMS, 0, 10000)
	clampInt("budget.positions_exclusion_ms", &b.PositionsExclusionMS, 0, 10000)

	cb := &c.Circuit
	clampInt("circuit.window_secs", &cb.WindowSecs, 10, 86400)
	clampInt("circuit.venue_threshold", &cb.VenueThreshold, 1, 1000)
	clampInt("circuit.cooldown_secs", &cb.CooldownSecs, 1, 86400)
	clampInt("circuit.global_threshold", &cb.GlobalThreshold, cb.VenueThreshold, 10000)

	if c.Lock.Dir == "" {
		c.Lock.Dir = Default().Lock.Dir
	}
	clampInt("lock.timeout_ms", &c.Lock.TimeoutMS, 0, 600000)
	clampInt("lock.retry_ms", &c.Lock.RetryMS, 10, 5000)

	clampInt("confirm.max_polls", &c.Confirm.MaxPolls, 1, 100)
	clampInt("confirm.poll_interval_ms", &c.Confirm.PollIntervalMS, 50, 60000)

	if c.Pulse.Backend != "file" && c.Pulse.Backend != "redis" {
		log.Warn().Str("knob", "pulse.backend").Str("value", c.Pulse.Backend).Msg("Unknown pulse backend, using file")
		c.Pulse.Backend = "file"
	}
	if c.Pulse.Path == "" {
		c.Pulse.Path = Default().Pulse.Path
	}
	clampInt("pulse.stale_secs", &c.Pulse.StaleSecs, 5, 86400)
	clampInt("pulse.interval_secs", &c.Pulse.IntervalSecs, 1, 3600)

	clampInt("reconcile.interval_secs", &c.Reconcile.IntervalSecs, 10, 86400)
	clampFloat("reconcile.threshold", &c.Reconcile.Threshold, 0.001, 0.5)

	if len(c.Router.Priority) == 0 {
		c.Router.Priority = append([]string(nil), c.Venues...)
	}
	if c.Router.StateName == "" {
		c.Router.StateName = "router"
	}
	clampInt("router.max_attempts", &c.Router.MaxAttempts, 1, 10)
	clampFloat("router.min_success_rate", &c.Router.MinSuccessRate, 0, 1)
	for name, vp := range c.Router.Venues {
		clampFloat("router.venues."+name+".min_notional", &vp.MinNotional, 0, 1e7)
		c.Router.Venues[name] = vp
	}

	l := &c.Ladder
	if l.Mode != "suggest" && l.Mode != "execute" {
		log.Warn().Str("knob", "ladder.mode").Str("value", l.Mode).Msg("Unknown ladder mode, using suggest")
		l.Mode = "suggest"
	}
	if l.FallbackDirection != "A-Z" && l.FallbackDirection != "Z-A" {
		l.FallbackDirection = "A-Z"
	}
	clampInt("ladder.cooldown_secs", &l.CooldownSecs, 0, 86400)
	clampFloat("ladder.min_usd", &l.MinUSD, 0.01, 1e9)
	clampFloat("ladder.fraction", &l.Fraction, 0.01, 1)
	clampInt("ladder.max_hops", &l.MaxHops, 1, 8)
	clampFloat("ladder.fee_rate", &l.FeeRate, 0, 0.05)
	clampFloat("ladder.bullish_threshold", &l.BullishThreshold, 0, 1)
	clampFloat("ladder.bearish_threshold", &l.BearishThreshold, 0, 1)
	clampFloat("ladder.min_coherence", &l.MinCoherence, 0, 1)
	clampFloat("ladder.profit_gate.penny_floor", &l.ProfitGate.PennyFloor, 0, 1e6)
	clampFloat("ladder.profit_gate.absolute_floor", &l.ProfitGate.AbsoluteFloor, 0, 1e9)
	clampFloat("ladder.profit_gate.percent_floor", &l.ProfitGate.PercentFloor, 0, 0.5)
	if len(l.VenuePriority) == 0 {
		l.VenuePriority = append([]string(nil), c.Venues...)
	}
	if len(l.StableAssets) == 0 {
		l.StableAssets = Default().Ladder.StableAssets
	}

	clampInt("gate.signal_timeout_ms", &c.Gate.SignalTimeoutMS, 50, 60000)
	clampInt("journal.timeout_ms", &c.Journal.TimeoutMS, 100, 60000)

	if c.Paper.Name == "" {
		c.Paper.Name = "paper"
	}
	if c.Paper.Enabled && len(c.Paper.Balances) == 0 {
		c.Paper.Balances = map[string]float64{"USD": 10000}
	}
	if c.Paper.Enabled && len(c.Paper.Prices) == 0 {
		c.Paper.Prices = map[string]float64{"BTC": 60000, "ETH": 3000, "SOL": 150, "USDC": 1}
	}
}

func clampFloat(name string, v *float64, lo, hi float64) {
	orig := *v
	switch {
	case math.IsNaN(*v) || math.IsInf(*v, 0):
		*v = lo
	case *v < lo:
		*v = lo
	case *v > hi:
		*v = hi
	default:
		return
	}
	log.Warn().Str("knob", name).Float64("value", orig).Float64("clamped", *v).Msg("Config value out of range")
}

func clampInt(name string, v *int, lo, hi int) {
	orig := *v
	switch {
	case *v < lo:
		*v = lo
	case *v > hi:
		*v = hi
	default:
		return
	}
	log.Warn().Str("knob", name).Int("value", orig).Int("clamped", *v).Msg("Config value out of range")
}

// WindowDuration returns the breaker failure window
func (c CircuitConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowSecs) * time.Second
}

// CooldownDuration returns the per-venue disable period
func (c CircuitConfig) CooldownDuration() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// MaxBackoff returns the backoff ceiling
func (c RateLimitConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSecs * float64(time.Second))
}

// MaxWaitSlice returns the longest single sleep a waiting caller performs
func (c RateLimitConfig) MaxWaitSlice() time.Duration {
	return time.Duration(c.MaxWaitSliceMS) * time.Millisecond
}

// Timeout returns the lock acquisition timeout
func (c LockConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Retry returns the pause between lock attempts
func (c LockConfig) Retry() time.Duration {
	return time.Duration(c.RetryMS) * time.Millisecond
}

// PollInterval returns the pause between order-status polls
func (c ConfirmConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// StaleAfter returns the pulse staleness threshold
func (c PulseConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleSecs) * time.Second
}

// Interval returns the heartbeat period
func (c PulseConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// Interval returns the minimum time between reconciliations
func (c ReconcileConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// Cooldown returns the minimum time between ladder decisions
func (c LadderConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// SignalTimeout returns the collaborator call budget
func (c GateConfig) SignalTimeout() time.Duration {
	return time.Duration(c.SignalTimeoutMS) * time.Millisecond
}

// Timeout returns the per-statement journal timeout
func (c JournalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
