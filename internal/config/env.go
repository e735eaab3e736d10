package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "TRADEGUARD_"

// LookupFunc matches os.LookupEnv
type LookupFunc func(key string) (string, bool)

type binding struct {
	key  string
	flag string
	set  func(c *Config, raw string) error
}

func floatVar(get func(c *Config) *float64) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*get(c) = v
		return nil
	}
}

func intVar(get func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*get(c) = v
		return nil
	}
}

func boolVar(get func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*get(c) = v
		return nil
	}
}

func stringVar(get func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		*get(c) = raw
		return nil
	}
}

func listVar(get func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*get(c) = out
		return nil
	}
}

// bindings lists every externally settable knob. Flag is empty for knobs that
// are only reachable through the environment or the YAML file.
var bindings = []binding{
	{"VENUES", "venues", listVar(func(c *Config) *[]string { return &c.Venues })},
	{"TRADING_RPS", "", floatVar(func(c *Config) *float64 { return &c.RateLimit.TradingRPS })},
	{"TRADING_BURST", "", intVar(func(c *Config) *int { return &c.RateLimit.TradingBurst })},
	{"DATA_RPS", "", floatVar(func(c *Config) *float64 { return &c.RateLimit.DataRPS })},
	{"DATA_BURST", "", intVar(func(c *Config) *int { return &c.RateLimit.DataBurst })},
	{"BACKOFF_MULTIPLIER", "", floatVar(func(c *Config) *float64 { return &c.RateLimit.BackoffMultiplier })},
	{"MAX_BACKOFF_SECS", "", floatVar(func(c *Config) *float64 { return &c.RateLimit.MaxBackoffSecs })},
	{"BACKOFF_RECOVERY_RATE", "", floatVar(func(c *Config) *float64 { return &c.RateLimit.RecoveryRate })},
	{"BUDGET_TOTAL_RPS", "", floatVar(func(c *Config) *float64 { return &c.Budget.TotalRPS })},
	{"CIRCUIT_WINDOW_SECS", "", intVar(func(c *Config) *int { return &c.Circuit.WindowSecs })},
	{"CIRCUIT_VENUE_THRESHOLD", "", intVar(func(c *Config) *int { return &c.Circuit.VenueThreshold })},
	{"CIRCUIT_COOLDOWN_SECS", "", intVar(func(c *Config) *int { return &c.Circuit.CooldownSecs })},
	{"CIRCUIT_GLOBAL_THRESHOLD", "", intVar(func(c *Config) *int { return &c.Circuit.GlobalThreshold })},
	{"LOCK_DIR", "lock-dir", stringVar(func(c *Config) *string { return &c.Lock.Dir })},
	{"LOCK_TIMEOUT_MS", "", intVar(func(c *Config) *int { return &c.Lock.TimeoutMS })},
	{"CONFIRM_MAX_POLLS", "", intVar(func(c *Config) *int { return &c.Confirm.MaxPolls })},
	{"CONFIRM_POLL_INTERVAL_MS", "", intVar(func(c *Config) *int { return &c.Confirm.PollIntervalMS })},
	{"PULSE_BACKEND", "pulse-backend", stringVar(func(c *Config) *string { return &c.Pulse.Backend })},
	{"PULSE_PATH", "pulse-path", stringVar(func(c *Config) *string { return &c.Pulse.Path })},
	{"PULSE_STALE_SECS", "", intVar(func(c *Config) *int { return &c.Pulse.StaleSecs })},
	{"RECONCILE_INTERVAL_SECS", "", intVar(func(c *Config) *int { return &c.Reconcile.IntervalSecs })},
	{"RECONCILE_THRESHOLD", "", floatVar(func(c *Config) *float64 { return &c.Reconcile.Threshold })},
	{"ROUTER_PRIORITY", "", listVar(func(c *Config) *[]string { return &c.Router.Priority })},
	{"ROUTER_MAX_ATTEMPTS", "", intVar(func(c *Config) *int { return &c.Router.MaxAttempts })},
	{"LADDER_ENABLED", "ladder", boolVar(func(c *Config) *bool { return &c.Ladder.Enabled })},
	{"LADDER_MODE", "ladder-mode", stringVar(func(c *Config) *string { return &c.Ladder.Mode })},
	{"LADDER_DIRECTION", "", stringVar(func(c *Config) *string { return &c.Ladder.Direction })},
	{"LADDER_COOLDOWN_SECS", "", intVar(func(c *Config) *int { return &c.Ladder.CooldownSecs })},
	{"LADDER_MIN_USD", "", floatVar(func(c *Config) *float64 { return &c.Ladder.MinUSD })},
	{"LADDER_FRACTION", "", floatVar(func(c *Config) *float64 { return &c.Ladder.Fraction })},
	{"PROFIT_GATE_ENABLED", "", boolVar(func(c *Config) *bool { return &c.Ladder.ProfitGate.Enabled })},
	{"PROFIT_GATE_PERCENT_FLOOR", "", floatVar(func(c *Config) *float64 { return &c.Ladder.ProfitGate.PercentFloor })},
	{"REDIS_ADDR", "redis-addr", stringVar(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", "", stringVar(func(c *Config) *string { return &c.Redis.Password })},
	{"KAFKA_BROKERS", "", listVar(func(c *Config) *[]string { return &c.Events.KafkaBrokers })},
	{"JOURNAL_DSN", "journal-dsn", stringVar(func(c *Config) *string { return &c.Journal.DSN })},
	{"HTTP_ADDR", "http-addr", stringVar(func(c *Config) *string { return &c.HTTP.Addr })},
	{"LOG_LEVEL", "log-level", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"PAPER", "paper", boolVar(func(c *Config) *bool { return &c.Paper.Enabled })},
}

// ApplyEnv overlays TRADEGUARD_* variables
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	for _, b := range bindings {
		raw, ok := lookup(EnvPrefix + b.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := b.set(c, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}

// RegisterFlags adds the flag-reachable knobs to fs with their default values
func RegisterFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.StringSlice("venues", def.Venues, "Connected venues in priority order")
	fs.String("lock-dir", def.Lock.Dir, "Directory holding trade lock files")
	fs.String("pulse-backend", def.Pulse.Backend, "State snapshot backend (file|redis)")
	fs.String("pulse-path", def.Pulse.Path, "State snapshot path or redis key")
	fs.Bool("ladder", def.Ladder.Enabled, "Enable the conversion ladder")
	fs.String("ladder-mode", def.Ladder.Mode, "Ladder mode (suggest|execute)")
	fs.String("redis-addr", def.Redis.Addr, "Redis address for state and events")
	fs.String("journal-dsn", def.Journal.DSN, "Postgres DSN for the audit journal")
	fs.String("http-addr", def.HTTP.Addr, "Status server listen address")
	fs.String("log-level", def.Log.Level, "Log level (debug|info|warn|error)")
	fs.Bool("paper", def.Paper.Enabled, "Register the in-memory paper venue")
}

// ApplyFlags copies flags the user explicitly set; unchanged flags never
// override the file or environment.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	for _, b := range bindings {
		if b.flag == "" {
			continue
		}
		f := fs.Lookup(b.flag)
		if f == nil || !f.Changed {
			continue
		}
		raw := f.Value.String()
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			raw = strings.Join(sv.GetSlice(), ",")
		}
		if err := b.set(c, raw); err != nil {
			return fmt.Errorf("--%s: %w", b.flag, err)
		}
	}
	c.Clamp()
	return nil
}
