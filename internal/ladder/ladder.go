package ladder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/net/budget"
	"github.com/sawpanic/tradeguard/internal/ops/tradelock"
	"github.com/sawpanic/tradeguard/internal/stream"
	"github.com/sawpanic/tradeguard/internal/venue"
)

// Direction selects how the target asset is chosen
type Direction string

const (
	DirUp    Direction = "UP"
	DirDown  Direction = "DOWN"
	DirLeft  Direction = "LEFT"
	DirRight Direction = "RIGHT"
	DirAZ    Direction = "A-Z"
	DirZA    Direction = "Z-A"
)

// ParseDirection accepts a direction name case-insensitively
func ParseDirection(s string) (Direction, bool) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case DirUp, DirDown, DirLeft, DirRight, DirAZ, DirZA:
		return d, true
	}
	return "", false
}

// Mode is suggest or execute
type Mode string

const (
	ModeSuggest Mode = "suggest"
	ModeExecute Mode = "execute"
)

// Decision results
const (
	ResultSuggested     = "suggested"
	ResultExecuted      = "executed"
	ResultFailed        = "failed"
	ResultSkippedNoPath = "skipped_no_path"
	ResultSkippedDryRun = "skipped_dry_run"
	ResultSkippedLocked = "skipped_locked"
)

// ProfitGate de-risks when net profit sits below a floor
type ProfitGate struct {
	Enabled       bool
	PennyFloor    float64
	AbsoluteFloor float64
	PercentFloor  float64
}

// Floor returns max(penny, absolute, equity x percent)
func (g ProfitGate) Floor(equity float64) float64 {
	floor := g.PennyFloor
	if g.AbsoluteFloor > floor {
		floor = g.AbsoluteFloor
	}
	if p := equity * g.PercentFloor; p > floor {
		floor = p
	}
	return floor
}

// Config configures the ladder
type Config struct {
	Enabled           bool
	Mode              Mode
	Cooldown          time.Duration
	MinUSD            float64
	Fraction          float64
	MaxHops           int
	FeeRate           float64
	VenuePriority     []string
	Blocklist         []string
	StableAssets      []string
	BlueChips         []string
	Direction         string // override; empty lets the signal decide
	FallbackDirection Direction
	BullishThreshold  float64
	BearishThreshold  float64
	MinCoherence      float64
	ProfitGate        ProfitGate
}

// Performance supplies the live profit estimate the profit gate reads
type Performance interface {
	NetProfitUSD(ctx context.Context) (float64, error)
	EquityUSD(ctx context.Context) (float64, error)
}

// Availability is the circuit breaker's read-only view
type Availability interface {
	IsAvailable(venue string) (bool, string)
}

// DecisionSink receives every decision, executed or not
type DecisionSink interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// Execution is the outcome of acting on a decision. Valued is false when the
// output could not be priced; OutputUSD and NetProfit are then zero and
// carry no meaning.
type Execution struct {
	OrderIDs  []string `json:"order_ids,omitempty"`
	AmountOut float64  `json:"amount_out"`
	InputUSD  float64  `json:"input_usd"`
	OutputUSD float64  `json:"output_usd"`
	FeesUSD   float64  `json:"fees_usd"`
	NetProfit float64  `json:"net_profit"`
	Hops      int      `json:"hops"`
	Success   bool     `json:"success"`
	Valued    bool     `json:"valued"`
	Error     string   `json:"error,omitempty"`
}

// Decision is one ladder step's choice
type Decision struct {
	ID              string     `json:"id"`
	Timestamp       time.Time  `json:"timestamp"`
	Mode            Mode       `json:"mode"`
	Direction       Direction  `json:"direction"`
	DirectionSource string     `json:"direction_source"`
	Venue           string     `json:"venue"`
	Source          string     `json:"source"`
	Target          string     `json:"target"`
	Amount          float64    `json:"amount"`
	AmountUSD       float64    `json:"amount_usd"`
	Path            Path       `json:"path"`
	Result          string     `json:"result"`
	Execution       *Execution `json:"execution,omitempty"`
}

// Holding is a balance valued in USD
type Holding struct {
	Venue    string  `json:"venue"`
	Asset    string  `json:"asset"`
	Amount   float64 `json:"amount"`
	ValueUSD float64 `json:"value_usd"`
}

// Stats summarises ladder activity
type Stats struct {
	Steps        int64     `json:"steps"`
	Decisions    int64     `json:"decisions"`
	Executed     int64     `json:"executed"`
	Failed       int64     `json:"failed"`
	Skipped      int64     `json:"skipped"`
	Aborted      int64     `json:"aborted"`
	Unvalued     int64     `json:"unvalued"` // executed, output not priced
	NetProfitUSD float64   `json:"net_profit_usd"`
	LastAction   time.Time `json:"last_action"`
}

// Deps are the ladder's collaborators; all but Converters may be nil
type Deps struct {
	Converters   map[string]venue.Converter
	Signals      *venue.SafeSignals
	Performance  Performance
	Availability Availability
	Locker       tradelock.Locker
	Sink         DecisionSink
	Publisher    stream.Publisher
}

// Ladder rotates capital along a convertibility graph, one step per call
type Ladder struct {
	config    Config
	deps      Deps
	publisher stream.Publisher
	venues    []string
	blocked   map[string]bool
	stables   map[string]bool
	now       func() time.Time

	stepMu sync.Mutex

	mu       sync.Mutex
	universe []string
	stats    Stats
	recent   []Decision
}

const recentDecisions = 50

// starvedRetries bounds how many budget exclusion windows one ladder read
// sits out. Quote reads right after a balance or order call land inside
// the window that call opened.
const starvedRetries = 2

func sitOut[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	return budget.SitOut(ctx, starvedRetries, fn)
}

// New creates a ladder
func New(cfg Config, deps Deps) *Ladder {
	if cfg.Mode != ModeExecute {
		cfg.Mode = ModeSuggest
	}
	if cfg.MaxHops < 1 {
		cfg.MaxHops = 4
	}
	if cfg.Fraction <= 0 || cfg.Fraction > 1 {
		cfg.Fraction = 0.25
	}
	if cfg.FallbackDirection != DirZA {
		cfg.FallbackDirection = DirAZ
	}

	l := &Ladder{
		config:    cfg,
		deps:      deps,
		publisher: stream.OrNop(deps.Publisher),
		blocked:   upperSet(cfg.Blocklist),
		stables:   upperSet(cfg.StableAssets),
		now:       time.Now,
	}

	seen := make(map[string]bool)
	for _, v := range cfg.VenuePriority {
		if _, ok := deps.Converters[v]; ok && !seen[v] {
			seen[v] = true
			l.venues = append(l.venues, v)
		}
	}
	for _, v := range venue.SortedKeys(deps.Converters) {
		if !seen[v] {
			l.venues = append(l.venues, v)
		}
	}
	return l
}

func upperSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, s := range items {
		out[strings.ToUpper(s)] = true
	}
	return out
}

// WithClock replaces the time source
func (l *Ladder) WithClock(now func() time.Time) *Ladder {
	l.now = now
	return l
}

// SetUniverse restricts UP targets to symbols when any of them is reachable
func (l *Ladder) SetUniverse(symbols []string) {
	l.mu.Lock()
	l.universe = append([]string(nil), symbols...)
	l.mu.Unlock()
}

// Step runs one ladder iteration. It returns nil without error when the
// ladder is disabled, cooling down, or finds nothing worth doing.
func (l *Ladder) Step(ctx context.Context) (*Decision, error) {
	l.stepMu.Lock()
	defer l.stepMu.Unlock()

	if !l.config.Enabled {
		return nil, nil
	}

	now := l.now()
	l.mu.Lock()
	l.stats.Steps++
	last := l.stats.LastAction
	l.mu.Unlock()
	if !last.IsZero() && now.Sub(last) < l.config.Cooldown {
		return nil, nil
	}

	// (1) largest eligible holding
	holding, equity, err := l.largestHolding(ctx)
	if err != nil {
		return nil, err
	}
	if holding == nil {
		l.abort("no eligible holding")
		return nil, nil
	}
	conv := l.deps.Converters[holding.Venue]

	// (2) direction
	dir, source := l.resolveDirection(ctx)

	// (3) net-profit gate
	if l.config.ProfitGate.Enabled && l.deps.Performance != nil {
		if gated := l.profitGate(ctx, equity); gated {
			dir, source = DirDown, "profit_gate"
		}
	}
	if dir == DirDown && l.stables[strings.ToUpper(holding.Asset)] {
		l.abort("already in a stable asset")
		return nil, nil
	}

	// (4) candidate targets
	adj, err := sitOut(ctx, conv.Adjacency)
	if err != nil {
		return nil, fmt.Errorf("adjacency for %s: %w", holding.Venue, err)
	}
	targets := l.candidates(ctx, adj, holding.Asset, dir)
	if len(targets) == 0 {
		l.abort("no conversion targets")
		return nil, nil
	}

	// (5) target per direction policy
	target := l.selectTarget(ctx, conv, dir, targets)
	if target == "" || target == holding.Asset {
		l.abort("no target for direction " + string(dir))
		return nil, nil
	}

	// (6) amount
	amount := holding.Amount * l.config.Fraction
	amountUSD := holding.ValueUSD * l.config.Fraction
	if amountUSD < l.config.MinUSD {
		l.abort(fmt.Sprintf("amount $%.2f below minimum $%.2f", amountUSD, l.config.MinUSD))
		return nil, nil
	}

	// (7) path, informational in suggest mode
	path := FindPath(adj, holding.Asset, target, l.config.MaxHops)

	// (8) decision
	d := Decision{
		ID:              uuid.NewString(),
		Timestamp:       now,
		Mode:            l.config.Mode,
		Direction:       dir,
		DirectionSource: source,
		Venue:           holding.Venue,
		Source:          holding.Asset,
		Target:          target,
		Amount:          amount,
		AmountUSD:       amountUSD,
		Path:            path,
		Result:          ResultSuggested,
	}

	if l.config.Mode == ModeExecute {
		l.execute(ctx, conv, &d)
	}
	l.finish(ctx, d)
	return &d, nil
}

func (l *Ladder) abort(reason string) {
	l.mu.Lock()
	l.stats.Aborted++
	l.mu.Unlock()
	log.Debug().Str("reason", reason).Msg("Ladder step skipped")
}

// largestHolding values every balance on available venues and returns the
// biggest eligible one plus the total valued equity.
func (l *Ladder) largestHolding(ctx context.Context) (*Holding, float64, error) {
	var best *Holding
	equity := 0.0
	checked := 0

	for _, v := range l.venues {
		if l.deps.Availability != nil {
			if ok, why := l.deps.Availability.IsAvailable(v); !ok {
				log.Debug().Str("venue", v).Str("reason", why).Msg("Ladder skipping unavailable venue")
				continue
			}
		}
		conv := l.deps.Converters[v]
		balances, err := conv.Balances(ctx)
		if err != nil {
			log.Warn().Err(err).Str("venue", v).Msg("Ladder balance query failed")
			continue
		}
		checked++

		assets := make([]string, 0, len(balances))
		for a := range balances {
			assets = append(assets, a)
		}
		sort.Strings(assets)

		for _, asset := range assets {
			amount := balances[asset]
			if amount <= 0 {
				continue
			}
			value, err := l.valueUSD(ctx, conv, asset, amount)
			if err != nil {
				log.Debug().Err(err).Str("venue", v).Str("asset", asset).Msg("Ladder could not value asset")
				continue
			}
			equity += value
			if l.blocked[strings.ToUpper(asset)] || value < l.config.MinUSD || l.locked(asset) {
				continue
			}
			if best == nil || value > best.ValueUSD {
				best = &Holding{Venue: v, Asset: asset, Amount: amount, ValueUSD: value}
			}
		}
	}

	if checked == 0 && len(l.venues) > 0 {
		return nil, 0, errors.New("no venue balances available")
	}
	return best, equity, nil
}

func (l *Ladder) locked(asset string) bool {
	if l.deps.Locker == nil {
		return false
	}
	held, err := l.deps.Locker.IsHeld(asset)
	return err == nil && held
}

// resolveDirection applies override, then signal, then fallback
func (l *Ladder) resolveDirection(ctx context.Context) (Direction, string) {
	if l.config.Direction != "" {
		if d, ok := ParseDirection(l.config.Direction); ok {
			return d, "override"
		}
		log.Warn().Str("direction", l.config.Direction).Msg("Ignoring unknown ladder direction override")
	}

	if l.deps.Signals.Configured() {
		res := l.deps.Signals.Direction(ctx)
		if res.Ok() {
			sig := res.Value
			switch {
			case sig.Bullish >= l.config.BullishThreshold && sig.Coherence >= l.config.MinCoherence:
				return DirUp, "signal"
			case sig.Bearish >= l.config.BearishThreshold:
				return DirDown, "signal"
			}
		}
	}
	return l.config.FallbackDirection, "fallback"
}

// profitGate reports whether net profit sits below the floor. A failed
// estimate leaves the direction alone.
func (l *Ladder) profitGate(ctx context.Context, valuedEquity float64) bool {
	np, err := l.deps.Performance.NetProfitUSD(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Net profit estimate unavailable, profit gate skipped")
		return false
	}
	equity, err := l.deps.Performance.EquityUSD(ctx)
	if err != nil || equity <= 0 {
		equity = valuedEquity
	}
	floor := l.config.ProfitGate.Floor(equity)
	if np < floor {
		log.Info().Float64("net_profit", np).Float64("floor", floor).Msg("Profit gate forcing DOWN")
		return true
	}
	return false
}

// candidates lists conversion targets from source: direct neighbours, else
// stable assets, minus blocklisted assets and source itself.
func (l *Ladder) candidates(ctx context.Context, adj map[string][]venue.Edge, source string, dir Direction) []string {
	var targets []string
	for _, t := range neighbours(adj, source) {
		if !l.blocked[strings.ToUpper(t)] && t != source {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		for _, s := range l.config.StableAssets {
			if s != source && !l.blocked[strings.ToUpper(s)] {
				targets = append(targets, s)
			}
		}
		sort.Strings(targets)
	}
	if len(targets) == 0 {
		return nil
	}

	// The collaborator's ranking orders the candidates; selectTarget uses
	// that order to break ties.
	if l.deps.Signals.Configured() {
		ranked := l.deps.Signals.RankSymbols(ctx, targets).Or(targets)
		if samePermutation(ranked, targets) {
			targets = ranked
		}
	}

	if dir == DirUp {
		l.mu.Lock()
		universe := upperSet(l.universe)
		l.mu.Unlock()
		if len(universe) > 0 {
			var kept []string
			for _, t := range targets {
				if universe[strings.ToUpper(t)] {
					kept = append(kept, t)
				}
			}
			if len(kept) > 0 {
				targets = kept
			}
		}
	}
	return targets
}

func samePermutation(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	count := make(map[string]int, len(b))
	for _, s := range b {
		count[s]++
	}
	for _, s := range a {
		if count[s] == 0 {
			return false
		}
		count[s]--
	}
	return true
}

// selectTarget picks one of targets per the direction policy
func (l *Ladder) selectTarget(ctx context.Context, conv venue.Converter, dir Direction, targets []string) string {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	in := make(map[string]bool, len(targets))
	for _, t := range targets {
		in[t] = true
	}

	switch dir {
	case DirDown:
		for _, s := range l.config.StableAssets {
			if in[s] {
				return s
			}
		}
		for _, s := range []string{"BTC", "ETH"} {
			if in[s] {
				return s
			}
		}
		return ""
	case DirLeft, DirRight:
		chips := upperSet(l.config.BlueChips)
		var picks []string
		for _, t := range sorted {
			if chips[strings.ToUpper(t)] {
				picks = append(picks, t)
			}
		}
		if len(picks) == 0 {
			picks = sorted
		}
		if dir == DirLeft {
			return picks[0]
		}
		return picks[len(picks)-1]
	case DirZA:
		return sorted[len(sorted)-1]
	case DirUp:
		// Walk in ranked order: equal momentum keeps the better-ranked
		// target, and with no positive momentum the top-ranked one wins.
		best, bestScore := "", 0.0
		for _, t := range targets {
			tk, err := sitOut(ctx, func(ctx context.Context) (venue.Ticker, error) {
				return conv.Ticker(ctx, t)
			})
			if err != nil {
				continue
			}
			if s := Momentum(tk); s > bestScore {
				best, bestScore = t, s
			}
		}
		if best != "" {
			return best
		}
		return targets[0]
	default:
		return sorted[0]
	}
}

// execute converts along the path, holding the source asset's trade lock
func (l *Ladder) execute(ctx context.Context, conv venue.Converter, d *Decision) {
	if len(d.Path) == 0 {
		d.Result = ResultSkippedNoPath
		return
	}
	if conv.DryRun() {
		d.Result = ResultSkippedDryRun
		return
	}

	if l.deps.Locker != nil {
		ok, err := l.deps.Locker.Acquire(ctx, d.Source, 0)
		if err != nil || !ok {
			d.Result = ResultSkippedLocked
			return
		}
		defer func() {
			if err := l.deps.Locker.Release(d.Source); err != nil {
				log.Error().Err(err).Str("asset", d.Source).Msg("Failed to release ladder lock")
			}
		}()
	}

	exec := &Execution{Hops: d.Path.Hops()}
	d.Execution = exec

	inUSD, err := l.valueUSD(ctx, conv, d.Source, d.Amount)
	if err != nil {
		inUSD = d.AmountUSD
	}
	exec.InputUSD = inUSD
	exec.FeesUSD = inUSD * l.config.FeeRate * float64(exec.Hops)

	amount := d.Amount
	for _, hop := range d.Path {
		res, err := conv.Convert(ctx, hop.From, hop.To, amount)
		if err != nil {
			exec.Error = fmt.Sprintf("%s->%s: %v", hop.From, hop.To, err)
			d.Result = ResultFailed
			log.Error().Err(err).Str("venue", d.Venue).Str("from", hop.From).Str("to", hop.To).Msg("Ladder conversion failed")
			return
		}
		exec.OrderIDs = append(exec.OrderIDs, res.OrderIDs...)
		amount = res.AmountOut
	}
	exec.AmountOut = amount

	exec.Success = true
	d.Result = ResultExecuted

	outUSD, err := l.valueUSD(ctx, conv, d.Target, amount)
	if err != nil {
		log.Warn().Err(err).Str("asset", d.Target).Str("id", d.ID).Msg("Could not value conversion output, profit unknown")
		return
	}
	exec.OutputUSD = outUSD
	exec.NetProfit = outUSD - inUSD
	exec.Valued = true
}

func (l *Ladder) valueUSD(ctx context.Context, conv venue.Converter, asset string, amount float64) (float64, error) {
	return sitOut(ctx, func(ctx context.Context) (float64, error) {
		return conv.ValueUSD(ctx, asset, amount)
	})
}

// finish records, publishes and forwards a decision
func (l *Ladder) finish(ctx context.Context, d Decision) {
	l.mu.Lock()
	l.stats.Decisions++
	l.stats.LastAction = d.Timestamp
	switch d.Result {
	case ResultExecuted:
		l.stats.Executed++
		if d.Execution.Valued {
			l.stats.NetProfitUSD += d.Execution.NetProfit
		} else {
			l.stats.Unvalued++
		}
	case ResultFailed:
		l.stats.Failed++
	case ResultSkippedNoPath, ResultSkippedDryRun, ResultSkippedLocked:
		l.stats.Skipped++
	}
	l.recent = append(l.recent, d)
	if over := len(l.recent) - recentDecisions; over > 0 {
		l.recent = append(l.recent[:0], l.recent[over:]...)
	}
	l.mu.Unlock()

	log.Info().
		Str("id", d.ID).
		Str("venue", d.Venue).
		Str("from", d.Source).
		Str("to", d.Target).
		Str("direction", string(d.Direction)).
		Float64("amount_usd", d.AmountUSD).
		Str("result", d.Result).
		Msg("Ladder decision")

	l.publisher.Publish(ctx, stream.TopicLadderDecision, d)
	l.publisher.Publish(ctx, stream.TopicLadderLink, link("decision", d))
	if l.deps.Signals.Configured() {
		if res := l.deps.Signals.AddSignal(ctx, "ladder_decision", link("decision", d)); !res.Ok() {
			log.Debug().Str("id", d.ID).Msg("Signals collaborator did not take ladder decision")
		}
	}

	if d.Execution != nil {
		l.publisher.Publish(ctx, stream.TopicLadderExecuted, d)
		l.publisher.Publish(ctx, stream.TopicLadderLink, link("execution", d))
		l.deps.Signals.RecordConversion(ctx, venue.ConversionOutcome{
			DecisionID: d.ID,
			Venue:      d.Venue,
			From:       d.Source,
			To:         d.Target,
			Direction:  string(d.Direction),
			InputUSD:   d.Execution.InputUSD,
			OutputUSD:  d.Execution.OutputUSD,
			FeesUSD:    d.Execution.FeesUSD,
			NetProfit:  d.Execution.NetProfit,
			Success:    d.Execution.Success,
			Valued:     d.Execution.Valued,
			Error:      d.Execution.Error,
			Timestamp:  d.Timestamp,
		})
	}

	if l.deps.Sink != nil {
		if err := l.deps.Sink.RecordDecision(ctx, d); err != nil {
			log.Warn().Err(err).Str("id", d.ID).Msg("Failed to record ladder decision")
		}
	}
}

// link is the normalized payload downstream systems key on
func link(kind string, d Decision) map[string]any {
	payload := map[string]any{
		"id":         d.ID,
		"kind":       kind,
		"venue":      d.Venue,
		"from":       d.Source,
		"to":         d.Target,
		"direction":  string(d.Direction),
		"amount_usd": d.AmountUSD,
		"status":     d.Result,
		"timestamp":  d.Timestamp,
	}
	if d.Execution != nil {
		payload["success"] = d.Execution.Success
		if d.Execution.Valued {
			payload["net_profit"] = d.Execution.NetProfit
		}
	}
	return payload
}

// Stats returns ladder counters
func (l *Ladder) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Recent returns up to n of the latest decisions, newest last
func (l *Ladder) Recent(n int) []Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	return append([]Decision(nil), l.recent[len(l.recent)-n:]...)
}
