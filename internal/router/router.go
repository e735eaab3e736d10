package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/stream"
)

var (
	// ErrNoVenue is returned when no venue passes the routing filters
	ErrNoVenue = errors.New("no eligible venue")
	// ErrAlternativesExhausted is the terminal routing failure
	ErrAlternativesExhausted = errors.New("routing alternatives exhausted")
)

// ExhaustedError lists the venues tried before routing gave up
type ExhaustedError struct {
	Symbol    string
	Attempted []string
	Last      error
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s: no venue left for %s after %s", ErrAlternativesExhausted, e.Symbol, strings.Join(e.Attempted, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrAlternativesExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Availability is the circuit breaker's read-only view
type Availability interface {
	IsAvailable(venue string) (bool, string)
}

// Profile is static venue metadata
type Profile struct {
	AssetClasses    []string
	MinNotional     float64
	RegionCompliant bool
}

// Config configures routing
type Config struct {
	Priority         []string
	Profiles         map[string]Profile
	MaxAttempts      int
	MinSuccessRate   float64
	RegionRestricted []string // symbols only region-compliant venues may trade
	StateName        string
}

// Capability is a venue's static metadata plus its learned trade statistics
type Capability struct {
	Venue           string     `json:"venue"`
	AssetClasses    []string   `json:"asset_classes"`
	MinNotional     float64    `json:"min_notional"`
	RegionCompliant bool       `json:"region_compliant"`
	TotalTrades     int        `json:"total_trades"`
	FailedTrades    int        `json:"failed_trades"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	LastFailure     *time.Time `json:"last_failure,omitempty"`
}

// SuccessRate returns the fraction of successful trades, 1 with no history
func (c Capability) SuccessRate() float64 {
	if c.TotalTrades == 0 {
		return 1
	}
	return float64(c.TotalTrades-c.FailedTrades) / float64(c.TotalTrades)
}

func (c Capability) supports(assetClass string) bool {
	if assetClass == "" || len(c.AssetClasses) == 0 {
		return true
	}
	for _, a := range c.AssetClasses {
		if strings.EqualFold(a, assetClass) {
			return true
		}
	}
	return false
}

// BlockedPair is a (symbol, venue) pair excluded from routing until unblocked
type BlockedPair struct {
	Symbol string    `json:"symbol"`
	Venue  string    `json:"venue"`
	Kind   Kind      `json:"kind"`
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Request describes a trade to route
type Request struct {
	Symbol     string
	Side       string
	AssetClass string
	Notional   float64
	Preferred  string
}

// Route is a routing decision
type Route struct {
	Venue    string  `json:"venue"`
	Reason   string  `json:"reason"`
	Fallback bool    `json:"fallback"`
	Score    float64 `json:"score"`
}

// Candidate is a scored venue
type Candidate struct {
	Venue string
	Score float64
}

// Router selects venues and learns restrictions from trade failures
type Router struct {
	config Config
	venues []string // priority order, immutable after New

	availability Availability
	store        pulse.StateStore
	publisher    stream.Publisher
	now          func() time.Time

	mu           sync.Mutex
	caps         map[string]*Capability
	restrictions []Restriction
	blocked      map[string]BlockedPair
	regionLocked map[string]bool
}

// New creates a router. availability and store may be nil.
func New(cfg Config, availability Availability, store pulse.StateStore, pub stream.Publisher) *Router {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.StateName == "" {
		cfg.StateName = "router"
	}

	r := &Router{
		config:       cfg,
		availability: availability,
		store:        store,
		publisher:    stream.OrNop(pub),
		now:          time.Now,
		caps:         make(map[string]*Capability),
		blocked:      make(map[string]BlockedPair),
		regionLocked: make(map[string]bool),
	}

	seen := make(map[string]bool)
	for _, v := range cfg.Priority {
		if !seen[v] {
			seen[v] = true
			r.venues = append(r.venues, v)
		}
	}
	var extra []string
	for v := range cfg.Profiles {
		if !seen[v] {
			extra = append(extra, v)
		}
	}
	sort.Strings(extra)
	r.venues = append(r.venues, extra...)

	for _, v := range r.venues {
		p := cfg.Profiles[v]
		r.caps[v] = &Capability{
			Venue:           v,
			AssetClasses:    p.AssetClasses,
			MinNotional:     p.MinNotional,
			RegionCompliant: p.RegionCompliant,
		}
	}
	for _, s := range cfg.RegionRestricted {
		r.regionLocked[strings.ToUpper(s)] = true
	}
	return r
}

// WithClock replaces the time source
func (r *Router) WithClock(now func() time.Time) *Router {
	r.now = now
	return r
}

// Venues returns the venues in priority order
func (r *Router) Venues() []string {
	return append([]string(nil), r.venues...)
}

func pairKey(symbol, venue string) string {
	return strings.ToUpper(symbol) + "@" + venue
}

// DetectRestriction classifies errText and records the restriction. Permanent
// symbol restrictions also block the (symbol, venue) pair. Unclassified text
// records nothing and returns nil.
func (r *Router) DetectRestriction(ctx context.Context, venue, errText, symbol string) *Restriction {
	kind, permanent, expiry := Classify(errText)
	if kind == KindUnknown {
		return nil
	}

	now := r.now()
	res := Restriction{
		Venue:      venue,
		Kind:       kind,
		Symbol:     symbol,
		Permanent:  permanent,
		Reason:     errText,
		DetectedAt: now,
	}
	if !permanent && expiry > 0 {
		exp := now.Add(expiry)
		res.ExpiresAt = &exp
	}

	r.mu.Lock()
	r.pruneLocked(now)
	replaced := false
	for i, existing := range r.restrictions {
		if existing.Venue == venue && existing.Kind == kind && strings.EqualFold(existing.Symbol, symbol) {
			r.restrictions[i] = res
			replaced = true
			break
		}
	}
	if !replaced {
		r.restrictions = append(r.restrictions, res)
	}
	blocked := false
	if permanent && symbol != "" {
		key := pairKey(symbol, venue)
		if _, ok := r.blocked[key]; !ok {
			r.blocked[key] = BlockedPair{Symbol: symbol, Venue: venue, Kind: kind, Reason: errText, Since: now}
			blocked = true
		}
	}
	r.mu.Unlock()

	log.Warn().
		Str("venue", venue).
		Str("symbol", symbol).
		Str("kind", string(kind)).
		Bool("permanent", permanent).
		Bool("pair_blocked", blocked).
		Msg("Venue restriction detected")
	r.publisher.Publish(ctx, stream.TopicRestriction, res)
	return &res
}

func (r *Router) pruneLocked(now time.Time) {
	kept := r.restrictions[:0]
	for _, res := range r.restrictions {
		if res.Active(now) {
			kept = append(kept, res)
		}
	}
	r.restrictions = kept
}

// availabilityOf queries the breaker for every venue before any router lock
// is taken.
func (r *Router) availabilityOf() map[string]string {
	out := make(map[string]string)
	if r.availability == nil {
		return out
	}
	for _, v := range r.venues {
		if ok, reason := r.availability.IsAvailable(v); !ok {
			if reason == "" {
				reason = "unavailable"
			}
			out[v] = reason
		}
	}
	return out
}

// rejectLocked returns why venue cannot take the trade, or "" if it can
func (r *Router) rejectLocked(venue string, req Request, unavailable map[string]string, now time.Time) string {
	c, ok := r.caps[venue]
	if !ok {
		return "unknown venue"
	}
	if reason, down := unavailable[venue]; down {
		return "circuit breaker: " + reason
	}
	if !c.supports(req.AssetClass) {
		return "asset class " + req.AssetClass + " not supported"
	}
	if bp, ok := r.blocked[pairKey(req.Symbol, venue)]; ok {
		return fmt.Sprintf("pair blocked (%s)", bp.Kind)
	}
	for _, res := range r.restrictions {
		if res.Venue == venue && res.Kind.excludes() && res.appliesTo(req.Symbol) && res.Active(now) {
			return fmt.Sprintf("restricted (%s)", res.Kind)
		}
	}
	if req.Notional > 0 && req.Notional < c.MinNotional {
		return fmt.Sprintf("notional %.2f below minimum %.2f", req.Notional, c.MinNotional)
	}
	if r.regionLocked[strings.ToUpper(req.Symbol)] && !c.RegionCompliant {
		return "symbol is region restricted"
	}
	return ""
}

// scoreLocked applies the rubric: base 100, +50 healthy, +20 success within
// the hour or +10 within the day, -5 per failure, +20 region compliant.
func (r *Router) scoreLocked(c *Capability, now time.Time) float64 {
	score := 100.0
	if c.SuccessRate() >= r.config.MinSuccessRate {
		score += 50
	}
	if c.LastSuccess != nil {
		switch age := now.Sub(*c.LastSuccess); {
		case age <= time.Hour:
			score += 20
		case age <= 24*time.Hour:
			score += 10
		}
	}
	score -= 5 * float64(c.FailedTrades)
	if c.RegionCompliant {
		score += 20
	}
	return score
}

// pick returns the best eligible venue outside exclude, plus the rejection
// reason for every venue that was filtered out.
func (r *Router) pick(req Request, exclude map[string]bool) (Candidate, map[string]string, error) {
	unavailable := r.availabilityOf()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	rejected := make(map[string]string)
	best := Candidate{}
	found := false
	for _, v := range r.venues {
		if exclude[v] {
			rejected[v] = "already attempted"
			continue
		}
		if why := r.rejectLocked(v, req, unavailable, now); why != "" {
			rejected[v] = why
			continue
		}
		// Strictly greater keeps the earlier priority on ties
		if s := r.scoreLocked(r.caps[v], now); !found || s > best.Score {
			best = Candidate{Venue: v, Score: s}
			found = true
		}
	}
	if !found {
		return Candidate{}, rejected, ErrNoVenue
	}
	return best, rejected, nil
}

// PickBestVenue returns the highest scoring eligible venue for the trade
func (r *Router) PickBestVenue(symbol, side, assetClass string, notional float64) (Candidate, error) {
	c, rejected, err := r.pick(Request{Symbol: symbol, Side: side, AssetClass: assetClass, Notional: notional}, nil)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w for %s: %s", err, symbol, describe(rejected))
	}
	return c, nil
}

// Eligible reports whether venue could take the trade right now
func (r *Router) Eligible(venue string, req Request) (bool, string) {
	unavailable := make(map[string]string)
	if r.availability != nil {
		if ok, reason := r.availability.IsAvailable(venue); !ok {
			unavailable[venue] = reason
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	why := r.rejectLocked(venue, req, unavailable, r.now())
	return why == "", why
}

// RouteTrade routes to the preferred venue when it is eligible, otherwise to
// the best scoring alternative with a reason citing why the preference lost.
func (r *Router) RouteTrade(req Request) (Route, error) {
	if req.Preferred != "" {
		ok, why := r.Eligible(req.Preferred, req)
		if ok {
			r.mu.Lock()
			score := 0.0
			if c, known := r.caps[req.Preferred]; known {
				score = r.scoreLocked(c, r.now())
			}
			r.mu.Unlock()
			return Route{Venue: req.Preferred, Reason: "preferred venue", Score: score}, nil
		}

		c, rejected, err := r.pick(req, map[string]bool{req.Preferred: true})
		if err != nil {
			rejected[req.Preferred] = why
			return Route{}, fmt.Errorf("%w for %s: %s", err, req.Symbol, describe(rejected))
		}
		reason := fmt.Sprintf("preferred venue %s unavailable (%s), routed to %s", req.Preferred, why, c.Venue)
		log.Info().Str("symbol", req.Symbol).Str("preferred", req.Preferred).Str("venue", c.Venue).Str("why", why).Msg("Trade rerouted")
		return Route{Venue: c.Venue, Reason: reason, Fallback: true, Score: c.Score}, nil
	}

	c, rejected, err := r.pick(req, nil)
	if err != nil {
		return Route{}, fmt.Errorf("%w for %s: %s", err, req.Symbol, describe(rejected))
	}
	return Route{Venue: c.Venue, Reason: fmt.Sprintf("best score %.0f", c.Score), Score: c.Score}, nil
}

// HandleTradeFailure records a failed trade on venue, learns any restriction
// from errText, and returns the next untried venue. When none remain it
// returns an ExhaustedError.
func (r *Router) HandleTradeFailure(ctx context.Context, req Request, venue, errText string, attempted []string) (Route, error) {
	now := r.now()
	r.mu.Lock()
	if c, ok := r.caps[venue]; ok {
		c.TotalTrades++
		c.FailedTrades++
		t := now
		c.LastFailure = &t
	}
	r.mu.Unlock()

	restriction := r.DetectRestriction(ctx, venue, errText, req.Symbol)
	r.save(ctx)

	exclude := map[string]bool{venue: true}
	tried := []string{}
	for _, v := range attempted {
		if !exclude[v] {
			tried = append(tried, v)
		}
		exclude[v] = true
	}
	tried = append(tried, venue)

	c, _, err := r.pick(req, exclude)
	if err != nil {
		return Route{}, &ExhaustedError{Symbol: req.Symbol, Attempted: tried, Last: errors.New(errText)}
	}

	reason := fmt.Sprintf("%s failed: %s", venue, errText)
	if restriction != nil {
		reason = fmt.Sprintf("%s restricted (%s)", venue, restriction.Kind)
	}
	return Route{Venue: c.Venue, Reason: reason, Fallback: true, Score: c.Score}, nil
}

// RecordSuccess records a successful trade on venue
func (r *Router) RecordSuccess(ctx context.Context, venue string) {
	r.mu.Lock()
	c, ok := r.caps[venue]
	if ok {
		c.TotalTrades++
		t := r.now()
		c.LastSuccess = &t
	}
	r.mu.Unlock()
	if ok {
		r.save(ctx)
	}
}

// Attempt is one try inside Execute
type Attempt struct {
	Venue  string `json:"venue"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Execute routes req and calls fn with each chosen venue until fn succeeds,
// alternatives run out, or MaxAttempts is reached.
func (r *Router) Execute(ctx context.Context, req Request, fn func(ctx context.Context, venue string) error) ([]Attempt, error) {
	route, err := r.RouteTrade(req)
	if err != nil {
		return nil, err
	}

	var attempts []Attempt
	var attempted []string
	for i := 0; i < r.config.MaxAttempts; i++ {
		err := fn(ctx, route.Venue)
		a := Attempt{Venue: route.Venue, Reason: route.Reason}
		if err == nil {
			attempts = append(attempts, a)
			r.RecordSuccess(ctx, route.Venue)
			return attempts, nil
		}
		a.Error = err.Error()
		attempts = append(attempts, a)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempts, ctxErr
		}

		next, herr := r.HandleTradeFailure(ctx, req, route.Venue, err.Error(), attempted)
		attempted = append(attempted, route.Venue)
		if herr != nil {
			return attempts, herr
		}
		route = next
	}

	return attempts, &ExhaustedError{Symbol: req.Symbol, Attempted: attempted, Last: errors.New(attempts[len(attempts)-1].Error)}
}

// BlockPair excludes (symbol, venue) from routing until UnblockPair
func (r *Router) BlockPair(ctx context.Context, symbol, venue, reason string) {
	r.mu.Lock()
	r.blocked[pairKey(symbol, venue)] = BlockedPair{Symbol: symbol, Venue: venue, Kind: KindUnknown, Reason: reason, Since: r.now()}
	r.mu.Unlock()
	r.save(ctx)
}

// UnblockPair lifts a pair block and the permanent restrictions behind it.
// This is the manual intervention path for permanent restrictions.
func (r *Router) UnblockPair(ctx context.Context, symbol, venue string) bool {
	r.mu.Lock()
	key := pairKey(symbol, venue)
	_, ok := r.blocked[key]
	delete(r.blocked, key)
	kept := r.restrictions[:0]
	for _, res := range r.restrictions {
		if res.Venue == venue && res.Permanent && strings.EqualFold(res.Symbol, symbol) {
			continue
		}
		kept = append(kept, res)
	}
	r.restrictions = kept
	r.mu.Unlock()
	if ok {
		r.save(ctx)
	}
	return ok
}

func describe(rejected map[string]string) string {
	if len(rejected) == 0 {
		return "no venues configured"
	}
	names := make([]string, 0, len(rejected))
	for v := range rejected {
		names = append(names, v)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, v := range names {
		parts = append(parts, v+": "+rejected[v])
	}
	return strings.Join(parts, "; ")
}
