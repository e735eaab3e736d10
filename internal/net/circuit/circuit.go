package circuit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/stream"
)

var (
	// ErrGlobalReadOnly is returned while the breaker is in global read-only mode
	ErrGlobalReadOnly = errors.New("global read-only mode active")
	// ErrVenueDisabled is returned while a venue is inside its cooldown
	ErrVenueDisabled = errors.New("venue disabled by circuit breaker")
)

// UnavailableError provides the reason a venue cannot be used
type UnavailableError struct {
	Venue  string
	Reason string
	Until  time.Time // zero when the condition requires a manual reset
	global bool
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("venue %s unavailable: %s", e.Venue, e.Reason)
}

// Unwrap exposes the matching sentinel
func (e *UnavailableError) Unwrap() error {
	if e.global {
		return ErrGlobalReadOnly
	}
	return ErrVenueDisabled
}

// Config represents circuit breaker configuration
type Config struct {
	Window          time.Duration // Rolling failure window
	VenueThreshold  int           // Failures within Window that disable a venue
	Cooldown        time.Duration // How long a tripped venue stays disabled
	GlobalThreshold int           // Failures across all venues that force read-only
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Window:          5 * time.Minute,
		VenueThreshold:  3,
		Cooldown:        5 * time.Minute,
		GlobalThreshold: 10,
	}
}

type venueState struct {
	failures      []time.Time // ascending, pruned to the window
	disabledUntil time.Time
	trips         int
	lastReason    string
}

// Breaker tracks a sliding window of failures per venue. Enough failures on
// one venue disable it for a cooldown; enough failures across all venues put
// the process into global read-only mode, which only ResetGlobal clears.
type Breaker struct {
	mu            sync.Mutex
	config        Config
	venues        map[string]*venueState
	readOnly      bool
	readOnlySince time.Time
	totalTrips    int

	now       func() time.Time
	publisher stream.Publisher
}

// NewBreaker creates a new circuit breaker with the specified configuration
func NewBreaker(config Config, pub stream.Publisher) *Breaker {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.VenueThreshold < 1 {
		config.VenueThreshold = def.VenueThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.GlobalThreshold < 1 {
		config.GlobalThreshold = def.GlobalThreshold
	}
	return &Breaker{
		config:    config,
		venues:    make(map[string]*venueState),
		now:       time.Now,
		publisher: stream.OrNop(pub),
	}
}

// WithClock replaces the time source
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) venueLocked(venue string) *venueState {
	vs, ok := b.venues[venue]
	if !ok {
		vs = &venueState{}
		b.venues[venue] = vs
	}
	return vs
}

func (b *Breaker) pruneLocked(vs *venueState, now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(vs.failures) && !vs.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		vs.failures = append(vs.failures[:0], vs.failures[i:]...)
	}
}

// RecordFailure records a failure for venue. Reaching the venue threshold
// disables the venue for the cooldown (re-tripping refreshes the cooldown);
// reaching the global threshold across all venues enables read-only mode.
func (b *Breaker) RecordFailure(ctx context.Context, venue, reason string) {
	b.mu.Lock()
	now := b.now()
	vs := b.venueLocked(venue)
	vs.failures = append(vs.failures, now)
	vs.lastReason = reason

	total := 0
	for _, s := range b.venues {
		b.pruneLocked(s, now)
		total += len(s.failures)
	}

	recent := len(vs.failures)
	tripped := false
	if recent >= b.config.VenueThreshold {
		if !now.Before(vs.disabledUntil) {
			vs.trips++
			b.totalTrips++
			tripped = true
		}
		vs.disabledUntil = now.Add(b.config.Cooldown)
	}
	until := vs.disabledUntil
	trips := vs.trips

	wentReadOnly := false
	if !b.readOnly && total >= b.config.GlobalThreshold {
		b.readOnly = true
		b.readOnlySince = now
		wentReadOnly = true
	}
	b.mu.Unlock()

	if tripped {
		log.Warn().
			Str("venue", venue).
			Int("failures", recent).
			Time("disabled_until", until).
			Str("reason", reason).
			Msg("Circuit breaker tripped for venue")
		b.publisher.Publish(ctx, stream.TopicVenueTrip, map[string]any{
			"venue":          venue,
			"failures":       recent,
			"trip_count":     trips,
			"disabled_until": until,
			"reason":         reason,
		})
	}
	if wentReadOnly {
		log.Error().
			Int("failures", total).
			Int("threshold", b.config.GlobalThreshold).
			Msg("Global failure threshold crossed, entering read-only mode")
		b.publisher.Publish(ctx, stream.TopicGlobalReadOnly, map[string]any{
			"failures":  total,
			"threshold": b.config.GlobalThreshold,
			"since":     now,
			"venue":     venue,
		})
	}
}

// RecordSuccess clears the venue's failure history. An active cooldown is
// left to expire on its own.
func (b *Breaker) RecordSuccess(venue string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if vs, ok := b.venues[venue]; ok {
		vs.failures = vs.failures[:0]
	}
}

// IsAvailable reports whether venue may receive trading traffic and, if not,
// why. Global read-only wins over any per-venue state.
func (b *Breaker) IsAvailable(venue string) (bool, string) {
	if err := b.Check(venue); err != nil {
		var ue *UnavailableError
		if errors.As(err, &ue) {
			return false, ue.Reason
		}
		return false, err.Error()
	}
	return true, ""
}

// Check is the error form of IsAvailable
func (b *Breaker) Check(venue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readOnly {
		return &UnavailableError{
			Venue:  venue,
			Reason: fmt.Sprintf("global read-only since %s", b.readOnlySince.UTC().Format(time.RFC3339)),
			global: true,
		}
	}

	vs, ok := b.venues[venue]
	if !ok || vs.disabledUntil.IsZero() {
		return nil
	}
	now := b.now()
	if now.Before(vs.disabledUntil) {
		reason := fmt.Sprintf("circuit open after %d failures (%s), retry in %s",
			b.config.VenueThreshold, vs.lastReason, vs.disabledUntil.Sub(now).Round(time.Second))
		return &UnavailableError{Venue: venue, Reason: reason, Until: vs.disabledUntil}
	}

	vs.disabledUntil = time.Time{}
	return nil
}

// Call runs fn if venue is available and records the outcome
func (b *Breaker) Call(ctx context.Context, venue string, fn func(ctx context.Context) error) error {
	if err := b.Check(venue); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure(ctx, venue, err.Error())
		return err
	}
	b.RecordSuccess(venue)
	return nil
}

// ReadOnly reports whether global read-only mode is active
func (b *Breaker) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

// ResetGlobal is the only way out of read-only mode. It also clears every
// venue's state.
func (b *Breaker) ResetGlobal(ctx context.Context) {
	b.mu.Lock()
	wasReadOnly := b.readOnly
	b.readOnly = false
	b.readOnlySince = time.Time{}
	b.venues = make(map[string]*venueState)
	b.mu.Unlock()

	log.Info().Bool("was_read_only", wasReadOnly).Msg("Circuit breaker globally reset")
	b.publisher.Publish(ctx, stream.TopicCircuitReset, map[string]any{
		"scope":         "global",
		"was_read_only": wasReadOnly,
	})
}

// ResetVenue clears one venue's failures and cooldown; read-only mode is untouched
func (b *Breaker) ResetVenue(ctx context.Context, venue string) {
	b.mu.Lock()
	delete(b.venues, venue)
	b.mu.Unlock()

	log.Info().Str("venue", venue).Msg("Circuit breaker reset for venue")
	b.publisher.Publish(ctx, stream.TopicCircuitReset, map[string]any{
		"scope": "venue",
		"venue": venue,
	})
}

// VenueStatus represents one venue's breaker state
type VenueStatus struct {
	Venue          string     `json:"venue"`
	Available      bool       `json:"available"`
	RecentFailures int        `json:"recent_failures"`
	DisabledUntil  *time.Time `json:"disabled_until,omitempty"`
	Trips          int        `json:"trips"`
	LastReason     string     `json:"last_reason,omitempty"`
}

// Status represents circuit breaker state for the pulse and HTTP surface
type Status struct {
	GlobalReadOnly bool                   `json:"global_read_only"`
	ReadOnlySince  *time.Time             `json:"read_only_since,omitempty"`
	Venues         map[string]VenueStatus `json:"venues"`
	Trips          int                    `json:"trips"`
}

// Status returns a copy of the breaker state
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st := Status{
		GlobalReadOnly: b.readOnly,
		Venues:         make(map[string]VenueStatus, len(b.venues)),
		Trips:          b.totalTrips,
	}
	if b.readOnly {
		since := b.readOnlySince
		st.ReadOnlySince = &since
	}
	for name, vs := range b.venues {
		b.pruneLocked(vs, now)
		v := VenueStatus{
			Venue:          name,
			Available:      !b.readOnly && !now.Before(vs.disabledUntil),
			RecentFailures: len(vs.failures),
			Trips:          vs.trips,
			LastReason:     vs.lastReason,
		}
		if now.Before(vs.disabledUntil) {
			until := vs.disabledUntil
			v.DisabledUntil = &until
		}
		st.Venues[name] = v
	}
	return st
}

// Unavailable returns the venues currently refusing traffic, sorted
func (s Status) Unavailable() []string {
	var out []string
	for name, v := range s.Venues {
		if !v.Available {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
