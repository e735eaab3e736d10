package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/net/budget"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/net/ratelimit"
	"github.com/sawpanic/tradeguard/internal/venue"
)

// Classifier maps a request to its limiter class and budget priority
type Classifier func(req *http.Request) (ratelimit.Class, budget.Priority)

// DefaultClassifier treats every mutating method as order flow and every read
// as market data.
func DefaultClassifier(req *http.Request) (ratelimit.Class, budget.Priority) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ratelimit.ClassData, budget.PriorityQuotes
	default:
		return ratelimit.ClassTrading, budget.PriorityExecution
	}
}

// TransportConfig configures a venue REST transport
type TransportConfig struct {
	Venue     string
	Limiter   *ratelimit.AdaptiveLimiter
	Budget    *budget.GlobalBudget
	Breaker   *circuit.Breaker
	Classify  Classifier
	UserAgent string

	MaxInFlight int // concurrent requests to the venue; 0 is unbounded
}

// Transport is an http.RoundTripper for venue REST adapters. Every request is
// budgeted and rate limited; order flow also goes through the venue breaker.
// A 429 trips the limiter and cascades through the budget.
type Transport struct {
	config    TransportConfig
	next      http.RoundTripper
	semaphore chan struct{}
}

// NewTransport wraps next, http.DefaultTransport when nil
func NewTransport(config TransportConfig, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if config.Classify == nil {
		config.Classify = DefaultClassifier
	}
	if config.UserAgent == "" {
		config.UserAgent = "tradeguard/0.4"
	}
	t := &Transport{config: config, next: next}
	if config.MaxInFlight > 0 {
		t.semaphore = make(chan struct{}, config.MaxInFlight)
	}
	return t
}

// Client returns an http.Client using this transport
func (t *Transport) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: t, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper. Responses of 429 and 5xx come back
// as a *VenueError with the body closed; other statuses are returned as-is so
// adapters can read the venue's rejection text.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	class, priority := t.config.Classify(req)

	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(ctx)
		req.Header.Set("User-Agent", t.config.UserAgent)
	}

	if t.config.Budget != nil {
		if err := t.waitBudget(ctx, priority); err != nil {
			return nil, &VenueError{Venue: t.config.Venue, Type: "budget", Err: err}
		}
	}
	if t.config.Limiter != nil {
		if err := t.config.Limiter.Wait(ctx, class); err != nil {
			return nil, &VenueError{Venue: t.config.Venue, Type: "rate_limit", Err: err}
		}
	}

	if t.semaphore != nil {
		select {
		case t.semaphore <- struct{}{}:
			defer func() { <-t.semaphore }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var resp *http.Response
	do := func(ctx context.Context) error {
		var err error
		resp, err = t.next.RoundTrip(req.WithContext(ctx))
		if err != nil {
			return &VenueError{Venue: t.config.Venue, Type: "transport", Err: err}
		}
		return t.checkStatus(ctx, resp, priority)
	}

	var err error
	if class == ratelimit.ClassTrading && t.config.Breaker != nil {
		err = t.config.Breaker.Call(ctx, t.config.Venue, do)
	} else {
		err = do(ctx)
	}
	if err != nil {
		var ve *VenueError
		if errors.As(err, &ve) {
			return nil, err
		}
		return nil, &VenueError{Venue: t.config.Venue, Type: "circuit", Err: err}
	}
	return resp, nil
}

// maxStarvedRetries bounds how many exclusion windows a non-quote request
// sits out
const maxStarvedRetries = 3

// waitBudget returns a starved quote request's rejection as-is
func (t *Transport) waitBudget(ctx context.Context, p budget.Priority) error {
	if p == budget.PriorityQuotes {
		return t.config.Budget.Wait(ctx, p)
	}
	return t.config.Budget.WaitSittingOut(ctx, p, maxStarvedRetries)
}

func (t *Transport) checkStatus(ctx context.Context, resp *http.Response, priority budget.Priority) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp)
		if t.config.Limiter != nil {
			t.config.Limiter.OnRateLimitError(ctx)
		}
		if t.config.Budget != nil {
			t.config.Budget.OnRateLimit(ctx, priority)
		}
		log.Warn().
			Str("venue", t.config.Venue).
			Str("retry_after", resp.Header.Get("Retry-After")).
			Msg("Venue returned 429")
		return &VenueError{
			Venue:      t.config.Venue,
			Type:       "rate_limit",
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Err:        venue.ErrRateLimited,
		}
	case resp.StatusCode >= 500:
		drain(resp)
		return &VenueError{
			Venue:      t.config.Venue,
			Type:       "http_error",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// VenueError is a transport-level failure with its cause
type VenueError struct {
	Venue      string        `json:"venue"`
	Type       string        `json:"type"` // budget, rate_limit, circuit, transport, http_error
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func (e *VenueError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("venue %s %s error (HTTP %d): %v", e.Venue, e.Type, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("venue %s %s error: %v", e.Venue, e.Type, e.Err)
}

func (e *VenueError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether the venue or a local limiter refused the call
func (e *VenueError) IsRateLimited() bool {
	return e.Type == "rate_limit"
}

// IsCircuitOpen reports whether the breaker refused the call
func (e *VenueError) IsCircuitOpen() bool {
	return e.Type == "circuit"
}
