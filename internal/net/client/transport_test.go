package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/net/budget"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/net/ratelimit"
	"github.com/sawpanic/tradeguard/internal/venue"
)

func testLimiter() *ratelimit.AdaptiveLimiter {
	return ratelimit.NewAdaptiveLimiter("kraken", ratelimit.AdaptiveConfig{
		TradingRPS:   100,
		TradingBurst: 10,
		DataRPS:      100,
		DataBurst:    10,
		Backoff:      ratelimit.DefaultBackoffConfig(),
	}, nil)
}

func statusServer(t *testing.T, status int, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"`+http.StatusText(status)+`"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRequest(t *testing.T, method, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	return req
}

func TestDefaultClassifier(t *testing.T) {
	class, prio := DefaultClassifier(newRequest(t, http.MethodGet, "http://x/ticker"))
	assert.Equal(t, ratelimit.ClassData, class)
	assert.Equal(t, budget.PriorityQuotes, prio)

	class, prio = DefaultClassifier(newRequest(t, http.MethodPost, "http://x/order"))
	assert.Equal(t, ratelimit.ClassTrading, class)
	assert.Equal(t, budget.PriorityExecution, prio)
}

func TestTransport_PassesThroughAndSetsUserAgent(t *testing.T) {
	var ua atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua.Store(r.Header.Get("User-Agent"))
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	limiter := testLimiter()
	tr := NewTransport(TransportConfig{Venue: "kraken", Limiter: limiter}, nil)

	resp, err := tr.Client(5 * time.Second).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "tradeguard/0.4", ua.Load())
	assert.Equal(t, int64(1), limiter.Stats().DataAllowed)
	assert.Zero(t, limiter.Stats().TradingAllowed)
}

func TestTransport_ClientErrorsAreReturnedAsResponses(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusBadRequest, &hits)
	breaker := circuit.NewBreaker(circuit.DefaultConfig(), nil)
	tr := NewTransport(TransportConfig{Venue: "kraken", Breaker: breaker}, nil)

	resp, err := tr.RoundTrip(newRequest(t, http.MethodPost, srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Bad Request")
	assert.Zero(t, breaker.Status().Venues["kraken"].RecentFailures)
}

func TestTransport_RateLimitTripsLimiterAndBudget(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusTooManyRequests, &hits)
	limiter := testLimiter()
	b := budget.New(budget.DefaultConfig(), nil)
	tr := NewTransport(TransportConfig{Venue: "kraken", Limiter: limiter, Budget: b}, nil)

	resp, err := tr.RoundTrip(newRequest(t, http.MethodGet, srv.URL))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, venue.ErrRateLimited)

	var ve *VenueError
	require.True(t, errors.As(err, &ve))
	assert.True(t, ve.IsRateLimited())
	assert.Equal(t, http.StatusTooManyRequests, ve.StatusCode)
	assert.Equal(t, 2*time.Second, ve.RetryAfter)

	assert.Equal(t, 1, limiter.Backoff().TripCount)
	for _, c := range b.Stats().Classes {
		if c.Priority == budget.PriorityQuotes.String() {
			assert.Equal(t, 1, c.Backoff.TripCount)
		}
	}
}

func TestTransport_RateLimitSurvivesClientWrapping(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusTooManyRequests, &hits)
	tr := NewTransport(TransportConfig{Venue: "kraken"}, nil)

	_, err := tr.Client(time.Second).Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, venue.ErrRateLimited)
}

func TestTransport_ServerErrorsTripBreakerForOrderFlowOnly(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusBadGateway, &hits)
	breaker := circuit.NewBreaker(circuit.Config{VenueThreshold: 3, GlobalThreshold: 100}, nil)
	tr := NewTransport(TransportConfig{Venue: "kraken", Breaker: breaker}, nil)

	for i := 0; i < 5; i++ {
		_, err := tr.RoundTrip(newRequest(t, http.MethodGet, srv.URL))
		require.Error(t, err)
	}
	ok, _ := breaker.IsAvailable("kraken")
	assert.True(t, ok, "reads never trip the breaker")

	for i := 0; i < 3; i++ {
		_, err := tr.RoundTrip(newRequest(t, http.MethodPost, srv.URL))
		var ve *VenueError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "http_error", ve.Type)
		assert.Equal(t, http.StatusBadGateway, ve.StatusCode)
	}
	ok, _ = breaker.IsAvailable("kraken")
	assert.False(t, ok)

	before := atomic.LoadInt32(&hits)
	_, err := tr.RoundTrip(newRequest(t, http.MethodPost, srv.URL))
	var ve *VenueError
	require.True(t, errors.As(err, &ve))
	assert.True(t, ve.IsCircuitOpen())
	assert.ErrorIs(t, err, circuit.ErrVenueDisabled)
	assert.Equal(t, before, atomic.LoadInt32(&hits), "an open breaker never reaches the venue")
}

func TestTransport_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewTransport(TransportConfig{Venue: "kraken"}, nil)
	_, err := tr.RoundTrip(newRequest(t, http.MethodGet, url))
	var ve *VenueError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "transport", ve.Type)
	assert.True(t, strings.HasPrefix(ve.Error(), "venue kraken transport error"))
}

func TestTransport_CancelledWhileWaiting(t *testing.T) {
	limiter := testLimiter()
	limiter.OnRateLimitError(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:1", nil)
	require.NoError(t, err)

	tr := NewTransport(TransportConfig{Venue: "kraken", Limiter: limiter}, nil)
	_, err = tr.RoundTrip(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("soon"))
	assert.Equal(t, 7*time.Second, retryAfter("7"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.InDelta(t, time.Minute.Seconds(), retryAfter(future).Seconds(), 2)
}

func TestTransport_MaxInFlight(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
	}))
	defer srv.Close()

	tr := NewTransport(TransportConfig{Venue: "kraken", MaxInFlight: 2}, nil)
	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		go func() {
			resp, err := tr.RoundTrip(newRequest(t, http.MethodGet, srv.URL))
			if err == nil {
				resp.Body.Close()
			}
			done <- struct{}{}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestTransport_StarvedQuoteRequestIsRejected(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusOK, &hits)
	b := budget.New(budget.DefaultConfig(), nil)
	require.NoError(t, b.Acquire(budget.PriorityPositions))
	tr := NewTransport(TransportConfig{Venue: "kraken", Budget: b}, nil)

	_, err := tr.RoundTrip(newRequest(t, http.MethodGet, srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrStarved)
	var ve *VenueError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "budget", ve.Type)
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestTransport_PositionsRequestSitsOutExecutionWindow(t *testing.T) {
	var hits int32
	srv := statusServer(t, http.StatusOK, &hits)
	b := budget.New(budget.DefaultConfig(), nil)
	require.NoError(t, b.Acquire(budget.PriorityExecution))
	tr := NewTransport(TransportConfig{
		Venue:  "kraken",
		Budget: b,
		Classify: func(*http.Request) (ratelimit.Class, budget.Priority) {
			return ratelimit.ClassData, budget.PriorityPositions
		},
	}, nil)

	start := time.Now()
	resp, err := tr.RoundTrip(newRequest(t, http.MethodGet, srv.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
