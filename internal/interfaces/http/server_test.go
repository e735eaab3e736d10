package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/tradeguard/internal/metrics"
	"github.com/sawpanic/tradeguard/internal/net/circuit"
	"github.com/sawpanic/tradeguard/internal/ops"
	"github.com/sawpanic/tradeguard/internal/ops/pulse"
	"github.com/sawpanic/tradeguard/internal/stream"
)

type fixture struct {
	server   *Server
	bus      *stream.Bus
	breaker  *circuit.Breaker
	switches *ops.SwitchManager
	pulse    *pulse.Pulse
	gate     *ops.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := stream.NewBus()
	breaker := circuit.NewBreaker(circuit.Config{GlobalThreshold: 2}, bus)
	switches := ops.NewSwitchManager(false, nil)
	p := pulse.New(pulse.NewFileStore(t.TempDir()), "state", time.Minute)
	reg := metrics.NewRegistry()
	reg.Attach(bus)

	gate := ops.NewGate(ops.Deps{Breaker: breaker, Switches: switches, Pulse: p, Observer: reg}, time.Second)
	h := NewHandlers(Deps{
		Gate:     gate,
		Breaker:  breaker,
		Switches: switches,
		Bus:      bus,
		Pulse:    p,
		Metrics:  reg,
	})
	return &fixture{
		server:   NewServer(DefaultServerConfig(""), h),
		bus:      bus,
		breaker:  breaker,
		switches: switches,
		pulse:    p,
		gate:     gate,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeHealth(t *testing.T, rr *httptest.ResponseRecorder) HealthResponse {
	t.Helper()
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gate.Heartbeat(context.Background(), nil))

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	resp := decodeHealth(t, rr)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["state_pulse"].Status)
	assert.Equal(t, "pass", resp.Checks["read_only"].Status)
}

func TestHealth_StalePulseDegrades(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	resp := decodeHealth(t, rr)
	assert.Equal(t, "degraded", resp.Status, "no pulse has been written yet")
	assert.Equal(t, "warn", resp.Checks["state_pulse"].Status)
}

func TestHealth_ReadOnlyIsUnhealthy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gate.Heartbeat(context.Background(), nil))
	f.breaker.RecordFailure(context.Background(), "kraken", "timeout")
	f.breaker.RecordFailure(context.Background(), "binance", "timeout")
	require.True(t, f.breaker.ReadOnly())

	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "fail", decodeHealth(t, rr).Checks["read_only"].Status)

	rr = f.do(t, http.MethodPost, "/circuit/reset", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, f.breaker.ReadOnly())

	rr = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStatusAndSwitches(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/switches/kill", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, f.switches.IsTradingEnabled())

	v := f.gate.CheckTradeAllowed(context.Background(), "kraken", "BTC/USD", "buy")
	assert.False(t, v.Allowed)

	rr = f.do(t, http.MethodPost, "/switches/venues/okx", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, f.switches.IsVenueEnabled("okx"))

	rr = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, int64(1), status.Gate.Blocked)
	assert.True(t, status.Switches.KillSwitch)
	assert.Equal(t, []string{"okx"}, status.Switches.DisabledVenues)

	rr = f.do(t, http.MethodPost, "/switches/kill", `not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOptionalComponentsAndNotFound(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/router", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/ladder", "").Code)

	rr := f.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "endpoint_not_found", resp.Code)
}

func TestMetricsAndRecentEvents(t *testing.T) {
	f := newFixture(t)
	f.breaker.RecordFailure(context.Background(), "kraken", "timeout")
	f.do(t, http.MethodPost, "/circuit/reset/kraken", "")

	rr := f.do(t, http.MethodGet, "/events/recent?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var events []stream.Event
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, stream.TopicCircuitReset, events[len(events)-1].Topic)

	rr = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `tradeguard_circuit_resets_total{scope="venue"} 1`)
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?topic=" + stream.TopicVenueTrip
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; publish until it lands
	deadline := time.Now().Add(2 * time.Second)
	got := make(chan stream.Event, 1)
	go func() {
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()

	for {
		f.bus.Publish(context.Background(), stream.TopicCircuitReset, map[string]any{"scope": "global"})
		f.bus.Publish(context.Background(), stream.TopicVenueTrip, map[string]any{"venue": "okx"})
		select {
		case ev := <-got:
			assert.Equal(t, stream.TopicVenueTrip, ev.Topic, "filtered by topic")
			assert.True(t, ev.Verify())
			return
		case <-time.After(20 * time.Millisecond):
		}
		require.True(t, time.Now().Before(deadline), "no event received")
	}
}
