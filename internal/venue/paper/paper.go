package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/tradeguard/internal/venue"
)

// Config seeds a paper venue
type Config struct {
	Name      string
	Quote     string // Asset every pair is quoted in, USD when empty
	DryRun    bool
	Balances  map[string]float64
	Prices    map[string]float64 // USD per unit
	Change24h map[string]float64 // Percent
	VolumeUSD map[string]float64
}

// Venue is an in-memory venue that fills every conversion at its price table.
// Each priced asset trades directly against the quote asset.
type Venue struct {
	name   string
	quote  string
	dryRun bool

	mu        sync.Mutex
	balances  map[string]float64
	prices    map[string]float64
	change24h map[string]float64
	volume    map[string]float64
	orders    map[string]map[string]any
}

// New creates a paper venue
func New(cfg Config) *Venue {
	if cfg.Name == "" {
		cfg.Name = "paper"
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	v := &Venue{
		name:      cfg.Name,
		quote:     strings.ToUpper(cfg.Quote),
		dryRun:    cfg.DryRun,
		balances:  upperKeys(cfg.Balances),
		prices:    upperKeys(cfg.Prices),
		change24h: upperKeys(cfg.Change24h),
		volume:    upperKeys(cfg.VolumeUSD),
		orders:    make(map[string]map[string]any),
	}
	if _, ok := v.prices[v.quote]; !ok {
		v.prices[v.quote] = 1
	}
	return v
}

func upperKeys(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, val := range m {
		out[strings.ToUpper(k)] = val
	}
	return out
}

// Name implements venue.Adapter
func (v *Venue) Name() string { return v.name }

// Capabilities implements venue.Adapter
func (v *Venue) Capabilities() venue.Capability {
	return venue.CapOrderStatus | venue.CapEquity | venue.CapConvert
}

// DryRun implements venue.Converter
func (v *Venue) DryRun() bool { return v.dryRun }

// SetPrice updates the USD price of asset
func (v *Venue) SetPrice(asset string, price float64) {
	v.mu.Lock()
	v.prices[strings.ToUpper(asset)] = price
	v.mu.Unlock()
}

// SetBalance replaces the balance of asset
func (v *Venue) SetBalance(asset string, amount float64) {
	v.mu.Lock()
	v.balances[strings.ToUpper(asset)] = amount
	v.mu.Unlock()
}

// Balances implements venue.Converter; zero balances are omitted
func (v *Venue) Balances(context.Context) (map[string]float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]float64, len(v.balances))
	for asset, amount := range v.balances {
		if amount > 0 {
			out[asset] = amount
		}
	}
	return out, nil
}

// Adjacency implements venue.Converter
func (v *Venue) Adjacency(context.Context) (map[string][]venue.Edge, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	adj := make(map[string][]venue.Edge)
	for _, asset := range venue.SortedKeys(v.prices) {
		if asset == v.quote || v.prices[asset] <= 0 {
			continue
		}
		pair := asset + "/" + v.quote
		adj[asset] = append(adj[asset], venue.Edge{From: asset, To: v.quote, Pair: pair, Side: "sell"})
		adj[v.quote] = append(adj[v.quote], venue.Edge{From: v.quote, To: asset, Pair: pair, Side: "buy"})
	}
	return adj, nil
}

func (v *Venue) priceLocked(asset string) (float64, error) {
	p, ok := v.prices[strings.ToUpper(asset)]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%s: no price for %s", v.name, asset)
	}
	return p, nil
}

// ValueUSD implements venue.Converter
func (v *Venue) ValueUSD(_ context.Context, asset string, amount float64) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, err := v.priceLocked(asset)
	if err != nil {
		return 0, err
	}
	return amount * p, nil
}

// Ticker implements venue.Converter
func (v *Venue) Ticker(_ context.Context, asset string) (venue.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	asset = strings.ToUpper(asset)
	p, err := v.priceLocked(asset)
	if err != nil {
		return venue.Ticker{}, err
	}
	return venue.Ticker{
		Asset:        asset,
		Last:         p,
		Change24hPct: v.change24h[asset],
		VolumeUSD:    v.volume[asset],
	}, nil
}

// Convert implements venue.Converter. Only direct pairs against the quote
// asset are accepted.
func (v *Venue) Convert(_ context.Context, from, to string, amount float64) (venue.Conversion, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from != v.quote && to != v.quote {
		return venue.Conversion{}, fmt.Errorf("%s: no market %s/%s", v.name, from, to)
	}
	if amount <= 0 {
		return venue.Conversion{}, fmt.Errorf("%s: invalid amount %v", v.name, amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	pFrom, err := v.priceLocked(from)
	if err != nil {
		return venue.Conversion{}, err
	}
	pTo, err := v.priceLocked(to)
	if err != nil {
		return venue.Conversion{}, err
	}
	if v.balances[from] < amount {
		return venue.Conversion{}, fmt.Errorf("%s: insufficient funds: %s balance %v < %v", v.name, from, v.balances[from], amount)
	}

	out := amount * pFrom / pTo
	v.balances[from] -= amount
	v.balances[to] += out

	id := uuid.NewString()
	v.orders[id] = map[string]any{
		"status":   "closed",
		"average":  pFrom / pTo,
		"filled":   out,
		"symbol":   from + "/" + to,
		"order_id": id,
	}
	return venue.Conversion{OrderIDs: []string{id}, From: from, To: to, AmountIn: amount, AmountOut: out}, nil
}

// OrderStatus implements venue.OrderStatusReader
func (v *Venue) OrderStatus(_ context.Context, orderID, _ string) (map[string]any, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	doc, ok := v.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: order %s not found", v.name, orderID)
	}
	out := make(map[string]any, len(doc))
	for k, val := range doc {
		out[k] = val
	}
	return out, nil
}

// TotalEquity implements venue.EquityReader. Unpriced balances count as zero.
func (v *Venue) TotalEquity(context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	assets := make([]string, 0, len(v.balances))
	for a := range v.balances {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	total := decimal.Zero
	for _, a := range assets {
		p, ok := v.prices[a]
		if !ok {
			continue
		}
		total = total.Add(decimal.NewFromFloat(v.balances[a]).Mul(decimal.NewFromFloat(p)))
	}
	return total, nil
}
