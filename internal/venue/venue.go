package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateLimited is wrapped by adapters for "too many requests" responses
	ErrRateLimited = errors.New("venue rate limited the request")
	// ErrUnsupported is returned when a venue lacks a capability
	ErrUnsupported = errors.New("operation not supported by venue")
	// ErrUnknownVenue is returned by the registry for unregistered names
	ErrUnknownVenue = errors.New("unknown venue")
)

// Capability is a bit set of operations an adapter declares
type Capability uint8

const (
	CapOrderStatus Capability = 1 << iota
	CapEquity
	CapConvert
)

// Has reports whether every bit of want is set
func (c Capability) Has(want Capability) bool { return c&want == want }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapOrderStatus) {
		parts = append(parts, "order_status")
	}
	if c.Has(CapEquity) {
		parts = append(parts, "equity")
	}
	if c.Has(CapConvert) {
		parts = append(parts, "convert")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// Adapter is the minimum every venue integration provides. It declares the
// capabilities it implements; Resolve binds them once at construction.
type Adapter interface {
	Name() string
	Capabilities() Capability
}

// OrderStatusReader returns the raw order document a venue reports
type OrderStatusReader interface {
	OrderStatus(ctx context.Context, orderID, symbol string) (map[string]any, error)
}

// EquityReader reports total account equity in USD
type EquityReader interface {
	TotalEquity(ctx context.Context) (decimal.Decimal, error)
}

// Edge is one direct conversion on a venue
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Pair string `json:"pair"`
	Side string `json:"side"` // buy | sell
}

// Ticker is the latest market view of an asset in USD
type Ticker struct {
	Asset        string  `json:"asset"`
	Last         float64 `json:"last"`
	Change24hPct float64 `json:"change_24h_pct"`
	VolumeUSD    float64 `json:"volume_usd"`
}

// Conversion is the outcome of a direct asset conversion
type Conversion struct {
	OrderIDs  []string `json:"order_ids"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	AmountIn  float64  `json:"amount_in"`
	AmountOut float64  `json:"amount_out"`
}

// Converter moves capital between assets on one venue
type Converter interface {
	Balances(ctx context.Context) (map[string]float64, error)
	Adjacency(ctx context.Context) (map[string][]Edge, error)
	Convert(ctx context.Context, from, to string, amount float64) (Conversion, error)
	ValueUSD(ctx context.Context, asset string, amount float64) (float64, error)
	Ticker(ctx context.Context, asset string) (Ticker, error)
	DryRun() bool
}

// Client is a venue with its capabilities bound to concrete interfaces
type Client struct {
	name      string
	caps      Capability
	orders    OrderStatusReader
	equity    EquityReader
	converter Converter
}

// Resolve checks that a implements every capability it declares and binds
// them. A declared capability without the matching method is a programming
// error reported here rather than at call time.
func Resolve(a Adapter) (*Client, error) {
	c := &Client{name: a.Name(), caps: a.Capabilities()}
	if c.caps.Has(CapOrderStatus) {
		r, ok := a.(OrderStatusReader)
		if !ok {
			return nil, fmt.Errorf("venue %s declares order_status but does not implement it", c.name)
		}
		c.orders = r
	}
	if c.caps.Has(CapEquity) {
		r, ok := a.(EquityReader)
		if !ok {
			return nil, fmt.Errorf("venue %s declares equity but does not implement it", c.name)
		}
		c.equity = r
	}
	if c.caps.Has(CapConvert) {
		r, ok := a.(Converter)
		if !ok {
			return nil, fmt.Errorf("venue %s declares convert but does not implement it", c.name)
		}
		c.converter = r
	}
	return c, nil
}

// Name returns the venue name
func (c *Client) Name() string { return c.name }

// Capabilities returns the declared capabilities
func (c *Client) Capabilities() Capability { return c.caps }

// Orders returns the order status reader, or nil
func (c *Client) Orders() OrderStatusReader { return c.orders }

// Equity returns the equity reader, or nil
func (c *Client) Equity() EquityReader { return c.equity }

// Converter returns the converter, or nil
func (c *Client) Converter() Converter { return c.converter }

// Registry holds resolved venues in registration order
type Registry struct {
	mu     sync.RWMutex
	venues map[string]*Client
	order  []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{venues: make(map[string]*Client)}
}

// Register resolves a and adds it, replacing any venue of the same name
func (r *Registry) Register(a Adapter) error {
	c, err := Resolve(a)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.venues[c.name]; !exists {
		r.order = append(r.order, c.name)
	}
	r.venues[c.name] = c
	return nil
}

// Get returns a venue by name
func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return c, nil
}

// Names returns venue names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// With returns venues that declare every bit of caps, in registration order
func (r *Registry) With(caps Capability) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Client
	for _, name := range r.order {
		if c := r.venues[name]; c.caps.Has(caps) {
			out = append(out, c)
		}
	}
	return out
}

// EquityReaders returns name -> reader for every equity-capable venue
func (r *Registry) EquityReaders() map[string]EquityReader {
	out := make(map[string]EquityReader)
	for _, c := range r.With(CapEquity) {
		out[c.name] = c.equity
	}
	return out
}

// Converters returns name -> converter for every convert-capable venue
func (r *Registry) Converters() map[string]Converter {
	out := make(map[string]Converter)
	for _, c := range r.With(CapConvert) {
		out[c.name] = c.converter
	}
	return out
}

// SortedKeys returns the keys of m in ascending order
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
