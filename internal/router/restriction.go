package router

import (
	"strings"
	"time"
)

// Kind classifies a venue restriction learned from an error message
type Kind string

const (
	KindSymbolNotPermitted Kind = "symbol_not_permitted"
	KindPermissionLimited  Kind = "permission_limited"
	KindInsufficientFunds  Kind = "insufficient_funds"
	KindMinNotional        Kind = "minimum_notional"
	KindMinQuantity        Kind = "minimum_quantity"
	KindMarketClosed       Kind = "market_closed"
	KindCancelOnly         Kind = "cancel_only"
	KindRateLimited        Kind = "rate_limited"
	KindIPRestricted       Kind = "ip_restricted"
	KindMaintenance        Kind = "maintenance"
	KindUnknown            Kind = "unknown"
)

// Restriction is a learned limitation of a venue, optionally for one symbol
type Restriction struct {
	Venue      string     `json:"venue"`
	Kind       Kind       `json:"kind"`
	Symbol     string     `json:"symbol,omitempty"`
	Permanent  bool       `json:"permanent"`
	Reason     string     `json:"reason"`
	DetectedAt time.Time  `json:"detected_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the restriction still applies at now
func (r Restriction) Active(now time.Time) bool {
	if r.Permanent || r.ExpiresAt == nil {
		return true
	}
	return now.Before(*r.ExpiresAt)
}

// appliesTo reports whether the restriction covers symbol on its venue. A
// restriction without a symbol covers the whole venue.
func (r Restriction) appliesTo(symbol string) bool {
	return r.Symbol == "" || strings.EqualFold(r.Symbol, symbol)
}

// excludes marks kinds that remove a venue from routing while active.
// Funding, size and rate limits are per-order conditions and only count as
// failures.
func (k Kind) excludes() bool {
	switch k {
	case KindSymbolNotPermitted, KindPermissionLimited, KindMarketClosed,
		KindCancelOnly, KindIPRestricted, KindMaintenance:
		return true
	}
	return false
}

type pattern struct {
	kind      Kind
	needles   []string
	permanent bool
	expiry    time.Duration
}

// patterns are matched in order against the lowercased error text; the first
// hit wins, so the more specific categories come first.
var patterns = []pattern{
	{
		kind:      KindSymbolNotPermitted,
		needles:   []string{"symbol not permitted", "symbol is not permitted", "symbol not allowed", "pair not allowed", "market not available for this account"},
		permanent: true,
	},
	{
		kind:      KindPermissionLimited,
		needles:   []string{"permission denied", "insufficient permission", "not authorized", "unauthorized", "account restricted", "trading not allowed", "trading not permitted", "operation not allowed", "operation not permitted"},
		permanent: true,
	},
	{
		kind:    KindInsufficientFunds,
		needles: []string{"insufficient funds", "insufficient balance", "not enough balance", "balance too low", "account has insufficient"},
		expiry:  5 * time.Minute,
	},
	{
		kind:    KindMinNotional,
		needles: []string{"min_notional", "minimum notional", "notional too small", "order value too small", "below minimum order value", "minimum order value"},
		expiry:  time.Hour,
	},
	{
		kind:    KindMinQuantity,
		needles: []string{"lot_size", "minimum quantity", "min qty", "quantity too small", "order size too small", "below minimum", "volume minimum not met"},
		expiry:  time.Hour,
	},
	{
		kind:    KindMarketClosed,
		needles: []string{"market closed", "market is closed", "trading halted", "trading is disabled", "market suspended", "market in post-only"},
		expiry:  time.Hour,
	},
	{
		kind:    KindCancelOnly,
		needles: []string{"cancel only", "cancel-only", "cancel_only", "cancelonly"},
		expiry:  30 * time.Minute,
	},
	{
		kind:    KindRateLimited,
		needles: []string{"rate limit", "too many requests", "429", "request limit exceeded", "throttled"},
		expiry:  time.Minute,
	},
	{
		kind:    KindIPRestricted,
		needles: []string{"ip not allowed", "ip restricted", "ip address", "restricted location", "not available in your region", "unsupported region", "geo"},
		expiry:  24 * time.Hour,
	},
	{
		kind:    KindMaintenance,
		needles: []string{"maintenance", "system upgrade", "temporarily unavailable", "service unavailable"},
		expiry:  15 * time.Minute,
	},
}

// Classify maps error text to a restriction kind, its permanence and expiry.
// Unmatched text is KindUnknown.
func Classify(errText string) (Kind, bool, time.Duration) {
	lower := strings.ToLower(errText)
	for _, p := range patterns {
		for _, n := range p.needles {
			if strings.Contains(lower, n) {
				return p.kind, p.permanent, p.expiry
			}
		}
	}
	return KindUnknown, false, 0
}
