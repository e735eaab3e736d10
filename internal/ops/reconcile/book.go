package reconcile

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger is an in-memory Book that the trading loop updates as fills land
type Ledger struct {
	mu        sync.RWMutex
	cash      decimal.Decimal
	positions map[string]Position
}

// NewLedger creates a ledger holding cash
func NewLedger(cash decimal.Decimal) *Ledger {
	return &Ledger{cash: cash, positions: make(map[string]Position)}
}

// SetCash replaces the cash balance
func (l *Ledger) SetCash(cash decimal.Decimal) {
	l.mu.Lock()
	l.cash = cash
	l.mu.Unlock()
}

// SetPosition records or replaces a position; a zero quantity removes it
func (l *Ledger) SetPosition(p Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.Qty.IsZero() {
		delete(l.positions, p.Symbol)
		return
	}
	l.positions[p.Symbol] = p
}

// Cash implements Book
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Positions implements Book, sorted by symbol
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Quantities returns symbol to quantity for snapshots
func (l *Ledger) Quantities() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]float64, len(l.positions))
	for sym, p := range l.positions {
		out[sym] = p.Qty.InexactFloat64()
	}
	return out
}
