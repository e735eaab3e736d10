package router

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/tradeguard/internal/ops/pulse"
)

// State is the persisted router document: learned statistics, active
// restrictions and blocked pairs.
type State struct {
	SavedAt      time.Time             `json:"saved_at"`
	Capabilities map[string]Capability `json:"capabilities"`
	Restrictions []Restriction         `json:"restrictions"`
	Blocked      []BlockedPair         `json:"blocked"`
}

// Snapshot returns a copy of the router state
func (r *Router) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Router) snapshotLocked() State {
	now := r.now()
	r.pruneLocked(now)

	st := State{
		SavedAt:      now,
		Capabilities: make(map[string]Capability, len(r.caps)),
		Restrictions: append([]Restriction{}, r.restrictions...),
		Blocked:      make([]BlockedPair, 0, len(r.blocked)),
	}
	for v, c := range r.caps {
		st.Capabilities[v] = *c
	}
	for _, bp := range r.blocked {
		st.Blocked = append(st.Blocked, bp)
	}
	sort.Slice(st.Blocked, func(i, j int) bool {
		if st.Blocked[i].Symbol != st.Blocked[j].Symbol {
			return st.Blocked[i].Symbol < st.Blocked[j].Symbol
		}
		return st.Blocked[i].Venue < st.Blocked[j].Venue
	})
	return st
}

// save persists the router state. Failures are logged; routing carries on
// with the in-memory state.
func (r *Router) save(ctx context.Context) {
	if r.store == nil {
		return
	}
	st := r.Snapshot()
	if err := r.store.Save(ctx, r.config.StateName, st); err != nil {
		log.Error().Err(err).Str("state", r.config.StateName).Msg("Failed to persist router state")
	}
}

// Load restores learned state saved by a previous process. Static metadata
// always comes from configuration; only statistics, restrictions and blocks
// are taken from the document. A missing document is not an error.
func (r *Router) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	st, err := LoadState(ctx, r.store, r.config.StateName)
	if err != nil {
		if errors.Is(err, pulse.ErrNotFound) {
			return nil
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for v, saved := range st.Capabilities {
		c, ok := r.caps[v]
		if !ok {
			continue
		}
		c.TotalTrades = saved.TotalTrades
		c.FailedTrades = saved.FailedTrades
		c.LastSuccess = saved.LastSuccess
		c.LastFailure = saved.LastFailure
	}
	r.restrictions = append(r.restrictions[:0], st.Restrictions...)
	r.pruneLocked(r.now())
	for _, bp := range st.Blocked {
		r.blocked[pairKey(bp.Symbol, bp.Venue)] = bp
	}

	log.Info().
		Int("restrictions", len(r.restrictions)).
		Int("blocked_pairs", len(r.blocked)).
		Msg("Router state restored")
	return nil
}

// LoadState reads a router document without constructing a router
func LoadState(ctx context.Context, store pulse.StateStore, name string) (State, error) {
	var st State
	if err := store.Load(ctx, name, &st); err != nil {
		return State{}, err
	}
	return st, nil
}
