package pulse

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is the document written every heartbeat
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
	Positions any            `json:"positions"`
	Sections  map[string]any `json:"sections"`
}

// Pulse writes snapshots through a StateStore and tracks their freshness
type Pulse struct {
	store      StateStore
	name       string
	staleAfter time.Duration
	now        func() time.Time

	mu        sync.Mutex
	lastWrite time.Time
	count     int64
	failures  int64
}

// New creates a pulse saving under name
func New(store StateStore, name string, staleAfter time.Duration) *Pulse {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &Pulse{
		store:      store,
		name:       name,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// WithClock replaces the time source
func (p *Pulse) WithClock(now func() time.Time) *Pulse {
	p.now = now
	return p
}

// Beat stamps and saves snap. Counters only move on a successful save.
func (p *Pulse) Beat(ctx context.Context, snap Snapshot) error {
	p.mu.Lock()
	seq := p.count + 1
	p.mu.Unlock()

	now := p.now()
	snap.Timestamp = now.UTC()
	snap.Sequence = seq
	if snap.Sections == nil {
		snap.Sections = map[string]any{}
	}

	if err := p.store.Save(ctx, p.name, snap); err != nil {
		p.mu.Lock()
		p.failures++
		p.mu.Unlock()
		log.Error().Err(err).Str("state", p.name).Msg("State pulse write failed")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.count {
		p.count = seq
		p.lastWrite = now
	}
	return nil
}

// IsStale reports whether no pulse has been written within the threshold.
// It is true before the first pulse.
func (p *Pulse) IsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastWrite.IsZero() {
		return true
	}
	return p.now().Sub(p.lastWrite) > p.staleAfter
}

// LastWrite returns the time of the last successful pulse
func (p *Pulse) LastWrite() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastWrite
}

// Count returns the number of successful pulses
func (p *Pulse) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Failures returns the number of failed writes
func (p *Pulse) Failures() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Load reads back the last saved snapshot
func (p *Pulse) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := p.store.Load(ctx, p.name, &snap)
	return snap, err
}

// Status summarises freshness for health endpoints
type Status struct {
	Stale     bool      `json:"stale"`
	LastWrite time.Time `json:"last_write"`
	Count     int64     `json:"count"`
	Failures  int64     `json:"failures"`
}

// Status returns the pulse freshness summary
func (p *Pulse) Status() Status {
	stale := p.IsStale()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Stale: stale, LastWrite: p.lastWrite, Count: p.count, Failures: p.failures}
}
