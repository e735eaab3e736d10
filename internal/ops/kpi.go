package ops

import (
	"sync"
	"time"
)

// KPITracker tracks rolling pre-trade check KPIs
type KPITracker struct {
	mu     sync.RWMutex
	window time.Duration
	now    func() time.Time

	allowedTimes  []time.Time
	blockedTimes  []time.Time
	degradedTimes []time.Time
	blockedBy     map[string][]time.Time

	totalChecks int64
}

// KPIMetrics represents current KPI values
type KPIMetrics struct {
	ChecksPerMinute     float64        `json:"checks_per_minute"`
	BlockRatePercent    float64        `json:"block_rate_percent"`
	DegradedRatePercent float64        `json:"degraded_rate_percent"`
	BlocksByCheck       map[string]int `json:"blocks_by_check"`
	TotalChecks         int64          `json:"total_checks"`
}

// NewKPITracker creates a tracker over a rolling window
func NewKPITracker(window time.Duration) *KPITracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &KPITracker{
		window:    window,
		now:       time.Now,
		blockedBy: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source
func (k *KPITracker) WithClock(now func() time.Time) *KPITracker {
	k.now = now
	return k
}

// Record accounts one verdict
func (k *KPITracker) Record(v Verdict) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	k.totalChecks++
	if v.Allowed {
		k.allowedTimes = append(k.allowedTimes, now)
	} else {
		k.blockedTimes = append(k.blockedTimes, now)
		k.blockedBy[v.Blocker] = append(k.blockedBy[v.Blocker], now)
	}
	if v.Degraded {
		k.degradedTimes = append(k.degradedTimes, now)
	}
	k.cleanLocked(now)
}

// GetMetrics returns current KPI metrics
func (k *KPITracker) GetMetrics() KPIMetrics {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.cleanLocked(k.now())

	total := len(k.allowedTimes) + len(k.blockedTimes)
	m := KPIMetrics{
		ChecksPerMinute: float64(total) * 60.0 / k.window.Seconds(),
		BlocksByCheck:   make(map[string]int, len(k.blockedBy)),
		TotalChecks:     k.totalChecks,
	}
	if total > 0 {
		m.BlockRatePercent = float64(len(k.blockedTimes)) / float64(total) * 100.0
		m.DegradedRatePercent = float64(len(k.degradedTimes)) / float64(total) * 100.0
	}
	for name, times := range k.blockedBy {
		m.BlocksByCheck[name] = len(times)
	}
	return m
}

func (k *KPITracker) cleanLocked(now time.Time) {
	cutoff := now.Add(-k.window)
	k.allowedTimes = prune(k.allowedTimes, cutoff)
	k.blockedTimes = prune(k.blockedTimes, cutoff)
	k.degradedTimes = prune(k.degradedTimes, cutoff)
	for name, times := range k.blockedBy {
		if kept := prune(times, cutoff); len(kept) > 0 {
			k.blockedBy[name] = kept
		} else {
			delete(k.blockedBy, name)
		}
	}
}

// prune removes times outside the window
func prune(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
