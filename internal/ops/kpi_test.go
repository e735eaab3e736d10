package ops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKPITracker_Rates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewKPITracker(time.Minute).WithClock(func() time.Time { return now })

	for i := 0; i < 6; i++ {
		tracker.Record(Verdict{Allowed: true})
	}
	tracker.Record(Verdict{Allowed: true, Degraded: true})
	tracker.Record(Verdict{Allowed: true, Degraded: true})
	tracker.Record(Verdict{Blocker: CheckVenue})
	tracker.Record(Verdict{Blocker: CheckSymbolLock})

	m := tracker.GetMetrics()
	assert.InDelta(t, 10.0, m.ChecksPerMinute, 1e-9)
	assert.InDelta(t, 20.0, m.BlockRatePercent, 1e-9)
	assert.InDelta(t, 20.0, m.DegradedRatePercent, 1e-9)
	assert.Equal(t, map[string]int{CheckVenue: 1, CheckSymbolLock: 1}, m.BlocksByCheck)
}

func TestKPITracker_WindowExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewKPITracker(time.Minute).WithClock(func() time.Time { return now })

	tracker.Record(Verdict{Blocker: CheckHalt})
	now = now.Add(61 * time.Second)
	tracker.Record(Verdict{Allowed: true})

	m := tracker.GetMetrics()
	assert.Zero(t, m.BlockRatePercent)
	assert.Empty(t, m.BlocksByCheck)
	assert.Equal(t, int64(2), m.TotalChecks, "lifetime total survives the window")
}
