package ops

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SwitchManager holds operator toggles: a global kill switch and per-venue
// switches. They sit in front of every automated check.
type SwitchManager struct {
	mu             sync.RWMutex
	killSwitch     bool
	disabledVenues map[string]bool
	lastUpdated    map[string]time.Time
	now            func() time.Time
}

// SwitchStatus represents the current status of all switches
type SwitchStatus struct {
	KillSwitch     bool                 `json:"kill_switch"`
	DisabledVenues []string             `json:"disabled_venues"`
	LastUpdated    map[string]time.Time `json:"last_updated,omitempty"`
}

// NewSwitchManager creates a switch manager from the configured state
func NewSwitchManager(killSwitch bool, disabledVenues []string) *SwitchManager {
	s := &SwitchManager{
		killSwitch:     killSwitch,
		disabledVenues: make(map[string]bool),
		lastUpdated:    make(map[string]time.Time),
		now:            time.Now,
	}
	for _, v := range disabledVenues {
		s.disabledVenues[v] = true
	}
	return s
}

// IsTradingEnabled reports whether the kill switch is off
func (s *SwitchManager) IsTradingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.killSwitch
}

// IsVenueEnabled checks if a venue is switched on
func (s *SwitchManager) IsVenueEnabled(venue string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.disabledVenues[venue]
}

// SetKillSwitch engages or clears the global kill switch
func (s *SwitchManager) SetKillSwitch(engaged bool) {
	s.mu.Lock()
	s.killSwitch = engaged
	s.lastUpdated["kill_switch"] = s.now()
	s.mu.Unlock()

	log.Warn().Bool("engaged", engaged).Msg("Kill switch updated")
}

// SetVenueSwitch enables or disables a venue
func (s *SwitchManager) SetVenueSwitch(venue string, enabled bool) {
	s.mu.Lock()
	if enabled {
		delete(s.disabledVenues, venue)
	} else {
		s.disabledVenues[venue] = true
	}
	s.lastUpdated["venue:"+venue] = s.now()
	s.mu.Unlock()

	log.Info().Str("venue", venue).Bool("enabled", enabled).Msg("Venue switch updated")
}

// GetStatus returns current status of all switches
func (s *SwitchManager) GetStatus() SwitchStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venues := make([]string, 0, len(s.disabledVenues))
	for v := range s.disabledVenues {
		venues = append(venues, v)
	}
	sort.Strings(venues)

	updated := make(map[string]time.Time, len(s.lastUpdated))
	for k, t := range s.lastUpdated {
		updated[k] = t
	}
	return SwitchStatus{KillSwitch: s.killSwitch, DisabledVenues: venues, LastUpdated: updated}
}
