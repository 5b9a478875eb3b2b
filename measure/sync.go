package measure

import (
	"math"

	"github.com/VictorTagayun/PFController/settings"
)

// SyncConfig controls when the grid counts as synchronized
type SyncConfig struct {
	StablePeriods int     `yaml:"stable_periods"` // consecutive good periods to lock
	LossPeriods   int     `yaml:"loss_periods"`   // consecutive bad periods to lose lock
	Jitter        float32 `yaml:"jitter"`         // allowed relative period change
}

// DefaultSyncConfig locks after 10 stable periods (200 ms at 50 Hz)
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{StablePeriods: 10, LossPeriods: 3, Jitter: 0.02}
}

// SyncTracker follows grid stability period by period
type SyncTracker struct {
	cfg        SyncConfig
	stable     int
	unstable   int
	synced     bool
	lost       bool
	lastPeriod float32
}

// NewSyncTracker creates an unsynchronized tracker
func NewSyncTracker(cfg SyncConfig) *SyncTracker {
	if cfg.StablePeriods < 1 {
		cfg.StablePeriods = 1
	}
	if cfg.LossPeriods < 1 {
		cfg.LossPeriods = 1
	}
	return &SyncTracker{cfg: cfg}
}

// Update consumes one period result. A period is good when it is valid,
// its frequency lies inside [FMin, FMax], every phase carries at least
// UMin and the period moved by no more than the jitter allowance.
func (s *SyncTracker) Update(p NetParams, th *settings.ProtectionThresholds) {
	good := p.Valid &&
		p.Frequency >= th.FMin && p.Frequency <= th.FMax &&
		s.steady(p.PeriodUS)
	if good {
		for k := 0; k < 3; k++ {
			if p.U0Hz[k] < th.UMin {
				good = false
			}
		}
	}
	if p.Valid {
		s.lastPeriod = p.PeriodUS
	} else {
		s.lastPeriod = 0
	}

	if good {
		s.unstable = 0
		if s.stable < s.cfg.StablePeriods {
			s.stable++
		}
		if s.stable >= s.cfg.StablePeriods {
			s.synced = true
		}
		return
	}

	s.stable = 0
	s.unstable++
	if s.synced && s.unstable >= s.cfg.LossPeriods {
		s.synced = false
		s.lost = true
	}
}

func (s *SyncTracker) steady(period float32) bool {
	if s.lastPeriod == 0 {
		return true
	}
	return float32(math.Abs(float64(period-s.lastPeriod))) <= s.cfg.Jitter*s.lastPeriod
}

// Synced reports a locked grid
func (s *SyncTracker) Synced() bool { return s.synced }

// Lost reports that a lock was held and then lost; it stays set until Reset
func (s *SyncTracker) Lost() bool { return s.lost }

// StableCount returns the current run of good periods
func (s *SyncTracker) StableCount() int { return s.stable }

// Reset drops the lock and the loss flag
func (s *SyncTracker) Reset() {
	*s = SyncTracker{cfg: s.cfg}
}
